package window

import (
	"time"
)

// Counter is a sliding-window counter built from fixed-width buckets. It
// answers "how many in the trailing window" without retaining every event.
// The count is exact to bucket granularity. Counter is not safe for
// concurrent use; callers hold the lock of the structure that owns it.
type Counter struct {
	width   time.Duration
	buckets []int
	starts  []int64
}

// NewCounter creates a counter spanning span, split into n buckets.
func NewCounter(span time.Duration, n int) *Counter {
	if n <= 0 {
		n = 60
	}
	width := span / time.Duration(n)
	if width <= 0 {
		width = time.Nanosecond
	}
	return &Counter{
		width:   width,
		buckets: make([]int, n),
		starts:  make([]int64, n),
	}
}

// Add records n events at ts. Events older than the bucket already holding
// ts's slot have aged out of the window and are dropped.
func (c *Counter) Add(ts time.Time, n int) {
	slot := ts.UnixNano() / int64(c.width)
	idx := int(slot % int64(len(c.buckets)))
	if c.starts[idx] > slot {
		return
	}
	if c.starts[idx] != slot {
		c.starts[idx] = slot
		c.buckets[idx] = 0
	}
	c.buckets[idx] += n
}

// Sum returns the number of events recorded in the window ending at now.
func (c *Counter) Sum(now time.Time) int {
	current := now.UnixNano() / int64(c.width)
	oldest := current - int64(len(c.buckets)) + 1
	total := 0
	for i, start := range c.starts {
		if start >= oldest && start <= current {
			total += c.buckets[i]
		}
	}
	return total
}

// Span returns the window length covered by the counter.
func (c *Counter) Span() time.Duration {
	return c.width * time.Duration(len(c.buckets))
}
