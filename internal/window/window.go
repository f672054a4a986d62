// Package window provides the clock and time-window helpers shared by the
// security monitors and the audit log.
package window

import (
	"time"
)

// Clock returns the current time. Components take a Clock so tests can
// move time without sleeping.
type Clock func() time.Time

// System is the wall clock.
func System() time.Time {
	return time.Now()
}

// Within reports whether ts falls inside the trailing window of length d
// ending at now.
func Within(ts, now time.Time, d time.Duration) bool {
	if ts.After(now) {
		return false
	}
	return !ts.Before(now.Add(-d))
}

// Normalize clamps a caller-supplied timestamp. Zero values become now and
// timestamps in the future are pulled back to now.
func Normalize(ts, now time.Time) time.Time {
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

// NonNegative returns d, or zero when d is negative.
func NonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}

// Range is an inclusive time range. A zero bound leaves that side open.
type Range struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

// Last returns the range covering the trailing d up to now.
func Last(d time.Duration, now time.Time) Range {
	return Range{Start: now.Add(-d), End: now}
}

// Contains reports whether ts lies inside the range.
func (r Range) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (r Range) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}
