package audit

import (
	"sort"
	"time"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	Type          EventType `json:"eventType,omitempty"`
	Severity      Severity  `json:"severity,omitempty"`
	MinSeverity   Severity  `json:"minSeverity,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	SourceAddress string    `json:"sourceAddress,omitempty"`
	Since         time.Time `json:"since,omitempty"`
	Until         time.Time `json:"until,omitempty"`
	Limit         int       `json:"limit,omitempty"`
}

// Match reports whether the event satisfies the filter, ignoring Limit.
func (f Filter) Match(e Event) bool {
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.Severity != "" && e.Severity != f.Severity {
		return false
	}
	if f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.SourceAddress != "" && e.SourceAddress != f.SourceAddress {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Events returns the buffered events matching filter, most recent first by
// timestamp. Events with equal timestamps keep newest-recorded first.
func (l *Log) Events(filter Filter) []Event {
	l.mu.RLock()
	var out []Event
	l.events.DoReverse(func(e Event) bool {
		if filter.Match(e) {
			out = append(out, e)
		}
		return true
	})
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// AddressCount pairs a source address with an event count.
type AddressCount struct {
	Address string `json:"address"`
	Count   int    `json:"count"`
}

// Metrics summarizes the log.
type Metrics struct {
	Counters
	TotalEvents        int64               `json:"totalEvents"`
	BufferedEvents     int                 `json:"bufferedEvents"`
	SyntheticEvents    int64               `json:"syntheticEvents"`
	DroppedSinkEvents  int64               `json:"droppedSinkEvents"`
	EventsByType       map[EventType]int64 `json:"eventsByType"`
	EventsBySeverity   map[Severity]int64  `json:"eventsBySeverity"`
	TopSourceAddresses []AddressCount      `json:"topSourceAddresses"`
	LastEventAt        time.Time           `json:"lastEventAt,omitempty"`
}

const topAddressLimit = 10

// Metrics returns the aggregate counters together with figures derived from
// the buffer.
func (l *Log) Metrics() Metrics {
	l.mu.RLock()
	defer l.mu.RUnlock()

	m := Metrics{
		Counters:          l.counters,
		TotalEvents:       l.total,
		BufferedEvents:    l.events.Len(),
		SyntheticEvents:   l.synthetic,
		DroppedSinkEvents: l.dropped.Load(),
		EventsByType:      make(map[EventType]int64, len(l.byType)),
		EventsBySeverity:  make(map[Severity]int64, len(l.bySeverity)),
	}
	for k, v := range l.byType {
		m.EventsByType[k] = v
	}
	for k, v := range l.bySeverity {
		m.EventsBySeverity[k] = v
	}

	addresses := make(map[string]int)
	l.events.Do(func(e Event) bool {
		if e.SourceAddress != "" {
			addresses[e.SourceAddress]++
		}
		return true
	})
	m.TopSourceAddresses = topAddresses(addresses, topAddressLimit)

	if newest, ok := l.events.Newest(); ok {
		m.LastEventAt = newest.Timestamp
	}
	return m
}

func topAddresses(counts map[string]int, limit int) []AddressCount {
	out := make([]AddressCount, 0, len(counts))
	for addr, n := range counts {
		out = append(out, AddressCount{Address: addr, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
