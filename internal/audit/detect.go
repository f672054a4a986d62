package audit

import (
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/google/uuid"
)

// detectLocked inspects a freshly appended event and returns the synthetic
// events it triggers. Synthetic events never trigger detection themselves.
func (l *Log) detectLocked(event Event, now time.Time) []Event {
	if event.Synthetic {
		return nil
	}

	var derived []Event
	switch event.Type {
	case EventLoginFailed:
		if e, ok := l.detectBruteForceLocked(event, now); ok {
			derived = append(derived, e)
		}
	case EventAPIRequest:
		l.requests.Add(event.Timestamp, 1)
		if e, ok := l.detectScanLocked(event, now); ok {
			derived = append(derived, e)
		}
	}
	return derived
}

func (l *Log) detectBruteForceLocked(event Event, now time.Time) (Event, bool) {
	target := event.Target()
	if target == "" {
		return Event{}, false
	}
	if at, ok := l.lastBrute[target]; ok && window.Within(at, now, l.config.BruteForceWindow) {
		return Event{}, false
	}

	// Timestamps may arrive out of order; stale events are skipped, not a stop.
	failures := 0
	addresses := make(map[string]struct{})
	l.events.DoReverse(func(e Event) bool {
		if !window.Within(e.Timestamp, now, l.config.BruteForceWindow) {
			return true
		}
		if e.Type == EventLoginFailed && !e.Synthetic && e.Target() == target {
			failures++
			if e.SourceAddress != "" {
				addresses[e.SourceAddress] = struct{}{}
			}
		}
		return true
	})
	if failures < l.config.BruteForceThreshold {
		return Event{}, false
	}

	l.lastBrute[target] = now
	return l.syntheticEvent(EventBruteForceDetected, SeverityCritical, now, event, map[string]interface{}{
		"target":          target,
		"failedAttempts":  failures,
		"window":          l.config.BruteForceWindow.String(),
		"sourceAddresses": len(addresses),
	}), true
}

func (l *Log) detectScanLocked(event Event, now time.Time) (Event, bool) {
	count := l.requests.Sum(now)
	if count <= l.config.ScanThreshold {
		return Event{}, false
	}
	if !l.lastScan.IsZero() && window.Within(l.lastScan, now, l.config.ScanWindow) {
		return Event{}, false
	}

	l.lastScan = now
	return l.syntheticEvent(EventSecurityScanDetected, SeverityHigh, now, event, map[string]interface{}{
		"requestCount": count,
		"window":       l.config.ScanWindow.String(),
	}), true
}

func (l *Log) syntheticEvent(t EventType, sev Severity, now time.Time, trigger Event, details map[string]interface{}) Event {
	details["triggerEventId"] = trigger.ID
	return Event{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Type:          t,
		Severity:      sev,
		UserID:        trigger.UserID,
		SourceAddress: trigger.SourceAddress,
		Details:       details,
		Metadata:      l.metadata,
		Synthetic:     true,
	}
}
