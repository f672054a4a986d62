package app

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 5 * time.Minute

// SweepResult counts what one janitor pass removed.
type SweepResult struct {
	RateLimitEntries int
	LoginState       int
	APIState         int
	AuditEvents      int
	StoredEvents     int64
}

// janitor periodically evicts idle state and refreshes the gauges.
func (a *Application) janitor(interval time.Duration) {
	defer a.wg.Done()
	if interval <= 0 {
		interval = defaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.Sweep(a.clock())
		}
	}
}

// Sweep runs one eviction pass at now: expired rate-limit entries, idle
// monitor patterns, expired blocks, audit events past retention and, with
// storage enabled, persisted events past retention.
func (a *Application) Sweep(now time.Time) SweepResult {
	res := SweepResult{
		RateLimitEntries: a.limiter.Sweep(now),
		LoginState:       a.logins.Sweep(now),
		APIState:         a.apis.Sweep(now),
		AuditEvents:      a.audit.Trim(now),
	}

	if retention := a.Config().Audit.Retention; a.auditStore != nil && retention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		purged, err := a.auditStore.Purge(ctx, now.Add(-retention))
		cancel()
		if err != nil {
			a.logger.Warn("Failed to purge stored audit events", zap.Error(err))
		}
		res.StoredEvents = purged
	}

	a.refreshGauges()

	a.logger.Debug("Sweep complete",
		zap.Int("rate_limit_entries", res.RateLimitEntries),
		zap.Int("login_state", res.LoginState),
		zap.Int("api_state", res.APIState),
		zap.Int("audit_events", res.AuditEvents),
		zap.Int64("stored_events", res.StoredEvents),
	)
	return res
}

func (a *Application) refreshGauges() {
	if a.metrics == nil {
		return
	}
	a.metrics.SetTracked("rate_limiter", a.limiter.Len())
	a.metrics.SetTracked("login_monitor", a.logins.PatternCount())
	a.metrics.SetTracked("api_monitor", a.apis.PatternCount())
	a.metrics.SetBlockedAddresses(len(a.logins.BlockedAddresses()))

	m := a.audit.Metrics()
	a.metrics.SetAuditBuffer(m.BufferedEvents, m.DroppedSinkEvents)
}
