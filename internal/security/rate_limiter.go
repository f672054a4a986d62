package security

import (
	"sync/atomic"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"go.uber.org/zap"
)

// Action selects a rate-limit policy.
type Action string

const (
	ActionAuth          Action = "auth"
	ActionPasswordReset Action = "password_reset"
	ActionAPI           Action = "api"
)

// maxBlockShift bounds the progressive exponent so durations cannot overflow.
const maxBlockShift = 20

// Policy defines a fixed-window limit and the block applied on violation.
type Policy struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"block_duration"`
	// ProgressiveDelay doubles the block on each consecutive violation.
	ProgressiveDelay bool `yaml:"progressive_delay"`
	// ViolationResetAfter is how long without a violation before the
	// escalation starts over.
	ViolationResetAfter time.Duration `yaml:"violation_reset_after"`
	// MaxBlockDuration caps progressive blocks. Zero means uncapped.
	MaxBlockDuration time.Duration `yaml:"max_block_duration"`
}

// DefaultPolicies returns the built-in policies.
func DefaultPolicies() map[Action]Policy {
	return map[Action]Policy{
		ActionAuth: {
			MaxAttempts:         5,
			Window:              15 * time.Minute,
			BlockDuration:       30 * time.Minute,
			ProgressiveDelay:    true,
			ViolationResetAfter: 24 * time.Hour,
		},
		ActionPasswordReset: {
			MaxAttempts:         3,
			Window:              time.Hour,
			BlockDuration:       2 * time.Hour,
			ProgressiveDelay:    true,
			ViolationResetAfter: 24 * time.Hour,
		},
		ActionAPI: {
			MaxAttempts:         100,
			Window:              time.Hour,
			BlockDuration:       15 * time.Minute,
			ViolationResetAfter: 24 * time.Hour,
		},
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	p.BlockDuration = window.NonNegative(p.BlockDuration)
	if p.ViolationResetAfter <= 0 {
		p.ViolationResetAfter = 24 * time.Hour
	}
	p.MaxBlockDuration = window.NonNegative(p.MaxBlockDuration)
	return p
}

// blockFor returns the block length for the n-th consecutive violation.
func (p Policy) blockFor(violation int) time.Duration {
	if !p.ProgressiveDelay || violation <= 1 {
		return p.BlockDuration
	}
	shift := min(violation-1, maxBlockShift)
	d := p.BlockDuration << uint(shift)
	if p.MaxBlockDuration > 0 && d > p.MaxBlockDuration {
		return p.MaxBlockDuration
	}
	return d
}

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	Violations int           `json:"violations,omitempty"`
}

type rateLimitEntry struct {
	action          Action
	count           int
	windowResetAt   time.Time
	blocked         bool
	blockedUntil    time.Time
	violations      int
	lastViolationAt time.Time
}

func (e rateLimitEntry) blockActive(now time.Time) bool {
	return e.blocked && now.Before(e.blockedUntil)
}

// RateLimiter is a fixed-window limiter with progressive blocking, keyed by
// (identifier, action).
type RateLimiter struct {
	logger   *zap.Logger
	clock    window.Clock
	entries  *datastructures.ShardedMap[rateLimitEntry]
	policies atomic.Pointer[map[Action]Policy]
}

// NewRateLimiter creates a rate limiter. Missing policies fall back to the
// defaults; unknown actions use the API policy.
func NewRateLimiter(logger *zap.Logger, policies map[Action]Policy, opts ...Option) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := buildOptions(opts)

	rl := &RateLimiter{
		logger:  logger,
		clock:   o.clock,
		entries: datastructures.NewShardedMap[rateLimitEntry](o.shards),
	}
	rl.SetPolicies(policies)
	return rl
}

// SetPolicies replaces the policy table. Existing entries keep their current
// window and block.
func (rl *RateLimiter) SetPolicies(policies map[Action]Policy) {
	merged := DefaultPolicies()
	for action, p := range policies {
		merged[action] = p
	}
	for action, p := range merged {
		merged[action] = p.withDefaults()
	}
	rl.policies.Store(&merged)
}

// Policy returns the policy applied to action.
func (rl *RateLimiter) Policy(action Action) Policy {
	policies := *rl.policies.Load()
	if p, ok := policies[action]; ok {
		return p
	}
	return policies[ActionAPI]
}

func entryKey(identifier string, action Action) string {
	return string(action) + "\x00" + normalizeAddress(identifier)
}

// RecordAttempt counts one attempt and reports whether it is allowed.
func (rl *RateLimiter) RecordAttempt(identifier string, action Action) Decision {
	now := rl.clock()
	policy := rl.Policy(action)

	var decision Decision
	newlyBlocked := false
	rl.entries.Update(entryKey(identifier, action), func(e rateLimitEntry, exists bool) (rateLimitEntry, bool) {
		if !exists {
			e = rateLimitEntry{action: action}
		}

		if e.blockActive(now) {
			decision = Decision{
				Allowed:    false,
				ResetAt:    e.blockedUntil,
				RetryAfter: e.blockedUntil.Sub(now),
				Violations: e.violations,
			}
			return e, true
		}

		if e.violations > 0 && now.Sub(e.lastViolationAt) >= policy.ViolationResetAfter {
			e.violations = 0
		}
		if e.blocked || !now.Before(e.windowResetAt) {
			e.blocked = false
			e.blockedUntil = time.Time{}
			e.count = 0
			e.windowResetAt = now.Add(policy.Window)
		}

		e.count++
		if e.count <= policy.MaxAttempts {
			decision = Decision{
				Allowed:    true,
				Remaining:  policy.MaxAttempts - e.count,
				ResetAt:    e.windowResetAt,
				Violations: e.violations,
			}
			return e, true
		}

		e.violations++
		e.lastViolationAt = now
		block := policy.blockFor(e.violations)
		e.blocked = true
		e.blockedUntil = now.Add(block)
		newlyBlocked = true
		decision = Decision{
			Allowed:    false,
			ResetAt:    e.blockedUntil,
			RetryAfter: block,
			Violations: e.violations,
		}
		return e, true
	})

	if newlyBlocked {
		rl.logger.Info("Rate limit block applied",
			zap.String("identifier", identifier),
			zap.String("action", string(action)),
			zap.Duration("retry_after", decision.RetryAfter),
			zap.Int("violations", decision.Violations),
		)
	}
	return decision
}

// Status reports the current state without counting an attempt.
func (rl *RateLimiter) Status(identifier string, action Action) Decision {
	now := rl.clock()
	policy := rl.Policy(action)

	decision := Decision{Allowed: true, Remaining: policy.MaxAttempts, ResetAt: now.Add(policy.Window)}
	rl.entries.View(entryKey(identifier, action), func(e rateLimitEntry, exists bool) {
		if !exists {
			return
		}
		decision.Violations = e.violations
		switch {
		case e.blockActive(now):
			decision.Allowed = false
			decision.Remaining = 0
			decision.ResetAt = e.blockedUntil
			decision.RetryAfter = e.blockedUntil.Sub(now)
		case !e.blocked && now.Before(e.windowResetAt):
			decision.Remaining = max(policy.MaxAttempts-e.count, 0)
			decision.ResetAt = e.windowResetAt
			decision.Allowed = decision.Remaining > 0
		}
	})
	return decision
}

// IsLimited reports whether the next attempt would be rejected: the
// identifier is blocked or has used up the current window.
func (rl *RateLimiter) IsLimited(identifier string, action Action) bool {
	return !rl.Status(identifier, action).Allowed
}

// Reset forgets all state for (identifier, action), including escalation.
func (rl *RateLimiter) Reset(identifier string, action Action) {
	rl.entries.Delete(entryKey(identifier, action))
}

// Sweep evicts entries whose window and block have expired and whose
// escalation history has lapsed. It returns the number of evicted entries.
func (rl *RateLimiter) Sweep(now time.Time) int {
	removed := rl.entries.DeleteIf(func(_ string, e rateLimitEntry) bool {
		if now.Before(e.windowResetAt) || e.blockActive(now) {
			return false
		}
		if e.violations == 0 {
			return true
		}
		return now.Sub(e.lastViolationAt) >= rl.Policy(e.action).ViolationResetAfter
	})
	if removed > 0 {
		rl.logger.Debug("Rate limit entries swept", zap.Int("removed", removed))
	}
	return removed
}

// Len returns the number of tracked entries.
func (rl *RateLimiter) Len() int {
	return rl.entries.Count()
}

// GetStats returns current rate limiter statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	now := rl.clock()
	blocked := 0
	rl.entries.Range(func(_ string, e rateLimitEntry) bool {
		if e.blockActive(now) {
			blocked++
		}
		return true
	})
	return map[string]interface{}{
		"tracked_entries": rl.entries.Count(),
		"blocked_entries": blocked,
	}
}
