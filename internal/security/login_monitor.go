package security

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
)

// LoginAttempt is one authentication outcome reported by the host
// application.
type LoginAttempt struct {
	Timestamp     time.Time `json:"timestamp"`
	Email         string    `json:"email"`
	SourceAddress string    `json:"sourceAddress"`
	UserAgent     string    `json:"userAgent,omitempty"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failureReason,omitempty"`
}

type loginPattern struct {
	attempts  *datastructures.Ring[LoginAttempt]
	score     int
	firstSeen time.Time
	lastSeen  time.Time
}

// LoginPattern is a snapshot of the behavior observed from one address.
type LoginPattern struct {
	SourceAddress   string    `json:"sourceAddress"`
	Attempts        int       `json:"attempts"`
	Failures        int       `json:"failures"`
	DistinctEmails  int       `json:"distinctEmails"`
	SuspiciousScore int       `json:"suspiciousScore"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
}

type addressBlock struct {
	reason    string
	blockedAt time.Time
	until     time.Time // zero blocks indefinitely
}

func (b addressBlock) active(now time.Time) bool {
	return b.until.IsZero() || now.Before(b.until)
}

// BlockedAddress describes an entry on the blocklist.
type BlockedAddress struct {
	Address   string    `json:"address"`
	Reason    string    `json:"reason,omitempty"`
	BlockedAt time.Time `json:"blockedAt"`
	Until     time.Time `json:"until,omitempty"`
}

// LoginMonitor builds per-address login patterns, scores them and detects
// login attacks.
type LoginMonitor struct {
	logger     *zap.Logger
	clock      window.Clock
	audit      audit.Recorder
	thresholds atomic.Pointer[LoginThresholds]

	globalMu sync.RWMutex
	global   *datastructures.Ring[LoginAttempt]

	patterns *datastructures.ShardedMap[*loginPattern]
	blocked  *datastructures.ShardedMap[addressBlock]
}

// NewLoginMonitor creates a login monitor that forwards events to recorder.
func NewLoginMonitor(logger *zap.Logger, recorder audit.Recorder, thresholds LoginThresholds, opts ...Option) *LoginMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if recorder == nil {
		recorder = audit.Discard
	}
	o := buildOptions(opts)
	thresholds = thresholds.withDefaults()

	m := &LoginMonitor{
		logger:   logger,
		clock:    o.clock,
		audit:    recorder,
		global:   datastructures.NewRing[LoginAttempt](thresholds.GlobalLogSize),
		patterns: datastructures.NewShardedMap[*loginPattern](o.shards),
		blocked:  datastructures.NewShardedMap[addressBlock](o.shards),
	}
	m.thresholds.Store(&thresholds)
	return m
}

// SetThresholds replaces the thresholds. Ring sizes only apply to patterns
// created afterwards.
func (m *LoginMonitor) SetThresholds(t LoginThresholds) {
	t = t.withDefaults()
	m.thresholds.Store(&t)
}

// Thresholds returns the active thresholds.
func (m *LoginMonitor) Thresholds() LoginThresholds {
	return *m.thresholds.Load()
}

// NormalizeEmail trims and case-folds an email address.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}

// TrackLoginAttempt records an authentication outcome and returns the
// updated suspicious score of its source address.
func (m *LoginMonitor) TrackLoginAttempt(attempt LoginAttempt) int {
	now := m.clock()
	t := m.Thresholds()

	attempt.Timestamp = window.Normalize(attempt.Timestamp, now)
	attempt.Email = NormalizeEmail(attempt.Email)
	attempt.SourceAddress = normalizeAddress(attempt.SourceAddress)
	if attempt.Success {
		attempt.FailureReason = ""
	}

	var (
		score          int
		distinctBefore int
		distinctAfter  int
	)
	m.patterns.Update(attempt.SourceAddress, func(p *loginPattern, exists bool) (*loginPattern, bool) {
		if !exists {
			p = &loginPattern{
				attempts:  datastructures.NewRing[LoginAttempt](t.PatternSize),
				firstSeen: attempt.Timestamp,
			}
		}
		distinctBefore = distinctEmails(p.attempts)
		p.attempts.Push(attempt)
		if attempt.Timestamp.After(p.lastSeen) {
			p.lastSeen = attempt.Timestamp
		}
		p.score = scoreLoginPattern(p.attempts, now, t)
		distinctAfter = distinctEmails(p.attempts)
		score = p.score
		return p, true
	})

	m.globalMu.Lock()
	m.global.Push(attempt)
	m.globalMu.Unlock()

	eventType, severity := audit.EventLoginSuccess, audit.SeverityLow
	if !attempt.Success {
		eventType, severity = audit.EventLoginFailed, audit.SeverityMedium
	}
	details := map[string]interface{}{
		"email":           attempt.Email,
		"suspiciousScore": score,
	}
	if attempt.FailureReason != "" {
		details["failureReason"] = attempt.FailureReason
	}
	if attempt.UserAgent != "" {
		details["userAgent"] = attempt.UserAgent
	}
	m.audit.Record(eventType, severity, details,
		audit.WithSourceAddress(attempt.SourceAddress),
		audit.WithTimestamp(attempt.Timestamp),
	)

	if distinctBefore <= t.EnumerationAlertEmails && distinctAfter > t.EnumerationAlertEmails {
		m.logger.Warn("Possible account enumeration",
			zap.String("source_address", attempt.SourceAddress),
			zap.Int("distinct_emails", distinctAfter),
		)
		m.audit.Record(audit.EventSuspiciousActivity, audit.SeverityMedium, map[string]interface{}{
			"reason":         "possible_account_enumeration",
			"distinctEmails": distinctAfter,
		}, audit.WithSourceAddress(attempt.SourceAddress))
	}
	return score
}

func distinctEmails(attempts *datastructures.Ring[LoginAttempt]) int {
	seen := make(map[string]struct{})
	attempts.Do(func(a LoginAttempt) bool {
		seen[a.Email] = struct{}{}
		return true
	})
	return len(seen)
}

// scoreLoginPattern scores the attempts inside the trailing score window.
func scoreLoginPattern(attempts *datastructures.Ring[LoginAttempt], now time.Time, t LoginThresholds) int {
	var (
		total    int
		failures int
		emails   = make(map[string]struct{})
		agents   = make(map[string]struct{})
	)
	attempts.DoReverse(func(a LoginAttempt) bool {
		if !window.Within(a.Timestamp, now, t.ScoreWindow) {
			return true
		}
		total++
		if !a.Success {
			failures++
		}
		emails[a.Email] = struct{}{}
		agents[a.UserAgent] = struct{}{}
		return true
	})
	if total == 0 {
		return 0
	}

	score := float64(failures) / float64(total) * float64(t.FailureRateWeight)
	switch {
	case total > t.HighAttemptCount:
		score += float64(t.HighFrequencyPoints)
	case total > t.ModerateAttemptCount:
		score += float64(t.ModerateFrequencyPoints)
	}
	switch {
	case len(emails) > t.HighDistinctEmails:
		score += float64(t.HighEmailSpreadPoints)
	case len(emails) > t.ModerateDistinctEmails:
		score += float64(t.ModerateEmailSpreadPoints)
	}
	if len(agents) == 1 && total > t.SingleAgentMinAttempts {
		score += float64(t.SingleAgentPoints)
	}
	return clampScore(int(score))
}

// Pattern returns a snapshot of the pattern for addr.
func (m *LoginMonitor) Pattern(addr string) (LoginPattern, bool) {
	addr = normalizeAddress(addr)
	var (
		out   LoginPattern
		found bool
	)
	m.patterns.View(addr, func(p *loginPattern, exists bool) {
		if !exists {
			return
		}
		found = true
		out = snapshotLoginPattern(addr, p)
	})
	return out, found
}

func snapshotLoginPattern(addr string, p *loginPattern) LoginPattern {
	out := LoginPattern{
		SourceAddress:   addr,
		Attempts:        p.attempts.Len(),
		DistinctEmails:  distinctEmails(p.attempts),
		SuspiciousScore: p.score,
		FirstSeen:       p.firstSeen,
		LastSeen:        p.lastSeen,
	}
	p.attempts.Do(func(a LoginAttempt) bool {
		if !a.Success {
			out.Failures++
		}
		return true
	})
	return out
}

// ReasonCount pairs a failure reason with its frequency.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// LoginStats summarizes login activity in a time range.
type LoginStats struct {
	TotalAttempts       int                  `json:"totalAttempts"`
	Successful          int                  `json:"successful"`
	Failed              int                  `json:"failed"`
	SuccessRate         float64              `json:"successRate"`
	UniqueEmails        int                  `json:"uniqueEmails"`
	UniqueAddresses     int                  `json:"uniqueAddresses"`
	TopFailureReasons   []ReasonCount        `json:"topFailureReasons"`
	TopSourceAddresses  []audit.AddressCount `json:"topSourceAddresses"`
	BlockedAddresses    int                  `json:"blockedAddresses"`
	SuspiciousAddresses []LoginPattern       `json:"suspiciousAddresses"`
}

const topListLimit = 10

// LoginStats aggregates the global attempt log inside r. A zero range
// covers the whole log.
func (m *LoginMonitor) LoginStats(r window.Range) LoginStats {
	now := m.clock()
	t := m.Thresholds()

	var stats LoginStats
	emails := make(map[string]struct{})
	addresses := make(map[string]int)
	reasons := make(map[string]int)

	m.globalMu.RLock()
	m.global.Do(func(a LoginAttempt) bool {
		if !r.Contains(a.Timestamp) {
			return true
		}
		stats.TotalAttempts++
		if a.Success {
			stats.Successful++
		} else {
			stats.Failed++
			if a.FailureReason != "" {
				reasons[a.FailureReason]++
			}
		}
		emails[a.Email] = struct{}{}
		addresses[a.SourceAddress]++
		return true
	})
	m.globalMu.RUnlock()

	if stats.TotalAttempts > 0 {
		stats.SuccessRate = float64(stats.Successful) / float64(stats.TotalAttempts)
	}
	stats.UniqueEmails = len(emails)
	stats.UniqueAddresses = len(addresses)
	stats.TopFailureReasons = topReasons(reasons, topListLimit)
	stats.TopSourceAddresses = topCounts(addresses, topListLimit)

	m.blocked.Range(func(_ string, b addressBlock) bool {
		if b.active(now) {
			stats.BlockedAddresses++
		}
		return true
	})
	m.patterns.Range(func(addr string, p *loginPattern) bool {
		if p.score >= t.SuspiciousScore {
			stats.SuspiciousAddresses = append(stats.SuspiciousAddresses, snapshotLoginPattern(addr, p))
		}
		return true
	})
	sort.Slice(stats.SuspiciousAddresses, func(i, j int) bool {
		a, b := stats.SuspiciousAddresses[i], stats.SuspiciousAddresses[j]
		if a.SuspiciousScore != b.SuspiciousScore {
			return a.SuspiciousScore > b.SuspiciousScore
		}
		return a.SourceAddress < b.SourceAddress
	})
	return stats
}

func topReasons(counts map[string]int, limit int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, n := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topCounts(counts map[string]int, limit int) []audit.AddressCount {
	out := make([]audit.AddressCount, 0, len(counts))
	for addr, n := range counts {
		out = append(out, audit.AddressCount{Address: addr, Count: n})
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

// ThreatAnalysis is the login monitor's view of current threats.
type ThreatAnalysis struct {
	Threats         []Threat  `json:"threats"`
	RiskScore       int       `json:"riskScore"`
	Recommendations []string  `json:"recommendations"`
	AnalyzedAt      time.Time `json:"analyzedAt"`
}

// ThreatAnalysis evaluates every pattern and the global attempt log.
func (m *LoginMonitor) ThreatAnalysis() ThreatAnalysis {
	now := m.clock()
	t := m.Thresholds()

	var threats []Threat
	m.patterns.Range(func(addr string, p *loginPattern) bool {
		failures := 0
		emails := make(map[string]struct{})
		p.attempts.Do(func(a LoginAttempt) bool {
			emails[a.Email] = struct{}{}
			if !a.Success && window.Within(a.Timestamp, now, t.BruteForceWindow) {
				failures++
			}
			return true
		})

		if failures > t.BruteForceFailures {
			threats = append(threats, Threat{
				Type:          ThreatBruteForce,
				Severity:      audit.SeverityCritical,
				Confidence:    t.BruteForceConfidence,
				SourceAddress: addr,
				Description:   fmt.Sprintf("%d failed logins from %s in the last %s", failures, addr, t.BruteForceWindow),
				Evidence:      map[string]interface{}{"failedAttempts": failures, "suspiciousScore": p.score},
				DetectedAt:    now,
			})
		}
		if len(emails) > t.EnumerationEmails {
			threats = append(threats, Threat{
				Type:          ThreatAccountEnumeration,
				Severity:      audit.SeverityHigh,
				Confidence:    t.EnumerationConfidence,
				SourceAddress: addr,
				Description:   fmt.Sprintf("%s attempted %d distinct accounts", addr, len(emails)),
				Evidence:      map[string]interface{}{"distinctEmails": len(emails)},
				DetectedAt:    now,
			})
		}
		return true
	})

	attempts := 0
	addresses := make(map[string]struct{})
	emails := make(map[string]struct{})
	m.globalMu.RLock()
	m.global.DoReverse(func(a LoginAttempt) bool {
		if !window.Within(a.Timestamp, now, t.DistributedWindow) {
			return true
		}
		attempts++
		addresses[a.SourceAddress] = struct{}{}
		emails[a.Email] = struct{}{}
		return true
	})
	m.globalMu.RUnlock()

	if len(addresses) > t.DistributedAddresses && attempts > t.DistributedAttempts {
		threats = append(threats, Threat{
			Type:        ThreatDistributedAttack,
			Severity:    audit.SeverityHigh,
			Confidence:  t.DistributedConfidence,
			Description: fmt.Sprintf("%d login attempts from %d addresses in the last %s", attempts, len(addresses), t.DistributedWindow),
			Evidence:    map[string]interface{}{"attempts": attempts, "addresses": len(addresses)},
			DetectedAt:  now,
		})
	}
	if len(emails) > t.StuffingEmails {
		threats = append(threats, Threat{
			Type:        ThreatCredentialStuffing,
			Severity:    audit.SeverityHigh,
			Confidence:  t.StuffingConfidence,
			Description: fmt.Sprintf("%d distinct accounts attempted in the last %s", len(emails), t.DistributedWindow),
			Evidence:    map[string]interface{}{"distinctEmails": len(emails), "attempts": attempts},
			DetectedAt:  now,
		})
	}

	sortThreats(threats)
	return ThreatAnalysis{
		Threats:         threats,
		RiskScore:       riskScore(threats),
		Recommendations: loginRecommendations(threats),
		AnalyzedAt:      now,
	}
}

func riskScore(threats []Threat) int {
	if len(threats) == 0 {
		return 0
	}
	sum := 0
	for _, th := range threats {
		sum += th.Confidence
	}
	return clampScore(sum / len(threats))
}

var threatRecommendations = map[ThreatType][]string{
	ThreatBruteForce: {
		"Require CAPTCHA after repeated failed logins from the same address",
		"Apply progressive delays to failed login responses",
	},
	ThreatAccountEnumeration: {
		"Return identical responses for unknown accounts and wrong passwords",
		"Require CAPTCHA after repeated failed logins from the same address",
	},
	ThreatDistributedAttack: {
		"Enable device fingerprinting to correlate distributed attempts",
		"Consider geographic rate limiting on the login endpoint",
	},
	ThreatCredentialStuffing: {
		"Require multi-factor authentication for targeted accounts",
		"Enable device fingerprinting to correlate distributed attempts",
	},
}

func loginRecommendations(threats []Threat) []string {
	if len(threats) == 0 {
		return []string{"No active login threats detected; continue monitoring"}
	}
	seen := make(map[string]struct{})
	var out []string
	for _, th := range threats {
		for _, rec := range threatRecommendations[th.Type] {
			if _, ok := seen[rec]; ok {
				continue
			}
			seen[rec] = struct{}{}
			out = append(out, rec)
		}
	}
	return out
}

// BlockSourceAddress adds addr to the blocklist for ttl, or indefinitely
// when ttl is zero.
func (m *LoginMonitor) BlockSourceAddress(addr string, ttl time.Duration, reason string) {
	now := m.clock()
	addr = normalizeAddress(addr)

	block := addressBlock{reason: reason, blockedAt: now}
	if ttl = window.NonNegative(ttl); ttl > 0 {
		block.until = now.Add(ttl)
	}
	m.blocked.Set(addr, block)

	m.logger.Info("Source address blocked",
		zap.String("source_address", addr),
		zap.Duration("ttl", ttl),
		zap.String("reason", reason),
	)
	m.audit.Record(audit.EventAddressBlocked, audit.SeverityMedium, map[string]interface{}{
		"reason": reason,
		"ttl":    ttl.String(),
	}, audit.WithSourceAddress(addr))
}

// UnblockSourceAddress removes addr from the blocklist.
func (m *LoginMonitor) UnblockSourceAddress(addr string) bool {
	addr = normalizeAddress(addr)

	existed := false
	m.blocked.Update(addr, func(_ addressBlock, exists bool) (addressBlock, bool) {
		existed = exists
		return addressBlock{}, false
	})
	if !existed {
		return false
	}

	m.logger.Info("Source address unblocked", zap.String("source_address", addr))
	m.audit.Record(audit.EventAddressUnblocked, audit.SeverityLow, nil, audit.WithSourceAddress(addr))
	return true
}

// IsBlocked reports whether addr is currently blocked.
func (m *LoginMonitor) IsBlocked(addr string) bool {
	b, ok := m.blocked.Get(normalizeAddress(addr))
	return ok && b.active(m.clock())
}

// BlockedAddresses lists the active blocks.
func (m *LoginMonitor) BlockedAddresses() []BlockedAddress {
	now := m.clock()
	var out []BlockedAddress
	m.blocked.Range(func(addr string, b addressBlock) bool {
		if b.active(now) {
			out = append(out, BlockedAddress{Address: addr, Reason: b.reason, BlockedAt: b.blockedAt, Until: b.until})
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Sweep drops idle patterns, expired blocks and global attempts older than
// the distributed-attack window.
func (m *LoginMonitor) Sweep(now time.Time) int {
	t := m.Thresholds()

	removed := m.patterns.DeleteIf(func(_ string, p *loginPattern) bool {
		return !window.Within(p.lastSeen, now, t.PatternIdleTTL)
	})
	removed += m.blocked.DeleteIf(func(_ string, b addressBlock) bool {
		return !b.active(now)
	})

	cutoff := now.Add(-t.DistributedWindow)
	m.globalMu.Lock()
	removed += m.global.DropOldest(func(a LoginAttempt) bool {
		return a.Timestamp.Before(cutoff)
	})
	m.globalMu.Unlock()
	return removed
}

// PatternCount returns the number of tracked addresses.
func (m *LoginMonitor) PatternCount() int {
	return m.patterns.Count()
}
