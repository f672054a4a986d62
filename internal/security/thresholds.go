package security

import (
	"time"
)

// Default suspicious-score weights for login patterns. The monitors read the
// weights from their thresholds; these are the defaults.
const (
	LoginFailureRateWeight         = 40
	LoginHighFrequencyPoints       = 30
	LoginModerateFrequencyPoints   = 15
	LoginHighEmailSpreadPoints     = 20
	LoginModerateEmailSpreadPoints = 10
	LoginSingleAgentPoints         = 15
)

// Default suspicious-score weights for API patterns.
const (
	APIHighVolumePoints     = 40
	APIModerateVolumePoints = 20
	APIHighErrorPoints      = 30
	APIModerateErrorPoints  = 15
	APISingleAgentPoints    = 20
	APIFastCadencePoints    = 25
)

// Default threat confidences.
const (
	BruteForceConfidence         = 95
	AccountEnumerationConfidence = 80
	DistributedAttackConfidence  = 85
	CredentialStuffingConfidence = 75
	RateLimitExceededConfidence  = 90
	ResourceExhaustionConfidence = 95
)

// LoginThresholds configures the login monitor. Zero values take the
// defaults.
type LoginThresholds struct {
	GlobalLogSize int           `yaml:"global_log_size"`
	PatternSize   int           `yaml:"pattern_size"`
	ScoreWindow   time.Duration `yaml:"score_window"`

	HighAttemptCount       int `yaml:"high_attempt_count"`
	ModerateAttemptCount   int `yaml:"moderate_attempt_count"`
	HighDistinctEmails     int `yaml:"high_distinct_emails"`
	ModerateDistinctEmails int `yaml:"moderate_distinct_emails"`
	SingleAgentMinAttempts int `yaml:"single_agent_min_attempts"`

	// Score weights. The failure rate is multiplied by FailureRateWeight.
	FailureRateWeight         int `yaml:"failure_rate_weight"`
	HighFrequencyPoints       int `yaml:"high_frequency_points"`
	ModerateFrequencyPoints   int `yaml:"moderate_frequency_points"`
	HighEmailSpreadPoints     int `yaml:"high_email_spread_points"`
	ModerateEmailSpreadPoints int `yaml:"moderate_email_spread_points"`
	SingleAgentPoints         int `yaml:"single_agent_points"`

	BruteForceFailures     int           `yaml:"brute_force_failures"`
	BruteForceWindow       time.Duration `yaml:"brute_force_window"`
	EnumerationEmails      int           `yaml:"enumeration_emails"`
	EnumerationAlertEmails int           `yaml:"enumeration_alert_emails"`
	DistributedWindow      time.Duration `yaml:"distributed_window"`
	DistributedAddresses   int           `yaml:"distributed_addresses"`
	DistributedAttempts    int           `yaml:"distributed_attempts"`
	StuffingEmails         int           `yaml:"stuffing_emails"`

	BruteForceConfidence  int `yaml:"brute_force_confidence"`
	EnumerationConfidence int `yaml:"enumeration_confidence"`
	DistributedConfidence int `yaml:"distributed_confidence"`
	StuffingConfidence    int `yaml:"stuffing_confidence"`

	SuspiciousScore int           `yaml:"suspicious_score"`
	PatternIdleTTL  time.Duration `yaml:"pattern_idle_ttl"`
}

// DefaultLoginThresholds returns the default login thresholds.
func DefaultLoginThresholds() LoginThresholds {
	return LoginThresholds{
		GlobalLogSize:          1000,
		PatternSize:            100,
		ScoreWindow:            time.Hour,
		HighAttemptCount:       20,
		ModerateAttemptCount:   10,
		HighDistinctEmails:     10,
		ModerateDistinctEmails: 5,
		SingleAgentMinAttempts: 10,

		FailureRateWeight:         LoginFailureRateWeight,
		HighFrequencyPoints:       LoginHighFrequencyPoints,
		ModerateFrequencyPoints:   LoginModerateFrequencyPoints,
		HighEmailSpreadPoints:     LoginHighEmailSpreadPoints,
		ModerateEmailSpreadPoints: LoginModerateEmailSpreadPoints,
		SingleAgentPoints:         LoginSingleAgentPoints,

		BruteForceFailures:     20,
		BruteForceWindow:       time.Hour,
		EnumerationEmails:      50,
		EnumerationAlertEmails: 20,
		DistributedWindow:      24 * time.Hour,
		DistributedAddresses:   50,
		DistributedAttempts:    200,
		StuffingEmails:         100,

		BruteForceConfidence:  BruteForceConfidence,
		EnumerationConfidence: AccountEnumerationConfidence,
		DistributedConfidence: DistributedAttackConfidence,
		StuffingConfidence:    CredentialStuffingConfidence,

		SuspiciousScore: 50,
		PatternIdleTTL:  24 * time.Hour,
	}
}

func (t LoginThresholds) withDefaults() LoginThresholds {
	d := DefaultLoginThresholds()
	setInt(&t.GlobalLogSize, d.GlobalLogSize)
	setInt(&t.PatternSize, d.PatternSize)
	setDuration(&t.ScoreWindow, d.ScoreWindow)
	setInt(&t.HighAttemptCount, d.HighAttemptCount)
	setInt(&t.ModerateAttemptCount, d.ModerateAttemptCount)
	setInt(&t.HighDistinctEmails, d.HighDistinctEmails)
	setInt(&t.ModerateDistinctEmails, d.ModerateDistinctEmails)
	setInt(&t.SingleAgentMinAttempts, d.SingleAgentMinAttempts)
	setInt(&t.FailureRateWeight, d.FailureRateWeight)
	setInt(&t.HighFrequencyPoints, d.HighFrequencyPoints)
	setInt(&t.ModerateFrequencyPoints, d.ModerateFrequencyPoints)
	setInt(&t.HighEmailSpreadPoints, d.HighEmailSpreadPoints)
	setInt(&t.ModerateEmailSpreadPoints, d.ModerateEmailSpreadPoints)
	setInt(&t.SingleAgentPoints, d.SingleAgentPoints)
	setInt(&t.BruteForceFailures, d.BruteForceFailures)
	setDuration(&t.BruteForceWindow, d.BruteForceWindow)
	setInt(&t.EnumerationEmails, d.EnumerationEmails)
	setInt(&t.EnumerationAlertEmails, d.EnumerationAlertEmails)
	setDuration(&t.DistributedWindow, d.DistributedWindow)
	setInt(&t.DistributedAddresses, d.DistributedAddresses)
	setInt(&t.DistributedAttempts, d.DistributedAttempts)
	setInt(&t.StuffingEmails, d.StuffingEmails)
	setInt(&t.BruteForceConfidence, d.BruteForceConfidence)
	setInt(&t.EnumerationConfidence, d.EnumerationConfidence)
	setInt(&t.DistributedConfidence, d.DistributedConfidence)
	setInt(&t.StuffingConfidence, d.StuffingConfidence)
	setInt(&t.SuspiciousScore, d.SuspiciousScore)
	setDuration(&t.PatternIdleTTL, d.PatternIdleTTL)
	return t
}

// APIThresholds configures the API traffic monitor. Zero values take the
// defaults.
//
// Request counts over ScoreWindow and ErrorFloodWindow come from 60-bucket
// counters keyed on request time, so a request can leave the count up to
// one bucket (a sixtieth of the window) early.
type APIThresholds struct {
	GlobalLogSize int           `yaml:"global_log_size"`
	PatternSize   int           `yaml:"pattern_size"`
	ScoreWindow   time.Duration `yaml:"score_window"`

	HighVolume              int           `yaml:"high_volume"`
	ModerateVolume          int           `yaml:"moderate_volume"`
	HighErrorRate           float64       `yaml:"high_error_rate"`
	ModerateErrorRate       float64       `yaml:"moderate_error_rate"`
	SingleAgentMinRequests  int           `yaml:"single_agent_min_requests"`
	FastCadence             time.Duration `yaml:"fast_cadence"`
	FastCadenceMinIntervals int           `yaml:"fast_cadence_min_intervals"`

	HighVolumePoints     int `yaml:"high_volume_points"`
	ModerateVolumePoints int `yaml:"moderate_volume_points"`
	HighErrorPoints      int `yaml:"high_error_points"`
	ModerateErrorPoints  int `yaml:"moderate_error_points"`
	SingleAgentPoints    int `yaml:"single_agent_points"`
	FastCadencePoints    int `yaml:"fast_cadence_points"`

	RateLimitRequests    int `yaml:"rate_limit_requests"`
	ScrapingScore        int `yaml:"scraping_score"`
	ExhaustionRequests   int `yaml:"exhaustion_requests"`
	RateLimitConfidence  int `yaml:"rate_limit_confidence"`
	ExhaustionConfidence int `yaml:"exhaustion_confidence"`

	ScrapingMinRequests    int           `yaml:"scraping_min_requests"`
	ScrapingMaxAvgResponse time.Duration `yaml:"scraping_max_avg_response"`
	ErrorFloodCount        int           `yaml:"error_flood_count"`
	ErrorFloodWindow       time.Duration `yaml:"error_flood_window"`
	AlertCooldown          time.Duration `yaml:"alert_cooldown"`

	SuspiciousScore int           `yaml:"suspicious_score"`
	PatternIdleTTL  time.Duration `yaml:"pattern_idle_ttl"`
}

// DefaultAPIThresholds returns the default API thresholds.
func DefaultAPIThresholds() APIThresholds {
	return APIThresholds{
		GlobalLogSize:           5000,
		PatternSize:             100,
		ScoreWindow:             time.Hour,
		HighVolume:              100,
		ModerateVolume:          50,
		HighErrorRate:           0.5,
		ModerateErrorRate:       0.25,
		SingleAgentMinRequests:  20,
		FastCadence:             100 * time.Millisecond,
		FastCadenceMinIntervals: 10,
		HighVolumePoints:        APIHighVolumePoints,
		ModerateVolumePoints:    APIModerateVolumePoints,
		HighErrorPoints:         APIHighErrorPoints,
		ModerateErrorPoints:     APIModerateErrorPoints,
		SingleAgentPoints:       APISingleAgentPoints,
		FastCadencePoints:       APIFastCadencePoints,
		RateLimitRequests:       200,
		ScrapingScore:           80,
		ExhaustionRequests:      500,
		RateLimitConfidence:     RateLimitExceededConfidence,
		ExhaustionConfidence:    ResourceExhaustionConfidence,
		ScrapingMinRequests:     50,
		ScrapingMaxAvgResponse:  200 * time.Millisecond,
		ErrorFloodCount:         20,
		ErrorFloodWindow:        10 * time.Minute,
		AlertCooldown:           15 * time.Minute,
		SuspiciousScore:         50,
		PatternIdleTTL:          24 * time.Hour,
	}
}

func (t APIThresholds) withDefaults() APIThresholds {
	d := DefaultAPIThresholds()
	setInt(&t.GlobalLogSize, d.GlobalLogSize)
	setInt(&t.PatternSize, d.PatternSize)
	setDuration(&t.ScoreWindow, d.ScoreWindow)
	setInt(&t.HighVolume, d.HighVolume)
	setInt(&t.ModerateVolume, d.ModerateVolume)
	if t.HighErrorRate <= 0 {
		t.HighErrorRate = d.HighErrorRate
	}
	if t.ModerateErrorRate <= 0 {
		t.ModerateErrorRate = d.ModerateErrorRate
	}
	setInt(&t.SingleAgentMinRequests, d.SingleAgentMinRequests)
	setDuration(&t.FastCadence, d.FastCadence)
	setInt(&t.FastCadenceMinIntervals, d.FastCadenceMinIntervals)
	setInt(&t.HighVolumePoints, d.HighVolumePoints)
	setInt(&t.ModerateVolumePoints, d.ModerateVolumePoints)
	setInt(&t.HighErrorPoints, d.HighErrorPoints)
	setInt(&t.ModerateErrorPoints, d.ModerateErrorPoints)
	setInt(&t.SingleAgentPoints, d.SingleAgentPoints)
	setInt(&t.FastCadencePoints, d.FastCadencePoints)
	setInt(&t.RateLimitRequests, d.RateLimitRequests)
	setInt(&t.ScrapingScore, d.ScrapingScore)
	setInt(&t.ExhaustionRequests, d.ExhaustionRequests)
	setInt(&t.RateLimitConfidence, d.RateLimitConfidence)
	setInt(&t.ExhaustionConfidence, d.ExhaustionConfidence)
	setInt(&t.ScrapingMinRequests, d.ScrapingMinRequests)
	setDuration(&t.ScrapingMaxAvgResponse, d.ScrapingMaxAvgResponse)
	setInt(&t.ErrorFloodCount, d.ErrorFloodCount)
	setDuration(&t.ErrorFloodWindow, d.ErrorFloodWindow)
	setDuration(&t.AlertCooldown, d.AlertCooldown)
	setInt(&t.SuspiciousScore, d.SuspiciousScore)
	setDuration(&t.PatternIdleTTL, d.PatternIdleTTL)
	return t
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setDuration(v *time.Duration, def time.Duration) {
	if *v <= 0 {
		*v = def
	}
}
