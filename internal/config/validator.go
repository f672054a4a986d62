package config

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/database"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
)

// minJWTSecretLength is the shortest accepted HS256 signing secret.
const minJWTSecretLength = 32

// Validator is responsible for validating the application's configuration.
type Validator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks every section and reports the first failure, prefixed with
// the section name.
func (v *Validator) Validate(cfg *Config) error {
	if err := v.validateService(&cfg.Service); err != nil {
		return fmt.Errorf("service config: %w", err)
	}
	if err := cfg.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if err := v.validateServer(&cfg.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := v.validateRateLimit(&cfg.RateLimit); err != nil {
		return fmt.Errorf("rate_limit config: %w", err)
	}
	if err := v.validateAudit(&cfg.Audit); err != nil {
		return fmt.Errorf("audit config: %w", err)
	}
	if err := v.validateLoginMonitor(&cfg.LoginMonitor); err != nil {
		return fmt.Errorf("login_monitor config: %w", err)
	}
	if err := v.validateAPIMonitor(&cfg.APIMonitor); err != nil {
		return fmt.Errorf("api_monitor config: %w", err)
	}
	if cfg.RBAC.DefaultRole != "" && !cfg.RBAC.DefaultRole.Valid() {
		return fmt.Errorf("rbac config: unknown default_role %q", cfg.RBAC.DefaultRole)
	}
	if err := v.validateStorage(cfg); err != nil {
		return fmt.Errorf("storage config: %w", err)
	}
	if err := v.validateMonitoring(cfg); err != nil {
		return fmt.Errorf("monitoring config: %w", err)
	}
	return nil
}

func (v *Validator) validateService(cfg *ServiceConfig) error {
	if cfg.Name == "" {
		return errors.New("name is required")
	}
	if cfg.SweepInterval <= 0 {
		return errors.New("sweep_interval must be positive")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	return nil
}

func (v *Validator) validateServer(cfg *ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if err := v.validateListenAddress(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if len(cfg.JWTSecret) < minJWTSecretLength {
		return fmt.Errorf("jwt_secret must be at least %d characters long", minJWTSecretLength)
	}
	if cfg.RequestsPerSecond < 0 {
		return errors.New("requests_per_second cannot be negative")
	}
	if cfg.RequestsPerSecond > 0 && cfg.Burst <= 0 {
		return errors.New("burst must be positive when requests_per_second is set")
	}
	return nil
}

func (v *Validator) validateRateLimit(cfg *RateLimitConfig) error {
	for action, p := range cfg.Policies {
		if p.MaxAttempts <= 0 {
			return fmt.Errorf("policy %s: max_attempts must be positive", action)
		}
		if p.Window <= 0 {
			return fmt.Errorf("policy %s: window must be positive", action)
		}
		if p.BlockDuration < 0 {
			return fmt.Errorf("policy %s: block_duration cannot be negative", action)
		}
		if p.MaxBlockDuration > 0 && p.MaxBlockDuration < p.BlockDuration {
			return fmt.Errorf("policy %s: max_block_duration is shorter than block_duration", action)
		}
	}
	return nil
}

func (v *Validator) validateAudit(cfg *audit.Config) error {
	if cfg.Capacity <= 0 {
		return errors.New("capacity must be positive")
	}
	if cfg.Retention < 0 {
		return errors.New("retention cannot be negative")
	}
	if cfg.BruteForceThreshold <= 0 || cfg.BruteForceWindow <= 0 {
		return errors.New("brute force threshold and window must be positive")
	}
	if cfg.ScanThreshold <= 0 || cfg.ScanWindow <= 0 {
		return errors.New("scan threshold and window must be positive")
	}
	return nil
}

func (v *Validator) validateLoginMonitor(t *security.LoginThresholds) error {
	if t.GlobalLogSize <= 0 || t.PatternSize <= 0 {
		return errors.New("global_log_size and pattern_size must be positive")
	}
	if t.ModerateAttemptCount > t.HighAttemptCount {
		return errors.New("moderate_attempt_count exceeds high_attempt_count")
	}
	if t.ModerateDistinctEmails > t.HighDistinctEmails {
		return errors.New("moderate_distinct_emails exceeds high_distinct_emails")
	}
	if t.SuspiciousScore < 0 || t.SuspiciousScore > 100 {
		return errors.New("suspicious_score must be between 0 and 100")
	}
	return validateConfidences(map[string]int{
		"brute_force_confidence": t.BruteForceConfidence,
		"enumeration_confidence": t.EnumerationConfidence,
		"distributed_confidence": t.DistributedConfidence,
		"stuffing_confidence":    t.StuffingConfidence,
	})
}

func (v *Validator) validateAPIMonitor(t *security.APIThresholds) error {
	if t.GlobalLogSize <= 0 || t.PatternSize <= 0 {
		return errors.New("global_log_size and pattern_size must be positive")
	}
	if t.ModerateVolume > t.HighVolume {
		return errors.New("moderate_volume exceeds high_volume")
	}
	if t.HighErrorRate < 0 || t.HighErrorRate > 1 || t.ModerateErrorRate < 0 || t.ModerateErrorRate > t.HighErrorRate {
		return errors.New("error rates must satisfy 0 <= moderate <= high <= 1")
	}
	if t.SuspiciousScore < 0 || t.SuspiciousScore > 100 {
		return errors.New("suspicious_score must be between 0 and 100")
	}
	return validateConfidences(map[string]int{
		"rate_limit_confidence": t.RateLimitConfidence,
		"exhaustion_confidence": t.ExhaustionConfidence,
	})
}

// validateConfidences checks names in a fixed order so errors are stable.
func validateConfidences(values map[string]int) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if values[name] < 0 || values[name] > 100 {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}
	return nil
}

func (v *Validator) validateStorage(cfg *Config) error {
	switch cfg.TeamAccess.MembershipStore {
	case MembershipMemory, "":
	case MembershipSQL:
		if !cfg.Storage.Enabled {
			return errors.New("team_access.membership_store=sql requires storage to be enabled")
		}
	default:
		return fmt.Errorf("unknown membership_store %q", cfg.TeamAccess.MembershipStore)
	}

	if !cfg.Storage.Enabled {
		return nil
	}
	if _, err := database.NormalizeDriver(cfg.Storage.Database.Driver); err != nil {
		return err
	}
	if cfg.Storage.Database.DSN == "" {
		return errors.New("dsn is required")
	}
	return nil
}

func (v *Validator) validateMonitoring(cfg *Config) error {
	m := cfg.Monitoring
	if !m.Enabled || m.ListenAddr == "" {
		return nil
	}
	if err := v.validateListenAddress(m.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr: %w", err)
	}
	if cfg.Server.Enabled && m.ListenAddr == cfg.Server.ListenAddr {
		return errors.New("listen_addr must differ from server.listen_addr")
	}
	return nil
}

// validateListenAddress checks if a string is a valid network listen address.
func (v *Validator) validateListenAddress(addr string) error {
	if addr == "" {
		return errors.New("address cannot be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address format: %s", addr)
	}
	if _, err := net.LookupPort("tcp", strings.TrimSpace(port)); err != nil {
		return fmt.Errorf("invalid port: %s", addr)
	}
	return nil
}
