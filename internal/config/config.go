package config

import (
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/database"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/logging"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/monitoring"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
)

// Membership store backends.
const (
	MembershipMemory = "memory"
	MembershipSQL    = "sql"
)

// Config is the full service configuration.
type Config struct {
	Service      ServiceConfig            `yaml:"service"`
	Logging      logging.Config           `yaml:"logging"`
	Server       ServerConfig             `yaml:"server"`
	RateLimit    RateLimitConfig          `yaml:"rate_limit"`
	Audit        audit.Config             `yaml:"audit"`
	LoginMonitor security.LoginThresholds `yaml:"login_monitor"`
	APIMonitor   security.APIThresholds   `yaml:"api_monitor"`
	RBAC         auth.RBACConfig          `yaml:"rbac"`
	TeamAccess   TeamAccessConfig         `yaml:"team_access"`
	Storage      StorageConfig            `yaml:"storage"`
	Monitoring   monitoring.MetricsConfig `yaml:"monitoring"`
}

// ServiceConfig holds process-wide settings.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// SweepInterval is the period of the janitor that evicts idle state.
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ServerConfig configures the admin and ingest HTTP API.
type ServerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// JWTSecret signs admin bearer tokens (HS256).
	JWTSecret string `yaml:"jwt_secret"`
	JWTIssuer string `yaml:"jwt_issuer"`

	// TrustForwardedFor takes the client address from X-Forwarded-For.
	TrustForwardedFor bool `yaml:"trust_forwarded_for"`

	// Process-wide token bucket in front of every route.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`

	// AllowOrigins lists browser origins allowed for CORS and the audit
	// stream. "*" allows any origin.
	AllowOrigins []string `yaml:"allow_origins"`
}

// RateLimitConfig overrides the built-in rate limit policies.
type RateLimitConfig struct {
	Policies map[security.Action]security.Policy `yaml:"policies"`
}

// TeamAccessConfig selects the membership store.
type TeamAccessConfig struct {
	MembershipStore string `yaml:"membership_store"`
}

// StorageConfig enables SQL persistence of audit events and memberships.
type StorageConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Database database.Config `yaml:",inline"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:            "qrguard",
			Version:         "dev",
			SweepInterval:   5 * time.Minute,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: logging.DefaultConfig(),
		Server: ServerConfig{
			Enabled:           true,
			ListenAddr:        ":8080",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			JWTIssuer:         "qrguard",
			RequestsPerSecond: 200,
			Burst:             400,
		},
		RateLimit: RateLimitConfig{
			Policies: security.DefaultPolicies(),
		},
		Audit:        audit.DefaultConfig(),
		LoginMonitor: security.DefaultLoginThresholds(),
		APIMonitor:   security.DefaultAPIThresholds(),
		RBAC:         auth.DefaultRBACConfig(),
		TeamAccess: TeamAccessConfig{
			MembershipStore: MembershipMemory,
		},
		Storage: StorageConfig{
			Database: database.DefaultConfig(),
		},
		Monitoring: monitoring.DefaultMetricsConfig(),
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	out := *c
	if c.RateLimit.Policies != nil {
		out.RateLimit.Policies = make(map[security.Action]security.Policy, len(c.RateLimit.Policies))
		for k, v := range c.RateLimit.Policies {
			out.RateLimit.Policies[k] = v
		}
	}
	if c.Logging.ModuleLevels != nil {
		out.Logging.ModuleLevels = make(map[string]string, len(c.Logging.ModuleLevels))
		for k, v := range c.Logging.ModuleLevels {
			out.Logging.ModuleLevels[k] = v
		}
	}
	if c.Logging.InitialFields != nil {
		out.Logging.InitialFields = make(map[string]interface{}, len(c.Logging.InitialFields))
		for k, v := range c.Logging.InitialFields {
			out.Logging.InitialFields[k] = v
		}
	}
	return &out
}
