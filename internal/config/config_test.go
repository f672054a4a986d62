package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testSecret = strings.Repeat("s", 32)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Server.JWTSecret = testSecret
	return cfg
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "qrguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultConfigNeedsSecret(t *testing.T) {
	err := NewValidator().Validate(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")

	assert.NoError(t, NewValidator().Validate(validConfig()))
}

func TestValidator(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"server disabled needs no secret", func(c *Config) { c.Server.Enabled = false; c.Server.JWTSecret = "" }, ""},
		{"bad listen addr", func(c *Config) { c.Server.ListenAddr = "nope" }, "listen_addr"},
		{"zero sweep interval", func(c *Config) { c.Service.SweepInterval = 0 }, "sweep_interval"},
		{"bad policy", func(c *Config) {
			c.RateLimit.Policies[security.ActionAuth] = security.Policy{Window: time.Minute}
		}, "max_attempts"},
		{"audit capacity", func(c *Config) { c.Audit.Capacity = 0 }, "capacity"},
		{"login thresholds inverted", func(c *Config) { c.LoginMonitor.ModerateAttemptCount = 50 }, "moderate_attempt_count"},
		{"api error rates", func(c *Config) { c.APIMonitor.HighErrorRate = 2 }, "error rates"},
		{"login confidence", func(c *Config) { c.LoginMonitor.BruteForceConfidence = 120 }, "brute_force_confidence"},
		{"api confidence", func(c *Config) { c.APIMonitor.ExhaustionConfidence = 101 }, "exhaustion_confidence"},
		{"unknown default role", func(c *Config) { c.RBAC.DefaultRole = "wizard" }, "default_role"},
		{"sql membership without storage", func(c *Config) { c.TeamAccess.MembershipStore = MembershipSQL }, "requires storage"},
		{"bad driver", func(c *Config) { c.Storage.Enabled = true; c.Storage.Database.Driver = "oracle" }, "unsupported"},
		{"sql storage", func(c *Config) {
			c.Storage.Enabled = true
			c.TeamAccess.MembershipStore = MembershipSQL
		}, ""},
		{"metrics port clash", func(c *Config) { c.Monitoring.ListenAddr = c.Server.ListenAddr }, "must differ"},
		{"bad log level", func(c *Config) { c.Logging.Level = "chatty" }, "logging"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := NewValidator().Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
server:
  listen_addr: ":9000"
  jwt_secret: "`+testSecret+`"
rate_limit:
  policies:
    auth:
      max_attempts: 3
      window: 10m
      block_duration: 1h
      progressive_delay: true
login_monitor:
  brute_force_failures: 7
audit:
  capacity: 500
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, 3, cfg.RateLimit.Policies[security.ActionAuth].MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.RateLimit.Policies[security.ActionAuth].Window)
	// policies not in the file keep their defaults
	assert.Equal(t, 100, cfg.RateLimit.Policies[security.ActionAPI].MaxAttempts)
	assert.Equal(t, 7, cfg.LoginMonitor.BruteForceFailures)
	assert.Equal(t, 20, cfg.LoginMonitor.HighAttemptCount)
	assert.Equal(t, 500, cfg.Audit.Capacity)
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("QRGUARD_SERVER_JWT_SECRET", testSecret)

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
}

func TestLoadFile_InvalidYAML(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server: [")
	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("QRGUARD_SERVER_LISTEN_ADDR", ":7070")
	t.Setenv("QRGUARD_SERVER_TRUST_FORWARDED_FOR", "true")
	t.Setenv("QRGUARD_SERVER_REQUESTS_PER_SECOND", "12.5")
	t.Setenv("QRGUARD_AUDIT_RETENTION", "48h")
	t.Setenv("QRGUARD_RATE_LIMIT_POLICIES_AUTH_MAX_ATTEMPTS", "9")
	t.Setenv("QRGUARD_STORAGE_DRIVER", "postgres")
	t.Setenv("QRGUARD_LOGGING_MODULE_LEVELS_API", "warn")

	cfg := DefaultConfig()
	require.NoError(t, NewEnvLoader(EnvPrefix).Load(cfg))

	assert.Equal(t, ":7070", cfg.Server.ListenAddr)
	assert.True(t, cfg.Server.TrustForwardedFor)
	assert.Equal(t, 12.5, cfg.Server.RequestsPerSecond)
	assert.Equal(t, 48*time.Hour, cfg.Audit.Retention)
	assert.Equal(t, 9, cfg.RateLimit.Policies[security.ActionAuth].MaxAttempts)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Policies[security.ActionAuth].Window)
	assert.Equal(t, "postgres", cfg.Storage.Database.Driver)
	assert.Equal(t, "warn", cfg.Logging.ModuleLevels["api"])
}

func TestEnvLoader_InvalidValue(t *testing.T) {
	t.Setenv("QRGUARD_AUDIT_CAPACITY", "lots")

	err := NewEnvLoader(EnvPrefix).Load(DefaultConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QRGUARD_AUDIT_CAPACITY")
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validConfig()
	clone := cfg.Clone()
	clone.RateLimit.Policies[security.ActionAuth] = security.Policy{MaxAttempts: 1}
	clone.Logging.ModuleLevels["x"] = "debug"

	assert.Equal(t, 5, cfg.RateLimit.Policies[security.ActionAuth].MaxAttempts)
	assert.NotContains(t, cfg.Logging.ModuleLevels, "x")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "qrguard.yaml")
	cfg := validConfig()
	cfg.Audit.Capacity = 1234
	require.NoError(t, Save(path, cfg))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, loaded.Audit.Capacity)
	assert.Equal(t, cfg.RateLimit.Policies, loaded.RateLimit.Policies)
}

func TestManager_HotReload(t *testing.T) {
	dir := t.TempDir()
	body := func(capacity int) string {
		return "server:\n  jwt_secret: \"" + testSecret + "\"\naudit:\n  capacity: " + strconv.Itoa(capacity) + "\n"
	}
	path := writeConfig(t, dir, body(100))

	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)
	assert.Equal(t, 100, m.Get().Audit.Capacity)

	changes := make(chan *Config, 4)
	m.OnChange(func(c *Config) { changes <- c })

	require.NoError(t, m.StartWatcher())
	defer m.StopWatcher()
	m.watcher.SetDebounce(20 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte(body(250)), 0o600))

	select {
	case c := <-changes:
		assert.Equal(t, 250, c.Audit.Capacity)
	case <-time.After(5 * time.Second):
		t.Fatal("configuration change was not observed")
	}
	assert.Equal(t, 250, m.Get().Audit.Capacity)
}

func TestManager_InvalidReloadKeepsCurrent(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "server:\n  jwt_secret: \""+testSecret+"\"\n")
	m, err := NewManager(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("audit:\n  capacity: -1\n"), 0o600))
	assert.Error(t, m.Load())
	assert.Equal(t, 10000, m.Get().Audit.Capacity)
}
