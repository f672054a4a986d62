package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/config"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/database"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.OutputPath = "stderr"
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.JWTSecret = "0123456789abcdef0123456789abcdef"
	return cfg
}

func withStorage(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qrguard.db")
	cfg.Storage.Enabled = true
	cfg.Storage.Database.Driver = database.DriverSQLite
	cfg.Storage.Database.DSN = path
	return path
}

func shutdown(t *testing.T, a *Application) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestApplication_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
}

func TestApplication_StartStop(t *testing.T) {
	a, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	require.NotNil(t, a.APIServer())
	require.NotNil(t, a.Metrics())

	require.NoError(t, a.Start())
	assert.True(t, a.IsRunning())
	assert.Error(t, a.Start())

	stats := a.GetStats()
	assert.Equal(t, true, stats["running"])

	shutdown(t, a)
	assert.False(t, a.IsRunning())
}

func TestApplication_ServerDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	cfg.Monitoring.Enabled = false

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, a.APIServer())
	assert.Nil(t, a.Metrics())

	require.NoError(t, a.Start())
	shutdown(t, a)
}

func TestApplication_PersistsAuditEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	path := withStorage(t, cfg)

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	a.LoginMonitor().TrackLoginAttempt(security.LoginAttempt{
		Email:         "someone@example.com",
		SourceAddress: "203.0.113.20",
		FailureReason: "invalid_password",
	})
	a.Audit().Record(audit.EventPrivilegeEscalation, audit.SeverityHigh, nil, audit.WithUserID("mallory"))
	shutdown(t, a)

	db, err := database.Open(zaptest.NewLogger(t), database.Config{Driver: database.DriverSQLite, DSN: path})
	require.NoError(t, err)
	defer db.Close()

	events, err := database.NewAuditStore(db).Load(context.Background(), window.Range{})
	require.NoError(t, err)

	types := make(map[audit.EventType]int)
	for _, e := range events {
		types[e.Type]++
	}
	assert.Equal(t, 1, types[audit.EventLoginFailed])
	assert.Equal(t, 1, types[audit.EventPrivilegeEscalation])
}

func TestApplication_SQLMemberships(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false
	withStorage(t, cfg)
	cfg.TeamAccess.MembershipStore = config.MembershipSQL

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(t, a)

	store, ok := a.Memberships().(*database.MembershipStore)
	require.True(t, ok)

	joined := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.Upsert(context.Background(), auth.Membership{
		TeamID: "team-1", UserID: "alice", Role: auth.TeamRoleAdmin, InvitedAt: joined, JoinedAt: &joined,
	}))

	d := a.TeamAccess().CheckTeamAccess(context.Background(), "alice", "team-1", auth.ResourceMembers, auth.ActionRemove)
	assert.True(t, d.Allowed)
	assert.Equal(t, auth.TeamRoleAdmin, d.Role)
}

func TestApplication_SQLMembershipsNeedStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.TeamAccess.MembershipStore = config.MembershipSQL

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}

func TestApplication_Sweep(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(t, a)

	a.RateLimiter().RecordAttempt("203.0.113.30", security.ActionAPI)
	a.LoginMonitor().BlockSourceAddress("203.0.113.31", time.Minute, "test")
	require.Equal(t, 1, a.RateLimiter().Len())

	res := a.Sweep(time.Now().Add(48 * time.Hour))
	assert.Equal(t, 1, res.RateLimitEntries)
	assert.GreaterOrEqual(t, res.LoginState, 1)
	assert.Equal(t, 0, a.RateLimiter().Len())
	assert.False(t, a.LoginMonitor().IsBlocked("203.0.113.31"))
}

func TestApplication_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Enabled = false

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer shutdown(t, a)

	next := a.Config()
	next.RateLimit.Policies[security.ActionAuth] = security.Policy{MaxAttempts: 2, Window: time.Minute, BlockDuration: time.Minute}
	next.LoginMonitor.SuspiciousScore = 42
	next.Logging.Level = "debug"
	a.ApplyConfig(next)

	assert.Equal(t, 2, a.RateLimiter().Policy(security.ActionAuth).MaxAttempts)
	assert.Equal(t, 42, a.LoginMonitor().Thresholds().SuspiciousScore)
	assert.Equal(t, "debug", a.factory.Level().String())
	assert.Equal(t, 2, a.Config().RateLimit.Policies[security.ActionAuth].MaxAttempts)
}
