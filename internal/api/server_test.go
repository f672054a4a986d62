package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/auth"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/monitoring"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/security"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	testSecret = "0123456789abcdef0123456789abcdef"
	testIssuer = "qrguard-test"
	rootUser   = "root"
)

type fixture struct {
	server  *Server
	log     *audit.Log
	limiter *security.RateLimiter
	logins  *security.LoginMonitor
	apis    *security.APIMonitor
	rbac    *auth.RBAC
	members *auth.MemoryMembershipStore
	tokens  *TokenVerifier
}

func newFixture(t *testing.T, configure func(*Config, map[security.Action]security.Policy)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	config := Config{JWTSecret: testSecret, JWTIssuer: testIssuer}
	policies := map[security.Action]security.Policy{}
	if configure != nil {
		configure(&config, policies)
	}

	log := audit.NewLog(logger, audit.DefaultConfig(), audit.WithMetadata(audit.Metadata{Service: "api-test"}))
	rbac, err := auth.NewRBAC(logger, log, auth.RBACConfig{SuperAdmins: []string{rootUser}})
	require.NoError(t, err)
	t.Cleanup(func() { rbac.Close() })

	members := auth.NewMemoryMembershipStore()
	teams, err := auth.NewTeamAccessController(logger, members, log, nil)
	require.NoError(t, err)

	f := &fixture{
		log:     log,
		limiter: security.NewRateLimiter(logger, policies),
		logins:  security.NewLoginMonitor(logger, log, security.DefaultLoginThresholds()),
		apis:    security.NewAPIMonitor(logger, log, security.DefaultAPIThresholds()),
		rbac:    rbac,
		members: members,
	}
	f.server, err = NewServer(logger, config, Components{
		Audit:   log,
		Limiter: f.limiter,
		Logins:  f.logins,
		APIs:    f.apis,
		RBAC:    rbac,
		Teams:   teams,
		Metrics: monitoring.NewMetricsExporter(logger, monitoring.MetricsConfig{Enabled: true, Namespace: "apitest"}),
	})
	require.NoError(t, err)

	f.tokens, err = NewTokenVerifier(testSecret, testIssuer)
	require.NoError(t, err)
	return f
}

func (f *fixture) token(t *testing.T, user string) string {
	t.Helper()
	token, err := f.tokens.Issue(user, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) do(t *testing.T, req *http.Request, token string) *httptest.ResponseRecorder {
	t.Helper()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) get(t *testing.T, path, token string) *httptest.ResponseRecorder {
	return f.do(t, httptest.NewRequest(http.MethodGet, path, nil), token)
}

func (f *fixture) post(t *testing.T, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return f.do(t, req, token)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	if data != nil {
		require.NoError(t, json.Unmarshal(env.Data, data))
	}
	return env
}

func TestNewServerValidation(t *testing.T) {
	logger := zaptest.NewLogger(t)

	_, err := NewServer(logger, Config{JWTSecret: testSecret}, Components{})
	assert.Error(t, err)

	f := newFixture(t, nil)
	_, err = NewServer(logger, Config{JWTSecret: "short"}, f.server.components)
	assert.Error(t, err)
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var data map[string]interface{}
	env := decodeEnvelope(t, rec, &data)
	assert.True(t, env.Success)
	assert.Equal(t, "healthy", data["status"])
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, nil)

	otherIssuer, err := NewTokenVerifier(testSecret, "someone-else")
	require.NoError(t, err)
	wrongIssuer, err := otherIssuer.Issue(rootUser, time.Hour)
	require.NoError(t, err)

	otherSecret, err := NewTokenVerifier(strings.Repeat("x", MinSecretLength), testIssuer)
	require.NoError(t, err)
	wrongSecret, err := otherSecret.Issue(rootUser, time.Hour)
	require.NoError(t, err)

	expired, err := f.tokens.Issue(rootUser, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong issuer", wrongIssuer, http.StatusUnauthorized},
		{"wrong secret", wrongSecret, http.StatusUnauthorized},
		{"expired", expired, http.StatusUnauthorized},
		{"valid", f.token(t, rootUser), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.get(t, "/v1/admin/threats", tt.token)
			assert.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
			}
		})
	}
}

func TestTokenVerifierRoundTrip(t *testing.T) {
	v, err := NewTokenVerifier(testSecret, testIssuer)
	require.NoError(t, err)

	token, err := v.Issue("alice", time.Minute)
	require.NoError(t, err)
	subject, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", subject)

	_, err = v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Issue("", time.Minute)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestPermissionDenied(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.get(t, "/v1/admin/audit/events", f.token(t, "alice"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	denied := f.log.Events(audit.Filter{Type: audit.EventPermissionDenied})
	require.Len(t, denied, 1)
	assert.Equal(t, "alice", denied[0].UserID)
	assert.Equal(t, string(auth.PermAuditRead), denied[0].Details["permission"])
}

func TestLoginIngestAndStats(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	for i := 0; i < 3; i++ {
		rec := f.post(t, "/v1/events/login", token, security.LoginAttempt{
			Email:         "victim@example.com",
			SourceAddress: "203.0.113.5",
			FailureReason: "invalid_password",
		})
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		var data map[string]interface{}
		decodeEnvelope(t, rec, &data)
		assert.Contains(t, data, "suspiciousScore")
		assert.Equal(t, false, data["blocked"])
	}

	rec := f.get(t, "/v1/admin/stats/logins?hours=1", token)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats security.LoginStats
	decodeEnvelope(t, rec, &stats)
	assert.Equal(t, 3, stats.TotalAttempts)
	assert.Equal(t, 3, stats.Failed)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/admin/stats/logins?hours=abc", token).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/events/login", token, map[string]string{"bogus": "x"}).Code)
}

func TestBlocklist(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	rec := f.post(t, "/v1/admin/blocks", token, blockRequest{Address: "198.51.100.7", TTL: "1h", Reason: "test"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, f.logins.IsBlocked("198.51.100.7"))

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/threats", nil)
	req.RemoteAddr = "198.51.100.7:4444"
	rec = f.do(t, req, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	blocked := f.log.Events(audit.Filter{Type: audit.EventRequestBlocked})
	require.Len(t, blocked, 1)
	assert.Equal(t, "198.51.100.7", blocked[0].SourceAddress)

	var list []security.BlockedAddress
	decodeEnvelope(t, f.get(t, "/v1/admin/blocks", token), &list)
	require.Len(t, list, 1)
	assert.Equal(t, "test", list[0].Reason)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/admin/blocks", token, blockRequest{Address: "x", TTL: "soon"}).Code)

	del := httptest.NewRequest(http.MethodDelete, "/v1/admin/blocks/198.51.100.7", nil)
	assert.Equal(t, http.StatusOK, f.do(t, del, token).Code)
	del = httptest.NewRequest(http.MethodDelete, "/v1/admin/blocks/198.51.100.7", nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, del, token).Code)
}

func TestPerAddressRateLimit(t *testing.T) {
	f := newFixture(t, func(_ *Config, policies map[security.Action]security.Policy) {
		policies[security.ActionAPI] = security.Policy{MaxAttempts: 3, Window: time.Hour, BlockDuration: 90 * time.Second}
	})
	token := f.token(t, rootUser)

	for i := 0; i < 3; i++ {
		rec := f.get(t, "/v1/admin/threats", token)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"2", "1", "0"}[i], rec.Header().Get("X-RateLimit-Remaining"))
	}

	rec := f.get(t, "/v1/admin/threats", token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "90", rec.Header().Get("Retry-After"))
	assert.Len(t, f.log.Events(audit.Filter{Type: audit.EventRateLimitExceeded}), 1)

	// Other addresses are unaffected.
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/threats", nil)
	req.RemoteAddr = "192.0.2.99:1000"
	assert.Equal(t, http.StatusOK, f.do(t, req, token).Code)
}

func TestBurstGuard(t *testing.T) {
	f := newFixture(t, func(c *Config, _ map[security.Action]security.Policy) {
		c.RequestsPerSecond = 0.0001
		c.Burst = 1
	})
	token := f.token(t, rootUser)

	assert.Equal(t, http.StatusOK, f.get(t, "/v1/admin/threats", token).Code)
	rec := f.get(t, "/v1/admin/threats", token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestClientAddress(t *testing.T) {
	tests := []struct {
		name    string
		trust   bool
		remote  string
		forward string
		want    string
	}{
		{"remote addr", false, "192.0.2.1:1234", "", "192.0.2.1"},
		{"forwarded ignored", false, "192.0.2.1:1234", "203.0.113.9", "192.0.2.1"},
		{"forwarded trusted", true, "192.0.2.1:1234", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", false, "192.0.2.1", "", "192.0.2.1"},
		{"empty", false, "", "", security.UnknownAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{config: Config{TrustForwardedFor: tt.trust}}
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.forward != "" {
				req.Header.Set("X-Forwarded-For", tt.forward)
			}
			assert.Equal(t, tt.want, s.clientAddress(req))
		})
	}
}

func TestRequestsAreTracked(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	f.get(t, "/v1/admin/users/alice/permissions", token)
	f.get(t, "/v1/admin/users/bob/permissions", token)
	f.get(t, "/v1/admin/threats", "")

	metrics := f.apis.EndpointMetrics("/v1/admin/users/{userID}/permissions")
	require.Len(t, metrics, 1)
	assert.Equal(t, int64(2), metrics[0].TotalRequests)

	stats := f.apis.APIStats(window.Last(time.Hour, time.Now()))
	assert.Equal(t, 3, stats.TotalRequests)
	assert.Equal(t, 1, stats.Errors)
}

func TestRateLimitCheck(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	var d security.Decision
	for i := 0; i < 6; i++ {
		rec := f.post(t, "/v1/ratelimit/check", token, rateLimitCheckRequest{Identifier: "user@example.com", Action: security.ActionAuth})
		require.Equal(t, http.StatusOK, rec.Code)
		decodeEnvelope(t, rec, &d)
	}
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Minute, d.RetryAfter)

	rec := f.post(t, "/v1/ratelimit/check", token, rateLimitCheckRequest{Identifier: "user@example.com", Action: security.ActionAuth, DryRun: true})
	decodeEnvelope(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.Violations)

	rec = f.post(t, "/v1/ratelimit/check", token, rateLimitCheckRequest{Identifier: "x", Action: "teleport"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	del := httptest.NewRequest(http.MethodDelete, "/v1/admin/ratelimit/auth/user@example.com", nil)
	rec = f.do(t, del, token)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.Equal(t, 5, d.Remaining)
}

func TestAccessCheck(t *testing.T) {
	f := newFixture(t, nil)
	now := time.Now()
	f.members.Put(auth.Membership{TeamID: "team-1", UserID: "alice", Role: auth.TeamRoleManager, InvitedAt: now, JoinedAt: &now})
	token := f.token(t, "alice")

	var d auth.AccessDecision
	rec := f.post(t, "/v1/access/check", token, accessCheckRequest{TeamID: "team-1", Resource: auth.ResourceQRCodes, Action: auth.ActionDelete})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeEnvelope(t, rec, &d)
	assert.True(t, d.Allowed)
	assert.Equal(t, auth.TeamRoleManager, d.Role)

	rec = f.post(t, "/v1/access/check", token, accessCheckRequest{UserID: "mallory", TeamID: "team-1", Resource: auth.ResourceQRCodes, Action: auth.ActionRead})
	decodeEnvelope(t, rec, &d)
	assert.False(t, d.Allowed)
	assert.Equal(t, auth.ReasonNotMember, d.Reason)

	var batch map[string]auth.AccessDecision
	rec = f.post(t, "/v1/access/batch", token, accessBatchRequest{TeamID: "team-1", Requests: []auth.AccessRequest{
		{Resource: auth.ResourceMembers, Action: auth.ActionInvite},
		{Resource: auth.ResourceBilling, Action: auth.ActionManage},
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decodeEnvelope(t, rec, &batch)
	assert.True(t, batch["members:invite"].Allowed)
	assert.False(t, batch["billing:manage"].Allowed)
	assert.Equal(t, auth.TeamRoleOwner, batch["billing:manage"].RequiredRole)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/access/check", token, accessCheckRequest{TeamID: "team-1"}).Code)
	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/access/batch", token, accessBatchRequest{TeamID: "team-1"}).Code)
}

func TestAuditEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	f.log.Record(audit.EventLoginFailed, audit.SeverityMedium, nil, audit.WithSourceAddress("203.0.113.1"))
	f.log.Record(audit.EventPrivilegeEscalation, audit.SeverityHigh, nil, audit.WithUserID("mallory"))

	var events []audit.Event
	rec := f.get(t, "/v1/admin/audit/events?min_severity=high", token)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeEnvelope(t, rec, &events)
	require.Len(t, events, 1)
	assert.Equal(t, "mallory", events[0].UserID)

	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/admin/audit/events?type=nope", token).Code)
	assert.Equal(t, http.StatusBadRequest, f.get(t, "/v1/admin/audit/events?since=yesterday", token).Code)

	var metrics audit.Metrics
	decodeEnvelope(t, f.get(t, "/v1/admin/audit/metrics", token), &metrics)
	assert.Equal(t, int64(1), metrics.FailedLogins)

	var report audit.Report
	decodeEnvelope(t, f.get(t, "/v1/admin/audit/report?hours=1", token), &report)
	assert.Len(t, report.FailedLogins, 1)

	rec = f.get(t, "/v1/admin/audit/export?user_id=mallory", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	assert.Equal(t, "1", rec.Header().Get("X-Audit-Event-Count"))
	exported, err := audit.ReadExport(rec.Body)
	require.NoError(t, err)
	require.Len(t, exported, 1)
	assert.Equal(t, audit.EventPrivilegeEscalation, exported[0].Type)
}

func TestRoleManagement(t *testing.T) {
	f := newFixture(t, nil)
	token := f.token(t, rootUser)

	rec := f.post(t, "/v1/admin/users/carol/roles", token, roleRequest{Role: auth.RoleAdmin})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, f.rbac.HasPermission("carol", auth.PermSecurityView))
	assert.False(t, f.rbac.HasPermission("carol", auth.PermSecurityManage))

	// The new role applies to carol's own token immediately.
	assert.Equal(t, http.StatusOK, f.get(t, "/v1/admin/threats", f.token(t, "carol")).Code)

	var perms struct {
		Roles       []auth.Role       `json:"roles"`
		HighestRole auth.Role         `json:"highestRole"`
		Permissions []auth.Permission `json:"permissions"`
	}
	decodeEnvelope(t, f.get(t, "/v1/admin/users/carol/permissions", token), &perms)
	assert.Equal(t, auth.RoleAdmin, perms.HighestRole)
	assert.Contains(t, perms.Permissions, auth.PermAuditRead)

	assert.Equal(t, http.StatusBadRequest, f.post(t, "/v1/admin/users/carol/roles", token, roleRequest{Role: "wizard"}).Code)

	del := httptest.NewRequest(http.MethodDelete, "/v1/admin/users/carol/roles/admin", nil)
	assert.Equal(t, http.StatusOK, f.do(t, del, token).Code)
	del = httptest.NewRequest(http.MethodDelete, "/v1/admin/users/carol/roles/admin", nil)
	assert.Equal(t, http.StatusNotFound, f.do(t, del, token).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.get(t, "/v1/admin/threats", f.token(t, rootUser))

	rec := f.get(t, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apitest_http_requests_total")
}

func TestAuditStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, rootUser))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/admin/audit/stream?min_severity=high"
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	f.log.Record(audit.EventLoginFailed, audit.SeverityLow, nil)
	f.log.Record(audit.EventPrivilegeEscalation, audit.SeverityHigh, nil, audit.WithUserID("mallory"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var event audit.Event
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, audit.EventPrivilegeEscalation, event.Type)
	assert.Equal(t, "mallory", event.UserID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))

	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestAuditStreamRequiresPermission(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(t, "alice"))
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/admin/audit/stream"
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
