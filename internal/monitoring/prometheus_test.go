package monitoring

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMetricsExporter_AuditSink(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{})

	ctx := context.Background()
	require.NoError(t, me.Write(ctx, audit.Event{Type: audit.EventLoginFailed, Severity: audit.SeverityLow}))
	require.NoError(t, me.Write(ctx, audit.Event{Type: audit.EventLoginFailed, Severity: audit.SeverityLow}))
	require.NoError(t, me.Write(ctx, audit.Event{Type: audit.EventBruteForceDetected, Severity: audit.SeverityCritical, Synthetic: true}))

	assert.Equal(t, 2.0, testutil.ToFloat64(me.auditEvents.WithLabelValues("auth_login_failed", "low")))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.auditEvents.WithLabelValues("brute_force_detected", "critical")))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.detections.WithLabelValues("brute_force_detected")))
}

func TestMetricsExporter_Decisions(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{})

	me.RecordRateLimit("auth", true)
	me.RecordRateLimit("auth", false)
	me.RecordRateLimit("auth", false)
	me.RecordAccessDecision("billing", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(me.rateLimitDecisions.WithLabelValues("auth", "allowed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(me.rateLimitDecisions.WithLabelValues("auth", "denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.accessDecisions.WithLabelValues("billing", "denied")))
}

func TestMetricsExporter_Gauges(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{})

	me.SetTracked("rate_limiter", 12)
	me.SetBlockedAddresses(3)
	me.SetAuditBuffer(40, 2)
	me.ObserveHTTP("GET", 200, 10*time.Millisecond)

	assert.Equal(t, 12.0, testutil.ToFloat64(me.trackedEntries.WithLabelValues("rate_limiter")))
	assert.Equal(t, 3.0, testutil.ToFloat64(me.blockedAddresses))
	assert.Equal(t, 40.0, testutil.ToFloat64(me.auditBuffered))
	assert.Equal(t, 2.0, testutil.ToFloat64(me.auditDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(me.httpRequests.WithLabelValues("GET", "200")))
}

func TestMetricsExporter_Handler(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{Namespace: "test"})
	me.SetBlockedAddresses(1)

	srv := httptest.NewServer(me.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "test_blocked_addresses 1")
}

func TestMetricsExporter_StartWithoutListenerIsNoop(t *testing.T) {
	me := NewMetricsExporter(zaptest.NewLogger(t), MetricsConfig{Enabled: true})
	assert.NoError(t, me.Start())
	assert.NoError(t, me.Stop())
}
