package audit

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLog(t *testing.T, clock *fakeClock, mutate func(*Config), opts ...Option) *Log {
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	opts = append([]Option{
		WithClock(clock.Now),
		WithMetadata(Metadata{Service: "qrguard-test", Hostname: "test-host"}),
	}, opts...)
	return NewLog(zaptest.NewLogger(t), config, opts...)
}

func TestRecordAssignsIdentityAndCopiesDetails(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	details := map[string]interface{}{"email": "a@example.com"}
	log.Record(EventLoginSuccess, SeverityLow, details, WithUserID("u1"), WithSourceAddress("10.0.0.1"))
	details["email"] = "mutated"

	events := log.Events(Filter{})
	require.Len(t, events, 1)
	e := events[0]
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, clock.Now(), e.Timestamp)
	assert.Equal(t, "a@example.com", e.Details["email"])
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "10.0.0.1", e.SourceAddress)
	assert.Equal(t, "test-host", e.Metadata.Hostname)
	assert.False(t, e.Synthetic)
}

func TestRecordClampsFutureTimestamps(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	log.Record(EventLogout, SeverityLow, nil, WithTimestamp(clock.Now().Add(time.Hour)))

	events := log.Events(Filter{})
	require.Len(t, events, 1)
	assert.Equal(t, clock.Now(), events[0].Timestamp)
}

func TestUnknownEventTypeRecordedAsSuspicious(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	log.Record(EventType("made_up"), Severity("bogus"), nil)

	events := log.Events(Filter{})
	require.Len(t, events, 1)
	assert.Equal(t, EventSuspiciousActivity, events[0].Type)
	assert.Equal(t, SeverityLow, events[0].Severity)
	assert.Equal(t, "made_up", events[0].Details["originalType"])
}

func TestRingEvictsOldestAndKeepsLifetimeCounters(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, func(c *Config) { c.Capacity = 3 })

	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		log.Record(EventLoginSuccess, SeverityLow, map[string]interface{}{"n": i})
	}

	events := log.Events(Filter{})
	require.Len(t, events, 3)
	assert.Equal(t, 4, events[0].Details["n"])
	assert.Equal(t, 2, events[2].Details["n"])
	assert.Equal(t, 3, log.Len())

	m := log.Metrics()
	assert.Equal(t, int64(5), m.SuccessfulLogins)
	assert.Equal(t, int64(5), m.TotalEvents)
	assert.Equal(t, 3, m.BufferedEvents)
}

func TestBruteForceDetection(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	fail := func(email string) {
		log.Record(EventLoginFailed, SeverityMedium,
			map[string]interface{}{"email": email}, WithSourceAddress("1.2.3.4"))
	}

	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		fail("victim@example.com")
	}
	assert.Empty(t, log.Events(Filter{Type: EventBruteForceDetected}))

	clock.Advance(time.Minute)
	fail("victim@example.com")

	detected := log.Events(Filter{Type: EventBruteForceDetected})
	require.Len(t, detected, 1)
	assert.Equal(t, SeverityCritical, detected[0].Severity)
	assert.True(t, detected[0].Synthetic)
	assert.Equal(t, "victim@example.com", detected[0].Details["target"])
	assert.Equal(t, 5, detected[0].Details["failedAttempts"])

	// Further failures inside the same window do not fire again.
	clock.Advance(time.Minute)
	fail("victim@example.com")
	assert.Len(t, log.Events(Filter{Type: EventBruteForceDetected}), 1)

	// A different target is counted separately.
	fail("other@example.com")
	assert.Len(t, log.Events(Filter{Type: EventBruteForceDetected}), 1)

	// A fresh burst after the window fires once more.
	clock.Advance(20 * time.Minute)
	for i := 0; i < 5; i++ {
		clock.Advance(time.Second)
		fail("victim@example.com")
	}
	assert.Len(t, log.Events(Filter{Type: EventBruteForceDetected}), 2)

	m := log.Metrics()
	assert.Equal(t, int64(12), m.FailedLogins)
	assert.Equal(t, int64(2), m.SyntheticEvents)
	assert.Equal(t, int64(2), m.SuspiciousActivities)
}

func TestSecurityScanDetection(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	for i := 0; i < 100; i++ {
		log.Record(EventAPIRequest, SeverityLow, nil)
	}
	assert.Empty(t, log.Events(Filter{Type: EventSecurityScanDetected}))

	log.Record(EventAPIRequest, SeverityLow, nil)
	detected := log.Events(Filter{Type: EventSecurityScanDetected})
	require.Len(t, detected, 1)
	assert.Equal(t, SeverityHigh, detected[0].Severity)
	assert.True(t, detected[0].Synthetic)

	for i := 0; i < 50; i++ {
		log.Record(EventAPIRequest, SeverityLow, nil)
	}
	assert.Len(t, log.Events(Filter{Type: EventSecurityScanDetected}), 1)
}

func TestBruteForceDetectionWithLateEvent(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	fail := func(opts ...EventOption) {
		opts = append(opts, WithSourceAddress("1.2.3.4"))
		log.Record(EventLoginFailed, SeverityMedium,
			map[string]interface{}{"email": "victim@example.com"}, opts...)
	}

	for i := 0; i < 4; i++ {
		fail()
	}
	// A late report for an unrelated login, timestamped outside the window.
	log.Record(EventLoginSuccess, SeverityLow, map[string]interface{}{"email": "late@example.com"},
		WithTimestamp(clock.Now().Add(-20*time.Minute)))
	fail()

	detected := log.Events(Filter{Type: EventBruteForceDetected})
	require.Len(t, detected, 1)
	assert.Equal(t, 5, detected[0].Details["failedAttempts"])
}

func TestEventsSortedByTimestamp(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)
	now := clock.Now()

	log.Record(EventLoginSuccess, SeverityLow, nil, WithUserID("first"))
	log.Record(EventLoginSuccess, SeverityLow, nil, WithUserID("late"), WithTimestamp(now.Add(-20*time.Minute)))
	clock.Advance(time.Second)
	log.Record(EventLoginSuccess, SeverityLow, nil, WithUserID("last"))

	events := log.Events(Filter{})
	require.Len(t, events, 3)
	assert.Equal(t, "last", events[0].UserID)
	assert.Equal(t, "first", events[1].UserID)
	assert.Equal(t, "late", events[2].UserID)

	limited := log.Events(Filter{Limit: 2})
	require.Len(t, limited, 2)
	assert.Equal(t, "first", limited[1].UserID)
}

func TestEventsFilter(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	log.Record(EventLoginFailed, SeverityMedium, nil, WithUserID("alice"))
	clock.Advance(time.Minute)
	log.Record(EventPermissionDenied, SeverityMedium, nil, WithUserID("bob"))
	clock.Advance(time.Minute)
	log.Record(EventPrivilegeEscalation, SeverityHigh, nil, WithUserID("bob"), WithSourceAddress("9.9.9.9"))

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 3},
		{"by user", Filter{UserID: "bob"}, 2},
		{"by type", Filter{Type: EventLoginFailed}, 1},
		{"min severity", Filter{MinSeverity: SeverityHigh}, 1},
		{"by address", Filter{SourceAddress: "9.9.9.9"}, 1},
		{"since", Filter{Since: clock.Now().Add(-90 * time.Second)}, 2},
		{"limit", Filter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Len(t, log.Events(tt.filter), tt.want)
		})
	}
}

func TestGenerateReportRecommendations(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	for i := 0; i < 11; i++ {
		log.Record(EventLoginFailed, SeverityMedium,
			map[string]interface{}{"email": string(rune('a'+i)) + "@example.com"})
	}
	for i := 0; i < 21; i++ {
		log.Record(EventRateLimitExceeded, SeverityMedium, nil, WithSourceAddress("5.5.5.5"))
	}

	report := log.GenerateReport(window.Last(time.Hour, clock.Now()))
	assert.Equal(t, 32, report.TotalEvents)
	assert.Len(t, report.FailedLogins, 11)
	assert.Len(t, report.RateLimitAbuse, 21)
	assert.Empty(t, report.CriticalEvents)
	assert.Contains(t, report.Recommendations, "Implement stricter rate limiting on authentication endpoints")
	assert.Contains(t, report.Recommendations, "Review API quotas and block persistently abusive source addresses")
	require.NotEmpty(t, report.TopSourceAddresses)
	assert.Equal(t, "5.5.5.5", report.TopSourceAddresses[0].Address)
}

func TestGenerateReportQuietPeriod(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	log.Record(EventLoginSuccess, SeverityLow, nil)
	clock.Advance(2 * time.Hour)

	report := log.GenerateReport(window.Last(time.Hour, clock.Now()))
	assert.Equal(t, 0, report.TotalEvents)
	assert.Equal(t, []string{"No immediate action required; continue routine monitoring"}, report.Recommendations)
}

func TestTrimRetention(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, func(c *Config) { c.Retention = time.Hour })

	log.Record(EventLoginSuccess, SeverityLow, nil)
	clock.Advance(2 * time.Hour)
	log.Record(EventLoginSuccess, SeverityLow, nil)

	assert.Equal(t, 1, log.Trim(clock.Now()))
	assert.Equal(t, 1, log.Len())
}

func TestSinksReceiveEvents(t *testing.T) {
	clock := newFakeClock()

	var mu sync.Mutex
	var got []EventType
	recorder := SinkFunc(func(_ context.Context, e Event) error {
		mu.Lock()
		got = append(got, e.Type)
		mu.Unlock()
		return nil
	})
	panicky := SinkFunc(func(context.Context, Event) error {
		panic("boom")
	})

	log := newTestLog(t, clock, nil, WithSink(panicky), WithSink(recorder))
	require.NoError(t, log.Start())
	assert.Error(t, log.Start())

	log.Record(EventLoginSuccess, SeverityLow, nil)
	log.Record(EventLogout, SeverityLow, nil)
	require.NoError(t, log.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []EventType{EventLoginSuccess, EventLogout}, got)
}

func TestSubscribe(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	ch, cancel := log.Subscribe(4)
	log.Record(EventAccessGranted, SeverityLow, nil)

	select {
	case e := <-ch:
		assert.Equal(t, EventAccessGranted, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
}

func TestExportRoundTrip(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, nil)

	log.Record(EventLoginFailed, SeverityMedium, map[string]interface{}{"email": "x@example.com"})
	clock.Advance(time.Second)
	log.Record(EventLoginSuccess, SeverityLow, nil)

	var buf bytes.Buffer
	n, err := log.Export(&buf, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	events, err := ReadExport(&buf)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EventLoginFailed, events[0].Type)
	assert.Equal(t, EventLoginSuccess, events[1].Type)
}

func TestConcurrentRecord(t *testing.T) {
	clock := newFakeClock()
	log := newTestLog(t, clock, func(c *Config) { c.Capacity = 500 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				log.Record(EventLoginSuccess, SeverityLow, nil)
				_ = log.Metrics()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 500, log.Len())
	assert.Equal(t, int64(1000), log.Metrics().SuccessfulLogins)
}
