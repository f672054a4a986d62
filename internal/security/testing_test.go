package security

import (
	"sync"
	"testing"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"go.uber.org/zap/zaptest"
)

// Test fixtures and helpers

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

func newTestAuditLog(t *testing.T, clock *fakeClock) *audit.Log {
	return audit.NewLog(zaptest.NewLogger(t), audit.DefaultConfig(),
		audit.WithClock(clock.Now),
		audit.WithMetadata(audit.Metadata{Service: "qrguard-test"}),
	)
}
