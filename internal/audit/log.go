package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/datastructures"
	"github.com/QrLabs-cc/qrlabs-sub000/internal/window"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config contains audit log configuration
type Config struct {
	// Ring buffer capacity; the oldest events are evicted first.
	Capacity int `yaml:"capacity"`
	// Events older than Retention are dropped by Trim. Zero keeps events
	// until they are evicted by capacity.
	Retention time.Duration `yaml:"retention"`

	// Self-detection thresholds
	BruteForceThreshold int           `yaml:"brute_force_threshold"`
	BruteForceWindow    time.Duration `yaml:"brute_force_window"`
	ScanThreshold       int           `yaml:"scan_threshold"`
	ScanWindow          time.Duration `yaml:"scan_window"`

	// Sink dispatch
	SinkQueueSize int           `yaml:"sink_queue_size"`
	SinkTimeout   time.Duration `yaml:"sink_timeout"`

	// Metadata
	Service string `yaml:"service"`
	Version string `yaml:"version"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:            10000,
		Retention:           30 * 24 * time.Hour,
		BruteForceThreshold: 5,
		BruteForceWindow:    15 * time.Minute,
		ScanThreshold:       100,
		ScanWindow:          time.Minute,
		SinkQueueSize:       1024,
		SinkTimeout:         5 * time.Second,
		Service:             "qrguard",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.BruteForceThreshold <= 0 {
		c.BruteForceThreshold = d.BruteForceThreshold
	}
	if c.BruteForceWindow <= 0 {
		c.BruteForceWindow = d.BruteForceWindow
	}
	if c.ScanThreshold <= 0 {
		c.ScanThreshold = d.ScanThreshold
	}
	if c.ScanWindow <= 0 {
		c.ScanWindow = d.ScanWindow
	}
	if c.SinkQueueSize <= 0 {
		c.SinkQueueSize = d.SinkQueueSize
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = d.SinkTimeout
	}
	if c.Service == "" {
		c.Service = d.Service
	}
}

// Counters are the lifetime aggregate counters. They are not reduced when
// events are evicted from the ring.
type Counters struct {
	FailedLogins         int64 `json:"failedLogins"`
	SuccessfulLogins     int64 `json:"successfulLogins"`
	BlockedRequests      int64 `json:"blockedRequests"`
	SuspiciousActivities int64 `json:"suspiciousActivities"`
}

// Option configures a Log.
type Option func(*Log)

// WithClock replaces the wall clock.
func WithClock(clock window.Clock) Option {
	return func(l *Log) { l.clock = clock }
}

// WithSink adds a persistence or metrics sink.
func WithSink(sink Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, sink) }
}

// WithMetadata replaces the environment snapshot.
func WithMetadata(md Metadata) Option {
	return func(l *Log) { l.metadata = md }
}

// Log is the in-memory audit trail.
type Log struct {
	logger   *zap.Logger
	clock    window.Clock
	metadata Metadata

	mu         sync.RWMutex
	config     Config
	events     *datastructures.Ring[Event]
	counters   Counters
	total      int64
	synthetic  int64
	byType     map[EventType]int64
	bySeverity map[Severity]int64
	requests   *window.Counter
	lastScan   time.Time
	lastBrute  map[string]time.Time

	// Sink dispatch
	sinks   []Sink
	queue   chan Event
	dropped atomic.Int64

	// Live subscribers
	subMu   sync.RWMutex
	subs    map[uint64]chan Event
	nextSub uint64

	// Lifecycle
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// NewLog creates an audit log. Call Start to begin delivering events to
// sinks.
func NewLog(logger *zap.Logger, config Config, opts ...Option) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	l := &Log{
		logger:     logger,
		clock:      window.System,
		config:     config,
		events:     datastructures.NewRing[Event](config.Capacity),
		byType:     make(map[EventType]int64),
		bySeverity: make(map[Severity]int64),
		requests:   newRequestCounter(config.ScanWindow),
		lastBrute:  make(map[string]time.Time),
		subs:       make(map[uint64]chan Event),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metadata == (Metadata{}) {
		l.metadata = collectMetadata(config.Service, config.Version)
	}
	l.queue = make(chan Event, config.SinkQueueSize)
	return l
}

func newRequestCounter(span time.Duration) *window.Counter {
	return window.NewCounter(span, 60)
}

// Record appends an event. It never blocks on I/O and never fails; unknown
// event types are recorded as suspicious activity.
func (l *Log) Record(eventType EventType, severity Severity, details map[string]interface{}, opts ...EventOption) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Audit record panicked", zap.Any("panic", r))
		}
	}()

	now := l.clock()
	event := Event{
		Type:     eventType,
		Severity: ParseSeverity(string(severity)),
		Details:  copyDetails(details),
		Metadata: l.metadata,
	}
	for _, opt := range opts {
		opt(&event)
	}
	if !event.Type.Valid() {
		if event.Details == nil {
			event.Details = make(map[string]interface{})
		}
		event.Details["originalType"] = string(event.Type)
		event.Type = EventSuspiciousActivity
	}
	event.ID = uuid.NewString()
	event.Timestamp = window.Normalize(event.Timestamp, now)

	l.mu.Lock()
	l.appendLocked(event)
	derived := l.detectLocked(event, now)
	for _, d := range derived {
		l.appendLocked(d)
	}
	l.mu.Unlock()

	l.emit(event)
	for _, d := range derived {
		l.emit(d)
	}
}

func (l *Log) appendLocked(event Event) {
	l.events.Push(event)
	l.total++
	l.byType[event.Type]++
	l.bySeverity[event.Severity]++
	if event.Synthetic {
		l.synthetic++
	}

	switch {
	case event.Type == EventLoginFailed:
		l.counters.FailedLogins++
	case event.Type == EventLoginSuccess:
		l.counters.SuccessfulLogins++
	case event.Type.IsBlockedRequest():
		l.counters.BlockedRequests++
	case event.Type.IsSuspicious():
		l.counters.SuspiciousActivities++
	}
}

// emit hands the event to the zap logger, subscribers and sink queue.
func (l *Log) emit(event Event) {
	fields := []zap.Field{
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("user_id", event.UserID),
		zap.String("source_address", event.SourceAddress),
	}
	switch event.Severity {
	case SeverityCritical:
		l.logger.Error("Security event", fields...)
	case SeverityHigh:
		l.logger.Warn("Security event", fields...)
	default:
		l.logger.Debug("Audit event", fields...)
	}

	l.subMu.RLock()
	for _, ch := range l.subs {
		select {
		case ch <- event:
		default:
		}
	}
	l.subMu.RUnlock()

	if len(l.sinks) == 0 {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.dropped.Add(1)
	}
}

// SetConfig replaces the detection thresholds and retention at runtime.
// Capacity and sink settings only take effect on construction.
func (l *Log) SetConfig(config Config) {
	config.applyDefaults()

	l.mu.Lock()
	defer l.mu.Unlock()

	if config.ScanWindow != l.config.ScanWindow {
		l.requests = newRequestCounter(config.ScanWindow)
	}
	config.Capacity = l.config.Capacity
	config.SinkQueueSize = l.config.SinkQueueSize
	l.config = config
}

// Len returns the number of buffered events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.events.Len()
}

// Trim drops buffered events older than the retention period and forgets
// expired detection state. It returns the number of dropped events.
func (l *Log) Trim(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	for target, at := range l.lastBrute {
		if !window.Within(at, now, l.config.BruteForceWindow) {
			delete(l.lastBrute, target)
		}
	}
	if l.config.Retention <= 0 {
		return 0
	}
	cutoff := now.Add(-l.config.Retention)
	return l.events.DropOldest(func(e Event) bool {
		return e.Timestamp.Before(cutoff)
	})
}

// Subscribe returns a channel receiving every new event and a function that
// cancels the subscription. Slow subscribers miss events rather than block
// recording.
func (l *Log) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.subMu.Lock()
			delete(l.subs, id)
			l.subMu.Unlock()
			close(ch)
		})
	}
}

func copyDetails(details map[string]interface{}) map[string]interface{} {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		out[k] = v
	}
	return out
}
