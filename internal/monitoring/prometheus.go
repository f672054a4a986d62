package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/QrLabs-cc/qrlabs-sub000/internal/audit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsConfig defines metrics exporter configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// ListenAddr starts a dedicated metrics listener. Empty means the
	// handler is only mounted on the API server.
	ListenAddr  string `yaml:"listen_addr"`
	MetricsPath string `yaml:"metrics_path"`
	Namespace   string `yaml:"namespace"`
}

// DefaultMetricsConfig returns the default metrics configuration.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Enabled:     true,
		MetricsPath: "/metrics",
		Namespace:   "qrguard",
	}
}

// MetricsExporter owns a private Prometheus registry with the engine's
// metrics. It implements audit.Sink.
type MetricsExporter struct {
	logger   *zap.Logger
	config   MetricsConfig
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server

	auditEvents        *prometheus.CounterVec
	detections         *prometheus.CounterVec
	rateLimitDecisions *prometheus.CounterVec
	accessDecisions    *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	trackedEntries     *prometheus.GaugeVec
	blockedAddresses   prometheus.Gauge
	auditBuffered      prometheus.Gauge
	auditDropped       prometheus.Gauge
}

// NewMetricsExporter creates a new metrics exporter
func NewMetricsExporter(logger *zap.Logger, config MetricsConfig) *MetricsExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := DefaultMetricsConfig()
	if config.MetricsPath == "" {
		config.MetricsPath = d.MetricsPath
	}
	if config.Namespace == "" {
		config.Namespace = d.Namespace
	}

	me := &MetricsExporter{
		logger:   logger,
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	me.initializeMetrics()
	return me
}

func (me *MetricsExporter) initializeMetrics() {
	ns := me.config.Namespace

	me.auditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Audit events recorded, by type and severity",
	}, []string{"type", "severity"})

	me.detections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "audit",
		Name:      "detections_total",
		Help:      "Events synthesized by audit self-detection",
	}, []string{"type"})

	me.rateLimitDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "ratelimit",
		Name:      "decisions_total",
		Help:      "Rate limit decisions, by action and outcome",
	}, []string{"action", "outcome"})

	me.accessDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "team_access",
		Name:      "decisions_total",
		Help:      "Team access decisions, by resource and outcome",
	}, []string{"resource", "outcome"})

	me.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests served, by method and status code",
	}, []string{"method", "code"})

	me.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	me.trackedEntries = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "tracked_entries",
		Help:      "Live per-key state held by each component",
	}, []string{"component"})

	me.blockedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "blocked_addresses",
		Help:      "Source addresses currently on the blocklist",
	})

	me.auditBuffered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "audit",
		Name:      "buffered_events",
		Help:      "Events held in the in-memory audit buffer",
	})

	me.auditDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Subsystem: "audit",
		Name:      "sink_dropped_events",
		Help:      "Events dropped because the sink queue was full",
	})

	me.registry.MustRegister(
		me.auditEvents,
		me.detections,
		me.rateLimitDecisions,
		me.accessDecisions,
		me.httpRequests,
		me.httpDuration,
		me.trackedEntries,
		me.blockedAddresses,
		me.auditBuffered,
		me.auditDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Registry returns the exporter's registry.
func (me *MetricsExporter) Registry() *prometheus.Registry {
	return me.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (me *MetricsExporter) Handler() http.Handler {
	return promhttp.HandlerFor(me.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Write counts an audit event. It implements audit.Sink.
func (me *MetricsExporter) Write(_ context.Context, event audit.Event) error {
	me.auditEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()
	if event.Synthetic {
		me.detections.WithLabelValues(string(event.Type)).Inc()
	}
	return nil
}

// RecordRateLimit counts one rate limit decision.
func (me *MetricsExporter) RecordRateLimit(action string, allowed bool) {
	me.rateLimitDecisions.WithLabelValues(action, outcome(allowed)).Inc()
}

// RecordAccessDecision counts one team access decision.
func (me *MetricsExporter) RecordAccessDecision(resource string, allowed bool) {
	me.accessDecisions.WithLabelValues(resource, outcome(allowed)).Inc()
}

// ObserveHTTP records one served request.
func (me *MetricsExporter) ObserveHTTP(method string, status int, elapsed time.Duration) {
	me.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	me.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// SetTracked sets the live entry count for component.
func (me *MetricsExporter) SetTracked(component string, n int) {
	me.trackedEntries.WithLabelValues(component).Set(float64(n))
}

// SetBlockedAddresses sets the blocklist size.
func (me *MetricsExporter) SetBlockedAddresses(n int) {
	me.blockedAddresses.Set(float64(n))
}

// SetAuditBuffer sets the audit buffer gauges.
func (me *MetricsExporter) SetAuditBuffer(buffered int, dropped int64) {
	me.auditBuffered.Set(float64(buffered))
	me.auditDropped.Set(float64(dropped))
}

func outcome(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

// Start begins metrics export on the dedicated listener, if configured.
func (me *MetricsExporter) Start() error {
	if !me.config.Enabled || me.config.ListenAddr == "" {
		return nil
	}

	me.mu.Lock()
	defer me.mu.Unlock()
	if me.server != nil {
		return errors.New("metrics exporter already started")
	}

	mux := http.NewServeMux()
	mux.Handle(me.config.MetricsPath, me.Handler())
	me.server = &http.Server{
		Addr:              me.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := me.server
	go func() {
		me.logger.Info("Starting metrics exporter",
			zap.String("address", me.config.ListenAddr),
			zap.String("path", me.config.MetricsPath),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			me.logger.Error("Metrics server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop halts metrics export
func (me *MetricsExporter) Stop() error {
	me.mu.Lock()
	server := me.server
	me.server = nil
	me.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown metrics server: %w", err)
	}
	me.logger.Info("Metrics exporter stopped")
	return nil
}
