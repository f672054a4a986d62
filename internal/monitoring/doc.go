// Package monitoring exports qrguard's security counters as Prometheus
// metrics.
//
// The exporter is an audit sink: every recorded event increments a counter
// labelled by type and severity. The HTTP layer and the janitor feed it
// request latencies, rate-limit and access decisions, tracked-state sizes
// and audit buffer health.
//
// Usage:
//
//	exporter := monitoring.NewMetricsExporter(logger, monitoring.DefaultMetricsConfig())
//	auditLog := audit.NewLog(logger, audit.DefaultConfig(), audit.WithSink(exporter))
//	router.Handle("/metrics", exporter.Handler())
//
// With a dedicated ListenAddr the exporter serves /metrics itself between
// Start and Stop.
package monitoring
