// Package metrics provides the registry queues are instrumented through.
//
// # Overview
//
// A Registry maps a metric name plus an optional tag set to one of two kinds:
//   - Counter: a monotonically non-decreasing int64, reset only by a process restart
//   - Gauge: a GaugeFunc evaluated on every read, never precomputed
//
// Lookups are idempotent. Asking twice for the same counter returns the same
// instance, and a second gauge registration for the same name and tags keeps the
// first function. A name used for both kinds is rejected with an
// *errors.RegistrationError.
//
// # Backends
//
//	// Tests and processes without an exporter
//	reg := metrics.NewMemoryRegistry()
//
//	// Prometheus, scraped through promhttp
//	reg := metrics.NewPrometheusRegistry(prometheus.NewRegistry(), "myapp", nil)
//
//	// OpenTelemetry
//	reg := metrics.NewOTelRegistry(otel.Meter("queues"))
//
// Or from configuration:
//
//	reg := metrics.NewRegistry(metrics.DefaultConfig())
//
// A disabled Config builds a NopRegistry, which is how a queue is explicitly
// allowed to run without exporting anything.
//
// # Names
//
// Names are dotted (queue.depth). The Prometheus backend rewrites them to
// queue_depth, prefixed by the configured namespace. The OpenTelemetry backend
// keeps them as they are. Tags become const labels or attributes.
//
// # Concurrency
//
// Every backend is safe for concurrent use. Counter increments are single
// atomic operations. Gauge functions run on the scraping goroutine, outside
// any lock of the registry that a caller could also hold.
package metrics
