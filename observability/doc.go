// Package observability provides a Prometheus metrics extension for
// Dispatch. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for enqueue, completion, retry, deferral, dead
// and recovered jobs, plus AI budget band transitions.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
