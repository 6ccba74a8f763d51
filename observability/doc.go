// Package observability provides an OpenTelemetry metrics extension for
// choreo. MetricsExtension implements the lifecycle hooks of package ext
// and records counters for job scheduling, completion, retries, dead
// letters, exchange outcomes and maintenance.
//
// For per-execution tracing and metrics, see middleware.Tracing and
// middleware.Metrics.
//
// InitProvider wires the OpenTelemetry SDK to an OTLP/gRPC collector and
// registers the providers globally.
package observability
