// Package middleware provides composable middleware around the job
// processor.
//
// A [Middleware] wraps the call to job.Processor.OnScheduledJob. Middleware
// are composed with [Chain]; the first middleware in the list is the
// outermost wrapper.
//
//	chain := middleware.Chain(middleware.Logging(logger), middleware.Recover(logger))
//
// # Built-in Middleware
//
//   - [Logging] logs job type, duration and outcome
//   - [Recover] turns panics into retryable errors
//   - [Timeout] bounds processing time, optionally per job type
//   - [InstanceLock] serializes jobs addressed to the same process instance
//   - [Tracing] wraps processing in an OpenTelemetry span
//   - [Metrics] records duration and outcome counters
package middleware
