// Package ext defines the extension system for choreo.
// Extensions are notified of lifecycle events (job scheduled, completed,
// retried, exchange acknowledged, message routed) and react to them.
//
// Each lifecycle hook is a separate interface so extensions opt in only
// to the events they care about.
package ext

import (
	"context"
	"time"

	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobScheduled is called after a job is scheduled. For persisted jobs
// scheduled inside a transaction it fires once the transaction commits.
type JobScheduled interface {
	OnJobScheduled(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a runner hands a job to the processor.
type JobStarted interface {
	OnJobStarted(ctx context.Context, info job.Info) error
}

// JobCompleted is called after the processor succeeded and the job
// transaction committed.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, info job.Info, elapsed time.Duration) error
}

// JobRetrying is called when a failed job is rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, info job.Info, attempt int, nextRunAt time.Time) error
}

// JobFailed is called when a job fails fatally and is dropped.
type JobFailed interface {
	OnJobFailed(ctx context.Context, info job.Info, err error) error
}

// JobDLQ is called when a job exhausted its retries and was dead-lettered.
type JobDLQ interface {
	OnJobDLQ(ctx context.Context, info job.Info, err error) error
}

// ──────────────────────────────────────────────────
// Message exchange hooks
// ──────────────────────────────────────────────────

// ExchangeCreated is called when a message exchange is first persisted.
type ExchangeCreated interface {
	OnExchangeCreated(ctx context.Context, rec *mex.Record) error
}

// ExchangeAcked is called once an exchange's acknowledgement is committed.
type ExchangeAcked interface {
	OnExchangeAcked(ctx context.Context, rec *mex.Record) error
}

// ExchangeTimedOut is called when timeout supervision failed an exchange.
type ExchangeTimedOut interface {
	OnExchangeTimedOut(ctx context.Context, rec *mex.Record) error
}

// MessageRouted is called when an inbound exchange was matched to a
// route, queued, or created an instance.
type MessageRouted interface {
	OnMessageRouted(ctx context.Context, rec *mex.Record, status mex.CorrelationStatus) error
}

// ──────────────────────────────────────────────────
// Other lifecycle hooks
// ──────────────────────────────────────────────────

// MaintenanceRan is called after a maintenance task finished.
type MaintenanceRan interface {
	OnMaintenanceRan(ctx context.Context, task string, affected int64) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
