package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

func collect[H any](dst []entry[H], e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(dst, entry[H]{name: e.Name(), hook: h})
	}
	return dst
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are type-cached at registration so emit calls only
// iterate over implementors of the relevant hook.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobScheduled     []entry[JobScheduled]
	jobStarted       []entry[JobStarted]
	jobCompleted     []entry[JobCompleted]
	jobRetrying      []entry[JobRetrying]
	jobFailed        []entry[JobFailed]
	jobDLQ           []entry[JobDLQ]
	exchangeCreated  []entry[ExchangeCreated]
	exchangeAcked    []entry[ExchangeAcked]
	exchangeTimedOut []entry[ExchangeTimedOut]
	messageRouted    []entry[MessageRouted]
	maintenanceRan   []entry[MaintenanceRan]
	shutdown         []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds an extension. Extensions are notified in registration
// order. Register is not safe to call concurrently with the emitters.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)

	r.jobScheduled = collect(r.jobScheduled, e)
	r.jobStarted = collect(r.jobStarted, e)
	r.jobCompleted = collect(r.jobCompleted, e)
	r.jobRetrying = collect(r.jobRetrying, e)
	r.jobFailed = collect(r.jobFailed, e)
	r.jobDLQ = collect(r.jobDLQ, e)
	r.exchangeCreated = collect(r.exchangeCreated, e)
	r.exchangeAcked = collect(r.exchangeAcked, e)
	r.exchangeTimedOut = collect(r.exchangeTimedOut, e)
	r.messageRouted = collect(r.messageRouted, e)
	r.maintenanceRan = collect(r.maintenanceRan, e)
	r.shutdown = collect(r.shutdown, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

// ──────────────────────────────────────────────────
// Job event emitters
// ──────────────────────────────────────────────────

// EmitJobScheduled notifies all extensions that implement JobScheduled.
func (r *Registry) EmitJobScheduled(ctx context.Context, j *job.Job) {
	for _, e := range r.jobScheduled {
		r.check("OnJobScheduled", e.name, e.hook.OnJobScheduled(ctx, j))
	}
}

// EmitJobStarted notifies all extensions that implement JobStarted.
func (r *Registry) EmitJobStarted(ctx context.Context, info job.Info) {
	for _, e := range r.jobStarted {
		r.check("OnJobStarted", e.name, e.hook.OnJobStarted(ctx, info))
	}
}

// EmitJobCompleted notifies all extensions that implement JobCompleted.
func (r *Registry) EmitJobCompleted(ctx context.Context, info job.Info, elapsed time.Duration) {
	for _, e := range r.jobCompleted {
		r.check("OnJobCompleted", e.name, e.hook.OnJobCompleted(ctx, info, elapsed))
	}
}

// EmitJobRetrying notifies all extensions that implement JobRetrying.
func (r *Registry) EmitJobRetrying(ctx context.Context, info job.Info, attempt int, nextRunAt time.Time) {
	for _, e := range r.jobRetrying {
		r.check("OnJobRetrying", e.name, e.hook.OnJobRetrying(ctx, info, attempt, nextRunAt))
	}
}

// EmitJobFailed notifies all extensions that implement JobFailed.
func (r *Registry) EmitJobFailed(ctx context.Context, info job.Info, jobErr error) {
	for _, e := range r.jobFailed {
		r.check("OnJobFailed", e.name, e.hook.OnJobFailed(ctx, info, jobErr))
	}
}

// EmitJobDLQ notifies all extensions that implement JobDLQ.
func (r *Registry) EmitJobDLQ(ctx context.Context, info job.Info, jobErr error) {
	for _, e := range r.jobDLQ {
		r.check("OnJobDLQ", e.name, e.hook.OnJobDLQ(ctx, info, jobErr))
	}
}

// ──────────────────────────────────────────────────
// Exchange event emitters
// ──────────────────────────────────────────────────

// EmitExchangeCreated notifies all extensions that implement ExchangeCreated.
func (r *Registry) EmitExchangeCreated(ctx context.Context, rec *mex.Record) {
	for _, e := range r.exchangeCreated {
		r.check("OnExchangeCreated", e.name, e.hook.OnExchangeCreated(ctx, rec))
	}
}

// EmitExchangeAcked notifies all extensions that implement ExchangeAcked.
func (r *Registry) EmitExchangeAcked(ctx context.Context, rec *mex.Record) {
	for _, e := range r.exchangeAcked {
		r.check("OnExchangeAcked", e.name, e.hook.OnExchangeAcked(ctx, rec))
	}
}

// EmitExchangeTimedOut notifies all extensions that implement ExchangeTimedOut.
func (r *Registry) EmitExchangeTimedOut(ctx context.Context, rec *mex.Record) {
	for _, e := range r.exchangeTimedOut {
		r.check("OnExchangeTimedOut", e.name, e.hook.OnExchangeTimedOut(ctx, rec))
	}
}

// EmitMessageRouted notifies all extensions that implement MessageRouted.
func (r *Registry) EmitMessageRouted(ctx context.Context, rec *mex.Record, status mex.CorrelationStatus) {
	for _, e := range r.messageRouted {
		r.check("OnMessageRouted", e.name, e.hook.OnMessageRouted(ctx, rec, status))
	}
}

// ──────────────────────────────────────────────────
// Other event emitters
// ──────────────────────────────────────────────────

// EmitMaintenanceRan notifies all extensions that implement MaintenanceRan.
func (r *Registry) EmitMaintenanceRan(ctx context.Context, task string, affected int64) {
	for _, e := range r.maintenanceRan {
		r.check("OnMaintenanceRan", e.name, e.hook.OnMaintenanceRan(ctx, task, affected))
	}
}

// EmitShutdown notifies all extensions that implement Shutdown.
func (r *Registry) EmitShutdown(ctx context.Context) {
	for _, e := range r.shutdown {
		r.check("OnShutdown", e.name, e.hook.OnShutdown(ctx))
	}
}

// check logs a hook error. Hook errors never propagate into the pipeline.
func (r *Registry) check(hook, extName string, err error) {
	if err == nil {
		return
	}
	r.logger.Warn("extension hook error",
		slog.String("hook", hook),
		slog.String("extension", extName),
		slog.String("error", err.Error()),
	)
}
