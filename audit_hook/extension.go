package audithook

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
)

var (
	_ ext.Extension        = (*Extension)(nil)
	_ ext.JobScheduled     = (*Extension)(nil)
	_ ext.JobStarted       = (*Extension)(nil)
	_ ext.JobCompleted     = (*Extension)(nil)
	_ ext.JobFailed        = (*Extension)(nil)
	_ ext.JobRetrying      = (*Extension)(nil)
	_ ext.JobDLQ           = (*Extension)(nil)
	_ ext.ExchangeCreated  = (*Extension)(nil)
	_ ext.ExchangeAcked    = (*Extension)(nil)
	_ ext.ExchangeTimedOut = (*Extension)(nil)
	_ ext.MessageRouted    = (*Extension)(nil)
	_ ext.MaintenanceRan   = (*Extension)(nil)
)

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error { return f(ctx, event) }

// AuditEvent is one audit record.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// set adds a metadata entry and returns the event for chaining.
func (a *AuditEvent) set(key string, value any) *AuditEvent {
	a.Metadata[key] = value
	return a
}

// fail marks the event as a failure caused by err. A nil err keeps the
// event's classification but records no reason.
func (a *AuditEvent) fail(severity string, err error) *AuditEvent {
	a.Severity, a.Outcome = severity, OutcomeFailure
	if err != nil {
		a.Reason = err.Error()
		a.Metadata["error"] = a.Reason
	}
	return a
}

// LogRecorder writes audit events as structured log records. Warnings log
// at Warn, critical events at Error.
type LogRecorder struct {
	Logger *slog.Logger
}

func (r LogRecorder) Record(ctx context.Context, event *AuditEvent) error {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := make([]slog.Attr, 0, 4+len(event.Metadata))
	attrs = append(attrs,
		slog.String("action", event.Action),
		slog.String("resource", event.Resource),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	)
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.Any(k, v))
	}
	r.Logger.LogAttrs(ctx, level, "audit", attrs...)
	return nil
}

// Extension turns engine lifecycle hooks into audit events.
type Extension struct {
	recorder Recorder
	only     map[string]struct{}
	logger   *slog.Logger
}

// New returns an Extension recording through r.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{recorder: r, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Extension) Name() string { return "audit-hook" }

// ── Jobs ────────────────────────────────────────────

func (e *Extension) OnJobScheduled(ctx context.Context, j *job.Job) error {
	ev := jobEvent(ActionJobScheduled, j.ID.String(), j.Details).
		set("run_at", j.RunAt.Format(time.RFC3339))
	return e.emit(ctx, ev)
}

func (e *Extension) OnJobStarted(ctx context.Context, info job.Info) error {
	return e.emit(ctx, jobEvent(ActionJobStarted, info.JobName, info.Details))
}

func (e *Extension) OnJobCompleted(ctx context.Context, info job.Info, elapsed time.Duration) error {
	ev := jobEvent(ActionJobCompleted, info.JobName, info.Details).
		set("elapsed_ms", elapsed.Milliseconds())
	return e.emit(ctx, ev)
}

func (e *Extension) OnJobFailed(ctx context.Context, info job.Info, jobErr error) error {
	ev := jobEvent(ActionJobFailed, info.JobName, info.Details).
		set("retry_count", info.RetryCount).
		fail(SeverityWarning, jobErr)
	return e.emit(ctx, ev)
}

func (e *Extension) OnJobRetrying(ctx context.Context, info job.Info, attempt int, nextRunAt time.Time) error {
	ev := jobEvent(ActionJobRetrying, info.JobName, info.Details).
		set("attempt", attempt).
		set("next_run_at", nextRunAt.Format(time.RFC3339))
	return e.emit(ctx, ev)
}

func (e *Extension) OnJobDLQ(ctx context.Context, info job.Info, jobErr error) error {
	ev := jobEvent(ActionJobDLQ, info.JobName, info.Details).
		set("retry_count", info.RetryCount).
		fail(SeverityCritical, jobErr)
	return e.emit(ctx, ev)
}

// ── Exchanges ───────────────────────────────────────

func (e *Extension) OnExchangeCreated(ctx context.Context, rec *mex.Record) error {
	return e.emit(ctx, exchangeEvent(ActionExchangeCreated, rec))
}

// OnExchangeAcked records failure acknowledgements as failures with the
// failure type as reason.
func (e *Extension) OnExchangeAcked(ctx context.Context, rec *mex.Record) error {
	ev := exchangeEvent(ActionExchangeAcked, rec).set("ack_type", string(rec.AckType))
	if rec.AckType == mex.AckFailure {
		var cause error
		if f := rec.Failure; f != nil {
			cause = fmt.Errorf("%s: %s", f.Type, f.Explanation)
		}
		ev.fail(SeverityWarning, cause)
	}
	return e.emit(ctx, ev)
}

func (e *Extension) OnExchangeTimedOut(ctx context.Context, rec *mex.Record) error {
	ev := exchangeEvent(ActionExchangeTimedOut, rec).set("timeout_ms", rec.Timeout.Milliseconds())
	return e.emit(ctx, ev)
}

func (e *Extension) OnMessageRouted(ctx context.Context, rec *mex.Record, status mex.CorrelationStatus) error {
	ev := exchangeEvent(ActionMessageRouted, rec).set("correlation_status", string(status))
	return e.emit(ctx, ev)
}

// ── Maintenance ─────────────────────────────────────

func (e *Extension) OnMaintenanceRan(ctx context.Context, task string, affected int64) error {
	return e.emit(ctx, newEvent(ActionMaintenanceRan, task).set("affected", affected))
}

// ── Building and emitting ───────────────────────────

func newEvent(action, resourceID string) *AuditEvent {
	k := catalog[action]
	return &AuditEvent{
		Action:     action,
		Category:   k.category,
		Resource:   k.resource,
		ResourceID: resourceID,
		Severity:   k.severity,
		Outcome:    k.outcome,
		Metadata:   make(map[string]any, 8),
	}
}

func jobEvent(action, jobID string, d job.Details) *AuditEvent {
	ev := newEvent(action, jobID).set("job_type", string(d.Type))
	if d.ProcessID != "" {
		ev.set("process", d.ProcessID)
	}
	if inst, ok := d.Instance(); ok {
		ev.set("instance", inst)
	}
	if d.MexID != "" {
		ev.set("mex_id", d.MexID)
	}
	return ev
}

func exchangeEvent(action string, rec *mex.Record) *AuditEvent {
	ev := newEvent(action, rec.ID.String()).
		set("direction", string(rec.Direction)).
		set("service", rec.ServiceID).
		set("operation", rec.Operation)
	if rec.ProcessID != "" {
		ev.set("process", rec.ProcessID)
	}
	if rec.InstanceID != nil {
		ev.set("instance", *rec.InstanceID)
	}
	return ev
}

// emit hands ev to the Recorder unless its action is filtered out.
// Recorder errors are logged and swallowed so auditing never fails a job.
func (e *Extension) emit(ctx context.Context, ev *AuditEvent) error {
	if e.only != nil {
		if _, ok := e.only[ev.Action]; !ok {
			return nil
		}
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.Warn("audit record failed",
			slog.String("action", ev.Action),
			slog.String("resource_id", ev.ResourceID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}
