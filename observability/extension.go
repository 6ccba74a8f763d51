package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
)

// Compile-time interface checks.
var (
	_ ext.Extension        = (*MetricsExtension)(nil)
	_ ext.JobScheduled     = (*MetricsExtension)(nil)
	_ ext.JobCompleted     = (*MetricsExtension)(nil)
	_ ext.JobFailed        = (*MetricsExtension)(nil)
	_ ext.JobRetrying      = (*MetricsExtension)(nil)
	_ ext.JobDLQ           = (*MetricsExtension)(nil)
	_ ext.ExchangeCreated  = (*MetricsExtension)(nil)
	_ ext.ExchangeAcked    = (*MetricsExtension)(nil)
	_ ext.ExchangeTimedOut = (*MetricsExtension)(nil)
	_ ext.MessageRouted    = (*MetricsExtension)(nil)
	_ ext.MaintenanceRan   = (*MetricsExtension)(nil)
)

const meterName = "github.com/xraph/choreo/observability"

// MetricsExtension records system-wide lifecycle counters through an
// OpenTelemetry meter. Register it with the engine to track scheduling,
// completion, retry and dead-letter rates as well as exchange outcomes.
type MetricsExtension struct {
	JobScheduled     metric.Int64Counter
	JobCompleted     metric.Int64Counter
	JobFailed        metric.Int64Counter
	JobRetried       metric.Int64Counter
	JobDLQ           metric.Int64Counter
	JobDuration      metric.Float64Histogram
	ExchangeCreated  metric.Int64Counter
	ExchangeAcked    metric.Int64Counter
	ExchangeTimedOut metric.Int64Counter
	MessageRouted    metric.Int64Counter
	MaintenanceRows  metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension on the global
// MeterProvider.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension on meter.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// Instrument constructors return noop instruments on error.
	counter := func(name, desc string) metric.Int64Counter {
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	duration, _ := meter.Float64Histogram("choreo.job.lifecycle.duration",
		metric.WithDescription("Time from job start to commit in seconds"),
		metric.WithUnit("s"),
	)

	return &MetricsExtension{
		JobScheduled:     counter("choreo.job.scheduled", "Jobs scheduled"),
		JobCompleted:     counter("choreo.job.completed", "Jobs completed"),
		JobFailed:        counter("choreo.job.failed", "Jobs dropped after a fatal error"),
		JobRetried:       counter("choreo.job.retried", "Job retries scheduled"),
		JobDLQ:           counter("choreo.job.dlq", "Jobs moved to the dead letter queue"),
		JobDuration:      duration,
		ExchangeCreated:  counter("choreo.mex.created", "Message exchanges created"),
		ExchangeAcked:    counter("choreo.mex.acked", "Message exchanges acknowledged"),
		ExchangeTimedOut: counter("choreo.mex.timed_out", "Message exchanges failed by timeout supervision"),
		MessageRouted:    counter("choreo.correlation.routed", "Inbound messages routed"),
		MaintenanceRows:  counter("choreo.maintenance.rows", "Rows affected by maintenance tasks"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func typeAttr(t job.Type) metric.AddOption {
	return metric.WithAttributes(attribute.String("type", string(t)))
}

// ── Job lifecycle hooks ─────────────────────────────

// OnJobScheduled implements ext.JobScheduled.
func (m *MetricsExtension) OnJobScheduled(ctx context.Context, j *job.Job) error {
	m.JobScheduled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(j.Details.Type)),
		attribute.Bool("in_memory", j.Details.InMemory),
	))
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(ctx context.Context, info job.Info, elapsed time.Duration) error {
	m.JobCompleted.Add(ctx, 1, typeAttr(info.Details.Type))
	m.JobDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("type", string(info.Details.Type))))
	return nil
}

// OnJobFailed implements ext.JobFailed.
func (m *MetricsExtension) OnJobFailed(ctx context.Context, info job.Info, _ error) error {
	m.JobFailed.Add(ctx, 1, typeAttr(info.Details.Type))
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(ctx context.Context, info job.Info, _ int, _ time.Time) error {
	m.JobRetried.Add(ctx, 1, typeAttr(info.Details.Type))
	return nil
}

// OnJobDLQ implements ext.JobDLQ.
func (m *MetricsExtension) OnJobDLQ(ctx context.Context, info job.Info, _ error) error {
	m.JobDLQ.Add(ctx, 1, typeAttr(info.Details.Type))
	return nil
}

// ── Exchange hooks ──────────────────────────────────

// OnExchangeCreated implements ext.ExchangeCreated.
func (m *MetricsExtension) OnExchangeCreated(ctx context.Context, rec *mex.Record) error {
	m.ExchangeCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", string(rec.Direction)),
		attribute.String("style", string(rec.Style)),
	))
	return nil
}

// OnExchangeAcked implements ext.ExchangeAcked.
func (m *MetricsExtension) OnExchangeAcked(ctx context.Context, rec *mex.Record) error {
	m.ExchangeAcked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("direction", string(rec.Direction)),
		attribute.String("ack_type", string(rec.AckType)),
	))
	return nil
}

// OnExchangeTimedOut implements ext.ExchangeTimedOut.
func (m *MetricsExtension) OnExchangeTimedOut(ctx context.Context, rec *mex.Record) error {
	failure := ""
	if rec.Failure != nil {
		failure = string(rec.Failure.Type)
	}
	m.ExchangeTimedOut.Add(ctx, 1, metric.WithAttributes(attribute.String("failure", failure)))
	return nil
}

// OnMessageRouted implements ext.MessageRouted.
func (m *MetricsExtension) OnMessageRouted(ctx context.Context, _ *mex.Record, status mex.CorrelationStatus) error {
	m.MessageRouted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	return nil
}

// ── Maintenance hooks ───────────────────────────────

// OnMaintenanceRan implements ext.MaintenanceRan.
func (m *MetricsExtension) OnMaintenanceRan(ctx context.Context, task string, affected int64) error {
	m.MaintenanceRows.Add(ctx, affected, metric.WithAttributes(attribute.String("task", task)))
	return nil
}
