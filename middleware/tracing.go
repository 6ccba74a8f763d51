package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/choreo/job"
)

// tracerName is the instrumentation scope name for choreo tracing.
const tracerName = "github.com/xraph/choreo"

// Tracing returns middleware that wraps job processing in an
// OpenTelemetry span using the global TracerProvider. Without a configured
// provider the noop tracer makes it a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(tracerName))
}

// TracingWithTracer returns tracing middleware using the provided tracer.
//
// Span attributes: choreo.job.id, choreo.job.type, choreo.process,
// choreo.retry_count, and choreo.instance_id / choreo.mex_id when set.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, info job.Info, next Handler) error {
		attrs := []attribute.KeyValue{
			attribute.String("choreo.job.id", info.JobName),
			attribute.String("choreo.job.type", string(info.Details.Type)),
			attribute.String("choreo.process", info.Details.ProcessID),
			attribute.Int("choreo.retry_count", info.RetryCount),
		}
		if inst, ok := info.Details.Instance(); ok {
			attrs = append(attrs, attribute.Int64("choreo.instance_id", inst))
		}
		if info.Details.MexID != "" {
			attrs = append(attrs, attribute.String("choreo.mex_id", info.Details.MexID))
		}

		ctx, span := tracer.Start(ctx, "choreo.job.process",
			trace.WithAttributes(attrs...),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}

		return err
	}
}
