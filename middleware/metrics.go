package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/choreo/job"
)

// meterName is the instrumentation scope name for choreo metrics.
const meterName = "github.com/xraph/choreo"

// Metrics returns middleware that records per-job processing metrics using
// the global MeterProvider.
//
// Instruments:
//   - choreo.job.duration (Float64Histogram): processing time in seconds,
//     with attributes: type, status ("ok", "retry" or "fatal")
//   - choreo.job.executions (Int64Counter): total executions, same attributes
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(meterName))
}

// MetricsWithMeter returns metrics middleware using the provided meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// On error the API returns noop instruments.
	duration, _ := meter.Float64Histogram(
		"choreo.job.duration",
		metric.WithDescription("Duration of job processing in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"choreo.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, info job.Info, next Handler) error {
		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start).Seconds()

		status := "ok"
		switch {
		case err == nil:
		case job.IsRetryable(err):
			status = "retry"
		default:
			status = "fatal"
		}

		attrs := metric.WithAttributes(
			attribute.String("type", string(info.Details.Type)),
			attribute.String("status", status),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)

		return err
	}
}
