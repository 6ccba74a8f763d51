package engine

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/cron"
	"github.com/xraph/choreo/ext"
	mw "github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/queue"
	"github.com/xraph/choreo/scheduler"
)

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the runtime configuration.
func WithConfig(cfg choreo.Config) Option {
	return func(e *Engine) { e.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPartnerInvoker sets the integration layer for partner-role
// exchanges. Without one, InvokePartner fails every exchange with
// UNKNOWN_ENDPOINT.
func WithPartnerInvoker(p PartnerInvoker) Option {
	return func(e *Engine) { e.invoker = p }
}

// WithExtension registers an extension with the engine.
func WithExtension(x ext.Extension) Option {
	return func(e *Engine) { e.pendingExt = append(e.pendingExt, x) }
}

// WithMiddleware adds middleware after the default stack.
func WithMiddleware(m ...mw.Middleware) Option {
	return func(e *Engine) { e.mws = append(e.mws, m...) }
}

// WithBackoff sets the retry backoff strategy.
// If not set, backoff.DefaultStrategy() is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(e *Engine) { e.bo = b }
}

// WithQueueConfig registers per-job-type rate limits and concurrency.
// Types not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(e *Engine) { e.queueConfigs = append(e.queueConfigs, configs...) }
}

// WithSchedulerOptions passes options through to the job scheduler, for
// clustering (coordinator, cluster store, node id).
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(e *Engine) { e.schedOpts = append(e.schedOpts, opts...) }
}

// WithMaintenance sets the maintenance schedules.
// If not set, cron.DefaultConfig() is used.
func WithMaintenance(cfg cron.Config) Option {
	return func(e *Engine) { e.maintenance = &cfg }
}

// WithBreaker configures the per-endpoint circuit breakers: a breaker opens
// after maxFailures consecutive failures and probes again after
// openTimeout.
func WithBreaker(maxFailures uint32, openTimeout time.Duration) Option {
	return func(e *Engine) {
		e.breakerFailures = maxFailures
		e.breakerTimeout = openTimeout
	}
}

// WithBreakerStateChange is called whenever an endpoint breaker changes
// state.
func WithBreakerStateChange(fn func(endpoint string, from, to gobreaker.State)) Option {
	return func(e *Engine) { e.onBreakerChange = fn }
}

// WithTracerProvider sets a custom OTel TracerProvider for the engine.
// If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware and the observability extension.
// If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(e *Engine) { e.meterProvider = mp }
}
