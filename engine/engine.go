package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/cron"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	mw "github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/observability"
	"github.com/xraph/choreo/queue"
	"github.com/xraph/choreo/scheduler"
	"github.com/xraph/choreo/store"
	"github.com/xraph/choreo/tx"
)

const instrumentationName = "github.com/xraph/choreo"

// Engine ties the scheduler, the correlators and the message exchanges
// together and hands work to the ProcessExecutor.
type Engine struct {
	config   choreo.Config
	store    store.Store
	executor ProcessExecutor
	invoker  PartnerInvoker
	logger   *slog.Logger

	sched      *scheduler.Scheduler
	registry   *job.Registry
	extensions *ext.Registry
	pendingExt []ext.Extension
	mws        []mw.Middleware
	bo         backoff.Strategy
	schedOpts  []scheduler.Option

	queueConfigs []queue.Config
	queueManager *queue.Manager

	maintenance *cron.Config
	cron        *cron.Scheduler

	breakerFailures uint32
	breakerTimeout  time.Duration
	onBreakerChange func(endpoint string, from, to gobreaker.State)
	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker

	// live holds the exchanges created through this engine so callers
	// waiting on them see acknowledgements committed by jobs.
	liveMu sync.Mutex
	live   map[string]*mex.Exchange

	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

var _ job.Processor = (*Engine)(nil)

// New builds an engine on st. The engine owns the scheduler; call Start
// to begin firing jobs.
func New(st store.Store, executor ProcessExecutor, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, choreo.ErrNoStore
	}
	if executor == nil {
		return nil, errors.New("choreo: engine requires a process executor")
	}

	e := &Engine{
		config:          choreo.DefaultConfig(),
		store:           st,
		executor:        executor,
		logger:          slog.Default(),
		registry:        job.NewRegistry(),
		breakerFailures: 5,
		breakerTimeout:  30 * time.Second,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
		live:            make(map[string]*mex.Exchange),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bo == nil {
		e.bo = backoff.DefaultStrategy()
	}

	e.extensions = ext.NewRegistry(e.logger)
	for _, x := range e.pendingExt {
		e.extensions.Register(x)
	}

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if e.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(e.tracerProvider.Tracer(instrumentationName))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if e.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(e.meterProvider.Meter(instrumentationName))
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if e.meterProvider != nil {
		obsExt = observability.NewMetricsExtensionWithMeter(e.meterProvider.Meter(instrumentationName + "/observability"))
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	e.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → instance lock.
	stack := []mw.Middleware{
		mw.Recover(e.logger),
		tracingMw,
		metricsMw,
		mw.Logging(e.logger),
		mw.InstanceLock(),
	}
	stack = append(stack, e.mws...)

	schedOpts := []scheduler.Option{
		scheduler.WithConfig(e.config),
		scheduler.WithLogger(e.logger),
		scheduler.WithExtensions(e.extensions),
		scheduler.WithMiddleware(stack...),
		scheduler.WithBackoff(e.bo),
	}
	if len(e.queueConfigs) > 0 {
		e.queueManager = queue.NewManager(e.queueConfigs...)
		schedOpts = append(schedOpts, scheduler.WithQueueManager(e.queueManager))
	}
	schedOpts = append(schedOpts, e.schedOpts...)
	e.sched = scheduler.New(st, schedOpts...)

	job.Handle(e.registry, e.onTimer)
	job.Handle(e.registry, e.onResume)
	job.Handle(e.registry, e.onInvokeInternal)
	job.Handle(e.registry, e.onInvokeResponse)
	job.Handle(e.registry, e.onMatcher)
	job.Handle(e.registry, e.onInvokeCheck)
	e.sched.SetJobProcessor(e)

	cronCfg := cron.DefaultConfig()
	if e.maintenance != nil {
		cronCfg = *e.maintenance
	}
	c, err := cron.NewScheduler(e.sched, cron.WithConfig(cronCfg), cron.WithLogger(e.logger))
	if err != nil {
		return nil, err
	}
	e.cron = c

	return e, nil
}

// Start starts the scheduler and the maintenance schedules.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := e.cron.Start(ctx); err != nil {
		return fmt.Errorf("start maintenance: %w", err)
	}
	e.logger.Info("engine started",
		slog.String("node_id", e.sched.NodeID().String()),
	)
	return nil
}

// Stop stops maintenance and drains the scheduler.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.cron.Stop(ctx); err != nil {
		e.logger.Error("maintenance stop error", slog.String("error", err.Error()))
	}
	return e.sched.Stop(ctx)
}

// Scheduler returns the job scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.sched }

// Extensions returns the extension registry.
func (e *Engine) Extensions() *ext.Registry { return e.extensions }

// Registry returns the job registry the engine dispatches through.
func (e *Engine) Registry() *job.Registry { return e.registry }

// DLQService returns the DLQ service for replay and inspection.
func (e *Engine) DLQService() *dlq.Service { return e.sched.DLQ() }

// Maintenance returns the maintenance scheduler.
func (e *Engine) Maintenance() *cron.Scheduler { return e.cron }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (e *Engine) QueueManager() *queue.Manager { return e.queueManager }

// OnScheduledJob implements job.Processor. Failures of in-memory jobs are
// final; persisted jobs are retried.
func (e *Engine) OnScheduledJob(ctx context.Context, info job.Info) error {
	err := e.registry.OnScheduledJob(ctx, info)
	if err == nil {
		return nil
	}
	var pe *job.ProcessorError
	if errors.As(err, &pe) {
		return err
	}
	if info.Details.InMemory {
		return job.Fatal(err)
	}
	return job.Retryable(err)
}

// ──────────────────────────────────────────────────
// Correlators
// ──────────────────────────────────────────────────

// Correlator returns the correlator correlatorID of process.
func (e *Engine) Correlator(process, correlatorID string) *correlator.Correlator {
	return correlator.New(process, correlatorID, e.store, e.sched, correlator.WithLogger(e.logger))
}

// AddRoute makes instance target wait on a message matching keys. The
// route is placed when the transaction on ctx commits; outside a
// transaction it is placed in a transaction of its own.
func (e *Engine) AddRoute(ctx context.Context, process, correlatorID, groupID string, target int64, index int, keys correlation.KeySet, policy correlator.Policy) error {
	return e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		return e.Correlator(process, correlatorID).AddRoute(ctx, groupID, target, index, keys, policy)
	})
}

// RemoveRoutes removes the routes of groupID placed by target.
func (e *Engine) RemoveRoutes(ctx context.Context, process, correlatorID, groupID string, target int64) error {
	return e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		return e.Correlator(process, correlatorID).RemoveRoutes(ctx, groupID, target)
	})
}

// ──────────────────────────────────────────────────
// Exchange persistence
// ──────────────────────────────────────────────────

// GetMessageExchange returns an exchange by id. Exchanges created through
// this engine and not yet released are returned live.
func (e *Engine) GetMessageExchange(ctx context.Context, mexID id.MexID) (*mex.Exchange, error) {
	e.liveMu.Lock()
	ex, ok := e.live[mexID.String()]
	e.liveMu.Unlock()
	if ok {
		return ex, nil
	}
	return e.loadExchange(ctx, mexID)
}

func (e *Engine) loadExchange(ctx context.Context, mexID id.MexID) (*mex.Exchange, error) {
	rec, err := e.store.GetMex(ctx, mexID)
	if err != nil {
		return nil, fmt.Errorf("load exchange %s: %w", mexID, err)
	}
	return mex.Restore(*rec), nil
}

func (e *Engine) loadExchangeString(ctx context.Context, s string) (*mex.Exchange, error) {
	mexID, err := id.ParseMexID(s)
	if err != nil {
		return nil, job.Fatal(fmt.Errorf("exchange id %q: %w", s, err))
	}
	return e.loadExchange(ctx, mexID)
}

// UpdateMessageExchange persists ex inside the transaction on ctx (or its
// own). Use it after acknowledging an exchange outside an engine callback.
func (e *Engine) UpdateMessageExchange(ctx context.Context, ex *mex.Exchange) error {
	return e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		rec, err := e.store.GetMex(ctx, ex.ID())
		if err != nil {
			return err
		}
		return e.saveExchange(ctx, ex, rec.Status)
	})
}

// ReleaseMessageExchange marks ex released. Released exchanges are
// dropped from the live set and purged by maintenance.
func (e *Engine) ReleaseMessageExchange(ctx context.Context, ex *mex.Exchange) error {
	ex.Release()
	err := e.sched.ExecTransaction(ctx, func(ctx context.Context) error {
		rec := ex.Snapshot()
		if err := e.store.UpdateMex(ctx, &rec); err != nil {
			return err
		}
		tx.FromContext(ctx).OnCommit(func(context.Context) {
			e.liveMu.Lock()
			delete(e.live, rec.ID.String())
			e.liveMu.Unlock()
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("release exchange %s: %w", ex.ID(), err)
	}
	return nil
}

// saveExchange writes ex in the transaction on ctx. Once the transaction
// commits the live copy catches up and, when the exchange got its ack in
// this transaction, the ExchangeAcked hook fires.
func (e *Engine) saveExchange(ctx context.Context, ex *mex.Exchange, before mex.Status) error {
	rec := ex.Snapshot()
	if err := e.store.UpdateMex(ctx, &rec); err != nil {
		return fmt.Errorf("save exchange %s: %w", rec.ID, err)
	}
	tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
		e.liveMu.Lock()
		live, ok := e.live[rec.ID.String()]
		e.liveMu.Unlock()
		if ok && live != ex {
			live.Update(rec)
		}
		if !before.Acked() && rec.Status.Acked() {
			e.extensions.EmitExchangeAcked(ctx, &rec)
		}
	})
	return nil
}

func (e *Engine) track(ex *mex.Exchange) {
	e.liveMu.Lock()
	e.live[ex.ID().String()] = ex
	e.liveMu.Unlock()
}

// inactive pushes a job of an inactive process back and reports whether
// it did.
func (e *Engine) inactive(ctx context.Context, info job.Info) (bool, error) {
	process := info.Details.ProcessID
	if process == "" || e.executor.IsActive(process) {
		return false, nil
	}

	when := time.Now().UTC().Add(e.config.InactiveProcessDelay)
	details := info.Details.Clone()
	details.RetryCount = 0
	var err error
	if details.InMemory {
		_, err = e.sched.ScheduleVolatileJob(ctx, true, details, when)
	} else {
		_, err = e.sched.SchedulePersistedJob(ctx, details, when)
	}
	if err != nil {
		return true, fmt.Errorf("reschedule job of inactive process %s: %w", process, err)
	}
	e.logger.Info("process inactive, job rescheduled",
		slog.String("job_id", info.JobName),
		slog.String("type", string(info.Details.Type)),
		slog.String("process", process),
		slog.Time("run_at", when),
	)
	return true, nil
}
