// Package worker runs fired jobs: an Executor that invokes the job
// processor through middleware inside the job's transaction, and a Pool
// that claims persisted jobs under a lease and feeds them to the Executor.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/tx"
)

// errGone marks a claimed job whose row disappeared before it ran.
var errGone = errors.New("worker: job no longer in store")

// Requeuer takes back in-memory jobs that must run again. The scheduler's
// volatile queue implements it.
type Requeuer interface {
	Requeue(j *job.Job)
}

// Outcome is how one execution ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeSkipped
	OutcomeRetrying
	OutcomeDeadLettered
	OutcomeFailed
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeDeadLettered:
		return "dead_lettered"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Executor runs a single job through middleware and the processor, then
// applies the retry policy: reschedule with backoff, dead-letter once the
// retry budget is spent, or drop on a fatal error.
type Executor struct {
	txm        *tx.Manager
	store      job.Store
	extensions *ext.Registry
	dlqService *dlq.Service
	backoff    backoff.Strategy
	maxRetries int
	timeout    time.Duration
	mw         middleware.Middleware
	requeuer   Requeuer
	logger     *slog.Logger

	mu        sync.RWMutex
	processor job.Processor

	// running maps the IDs of executing jobs to whether they were
	// cancelled mid-run.
	flightMu sync.Mutex
	running  map[string]bool
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) ExecutorOption {
	return func(e *Executor) { e.backoff = s }
}

// WithMaxRetries sets how many retries a job gets before it is
// dead-lettered.
func WithMaxRetries(n int) ExecutorOption {
	return func(e *Executor) { e.maxRetries = n }
}

// WithTransactionTimeout bounds each job transaction.
func WithTransactionTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.timeout = d }
}

// WithMiddleware installs the middleware chain around the processor.
func WithMiddleware(mws ...middleware.Middleware) ExecutorOption {
	return func(e *Executor) { e.mw = middleware.Chain(mws...) }
}

// WithDLQ sets where exhausted jobs go. Without one they are dropped.
func WithDLQ(s *dlq.Service) ExecutorOption {
	return func(e *Executor) { e.dlqService = s }
}

// WithRequeuer sets the target for retried in-memory jobs.
func WithRequeuer(r Requeuer) ExecutorOption {
	return func(e *Executor) { e.requeuer = r }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an Executor. Job transactions are opened by txm and
// job rows are managed through store.
func NewExecutor(txm *tx.Manager, store job.Store, extensions *ext.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		txm:        txm,
		store:      store,
		extensions: extensions,
		backoff:    backoff.DefaultStrategy(),
		maxRetries: choreo.DefaultConfig().MaxRetries,
		logger:     slog.Default(),
		running:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.extensions == nil {
		e.extensions = ext.NewRegistry(e.logger)
	}
	return e
}

// SetProcessor installs the processor every job is handed to.
func (e *Executor) SetProcessor(p job.Processor) {
	e.mu.Lock()
	e.processor = p
	e.mu.Unlock()
}

// Processor returns the installed processor, or nil.
func (e *Executor) Processor() job.Processor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.processor
}

// SetRequeuer replaces the requeuer for in-memory jobs.
func (e *Executor) SetRequeuer(r Requeuer) {
	e.mu.Lock()
	e.requeuer = r
	e.mu.Unlock()
}

// Cancel marks jobID as cancelled if it is executing on this executor and
// reports whether it was. A cancelled job that fails is neither retried
// nor dead-lettered.
func (e *Executor) Cancel(jobID id.JobID) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	key := jobID.String()
	if _, ok := e.running[key]; !ok {
		return false
	}
	e.running[key] = true
	return true
}

func (e *Executor) enter(j *job.Job) {
	e.flightMu.Lock()
	e.running[j.ID.String()] = false
	e.flightMu.Unlock()
}

func (e *Executor) leave(j *job.Job) {
	e.flightMu.Lock()
	delete(e.running, j.ID.String())
	e.flightMu.Unlock()
}

func (e *Executor) cancelled(j *job.Job) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	return e.running[j.ID.String()]
}

// Execute runs j. Transacted jobs run in a new transaction; persisted
// jobs delete their own row in that transaction, so a commit makes the
// deletion and every processor effect atomic. A job whose row is already
// gone is skipped.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (Outcome, error) {
	proc := e.Processor()
	if proc == nil {
		return OutcomeSkipped, choreo.ErrNoProcessor
	}

	e.enter(j)
	defer e.leave(j)

	info := j.Info()
	persisted := !j.Details.InMemory
	start := time.Now()
	e.extensions.EmitJobStarted(ctx, info)

	run := func(ctx context.Context) error {
		if persisted {
			deleted, err := e.store.DeleteJob(ctx, j.ID)
			if err != nil {
				return fmt.Errorf("delete job %s: %w", j.ID, err)
			}
			if !deleted {
				return errGone
			}
		}
		return e.call(ctx, proc, info)
	}

	var err error
	if j.Transacted || persisted {
		err = e.txm.RunNew(ctx, e.timeout, run)
	} else {
		err = run(ctx)
	}

	switch {
	case err == nil:
		e.extensions.EmitJobCompleted(ctx, info, time.Since(start))
		return OutcomeCompleted, nil
	case errors.Is(err, errGone):
		e.logger.Debug("job no longer in store, skipping", slog.String("job_id", j.ID.String()))
		return OutcomeSkipped, nil
	}
	return e.handleFailure(ctx, j, info, err)
}

func (e *Executor) call(ctx context.Context, proc job.Processor, info job.Info) error {
	terminal := func(ctx context.Context) error {
		return proc.OnScheduledJob(ctx, info)
	}
	if e.mw == nil {
		return terminal(ctx)
	}
	return e.mw(ctx, info, terminal)
}

func (e *Executor) handleFailure(ctx context.Context, j *job.Job, info job.Info, jobErr error) (Outcome, error) {
	// Bookkeeping must land even when the run was cancelled.
	ctx = context.WithoutCancel(ctx)
	if e.cancelled(j) {
		return e.discard(ctx, j, jobErr)
	}
	if !job.IsRetryable(jobErr) {
		return e.drop(ctx, j, info, jobErr)
	}

	attempt := j.Details.RetryCount + 1
	if attempt > e.maxRetries {
		return e.deadLetter(ctx, j, info, jobErr)
	}

	nextRunAt := time.Now().UTC().Add(e.backoff.Delay(attempt))
	if j.Details.InMemory {
		e.mu.RLock()
		r := e.requeuer
		e.mu.RUnlock()
		if r == nil {
			return e.drop(ctx, j, info, jobErr)
		}
		retry := j.Clone()
		retry.Details.RetryCount = attempt
		retry.RunAt = nextRunAt
		retry.LastError = jobErr.Error()
		r.Requeue(retry)
	} else {
		err := e.txm.RunNew(ctx, e.timeout, func(ctx context.Context) error {
			return e.store.RescheduleJob(ctx, j.ID, nextRunAt, attempt, jobErr.Error())
		})
		if err != nil {
			e.logger.Error("failed to reschedule job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return OutcomeFailed, err
		}
	}

	e.extensions.EmitJobRetrying(ctx, info, attempt, nextRunAt)
	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Details.Type)),
		slog.Int("attempt", attempt),
		slog.Int("max_retries", e.maxRetries),
		slog.Time("next_run_at", nextRunAt),
		slog.String("error", jobErr.Error()),
	)
	return OutcomeRetrying, jobErr
}

// deadLetter removes the job and records it in the DLQ in one transaction.
func (e *Executor) deadLetter(ctx context.Context, j *job.Job, info job.Info, jobErr error) (Outcome, error) {
	if e.dlqService == nil {
		return e.drop(ctx, j, info, jobErr)
	}

	err := e.txm.RunNew(ctx, e.timeout, func(ctx context.Context) error {
		if !j.Details.InMemory {
			if _, err := e.store.DeleteJob(ctx, j.ID); err != nil {
				return err
			}
		}
		_, err := e.dlqService.Push(ctx, j, jobErr)
		return err
	})
	if err != nil {
		e.logger.Error("failed to dead-letter job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return OutcomeFailed, err
	}

	e.extensions.EmitJobDLQ(ctx, info, jobErr)
	e.logger.Warn("job moved to DLQ after exhausting retries",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Details.Type)),
		slog.Int("retry_count", j.Details.RetryCount),
		slog.String("error", jobErr.Error()),
	)
	return OutcomeDeadLettered, jobErr
}

// discard removes a job cancelled while it ran. The rollback of its run
// restored the row, so it is deleted again here.
func (e *Executor) discard(ctx context.Context, j *job.Job, jobErr error) (Outcome, error) {
	if !j.Details.InMemory {
		err := e.txm.RunNew(ctx, e.timeout, func(ctx context.Context) error {
			_, err := e.store.DeleteJob(ctx, j.ID)
			return err
		})
		if err != nil {
			e.logger.Error("failed to remove cancelled job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return OutcomeFailed, err
		}
	}

	e.logger.Info("job cancelled while running, not retried",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Details.Type)),
		slog.String("error", jobErr.Error()),
	)
	return OutcomeCancelled, nil
}

// drop removes a fatally failed job and reports it.
func (e *Executor) drop(ctx context.Context, j *job.Job, info job.Info, jobErr error) (Outcome, error) {
	if !j.Details.InMemory {
		err := e.txm.RunNew(ctx, e.timeout, func(ctx context.Context) error {
			_, err := e.store.DeleteJob(ctx, j.ID)
			return err
		})
		if err != nil {
			e.logger.Error("failed to remove failed job",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			return OutcomeFailed, err
		}
	}

	e.extensions.EmitJobFailed(ctx, info, jobErr)
	e.logger.Error("job failed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", string(j.Details.Type)),
		slog.String("error", jobErr.Error()),
	)
	return OutcomeFailed, jobErr
}
