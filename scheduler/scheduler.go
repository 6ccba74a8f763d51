// Package scheduler is the transactional job scheduler façade. It runs
// callables inside managed transactions, schedules persisted and
// in-memory jobs, and drives the worker pool that fires them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/middleware"
	"github.com/xraph/choreo/queue"
	"github.com/xraph/choreo/store"
	"github.com/xraph/choreo/tx"
	"github.com/xraph/choreo/worker"
)

var _ correlator.MatcherScheduler = (*Scheduler)(nil)

// lifecycle is implemented by coordinators that campaign in the
// background.
type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Scheduler runs transactions and fires jobs.
type Scheduler struct {
	config       choreo.Config
	store        store.Store
	clusterStore cluster.Store
	coordinator  cluster.Coordinator
	extensions   *ext.Registry
	pendingExt   []ext.Extension
	queues       *queue.Manager
	middleware   []middleware.Middleware
	backoff      backoff.Strategy
	nodeID       id.NodeID
	hostname     string
	logger       *slog.Logger

	txm      *tx.Manager
	dlq      *dlq.Service
	executor *worker.Executor
	pool     *worker.Pool
	volatile *volatileQueue

	isolated errgroup.Group

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a Scheduler on st. Call SetJobProcessor and Start before
// jobs fire; transactions and scheduling work immediately.
func New(st store.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		config:      choreo.DefaultConfig(),
		store:       st,
		coordinator: cluster.Static(true),
		backoff:     backoff.DefaultStrategy(),
		nodeID:      id.NewNodeID(),
		logger:      slog.Default(),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clusterStore == nil {
		s.clusterStore = st
	}
	if s.extensions == nil {
		s.extensions = ext.NewRegistry(s.logger)
	}
	for _, e := range s.pendingExt {
		s.extensions.Register(e)
	}
	if s.hostname == "" {
		s.hostname, _ = os.Hostname()
	}

	s.txm = tx.NewManager(st,
		tx.WithDefaultTimeout(s.config.TransactionTimeout),
		tx.WithLogger(s.logger),
	)
	s.dlq = dlq.NewService(st, st, dlq.WithMaxRetries(s.config.MaxRetries))
	s.executor = worker.NewExecutor(s.txm, st, s.extensions,
		worker.WithBackoff(s.backoff),
		worker.WithMaxRetries(s.config.MaxRetries),
		worker.WithTransactionTimeout(s.config.TransactionTimeout),
		worker.WithMiddleware(s.middleware...),
		worker.WithDLQ(s.dlq),
		worker.WithExecutorLogger(s.logger),
	)
	s.volatile = newVolatileQueue(s.executor, s.config.VolatileConcurrency, s.logger)
	s.executor.SetRequeuer(s.volatile)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(s.config.Concurrency),
		worker.WithClaimBatch(s.config.ClaimBatch),
		worker.WithPollInterval(s.config.PollInterval),
		worker.WithLeaseDuration(s.config.LeaseDuration),
		worker.WithHeartbeatInterval(s.config.HeartbeatInterval),
		worker.WithPoolLogger(s.logger),
	}
	if s.queues != nil {
		poolOpts = append(poolOpts, worker.WithQueueManager(s.queues))
	}
	s.pool = worker.NewPool(st, s.executor, s.nodeID, poolOpts...)
	return s
}

// NodeID returns this node's identity.
func (s *Scheduler) NodeID() id.NodeID { return s.nodeID }

// Config returns the runtime configuration.
func (s *Scheduler) Config() choreo.Config { return s.config }

// Store returns the backing store.
func (s *Scheduler) Store() store.Store { return s.store }

// Extensions returns the lifecycle hook registry.
func (s *Scheduler) Extensions() *ext.Registry { return s.extensions }

// DLQ returns the dead letter queue service.
func (s *Scheduler) DLQ() *dlq.Service { return s.dlq }

// Coordinator returns the singleton-duty coordinator.
func (s *Scheduler) Coordinator() cluster.Coordinator { return s.coordinator }

// AmICoordinator reports whether this node performs singleton duties.
func (s *Scheduler) AmICoordinator(ctx context.Context) bool {
	return s.coordinator.AmICoordinator(ctx)
}

// SetJobProcessor installs the processor every fired job is handed to.
func (s *Scheduler) SetJobProcessor(p job.Processor) {
	s.executor.SetProcessor(p)
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

// ExecTransaction runs fn in the transaction carried by ctx, or in a new
// one bounded by the configured transaction timeout.
func (s *Scheduler) ExecTransaction(ctx context.Context, fn tx.Func) error {
	return s.txm.Run(ctx, 0, fn)
}

// ExecTransactionTimeout is ExecTransaction with an explicit timeout for
// a new transaction.
func (s *Scheduler) ExecTransactionTimeout(ctx context.Context, timeout time.Duration, fn tx.Func) error {
	return s.txm.Run(ctx, timeout, fn)
}

// Exec runs fn in a transaction and returns its value.
func Exec[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := s.ExecTransaction(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// ExecIsolatedTransaction runs fn on its own goroutine in a new
// transaction, independent of any transaction carried by ctx.
func (s *Scheduler) ExecIsolatedTransaction(ctx context.Context, fn tx.Func) *Future {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return failedFuture(choreo.ErrSchedulerStopped)
	}

	f := newFuture()
	s.isolated.Go(func() error {
		f.complete(s.txm.RunNew(ctx, 0, fn))
		return nil
	})
	return f
}

// RegisterSynchronizer adds synchronizer to the transaction carried by ctx.
func (s *Scheduler) RegisterSynchronizer(ctx context.Context, synchronizer tx.Synchronizer) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return choreo.ErrNoTransaction
	}
	return t.RegisterSynchronizer(synchronizer)
}

// AcquireTransactionLocks locks keys until the transaction carried by ctx
// completes. Keys are taken in sorted order and re-entrantly. It fails
// with choreo.ErrLockTimeout after the configured lock timeout.
func (s *Scheduler) AcquireTransactionLocks(ctx context.Context, keys ...string) error {
	t := tx.FromContext(ctx)
	if t == nil {
		return choreo.ErrNoTransaction
	}
	if s.config.LockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.LockTimeout)
		defer cancel()
	}
	return t.Lock(ctx, keys...)
}

// ──────────────────────────────────────────────────
// Jobs
// ──────────────────────────────────────────────────

// SchedulePersistedJob stores a job that fires at when (now for the zero
// time). Inside a transaction the job becomes claimable when it commits
// and vanishes if it rolls back.
func (s *Scheduler) SchedulePersistedJob(ctx context.Context, details job.Details, when time.Time) (id.JobID, error) {
	j, err := s.newJob(details, when, true, false)
	if err != nil {
		return id.Nil, err
	}

	err = s.ExecTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.InsertJob(ctx, j); err != nil {
			return fmt.Errorf("schedule %s job: %w", details.Type, err)
		}
		tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
			s.extensions.EmitJobScheduled(ctx, j)
		})
		return nil
	})
	if err != nil {
		return id.Nil, err
	}
	return j.ID, nil
}

// ScheduleVolatileJob queues an in-memory job that fires at when.
// Transacted jobs run the processor in a new transaction. Inside a
// transaction the job is queued once the transaction completes, whether
// it commits or rolls back.
func (s *Scheduler) ScheduleVolatileJob(ctx context.Context, transacted bool, details job.Details, when time.Time) (id.JobID, error) {
	j, err := s.newJob(details, when, transacted, true)
	if err != nil {
		return id.Nil, err
	}

	if t := tx.FromContext(ctx); t != nil {
		err := t.RegisterSynchronizer(tx.SynchronizerFuncs{
			After: func(ctx context.Context, _ bool) {
				s.volatile.push(j)
				s.extensions.EmitJobScheduled(ctx, j)
			},
		})
		if err != nil {
			return id.Nil, err
		}
		return j.ID, nil
	}

	s.volatile.push(j)
	s.extensions.EmitJobScheduled(ctx, j)
	return j.ID, nil
}

func (s *Scheduler) newJob(details job.Details, when time.Time, transacted, inMemory bool) (*job.Job, error) {
	if _, err := job.Decode(details); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if when.IsZero() {
		when = now
	}
	d := details.Clone()
	d.InMemory = inMemory
	return &job.Job{
		ID:         id.NewJobID(),
		Details:    d,
		RunAt:      when.UTC(),
		Transacted: transacted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// CancelJob removes a job that has not fired yet. A job running on this
// node when the cancellation commits is not retried if its run fails.
// Cancelling a job that already ran or never existed is not an error.
func (s *Scheduler) CancelJob(ctx context.Context, jobID id.JobID) error {
	if s.volatile.cancel(jobID.String()) {
		return nil
	}
	return s.ExecTransaction(ctx, func(ctx context.Context) error {
		deleted, err := s.store.TryDeleteJob(ctx, jobID)
		if err != nil || deleted {
			return err
		}
		// Held by a running job, or gone.
		tx.FromContext(ctx).OnCommit(func(ctx context.Context) {
			s.cancelInFlight(ctx, jobID)
		})
		return nil
	})
}

func (s *Scheduler) cancelInFlight(ctx context.Context, jobID id.JobID) {
	ctx = context.WithoutCancel(ctx)
	if s.executor.Cancel(jobID) {
		s.logger.Debug("cancelled running job", slog.String("job_id", jobID.String()))
		return
	}
	// The run may have finished and re-armed the row in between.
	err := s.txm.RunNew(ctx, 0, func(ctx context.Context) error {
		_, err := s.store.TryDeleteJob(ctx, jobID)
		return err
	})
	if err != nil {
		s.logger.Warn("failed to remove cancelled job",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Start registers the node and starts the worker pool, the in-memory job
// dispatcher, the node heartbeat and the recovery loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if s.stopped {
		return choreo.ErrSchedulerStopped
	}
	if s.executor.Processor() == nil {
		return choreo.ErrNoProcessor
	}

	now := time.Now().UTC()
	node := &cluster.Node{
		ID:          s.nodeID,
		Hostname:    s.hostname,
		Concurrency: s.config.Concurrency,
		State:       cluster.NodeActive,
		LastSeen:    now,
		CreatedAt:   now,
	}
	if err := s.clusterStore.RegisterNode(ctx, node); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	if lc, ok := s.coordinator.(lifecycle); ok {
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("start coordinator: %w", err)
		}
	}
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.volatile.start()

	s.wg.Add(1)
	go s.heartbeatLoop()
	s.wg.Add(1)
	go s.recoveryLoop()

	s.running = true
	s.logger.Info("scheduler started",
		slog.String("node_id", s.nodeID.String()),
		slog.String("hostname", s.hostname),
	)
	return nil
}

// Stop drains running jobs and isolated transactions, then deregisters
// the node. A stopped scheduler cannot be restarted.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	var errs []error
	if wasRunning {
		close(s.stopCh)
		s.wg.Wait()

		if err := s.pool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
		s.volatile.stop()
	}

	if err := s.isolated.Wait(); err != nil {
		errs = append(errs, err)
	}

	if wasRunning {
		if lc, ok := s.coordinator.(lifecycle); ok {
			if err := lc.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop coordinator: %w", err))
			}
		}
		if err := s.clusterStore.DeregisterNode(ctx, s.nodeID); err != nil && !errors.Is(err, choreo.ErrNodeNotFound) {
			errs = append(errs, fmt.Errorf("deregister node: %w", err))
		}
	}

	s.extensions.EmitShutdown(ctx)
	s.logger.Info("scheduler stopped", slog.String("node_id", s.nodeID.String()))
	return errors.Join(errs...)
}

func (s *Scheduler) heartbeatLoop() {
	defer s.wg.Done()

	interval := s.config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.clusterStore.HeartbeatNode(context.Background(), s.nodeID); err != nil {
				s.logger.Warn("node heartbeat failed",
					slog.String("node_id", s.nodeID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (s *Scheduler) recoveryLoop() {
	defer s.wg.Done()

	interval := s.config.RecoveryInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.RecoverDeadNodes(context.Background()); err != nil {
				s.logger.Error("dead node recovery failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RecoverDeadNodes releases the job leases of nodes that stopped
// heartbeating and removes them from the registry. Only the coordinator
// does this; elsewhere it returns 0. It returns the number of released
// jobs.
func (s *Scheduler) RecoverDeadNodes(ctx context.Context) (int, error) {
	if !s.coordinator.AmICoordinator(ctx) {
		return 0, nil
	}

	dead, err := s.clusterStore.ReapDeadNodes(ctx, s.config.NodeTTL)
	if err != nil {
		return 0, fmt.Errorf("reap dead nodes: %w", err)
	}

	released := 0
	for _, n := range dead {
		if n.ID.String() == s.nodeID.String() {
			continue
		}
		var count int
		err := s.ExecTransaction(ctx, func(ctx context.Context) error {
			var err error
			count, err = s.store.ReleaseLeases(ctx, n.ID)
			return err
		})
		if err != nil {
			s.logger.Error("release leases of dead node failed",
				slog.String("node_id", n.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.clusterStore.DeregisterNode(ctx, n.ID); err != nil && !errors.Is(err, choreo.ErrNodeNotFound) {
			s.logger.Warn("deregister dead node failed",
				slog.String("node_id", n.ID.String()),
				slog.String("error", err.Error()),
			)
		}
		released += count
		s.logger.Info("recovered dead node",
			slog.String("node_id", n.ID.String()),
			slog.String("hostname", n.Hostname),
			slog.Int("released_jobs", count),
		)
	}

	if len(dead) > 0 {
		s.extensions.EmitMaintenanceRan(ctx, "dead_nodes", int64(released))
	}
	return released, nil
}
