package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

// QueueManager controls per-job-type rate limiting and concurrency. The
// pool calls Acquire before running a claimed job and Release after it
// finished.
type QueueManager interface {
	// Acquire reports whether a job of type t for process may start now.
	Acquire(t job.Type, process string) bool
	// Release returns the slot taken by Acquire.
	Release(t job.Type, process string)
}

// Pool claims due persisted jobs under a lease and runs them on up to
// concurrency goroutines. Leases of running jobs are extended every
// heartbeat; a node that dies stops extending and its jobs become
// claimable again once the lease runs out.
type Pool struct {
	store        job.Store
	executor     *Executor
	nodeID       id.NodeID
	concurrency  int
	claimBatch   int
	pollInterval time.Duration
	lease        time.Duration
	heartbeat    time.Duration
	logger       *slog.Logger

	queueManager QueueManager

	slots  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of jobs run at the same time.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithClaimBatch caps how many jobs one poll claims.
func WithClaimBatch(n int) PoolOption {
	return func(p *Pool) { p.claimBatch = n }
}

// WithPollInterval sets how often an idle pool polls for due jobs.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseDuration sets how long a claim lasts without a heartbeat.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithHeartbeatInterval sets how often leases of running jobs are
// extended. A zero value disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeat = d }
}

// WithQueueManager sets the rate limiter consulted before each job.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// WithPoolLogger sets the logger.
func WithPoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a pool claiming jobs from store as nodeID.
func NewPool(store job.Store, executor *Executor, nodeID id.NodeID, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		nodeID:       nodeID,
		concurrency:  10,
		claimBatch:   10,
		pollInterval: time.Second,
		lease:        2 * time.Minute,
		heartbeat:    20 * time.Second,
		logger:       slog.Default(),
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency < 1 {
		p.concurrency = 1
	}
	if p.claimBatch < 1 {
		p.claimBatch = 1
	}
	p.slots = make(chan struct{}, p.concurrency)
	return p
}

// NodeID returns the identity the pool claims jobs under.
func (p *Pool) NodeID() id.NodeID { return p.nodeID }

// Start launches the claim loop and the heartbeat. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("node_id", p.nodeID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease", p.lease),
	)

	p.wg.Add(1)
	go p.claimLoop()

	if p.heartbeat > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop stops claiming and waits for running jobs. If ctx ends first the
// running jobs are cancelled; their transactions roll back and the jobs
// are claimed again after the lease.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("node_id", p.nodeID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs()
		<-done
	}
	return nil
}

// Active returns the number of jobs currently running.
func (p *Pool) Active() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

func (p *Pool) claimLoop() {
	defer p.wg.Done()

	for {
		// Wait for at least one free slot, then take as many more as are
		// free without blocking.
		select {
		case p.slots <- struct{}{}:
		case <-p.stopCh:
			return
		}
		n := 1
	fill:
		for n < p.claimBatch {
			select {
			case p.slots <- struct{}{}:
				n++
			default:
				break fill
			}
		}

		started := p.claim(n)
		for range n - started {
			<-p.slots
		}
		if started == 0 {
			p.sleep()
		}
	}
}

// claim leases up to n jobs and starts them. It returns how many slots
// were handed to running jobs.
func (p *Pool) claim(n int) int {
	ctx := context.Background()
	now := time.Now().UTC()

	jobs, err := p.store.ClaimJobs(ctx, p.nodeID, now, n, now.Add(p.lease))
	if err != nil {
		p.logger.Error("claim error", slog.String("error", err.Error()))
		return 0
	}

	started := 0
	for _, j := range jobs {
		typ, process := j.Details.Type, j.Details.ProcessID

		if p.queueManager != nil && !p.queueManager.Acquire(typ, process) {
			p.putBack(ctx, j)
			continue
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		if !p.trackJob(j.ID.String(), cancel) {
			// Our own lease on this job expired while it was still running
			// here and we claimed it again.
			cancel()
			if p.queueManager != nil {
				p.queueManager.Release(typ, process)
			}
			continue
		}

		started++
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer func() { <-p.slots }()
			defer cancel()
			defer p.untrackJob(j.ID.String())
			if p.queueManager != nil {
				defer p.queueManager.Release(typ, process)
			}
			p.run(jobCtx, j)
		}()
	}
	return started
}

func (p *Pool) run(ctx context.Context, j *job.Job) {
	outcome, err := p.executor.Execute(ctx, j)
	if err != nil {
		p.logger.Debug("job execution failed",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", string(j.Details.Type)),
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()),
		)
	}
}

// putBack hands a rate-limited job back one poll interval later without
// spending a retry.
func (p *Pool) putBack(ctx context.Context, j *job.Job) {
	runAt := time.Now().UTC().Add(p.pollInterval)
	err := p.executor.txm.RunNew(ctx, 0, func(ctx context.Context) error {
		return p.store.RescheduleJob(ctx, j.ID, runAt, j.Details.RetryCount, j.LastError)
	})
	if err != nil {
		p.logger.Error("failed to put back rate-limited job",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.extendLeases()
		}
	}
}

func (p *Pool) extendLeases() {
	p.activeMu.Lock()
	ids := make([]id.JobID, 0, len(p.activeJobs))
	for jobID := range p.activeJobs {
		parsed, err := id.ParseJobID(jobID)
		if err != nil {
			continue
		}
		ids = append(ids, parsed)
	}
	p.activeMu.Unlock()

	if len(ids) == 0 {
		return
	}
	until := time.Now().UTC().Add(p.lease)
	if err := p.store.ExtendLeases(context.Background(), p.nodeID, ids, until); err != nil {
		p.logger.Warn("lease heartbeat failed",
			slog.Int("jobs", len(ids)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	if _, ok := p.activeJobs[jobID]; ok {
		return false
	}
	p.activeJobs[jobID] = cancel
	return true
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
