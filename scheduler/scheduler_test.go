package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/scheduler"
	"github.com/xraph/choreo/store/memory"
	"github.com/xraph/choreo/tx"
)

const proc = "{urn:test}order"

func testConfig() choreo.Config {
	cfg := choreo.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RecoveryInterval = 0
	cfg.LockTimeout = 200 * time.Millisecond
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// recorder is a processor that remembers what fired.
type recorder struct {
	mu    sync.Mutex
	fired []job.Info
}

func (r *recorder) OnScheduledJob(_ context.Context, info job.Info) error {
	r.mu.Lock()
	r.fired = append(r.fired, info)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func (r *recorder) channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.fired))
	for i, f := range r.fired {
		out[i] = f.Details.Channel
	}
	return out
}

func newScheduler(t *testing.T, opts ...scheduler.Option) (*scheduler.Scheduler, *memory.Store, *recorder) {
	t.Helper()
	s := memory.New()
	rec := &recorder{}
	sched := scheduler.New(s, append([]scheduler.Option{scheduler.WithConfig(testConfig())}, opts...)...)
	sched.SetJobProcessor(rec)
	return sched, s, rec
}

func start(t *testing.T, sched *scheduler.Scheduler) {
	t.Helper()
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })
}

func timer(channel string) job.Details {
	return job.Encode(job.Timer{Process: proc, Instance: 1, Channel: channel})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// ──────────────────────────────────────────────────
// Persisted jobs
// ──────────────────────────────────────────────────

func TestPersistedJobFiresAfterCommit(t *testing.T) {
	sched, _, rec := newScheduler(t)
	start(t, sched)

	err := sched.ExecTransaction(context.Background(), func(ctx context.Context) error {
		_, err := sched.SchedulePersistedJob(ctx, timer("a"), time.Time{})
		return err
	})
	if err != nil {
		t.Fatalf("ExecTransaction: %v", err)
	}

	waitFor(t, "job to fire", func() bool { return rec.count() == 1 })
}

func TestRolledBackPersistedJobNeverFires(t *testing.T) {
	sched, s, rec := newScheduler(t)
	start(t, sched)

	boom := errors.New("boom")
	err := sched.ExecTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := sched.SchedulePersistedJob(ctx, timer("rolled-back"), time.Time{}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatalf("rolled-back job fired: %v", rec.channels())
	}
	n, err := s.CountJobs(context.Background(), job.CountOpts{})
	if err != nil {
		t.Fatalf("CountJobs: %v", err)
	}
	if n != 0 {
		t.Errorf("jobs left = %d, want 0", n)
	}
}

func TestSchedulePersistedJobRejectsInvalidDetails(t *testing.T) {
	sched, _, _ := newScheduler(t)
	_, err := sched.SchedulePersistedJob(context.Background(), job.Details{Type: job.TypeTimer}, time.Time{})
	if !errors.Is(err, job.ErrInvalidDetails) {
		t.Fatalf("expected ErrInvalidDetails, got %v", err)
	}
}

func TestCancelPersistedJob(t *testing.T) {
	sched, s, rec := newScheduler(t)

	jobID, err := sched.SchedulePersistedJob(context.Background(), timer("cancelled"), time.Now().Add(200*time.Millisecond))
	if err != nil {
		t.Fatalf("SchedulePersistedJob: %v", err)
	}
	if err := sched.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	// A second cancel is a no-op.
	if err := sched.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("second CancelJob: %v", err)
	}
	if _, err := s.GetJob(context.Background(), jobID); !errors.Is(err, choreo.ErrJobNotFound) {
		t.Fatalf("cancelled job still stored: %v", err)
	}

	start(t, sched)
	time.Sleep(300 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("cancelled job fired")
	}
}

// blockingRetrier fails its first run with a retryable error once
// released, and succeeds afterwards.
type blockingRetrier struct {
	runs    atomic.Int32
	started chan struct{}
	release chan struct{}
}

func newBlockingRetrier() *blockingRetrier {
	return &blockingRetrier{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingRetrier) OnScheduledJob(context.Context, job.Info) error {
	if b.runs.Add(1) > 1 {
		return nil
	}
	close(b.started)
	<-b.release
	return job.Retryable(errors.New("transient"))
}

func TestCancelRunningPersistedJobIsNotRetried(t *testing.T) {
	sched, s, _ := newScheduler(t, scheduler.WithBackoff(backoff.NewConstant(10*time.Millisecond)))
	p := newBlockingRetrier()
	sched.SetJobProcessor(p)
	start(t, sched)
	ctx := context.Background()

	jobID, err := sched.SchedulePersistedJob(ctx, timer("running"), time.Time{})
	if err != nil {
		t.Fatalf("SchedulePersistedJob: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	if err := sched.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	close(p.release)

	waitFor(t, "cancelled job to be removed", func() bool {
		_, err := s.GetJob(ctx, jobID)
		return errors.Is(err, choreo.ErrJobNotFound)
	})
	time.Sleep(200 * time.Millisecond)
	if n := p.runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
	if n, _ := s.CountJobs(ctx, job.CountOpts{}); n != 0 {
		t.Errorf("jobs left = %d, want 0", n)
	}
}

func TestCancelRunningVolatileJobIsNotRequeued(t *testing.T) {
	sched, _, _ := newScheduler(t, scheduler.WithBackoff(backoff.NewConstant(10*time.Millisecond)))
	p := newBlockingRetrier()
	sched.SetJobProcessor(p)
	start(t, sched)
	ctx := context.Background()

	jobID, err := sched.ScheduleVolatileJob(ctx, true, timer("running"), time.Time{})
	if err != nil {
		t.Fatalf("ScheduleVolatileJob: %v", err)
	}
	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	if err := sched.CancelJob(ctx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	close(p.release)

	time.Sleep(300 * time.Millisecond)
	if n := p.runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// Volatile jobs
// ──────────────────────────────────────────────────

func TestVolatileJobFiresOnCommitAndRollback(t *testing.T) {
	sched, s, rec := newScheduler(t)
	start(t, sched)
	ctx := context.Background()

	if err := sched.ExecTransaction(ctx, func(ctx context.Context) error {
		_, err := sched.ScheduleVolatileJob(ctx, true, timer("committed"), time.Time{})
		return err
	}); err != nil {
		t.Fatalf("commit tx: %v", err)
	}

	_ = sched.ExecTransaction(ctx, func(ctx context.Context) error {
		if _, err := sched.ScheduleVolatileJob(ctx, true, timer("rolled-back"), time.Time{}); err != nil {
			return err
		}
		return errors.New("boom")
	})

	waitFor(t, "both volatile jobs", func() bool { return rec.count() == 2 })

	n, _ := s.CountJobs(ctx, job.CountOpts{})
	if n != 0 {
		t.Errorf("volatile jobs should never be persisted, found %d", n)
	}
}

func TestVolatileJobIsDeferredUntilCompletion(t *testing.T) {
	sched, _, rec := newScheduler(t)
	start(t, sched)

	_ = sched.ExecTransaction(context.Background(), func(ctx context.Context) error {
		if _, err := sched.ScheduleVolatileJob(ctx, false, timer("deferred"), time.Time{}); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		if rec.count() != 0 {
			t.Error("volatile job fired before its transaction completed")
		}
		return nil
	})

	waitFor(t, "deferred job", func() bool { return rec.count() == 1 })
}

func TestVolatileJobsFireInTimeOrder(t *testing.T) {
	cfg := testConfig()
	cfg.VolatileConcurrency = 1
	sched, _, rec := newScheduler(t, scheduler.WithConfig(cfg))
	ctx := context.Background()
	now := time.Now()

	for _, c := range []struct {
		channel string
		at      time.Duration
	}{{"third", 150 * time.Millisecond}, {"first", 50 * time.Millisecond}, {"second", 100 * time.Millisecond}} {
		if _, err := sched.ScheduleVolatileJob(ctx, false, timer(c.channel), now.Add(c.at)); err != nil {
			t.Fatalf("ScheduleVolatileJob: %v", err)
		}
	}
	start(t, sched)

	waitFor(t, "three volatile jobs", func() bool { return rec.count() == 3 })
	got := rec.channels()
	want := []string{"first", "second", "third"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fired %v, want %v", got, want)
		}
	}
}

func TestCancelVolatileJob(t *testing.T) {
	sched, _, rec := newScheduler(t)
	start(t, sched)

	jobID, err := sched.ScheduleVolatileJob(context.Background(), false, timer("cancelled"), time.Now().Add(100*time.Millisecond))
	if err != nil {
		t.Fatalf("ScheduleVolatileJob: %v", err)
	}
	if err := sched.CancelJob(context.Background(), jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if rec.count() != 0 {
		t.Fatal("cancelled volatile job fired")
	}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

func TestExecReturnsValue(t *testing.T) {
	sched, _, _ := newScheduler(t)

	got, err := scheduler.Exec(context.Background(), sched, func(ctx context.Context) (int, error) {
		if !tx.Active(ctx) {
			t.Error("Exec should run inside a transaction")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Exec = %d, %v", got, err)
	}

	got, err = scheduler.Exec(context.Background(), sched, func(context.Context) (int, error) {
		return 7, errors.New("boom")
	})
	if err == nil || got != 0 {
		t.Fatalf("failed Exec = %d, %v; want zero value and error", got, err)
	}
}

func TestExecTransactionJoinsOuter(t *testing.T) {
	sched, _, _ := newScheduler(t)

	err := sched.ExecTransaction(context.Background(), func(outer context.Context) error {
		return sched.ExecTransaction(outer, func(inner context.Context) error {
			if tx.FromContext(inner) != tx.FromContext(outer) {
				t.Error("nested ExecTransaction should join the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestExecTransactionTimeout(t *testing.T) {
	sched, _, _ := newScheduler(t)

	err := sched.ExecTransactionTimeout(context.Background(), 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if !tx.IsTimeout(err) {
		t.Fatalf("expected transaction timeout, got %v", err)
	}
}

func TestIsolatedTransactionSurvivesOuterRollback(t *testing.T) {
	sched, s, _ := newScheduler(t)

	var isolatedID id.JobID
	var future *scheduler.Future
	_ = sched.ExecTransaction(context.Background(), func(ctx context.Context) error {
		future = sched.ExecIsolatedTransaction(ctx, func(ctx context.Context) error {
			var err error
			isolatedID, err = sched.SchedulePersistedJob(ctx, timer("isolated"), time.Now().Add(time.Hour))
			return err
		})
		if err := future.Wait(context.Background()); err != nil {
			t.Errorf("isolated transaction: %v", err)
		}
		return errors.New("outer fails")
	})

	if _, err := s.GetJob(context.Background(), isolatedID); err != nil {
		t.Fatalf("isolated job should survive the outer rollback: %v", err)
	}
	select {
	case <-future.Done():
	default:
		t.Fatal("future should be done")
	}
}

func TestIsolatedTransactionAfterStop(t *testing.T) {
	sched, _, _ := newScheduler(t)
	if err := sched.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	f := sched.ExecIsolatedTransaction(context.Background(), func(context.Context) error { return nil })
	if err := f.Wait(context.Background()); !errors.Is(err, choreo.ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestRegisterSynchronizer(t *testing.T) {
	sched, _, _ := newScheduler(t)

	err := sched.RegisterSynchronizer(context.Background(), tx.SynchronizerFuncs{})
	if !errors.Is(err, choreo.ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}

	var before, after atomic.Int32
	var outcome atomic.Bool
	err = sched.ExecTransaction(context.Background(), func(ctx context.Context) error {
		return sched.RegisterSynchronizer(ctx, tx.SynchronizerFuncs{
			Before: func(context.Context) error { before.Add(1); return nil },
			After: func(_ context.Context, success bool) {
				after.Add(1)
				outcome.Store(success)
			},
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if before.Load() != 1 || after.Load() != 1 || !outcome.Load() {
		t.Fatalf("before=%d after=%d success=%v", before.Load(), after.Load(), outcome.Load())
	}
}

func TestAcquireTransactionLocksSerializes(t *testing.T) {
	sched, _, _ := newScheduler(t)
	ctx := context.Background()

	if err := sched.AcquireTransactionLocks(ctx, "k"); !errors.Is(err, choreo.ErrNoTransaction) {
		t.Fatalf("expected ErrNoTransaction, got %v", err)
	}

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = sched.ExecTransaction(ctx, func(ctx context.Context) error {
			if err := sched.AcquireTransactionLocks(ctx, "instance:1", "instance:2"); err != nil {
				t.Error(err)
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	// While held elsewhere, the lock times out.
	err := sched.ExecTransaction(ctx, func(ctx context.Context) error {
		return sched.AcquireTransactionLocks(ctx, "instance:2")
	})
	if !errors.Is(err, choreo.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}

	close(release)

	// Re-entrant within one transaction once free.
	err = sched.ExecTransaction(ctx, func(ctx context.Context) error {
		if err := sched.AcquireTransactionLocks(ctx, "instance:2"); err != nil {
			return err
		}
		return sched.AcquireTransactionLocks(ctx, "instance:1", "instance:2")
	})
	if err != nil {
		t.Fatalf("re-entrant acquire: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Lifecycle and recovery
// ──────────────────────────────────────────────────

func TestStartRequiresProcessor(t *testing.T) {
	sched := scheduler.New(memory.New(), scheduler.WithConfig(testConfig()))
	if err := sched.Start(context.Background()); !errors.Is(err, choreo.ErrNoProcessor) {
		t.Fatalf("expected ErrNoProcessor, got %v", err)
	}
}

func TestStartRegistersNode(t *testing.T) {
	nodeID := id.NewNodeID()
	sched, s, _ := newScheduler(t, scheduler.WithNodeID(nodeID), scheduler.WithHostname("pod-0"))
	start(t, sched)

	nodes, err := s.ListNodes(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].ID.String() != nodeID.String() || nodes[0].Hostname != "pod-0" {
		t.Fatalf("unexpected registry %+v", nodes)
	}

	if err := sched.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	nodes, _ = s.ListNodes(context.Background())
	if len(nodes) != 0 {
		t.Fatalf("node should be deregistered on stop, got %d", len(nodes))
	}
}

func TestRecoverDeadNodesIsCoordinatorGated(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	dead := &cluster.Node{
		ID:       id.NewNodeID(),
		Hostname: "crashed",
		State:    cluster.NodeActive,
		LastSeen: time.Now().UTC().Add(-time.Hour),
	}
	if err := s.RegisterNode(ctx, dead); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	j := &job.Job{ID: id.NewJobID(), Details: timer("orphan"), RunAt: now, Transacted: true, CreatedAt: now, UpdatedAt: now}
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimJobs(ctx, dead.ID, now, 1, now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	standby := scheduler.New(s, scheduler.WithConfig(testConfig()), scheduler.WithCoordinator(cluster.Static(false)))
	n, err := standby.RecoverDeadNodes(ctx)
	if err != nil || n != 0 {
		t.Fatalf("non-coordinator recovered %d jobs (%v)", n, err)
	}

	leader := scheduler.New(s, scheduler.WithConfig(testConfig()))
	n, err = leader.RecoverDeadNodes(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("released %d jobs, want 1", n)
	}

	claimable, err := s.ClaimJobs(ctx, id.NewNodeID(), time.Now().UTC(), 10, time.Now().Add(time.Minute))
	if err != nil || len(claimable) != 1 {
		t.Fatalf("orphaned job should be claimable again: %d (%v)", len(claimable), err)
	}
	nodes, _ := s.ListNodes(ctx)
	if len(nodes) != 0 {
		t.Errorf("dead node should be deregistered, %d left", len(nodes))
	}
}
