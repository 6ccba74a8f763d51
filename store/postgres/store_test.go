package postgres_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	pgmodule "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/backoff"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/scheduler"
	"github.com/xraph/choreo/store"
	"github.com/xraph/choreo/store/postgres"
	"github.com/xraph/choreo/tx"
)

var _ store.Store = (*postgres.Store)(nil)

var (
	pgOnce      sync.Once
	pgDSN       string
	pgErr       error
	pgContainer *pgmodule.PostgresContainer
)

func TestMain(m *testing.M) {
	code := m.Run()
	if pgContainer != nil {
		_ = pgContainer.Terminate(context.Background())
	}
	os.Exit(code)
}

// testDSN returns CHOREO_TEST_POSTGRES_DSN when set, otherwise the DSN of
// a Postgres container shared by the package.
func testDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("CHOREO_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	pgOnce.Do(func() {
		ctx := context.Background()
		pgContainer, pgErr = pgmodule.Run(ctx,
			"postgres:16-alpine",
			pgmodule.WithDatabase("choreo_test"),
			pgmodule.WithUsername("test"),
			pgmodule.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second),
			),
		)
		if pgErr != nil {
			return
		}
		pgDSN, pgErr = pgContainer.ConnectionString(ctx, "sslmode=disable")
	})
	if pgErr != nil {
		t.Fatalf("start postgres container: %v", pgErr)
	}
	return pgDSN
}

// newStore connects to the test database, migrates it and truncates
// every table.
func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()
	s, err := postgres.New(ctx, testDSN(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	_, err = s.Pool().Exec(ctx, `TRUNCATE choreo_jobs, choreo_mex, choreo_routes, choreo_messages, choreo_dlq, choreo_nodes`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func newJob(runAt time.Time) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:         id.NewJobID(),
		Details:    job.Details{Type: job.TypeTimer, ProcessID: "order", InstanceID: job.InstanceRef(7)},
		RunAt:      runAt,
		Transacted: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestTxCommitAndRollback(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	txCtx, b, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	kept := newJob(time.Now().UTC())
	if err := s.InsertJob(txCtx, kept); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := s.GetJob(ctx, kept.ID); !errors.Is(err, choreo.ErrJobNotFound) {
		t.Fatalf("uncommitted job visible outside: %v", err)
	}
	if err := b.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	txCtx, b, err = s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	dropped := newJob(time.Now().UTC())
	if err := s.InsertJob(txCtx, dropped); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if err := b.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	if _, err := s.GetJob(ctx, kept.ID); err != nil {
		t.Fatalf("committed job: %v", err)
	}
	if _, err := s.GetJob(ctx, dropped.ID); !errors.Is(err, choreo.ErrJobNotFound) {
		t.Fatalf("rolled back job err = %v", err)
	}
}

func TestAdvisoryLocksSerializeTransactions(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	ctxA, a, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer a.Rollback(ctx)
	if err := a.(tx.Locker).LockKeys(ctxA, []string{"instance:7"}); err != nil {
		t.Fatalf("LockKeys: %v", err)
	}

	ctxB, b, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	defer b.Rollback(ctx)

	waitCtx, cancel := context.WithTimeout(ctxB, 200*time.Millisecond)
	defer cancel()
	if err := b.(tx.Locker).LockKeys(waitCtx, []string{"instance:7"}); err == nil {
		t.Fatal("second transaction took a held lock")
	}
}

func TestClaimJobsSkipsLeased(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	early, late := newJob(now.Add(-time.Minute)), newJob(now.Add(-time.Second))
	for _, j := range []*job.Job{late, early, newJob(now.Add(time.Hour))} {
		if err := s.InsertJob(ctx, j); err != nil {
			t.Fatalf("InsertJob: %v", err)
		}
	}

	nodeA := id.NewNodeID()
	claimed, err := s.ClaimJobs(ctx, nodeA, now, 10, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(claimed) != 2 || claimed[0].ID.String() != early.ID.String() {
		t.Fatalf("claimed = %+v", claimed)
	}
	if claimed[0].NodeID.String() != nodeA.String() {
		t.Fatalf("node = %s, want %s", claimed[0].NodeID, nodeA)
	}
	if again, _ := s.ClaimJobs(ctx, id.NewNodeID(), now, 10, now.Add(time.Minute)); len(again) != 0 {
		t.Fatalf("leased jobs claimed twice: %d", len(again))
	}

	if err := s.RescheduleJob(ctx, early.ID, now.Add(time.Hour), 3, "boom"); err != nil {
		t.Fatalf("RescheduleJob: %v", err)
	}
	got, err := s.GetJob(ctx, early.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Details.RetryCount != 3 || got.LeaseUntil != nil || got.LastError != "boom" {
		t.Fatalf("rescheduled job = %+v", got)
	}
	if n, _ := s.ReleaseLeases(ctx, nodeA); n != 1 {
		t.Fatalf("ReleaseLeases = %d, want 1", n)
	}
}

func TestTryDeleteJobSkipsRunningRow(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	nodeID := id.NewNodeID()

	j := newJob(time.Now().UTC())
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	if _, err := s.ClaimJobs(ctx, nodeID, time.Now().UTC(), 1, time.Now().UTC().Add(time.Minute)); err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}

	runCtx, run, err := s.BeginTx(ctx)
	if err != nil {
		t.Fatalf("BeginTx: %v", err)
	}
	if deleted, err := s.DeleteJob(runCtx, j.ID); err != nil || !deleted {
		t.Fatalf("runner DeleteJob = %v, %v", deleted, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	deleted, err := s.TryDeleteJob(waitCtx, j.ID)
	if err != nil {
		t.Fatalf("TryDeleteJob blocked or failed: %v", err)
	}
	if deleted {
		t.Fatal("TryDeleteJob removed a row held by a running job")
	}
	if err := s.ExtendLeases(waitCtx, nodeID, []id.JobID{j.ID}, time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("ExtendLeases blocked or failed: %v", err)
	}

	if err := run.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if deleted, err := s.TryDeleteJob(ctx, j.ID); err != nil || !deleted {
		t.Fatalf("TryDeleteJob after rollback = %v, %v", deleted, err)
	}
}

func TestCancelRunningJobOnPostgres(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	cfg := choreo.DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RecoveryInterval = 0
	sched := scheduler.New(s,
		scheduler.WithConfig(cfg),
		scheduler.WithBackoff(backoff.NewConstant(10*time.Millisecond)),
	)

	var runs atomic.Int32
	started, release := make(chan struct{}), make(chan struct{})
	sched.SetJobProcessor(job.ProcessorFunc(func(context.Context, job.Info) error {
		if runs.Add(1) > 1 {
			return nil
		}
		close(started)
		<-release
		return job.Retryable(errors.New("transient"))
	}))
	if err := sched.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = sched.Stop(context.Background()) })

	jobID, err := sched.SchedulePersistedJob(ctx, job.Encode(job.Timer{Process: "order", Instance: 7, Channel: "alarm"}), time.Time{})
	if err != nil {
		t.Fatalf("SchedulePersistedJob: %v", err)
	}
	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("job never started")
	}

	cancelCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := sched.CancelJob(cancelCtx, jobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := s.GetJob(ctx, jobID); errors.Is(err, choreo.ErrJobNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("cancelled job still stored")
		}
		time.Sleep(20 * time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)
	if n := runs.Load(); n != 1 {
		t.Fatalf("runs = %d, want 1", n)
	}
}

func TestMexAndCorrelator(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &mex.Record{
		ID:        id.NewMexID(),
		Direction: mex.DirectionMyRole,
		Status:    mex.StatusReq,
		Request:   mex.NewMessage("order").SetPart("order", "1"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.InsertMex(ctx, rec); err != nil {
		t.Fatalf("InsertMex: %v", err)
	}
	if err := s.InsertMex(ctx, rec); !errors.Is(err, choreo.ErrMexAlreadyExists) {
		t.Fatalf("duplicate = %v", err)
	}
	got, err := s.GetMex(ctx, rec.ID)
	if err != nil || got.Request.Parts["order"] != "1" {
		t.Fatalf("GetMex = %+v, %v", got, err)
	}

	corr := correlator.StoreKey("order", "c1")
	keys := correlation.NewKeySet(correlation.NewKey("order", "1"))
	for _, g := range []string{"g1", "g2"} {
		if err := s.InsertRoute(ctx, &correlator.Route{CorrelatorID: corr, GroupID: g, Target: 7, Keys: keys, Policy: correlator.PolicyOne, CreatedAt: now}); err != nil {
			t.Fatalf("InsertRoute: %v", err)
		}
	}
	routes, err := s.ListRoutes(ctx, corr)
	if err != nil || len(routes) != 2 || routes[0].GroupID != "g1" || !routes[0].Keys.Equal(keys) {
		t.Fatalf("ListRoutes = %+v, %v", routes, err)
	}
	if n, _ := s.DeleteInstanceRoutes(ctx, 7); n != 2 {
		t.Fatalf("DeleteInstanceRoutes = %d, want 2", n)
	}

	if err := s.InsertMessage(ctx, &correlator.QueuedMessage{CorrelatorID: corr, MexID: rec.ID, Keys: keys, EnqueuedAt: now}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	msgs, _ := s.ListMessages(ctx, corr)
	if len(msgs) != 1 || msgs[0].MexID.String() != rec.ID.String() {
		t.Fatalf("ListMessages = %+v", msgs)
	}
	if ok, _ := s.DeleteMessage(ctx, corr, rec.ID); !ok {
		t.Fatal("DeleteMessage reported nothing removed")
	}
}

func TestLeadership(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	a := &cluster.Node{ID: id.NewNodeID(), Hostname: "a", State: cluster.NodeActive, LastSeen: now, CreatedAt: now}
	b := &cluster.Node{ID: id.NewNodeID(), Hostname: "b", State: cluster.NodeActive, LastSeen: now, CreatedAt: now}
	for _, n := range []*cluster.Node{a, b} {
		if err := s.RegisterNode(ctx, n); err != nil {
			t.Fatalf("RegisterNode: %v", err)
		}
	}

	if ok, err := s.AcquireLeadership(ctx, a.ID, time.Minute); err != nil || !ok {
		t.Fatalf("a acquire = %v, %v", ok, err)
	}
	if ok, _ := s.AcquireLeadership(ctx, b.ID, time.Minute); ok {
		t.Fatal("b acquired a held lease")
	}
	leader, err := s.GetLeader(ctx)
	if err != nil || leader == nil || leader.ID.String() != a.ID.String() {
		t.Fatalf("leader = %+v, %v", leader, err)
	}
	if err := s.DeregisterNode(ctx, a.ID); err != nil {
		t.Fatalf("DeregisterNode: %v", err)
	}
	if ok, _ := s.AcquireLeadership(ctx, b.ID, time.Minute); !ok {
		t.Fatal("b could not take over")
	}
}
