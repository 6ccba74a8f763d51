package cron_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/cron"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/scheduler"
	"github.com/xraph/choreo/store/memory"
)

// maintenanceSpy records MaintenanceRan events.
type maintenanceSpy struct {
	mu    sync.Mutex
	calls map[string][]int64
}

func (m *maintenanceSpy) Name() string { return "maintenance-spy" }

func (m *maintenanceSpy) OnMaintenanceRan(_ context.Context, task string, affected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string][]int64)
	}
	m.calls[task] = append(m.calls[task], affected)
	return nil
}

func (m *maintenanceSpy) get(task string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.calls[task]...)
}

func newTestScheduler(t *testing.T, coordinator cluster.Coordinator, cfg cron.Config) (*cron.Scheduler, *memory.Store, *maintenanceSpy) {
	t.Helper()

	s := memory.New()
	spy := &maintenanceSpy{}
	sched := scheduler.New(s,
		scheduler.WithCoordinator(coordinator),
		scheduler.WithExtension(spy),
	)
	c, err := cron.NewScheduler(sched, cron.WithConfig(cfg))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return c, s, spy
}

func pushDLQ(t *testing.T, s *memory.Store, failedAt time.Time) {
	t.Helper()
	entry := &dlq.Entry{
		ID:        id.NewDLQID(),
		JobID:     id.NewJobID(),
		Type:      job.TypeTimer,
		Details:   job.Encode(job.Timer{Process: "p", Instance: 1}),
		Error:     "boom",
		FailedAt:  failedAt,
		CreatedAt: failedAt,
	}
	if err := s.PushDLQ(context.Background(), entry); err != nil {
		t.Fatalf("PushDLQ: %v", err)
	}
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestNewScheduler_InvalidSchedule(t *testing.T) {
	s := memory.New()
	sched := scheduler.New(s)
	_, err := cron.NewScheduler(sched, cron.WithConfig(cron.Config{DLQPurge: "not a schedule"}))
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNewScheduler_EmptyScheduleDisablesTask(t *testing.T) {
	c, _, _ := newTestScheduler(t, cluster.Static(true), cron.Config{NodeSweep: "@every 1m"})

	tasks := c.Tasks()
	if len(tasks) != 1 || tasks[0] != cron.TaskNodeSweep {
		t.Fatalf("tasks = %v, want [%s]", tasks, cron.TaskNodeSweep)
	}
	if _, err := c.RunTask(context.Background(), cron.TaskDLQPurge); err == nil {
		t.Fatal("expected error running a disabled task")
	}
}

func TestRunTask_PurgesOldDLQEntries(t *testing.T) {
	cfg := cron.DefaultConfig()
	cfg.DLQRetention = time.Hour
	c, s, spy := newTestScheduler(t, cluster.Static(true), cfg)

	now := time.Now().UTC()
	pushDLQ(t, s, now.Add(-2*time.Hour))
	pushDLQ(t, s, now.Add(-3*time.Hour))
	pushDLQ(t, s, now)

	n, err := c.RunTask(context.Background(), cron.TaskDLQPurge)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if n != 2 {
		t.Fatalf("purged = %d, want 2", n)
	}
	count, err := s.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	if count != 1 {
		t.Fatalf("remaining = %d, want 1", count)
	}
	if got := spy.get(cron.TaskDLQPurge); len(got) != 1 || got[0] != 2 {
		t.Fatalf("maintenance events = %v, want [2]", got)
	}
}

func TestRunTask_PurgesReleasedExchanges(t *testing.T) {
	cfg := cron.DefaultConfig()
	cfg.ExchangeRetention = 0
	c, s, _ := newTestScheduler(t, cluster.Static(true), cfg)
	ctx := context.Background()

	released := mex.New(mex.DirectionMyRole, mex.StyleAsync, mex.PatternRequestResponse)
	released.Release()
	live := mex.New(mex.DirectionMyRole, mex.StyleAsync, mex.PatternRequestResponse)
	for _, ex := range []*mex.Exchange{released, live} {
		rec := ex.Snapshot()
		if err := s.InsertMex(ctx, &rec); err != nil {
			t.Fatalf("InsertMex: %v", err)
		}
	}
	time.Sleep(5 * time.Millisecond)

	n, err := c.RunTask(ctx, cron.TaskExchangePurge)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := s.GetMex(ctx, live.ID()); err != nil {
		t.Fatalf("live exchange was purged: %v", err)
	}
}

func TestRunTask_SweepsDeadNodes(t *testing.T) {
	c, s, spy := newTestScheduler(t, cluster.Static(true), cron.DefaultConfig())
	ctx := context.Background()

	dead := &cluster.Node{
		ID:        id.NewNodeID(),
		Hostname:  "gone",
		State:     cluster.NodeActive,
		LastSeen:  time.Now().UTC().Add(-time.Hour),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	if err := s.RegisterNode(ctx, dead); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}

	j := &job.Job{
		ID:         id.NewJobID(),
		Details:    job.Encode(job.Timer{Process: "p", Instance: 7}),
		RunAt:      time.Now().UTC(),
		Transacted: true,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := s.InsertJob(ctx, j); err != nil {
		t.Fatalf("InsertJob: %v", err)
	}
	now := time.Now().UTC()
	claimed, err := s.ClaimJobs(ctx, dead.ID, now, 1, now.Add(time.Hour))
	if err != nil || len(claimed) != 1 {
		t.Fatalf("ClaimJobs = %d, %v", len(claimed), err)
	}

	n, err := c.RunTask(ctx, cron.TaskNodeSweep)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}
	// The sweep reports through the scheduler, exactly once.
	if got := spy.get("dead_nodes"); len(got) != 1 {
		t.Fatalf("dead_nodes events = %v, want one", got)
	}
	if got := spy.get(cron.TaskNodeSweep); len(got) != 0 {
		t.Fatalf("node_sweep events = %v, want none", got)
	}
}

func TestRunTask_NonCoordinatorSkips(t *testing.T) {
	cfg := cron.DefaultConfig()
	cfg.DLQRetention = time.Minute
	c, s, spy := newTestScheduler(t, cluster.Static(false), cfg)

	pushDLQ(t, s, time.Now().UTC().Add(-time.Hour))

	n, err := c.RunTask(context.Background(), cron.TaskDLQPurge)
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if n != 0 {
		t.Fatalf("affected = %d, want 0", n)
	}
	count, _ := s.CountDLQ(context.Background())
	if count != 1 {
		t.Fatalf("entries = %d, want 1 (untouched)", count)
	}
	if got := spy.get(cron.TaskDLQPurge); len(got) != 0 {
		t.Fatalf("events = %v, want none", got)
	}
}

func TestScheduler_FiresOnSchedule(t *testing.T) {
	var polls atomic.Int32
	coordinator := cluster.CoordinatorFunc(func(context.Context) bool {
		polls.Add(1)
		return true
	})
	c, _, spy := newTestScheduler(t, coordinator, cron.Config{
		DLQPurge:     "@every 1s",
		DLQRetention: time.Hour,
	})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for len(spy.get(cron.TaskDLQPurge)) == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the purge to fire")
		default:
			time.Sleep(20 * time.Millisecond)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if polls.Load() == 0 {
		t.Fatal("coordinator never consulted")
	}
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 9 * * *", false},
		{"*/5 * * * *", false},
		{"@every 30s", false},
		{"@hourly", false},
		{"invalid", true},
		{"* * * * * *", true}, // 6 fields not supported
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := cron.ParseSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}
