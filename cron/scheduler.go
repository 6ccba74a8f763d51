package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/choreo/scheduler"
)

// Task names, also reported to the MaintenanceRan hook.
const (
	TaskDLQPurge      = "dlq_purge"
	TaskExchangePurge = "exchange_purge"
	TaskNodeSweep     = "node_sweep"
)

// Config holds the maintenance schedules. An empty schedule disables the
// task.
type Config struct {
	// DLQPurge removes dead-letter entries older than DLQRetention.
	DLQPurge     string
	DLQRetention time.Duration

	// ExchangePurge removes released message exchanges last touched more
	// than ExchangeRetention ago.
	ExchangePurge     string
	ExchangeRetention time.Duration

	// NodeSweep reaps nodes that stopped heartbeating and releases their
	// job leases.
	NodeSweep string
}

// DefaultConfig returns hourly purges with a week of DLQ retention and a
// day of exchange retention, and a sweep every minute.
func DefaultConfig() Config {
	return Config{
		DLQPurge:          "@every 1h",
		DLQRetention:      7 * 24 * time.Hour,
		ExchangePurge:     "@every 1h",
		ExchangeRetention: 24 * time.Hour,
		NodeSweep:         "@every 1m",
	}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithConfig replaces the schedules.
func WithConfig(cfg Config) SchedulerOption {
	return func(s *Scheduler) { s.config = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type task struct {
	name     string
	schedule string
	run      func(ctx context.Context) (int64, error)
	// reports is set for tasks that emit their own MaintenanceRan event.
	reports bool
}

// Scheduler runs the maintenance tasks. Every node runs the same
// schedules; only the coordinator does the work.
type Scheduler struct {
	sched  *scheduler.Scheduler
	config Config
	logger *slog.Logger

	tasks map[string]task
	cron  *cronlib.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler creates the maintenance scheduler for sched. It fails when
// a schedule does not parse.
func NewScheduler(sched *scheduler.Scheduler, opts ...SchedulerOption) (*Scheduler, error) {
	s := &Scheduler{
		sched:  sched,
		config: DefaultConfig(),
		logger: slog.Default(),
		tasks:  make(map[string]task),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.cron = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLogger(slogAdapter{s.logger}),
		cronlib.WithChain(cronlib.SkipIfStillRunning(slogAdapter{s.logger})),
	)

	for _, t := range []task{
		{name: TaskDLQPurge, schedule: s.config.DLQPurge, run: s.purgeDLQ},
		{name: TaskExchangePurge, schedule: s.config.ExchangePurge, run: s.purgeExchanges},
		{name: TaskNodeSweep, schedule: s.config.NodeSweep, run: s.sweepNodes, reports: true},
	} {
		if t.schedule == "" {
			continue
		}
		if _, err := ParseSchedule(t.schedule); err != nil {
			return nil, fmt.Errorf("cron: task %s: invalid schedule %q: %w", t.name, t.schedule, err)
		}
		s.tasks[t.name] = t
		name := t.name
		if _, err := s.cron.AddFunc(t.schedule, func() {
			_, _ = s.RunTask(context.Background(), name)
		}); err != nil {
			return nil, fmt.Errorf("cron: task %s: %w", t.name, err)
		}
	}
	return s, nil
}

// Tasks returns the names of the enabled tasks.
func (s *Scheduler) Tasks() []string {
	names := make([]string, 0, len(s.tasks))
	for _, name := range []string{TaskDLQPurge, TaskExchangePurge, TaskNodeSweep} {
		if _, ok := s.tasks[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Start begins firing the schedules.
func (s *Scheduler) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("maintenance scheduler started",
		slog.Int("tasks", len(s.tasks)),
	)
	return nil
}

// Stop stops the schedules and waits for running tasks or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

// RunTask runs one task now and returns how many rows it affected. Nodes
// that are not the coordinator skip the work and return zero.
func (s *Scheduler) RunTask(ctx context.Context, name string) (int64, error) {
	t, ok := s.tasks[name]
	if !ok {
		return 0, fmt.Errorf("cron: unknown task %q", name)
	}
	if !s.sched.AmICoordinator(ctx) {
		return 0, nil
	}

	start := time.Now()
	affected, err := t.run(ctx)
	if err != nil {
		s.logger.Error("maintenance task failed",
			slog.String("task", name),
			slog.String("error", err.Error()),
		)
		return 0, err
	}
	if !t.reports {
		s.sched.Extensions().EmitMaintenanceRan(ctx, name, affected)
	}
	s.logger.Debug("maintenance task ran",
		slog.String("task", name),
		slog.Int64("affected", affected),
		slog.Duration("elapsed", time.Since(start)),
	)
	return affected, nil
}

func (s *Scheduler) purgeDLQ(ctx context.Context) (int64, error) {
	return s.sched.DLQ().Purge(ctx, s.config.DLQRetention)
}

func (s *Scheduler) purgeExchanges(ctx context.Context) (int64, error) {
	before := time.Now().UTC().Add(-s.config.ExchangeRetention)
	return scheduler.Exec(ctx, s.sched, func(ctx context.Context) (int64, error) {
		return s.sched.Store().PurgeReleasedMex(ctx, before)
	})
}

func (s *Scheduler) sweepNodes(ctx context.Context) (int64, error) {
	n, err := s.sched.RecoverDeadNodes(ctx)
	return int64(n), err
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.l.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.l.Error("cron: "+msg, append([]any{slog.String("error", err.Error())}, keysAndValues...)...)
}
