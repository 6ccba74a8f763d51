package engine

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

func (e *Engine) onTimer(ctx context.Context, info job.Info, k job.Timer) error {
	if pushed, err := e.inactive(ctx, info); pushed || err != nil {
		return err
	}
	return e.executor.OnTimer(ctx, k.Process, k.Instance, k.Channel)
}

func (e *Engine) onResume(ctx context.Context, info job.Info, k job.Resume) error {
	if pushed, err := e.inactive(ctx, info); pushed || err != nil {
		return err
	}
	return e.executor.OnResume(ctx, k.Process, k.Instance)
}

// ScheduleTimer fires OnTimer on instance at when. In-memory timers never
// survive a restart.
func (e *Engine) ScheduleTimer(ctx context.Context, process string, instance int64, channel string, when time.Time, inMemory bool) (id.JobID, error) {
	details := job.Encode(job.Timer{Process: process, Instance: instance, Channel: channel})
	if inMemory {
		return e.sched.ScheduleVolatileJob(ctx, true, details, when)
	}
	return e.sched.SchedulePersistedJob(ctx, details, when)
}

// ScheduleResume fires OnResume on instance as soon as possible.
func (e *Engine) ScheduleResume(ctx context.Context, process string, instance int64) (id.JobID, error) {
	return e.sched.SchedulePersistedJob(ctx, job.Encode(job.Resume{Process: process, Instance: instance}), time.Time{})
}
