package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/tx"
	"github.com/xraph/choreo/worker"
)

type recordingRequeuer struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (r *recordingRequeuer) Requeue(j *job.Job) {
	r.mu.Lock()
	r.jobs = append(r.jobs, j)
	r.mu.Unlock()
}

func volatileJob(transacted bool) *job.Job {
	d := job.Encode(job.Resume{Process: "{urn:test}order", Instance: 3})
	d.InMemory = true
	now := time.Now().UTC()
	return &job.Job{ID: id.NewJobID(), Details: d, RunAt: now, Transacted: transacted, CreatedAt: now, UpdatedAt: now}
}

func TestExecutor_NoProcessor(t *testing.T) {
	h := setupTestPool(t, 3)
	_, err := h.executor.Execute(context.Background(), volatileJob(false))
	if !errors.Is(err, choreo.ErrNoProcessor) {
		t.Fatalf("expected ErrNoProcessor, got %v", err)
	}
}

func TestExecutor_VolatileTransactedRunsInTransaction(t *testing.T) {
	h := setupTestPool(t, 3)

	for _, transacted := range []bool{true, false} {
		var inTx bool
		h.executor.SetProcessor(job.ProcessorFunc(func(ctx context.Context, _ job.Info) error {
			inTx = tx.Active(ctx)
			return nil
		}))

		outcome, err := h.executor.Execute(context.Background(), volatileJob(transacted))
		if err != nil || outcome != worker.OutcomeCompleted {
			t.Fatalf("Execute: %v %v", outcome, err)
		}
		if inTx != transacted {
			t.Errorf("transacted=%v: processor saw transaction=%v", transacted, inTx)
		}
	}
}

func TestExecutor_VolatileRetryIsRequeued(t *testing.T) {
	h := setupTestPool(t, 3)
	rq := &recordingRequeuer{}
	h.executor.SetRequeuer(rq)
	h.executor.SetProcessor(job.ProcessorFunc(func(context.Context, job.Info) error {
		return errors.New("not yet")
	}))

	j := volatileJob(true)
	outcome, err := h.executor.Execute(context.Background(), j)
	if err == nil || outcome != worker.OutcomeRetrying {
		t.Fatalf("Execute: %v %v", outcome, err)
	}

	if len(rq.jobs) != 1 {
		t.Fatalf("requeued %d jobs, want 1", len(rq.jobs))
	}
	got := rq.jobs[0]
	if got.ID != j.ID || got.Details.RetryCount != 1 {
		t.Errorf("requeued %s retry=%d", got.ID, got.Details.RetryCount)
	}
	if !got.RunAt.After(j.RunAt) {
		t.Error("retry should run later")
	}
}

func TestExecutor_MissingRowIsSkipped(t *testing.T) {
	h := setupTestPool(t, 3)
	called := false
	h.executor.SetProcessor(job.ProcessorFunc(func(context.Context, job.Info) error {
		called = true
		return nil
	}))

	d := job.Encode(job.Timer{Process: "{urn:test}order", Instance: 1, Channel: "alarm"})
	j := &job.Job{ID: id.NewJobID(), Details: d, RunAt: time.Now().UTC(), Transacted: true}

	outcome, err := h.executor.Execute(context.Background(), j)
	if err != nil || outcome != worker.OutcomeSkipped {
		t.Fatalf("Execute: %v %v", outcome, err)
	}
	if called {
		t.Error("processor should not see a job that is no longer stored")
	}
}

func TestExecutor_RollbackUndoesProcessorWrites(t *testing.T) {
	h := setupTestPool(t, 0)
	other := insertTimer(t, h.store, time.Now().UTC().Add(time.Hour))

	h.executor.SetProcessor(job.ProcessorFunc(func(ctx context.Context, _ job.Info) error {
		if _, err := h.store.DeleteJob(ctx, other.ID); err != nil {
			return err
		}
		return job.Fatal(errors.New("give up"))
	}))

	j := insertTimer(t, h.store, time.Now().UTC())
	outcome, _ := h.executor.Execute(context.Background(), j)
	if outcome != worker.OutcomeFailed {
		t.Fatalf("outcome = %v, want failed", outcome)
	}

	if _, err := h.store.GetJob(context.Background(), other.ID); err != nil {
		t.Errorf("delete inside the failed transaction should be undone: %v", err)
	}
	if _, err := h.store.GetJob(context.Background(), j.ID); !errors.Is(err, choreo.ErrJobNotFound) {
		t.Errorf("fatally failed job should be removed, got %v", err)
	}
}

func TestExecutor_CancelledRunIsNotRetried(t *testing.T) {
	h := setupTestPool(t, 3)
	j := insertTimer(t, h.store, time.Now().UTC())

	if h.executor.Cancel(j.ID) {
		t.Fatal("Cancel reported an idle job as running")
	}

	h.executor.SetProcessor(job.ProcessorFunc(func(context.Context, job.Info) error {
		if !h.executor.Cancel(j.ID) {
			t.Error("Cancel should see the running job")
		}
		return job.Retryable(errors.New("transient"))
	}))

	outcome, err := h.executor.Execute(context.Background(), j)
	if err != nil || outcome != worker.OutcomeCancelled {
		t.Fatalf("Execute: %v %v", outcome, err)
	}
	if _, err := h.store.GetJob(context.Background(), j.ID); !errors.Is(err, choreo.ErrJobNotFound) {
		t.Fatalf("cancelled job still stored: %v", err)
	}
	if h.executor.Cancel(j.ID) {
		t.Error("finished job should no longer be tracked")
	}
}
