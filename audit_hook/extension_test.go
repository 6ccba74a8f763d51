package audithook_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	ah "github.com/xraph/choreo/audit_hook"
	"github.com/xraph/choreo/ext"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
)

// ── Mock recorder ────────────────────────────────────

// mockRecorder captures audit events for verification.
type mockRecorder struct {
	mu     sync.Mutex
	events []*ah.AuditEvent
}

func (m *mockRecorder) Record(_ context.Context, evt *ah.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
	return nil
}

func (m *mockRecorder) last() *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.events) == 0 {
		return nil
	}
	return m.events[len(m.events)-1]
}

func (m *mockRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func (m *mockRecorder) findByAction(action string) *ah.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, evt := range m.events {
		if evt.Action == action {
			return evt
		}
	}
	return nil
}

// ── Test helpers ─────────────────────────────────────

func newTestJob() *job.Job {
	return &job.Job{
		ID:      id.NewJobID(),
		Details: job.Encode(job.Timer{Process: "order", Instance: 7, Channel: "deadline"}),
		RunAt:   time.Now().UTC(),
	}
}

func newTestInfo() job.Info {
	j := newTestJob()
	info := j.Info()
	info.RetryCount = 2
	return info
}

func newTestRecord() *mex.Record {
	rec := mex.New(mex.DirectionMyRole, mex.StyleBlocking, mex.PatternRequestResponse).Snapshot()
	rec.ServiceID = "OrderService"
	rec.Operation = "place"
	rec.ProcessID = "order"
	rec.InstanceID = job.InstanceRef(7)
	return &rec
}

// ── Tests ────────────────────────────────────────────

func TestExtension_Name(t *testing.T) {
	e := ah.New(&mockRecorder{})
	if e.Name() != "audit-hook" {
		t.Errorf("expected name %q, got %q", "audit-hook", e.Name())
	}
}

func TestExtension_JobScheduled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	j := newTestJob()

	if err := e.OnJobScheduled(context.Background(), j); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	evt := rec.last()
	if evt == nil {
		t.Fatal("expected an audit event")
	}
	if evt.Action != ah.ActionJobScheduled {
		t.Errorf("action = %q, want %q", evt.Action, ah.ActionJobScheduled)
	}
	if evt.Resource != ah.ResourceJob || evt.ResourceID != j.ID.String() {
		t.Errorf("resource = %s/%s", evt.Resource, evt.ResourceID)
	}
	if evt.Category != ah.CategoryJob {
		t.Errorf("category = %q", evt.Category)
	}
	if evt.Metadata["job_type"] != string(job.TypeTimer) {
		t.Errorf("job_type = %v", evt.Metadata["job_type"])
	}
	if evt.Metadata["process"] != "order" || evt.Metadata["instance"] != int64(7) {
		t.Errorf("metadata = %v", evt.Metadata)
	}
	if _, ok := evt.Metadata["run_at"]; !ok {
		t.Error("missing run_at")
	}
}

func TestExtension_JobCompleted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	_ = e.OnJobCompleted(context.Background(), newTestInfo(), 1500*time.Millisecond)

	evt := rec.last()
	if evt.Outcome != ah.OutcomeSuccess || evt.Severity != ah.SeverityInfo {
		t.Errorf("outcome/severity = %s/%s", evt.Outcome, evt.Severity)
	}
	if evt.Metadata["elapsed_ms"] != int64(1500) {
		t.Errorf("elapsed_ms = %v", evt.Metadata["elapsed_ms"])
	}
}

func TestExtension_JobDLQ(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)

	_ = e.OnJobDLQ(context.Background(), newTestInfo(), errors.New("instance gone"))

	evt := rec.last()
	if evt.Severity != ah.SeverityCritical || evt.Outcome != ah.OutcomeFailure {
		t.Errorf("outcome/severity = %s/%s", evt.Outcome, evt.Severity)
	}
	if evt.Reason != "instance gone" || evt.Metadata["error"] != "instance gone" {
		t.Errorf("reason = %q, metadata = %v", evt.Reason, evt.Metadata)
	}
	if evt.Metadata["retry_count"] != 2 {
		t.Errorf("retry_count = %v", evt.Metadata["retry_count"])
	}
}

func TestExtension_JobRetrying(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	next := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	_ = e.OnJobRetrying(context.Background(), newTestInfo(), 3, next)

	evt := rec.last()
	if evt.Severity != ah.SeverityWarning {
		t.Errorf("severity = %s", evt.Severity)
	}
	if evt.Metadata["attempt"] != 3 || evt.Metadata["next_run_at"] != "2030-01-02T03:04:05Z" {
		t.Errorf("metadata = %v", evt.Metadata)
	}
}

func TestExtension_ExchangeAcked(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	ctx := context.Background()

	ok := newTestRecord()
	ok.AckType = mex.AckResponse
	_ = e.OnExchangeAcked(ctx, ok)
	if evt := rec.last(); evt.Outcome != ah.OutcomeSuccess || evt.Metadata["ack_type"] != "RESPONSE" {
		t.Errorf("response ack = %+v", evt)
	}

	failed := newTestRecord()
	failed.AckType = mex.AckFailure
	failed.Failure = &mex.Failure{Type: mex.FailureCommunicationError, Explanation: "refused"}
	_ = e.OnExchangeAcked(ctx, failed)
	evt := rec.last()
	if evt.Outcome != ah.OutcomeFailure || evt.Severity != ah.SeverityWarning {
		t.Errorf("failure ack outcome/severity = %s/%s", evt.Outcome, evt.Severity)
	}
	if !strings.Contains(evt.Reason, "refused") {
		t.Errorf("reason = %q", evt.Reason)
	}
}

func TestExtension_MessageRouted(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec)
	r := newTestRecord()

	_ = e.OnMessageRouted(context.Background(), r, mex.CorrelationQueued)

	evt := rec.last()
	if evt.Resource != ah.ResourceExchange || evt.ResourceID != r.ID.String() {
		t.Errorf("resource = %s/%s", evt.Resource, evt.ResourceID)
	}
	if evt.Metadata["correlation_status"] != "QUEUED" || evt.Metadata["service"] != "OrderService" {
		t.Errorf("metadata = %v", evt.Metadata)
	}
}

func TestExtension_WithActions_FiltersDisabled(t *testing.T) {
	rec := &mockRecorder{}
	e := ah.New(rec, ah.WithActions(ah.ActionJobDLQ))
	ctx := context.Background()

	_ = e.OnJobCompleted(ctx, newTestInfo(), time.Second)
	_ = e.OnMaintenanceRan(ctx, "dlq-purge", 4)
	if rec.count() != 0 {
		t.Fatalf("expected filtered events to be dropped, got %d", rec.count())
	}

	_ = e.OnJobDLQ(ctx, newTestInfo(), errors.New("x"))
	if rec.count() != 1 {
		t.Fatalf("expected 1 event, got %d", rec.count())
	}
}

func TestExtension_RecorderError_DoesNotPropagate(t *testing.T) {
	failing := ah.RecorderFunc(func(_ context.Context, _ *ah.AuditEvent) error {
		return errors.New("audit backend down")
	})
	e := ah.New(failing, ah.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	if err := e.OnJobScheduled(context.Background(), newTestJob()); err != nil {
		t.Fatalf("expected recorder failure to be swallowed, got: %v", err)
	}
}

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := ah.LogRecorder{Logger: slog.New(slog.NewTextHandler(&buf, nil))}
	e := ah.New(r)

	_ = e.OnJobDLQ(context.Background(), newTestInfo(), errors.New("boom"))

	out := buf.String()
	for _, want := range []string{"level=ERROR", "action=job.dlq", "error=boom"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q lacks %q", out, want)
		}
	}
}

// ── Registry integration test ────────────────────────

func TestExtension_ViaRegistry(t *testing.T) {
	rec := &mockRecorder{}
	reg := ext.NewRegistry(slog.Default())
	reg.Register(ah.New(rec))

	ctx := context.Background()
	j := newTestJob()
	info := j.Info()
	r := newTestRecord()

	reg.EmitJobScheduled(ctx, j)
	reg.EmitJobStarted(ctx, info)
	reg.EmitJobCompleted(ctx, info, 50*time.Millisecond)
	reg.EmitJobFailed(ctx, info, errors.New("fail"))
	reg.EmitJobRetrying(ctx, info, 1, time.Now())
	reg.EmitJobDLQ(ctx, info, errors.New("dead"))
	reg.EmitExchangeCreated(ctx, r)
	reg.EmitExchangeAcked(ctx, r)
	reg.EmitExchangeTimedOut(ctx, r)
	reg.EmitMessageRouted(ctx, r, mex.CorrelationMatched)
	reg.EmitMaintenanceRan(ctx, "node-sweep", 1)

	allActions := ah.AllActions()
	if rec.count() != len(allActions) {
		t.Fatalf("expected %d events, got %d", len(allActions), rec.count())
	}
	for _, action := range allActions {
		if rec.findByAction(action) == nil {
			t.Errorf("missing event for action %q", action)
		}
	}
}
