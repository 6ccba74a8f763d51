package dlq

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

// Service provides high-level DLQ operations over a Store.
type Service struct {
	store      Store
	jobStore   job.Store
	maxRetries int
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithMaxRetries records the retry budget on pushed entries.
func WithMaxRetries(n int) ServiceOption {
	return func(s *Service) { s.maxRetries = n }
}

// NewService creates a DLQ service.
func NewService(store Store, jobStore job.Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, jobStore: jobStore}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push builds an Entry from a failed job and persists it.
func (s *Service) Push(ctx context.Context, j *job.Job, jobErr error) (*Entry, error) {
	now := time.Now().UTC()
	entry := &Entry{
		ID:         id.NewDLQID(),
		JobID:      j.ID,
		Type:       j.Details.Type,
		Details:    j.Details.Clone(),
		Error:      jobErr.Error(),
		RetryCount: j.Details.RetryCount,
		MaxRetries: s.maxRetries,
		FailedAt:   now,
		CreatedAt:  now,
	}
	if err := s.store.PushDLQ(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Replay schedules the entry's job again as a new, immediately due job
// with a zero retry count, and marks the entry as replayed.
func (s *Service) Replay(ctx context.Context, entryID id.DLQID) (*job.Job, error) {
	entry, err := s.store.GetDLQ(ctx, entryID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	details := entry.Details.Clone()
	details.RetryCount = 0
	details.InMemory = false
	j := &job.Job{
		ID:         id.NewJobID(),
		Details:    details,
		RunAt:      now,
		Transacted: true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.InsertJob(ctx, j); err != nil {
		return nil, err
	}
	if err := s.store.ReplayDLQ(ctx, entryID); err != nil {
		return nil, err
	}
	return j, nil
}

// Purge removes entries that failed more than olderThan ago.
func (s *Service) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.store.PurgeDLQ(ctx, time.Now().UTC().Add(-olderThan))
}

// DLQStore returns the underlying DLQ store for direct access
// to List, Get, Purge, and Count operations.
func (s *Service) DLQStore() Store {
	return s.store
}
