package dlq

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

// ListOpts filters and pages ListDLQ. Zero fields do not filter.
type ListOpts struct {
	Type    job.Type
	Process string
	// Pending keeps only entries that have not been replayed.
	Pending bool

	Limit  int
	Offset int
}

// Match reports whether e passes the filters of o. Stores that cannot
// filter natively apply it while scanning.
func (o ListOpts) Match(e *Entry) bool {
	switch {
	case o.Type != "" && e.Type != o.Type:
		return false
	case o.Process != "" && e.Details.ProcessID != o.Process:
		return false
	case o.Pending && e.ReplayedAt != nil:
		return false
	}
	return true
}

// Store persists dead-lettered jobs. Listings are ordered by FailedAt.
type Store interface {
	PushDLQ(ctx context.Context, entry *Entry) error
	ListDLQ(ctx context.Context, opts ListOpts) ([]*Entry, error)
	GetDLQ(ctx context.Context, entryID id.DLQID) (*Entry, error)

	// ReplayDLQ stamps ReplayedAt. Rescheduling the job is Service.Replay's
	// job, in the same transaction.
	ReplayDLQ(ctx context.Context, entryID id.DLQID) error

	// PurgeDLQ deletes entries that failed before the cutoff.
	PurgeDLQ(ctx context.Context, before time.Time) (int64, error)
	CountDLQ(ctx context.Context) (int64, error)
}
