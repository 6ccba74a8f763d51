package job

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
)

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Type filters by job type. Empty means all types.
	Type Type
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Type filters by job type. Empty means all types.
	Type Type
	// Claimed, when non-nil, filters on whether a lease is currently held.
	Claimed *bool
}

// Store defines the persistence contract for persisted jobs. Every method
// joins the storage transaction carried by ctx, if any.
type Store interface {
	// InsertJob persists a new job. It returns choreo.ErrJobAlreadyExists
	// when the ID is taken.
	InsertJob(ctx context.Context, j *Job) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// DeleteJob removes a job. It reports whether a row was removed so a
	// runner can tell that a job it claimed is no longer present.
	DeleteJob(ctx context.Context, jobID id.JobID) (bool, error)

	// TryDeleteJob is DeleteJob without waiting on a row held by another
	// transaction, such as a running job. A held row is left in place and
	// reported as not removed.
	TryDeleteJob(ctx context.Context, jobID id.JobID) (bool, error)

	// RescheduleJob moves a job to runAt with the given retry count and
	// error, clearing its lease. Returns choreo.ErrJobNotFound when gone.
	RescheduleJob(ctx context.Context, jobID id.JobID, runAt time.Time, retryCount int, lastError string) error

	// ClaimJobs atomically leases up to limit claimable jobs to nodeID
	// until leaseUntil, ordered by RunAt then ID.
	ClaimJobs(ctx context.Context, nodeID id.NodeID, now time.Time, limit int, leaseUntil time.Time) ([]*Job, error)

	// ExtendLeases pushes the lease of jobs still held by nodeID.
	ExtendLeases(ctx context.Context, nodeID id.NodeID, jobIDs []id.JobID, leaseUntil time.Time) error

	// ReleaseLeases clears every lease held by nodeID and returns how many
	// jobs were released.
	ReleaseLeases(ctx context.Context, nodeID id.NodeID) (int, error)

	// ListJobs returns jobs ordered by RunAt.
	ListJobs(ctx context.Context, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching the given options.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)
}
