package job

import (
	"time"

	"github.com/xraph/choreo/id"
)

// Job is a scheduled unit of work as the scheduler stores it.
type Job struct {
	ID      id.JobID  `json:"id"`
	Details Details   `json:"details"`
	RunAt   time.Time `json:"run_at"`

	// Transacted means the processor runs inside a managed transaction.
	// Persisted jobs are always transacted.
	Transacted bool `json:"transacted"`

	// NodeID and LeaseUntil record the current claim. A job is claimable
	// when it is due and has no unexpired lease.
	NodeID     id.NodeID  `json:"node_id,omitempty"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Info returns the view handed to the processor.
func (j *Job) Info() Info {
	return Info{
		JobName:    j.ID.String(),
		RetryCount: j.Details.RetryCount,
		Details:    j.Details.Clone(),
	}
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	out := *j
	out.Details = j.Details.Clone()
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		out.LeaseUntil = &t
	}
	return &out
}

// Claimable reports whether j may be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	if j.RunAt.After(now) {
		return false
	}
	return j.LeaseUntil == nil || !j.LeaseUntil.After(now)
}
