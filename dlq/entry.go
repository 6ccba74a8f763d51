package dlq

import (
	"time"

	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

// Entry is a job that has exhausted its retry budget.
type Entry struct {
	ID         id.DLQID    `json:"id"`
	JobID      id.JobID    `json:"job_id"`
	Type       job.Type    `json:"type"`
	Details    job.Details `json:"details"`
	Error      string      `json:"error"`
	RetryCount int         `json:"retry_count"`
	MaxRetries int         `json:"max_retries"`
	FailedAt   time.Time   `json:"failed_at"`
	ReplayedAt *time.Time  `json:"replayed_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Clone returns a deep copy of e.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Details = e.Details.Clone()
	if e.ReplayedAt != nil {
		t := *e.ReplayedAt
		out.ReplayedAt = &t
	}
	return &out
}
