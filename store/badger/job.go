package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

func jobKey(jobID id.JobID) string { return prefixJob + jobID.String() }

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := jobKey(j.ID)
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if found {
			return choreo.ErrJobAlreadyExists
		}
		return setJSON(txn, key, j)
	})
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	var j job.Job
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, jobKey(jobID), &j)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrJobNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// DeleteJob removes a job and reports whether it was present.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	var deleted bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		key := jobKey(jobID)
		found, err := exists(txn, key)
		if err != nil || !found {
			return err
		}
		deleted = true
		return txn.Delete([]byte(key))
	})
	return deleted, err
}

// TryDeleteJob is DeleteJob. Badger transactions are optimistic and never
// wait on each other.
func (s *Store) TryDeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	return s.DeleteJob(ctx, jobID)
}

// RescheduleJob moves a job to runAt and clears its lease.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, runAt time.Time, retryCount int, lastError string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var j job.Job
		found, err := getJSON(txn, jobKey(jobID), &j)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrJobNotFound
		}
		j.RunAt = runAt
		j.Details.RetryCount = retryCount
		j.LastError = lastError
		j.NodeID = id.Nil
		j.LeaseUntil = nil
		j.UpdatedAt = time.Now().UTC()
		return setJSON(txn, jobKey(jobID), &j)
	})
}

// ClaimJobs leases up to limit due, unleased jobs to nodeID. Two nodes
// claiming the same job conflict; the loser retries and skips it.
func (s *Store) ClaimJobs(ctx context.Context, nodeID id.NodeID, now time.Time, limit int, leaseUntil time.Time) ([]*job.Job, error) {
	var claimed []*job.Job
	err := s.update(ctx, func(txn *badger.Txn) error {
		claimed = claimed[:0]
		var candidates []*job.Job
		err := scan(txn, prefixJob, func(_ []byte, j *job.Job) (bool, error) {
			if j.Claimable(now) {
				candidates = append(candidates, j)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		sortJobs(candidates)
		for _, j := range page(candidates, 0, limit) {
			j.NodeID = nodeID
			until := leaseUntil
			j.LeaseUntil = &until
			j.UpdatedAt = now
			if err := setJSON(txn, jobKey(j.ID), j); err != nil {
				return err
			}
			claimed = append(claimed, j.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("choreo/badger: claim jobs: %w", err)
	}
	return claimed, nil
}

// ExtendLeases pushes the lease of jobs still held by nodeID.
func (s *Store) ExtendLeases(ctx context.Context, nodeID id.NodeID, jobIDs []id.JobID, leaseUntil time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		for _, jobID := range jobIDs {
			var j job.Job
			found, err := getJSON(txn, jobKey(jobID), &j)
			if err != nil {
				return err
			}
			if !found || j.NodeID.String() != nodeID.String() {
				continue
			}
			until := leaseUntil
			j.LeaseUntil = &until
			if err := setJSON(txn, jobKey(jobID), &j); err != nil {
				return err
			}
		}
		return nil
	})
}

// ReleaseLeases clears every lease held by nodeID.
func (s *Store) ReleaseLeases(ctx context.Context, nodeID id.NodeID) (int, error) {
	var n int
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		var held []*job.Job
		err := scan(txn, prefixJob, func(_ []byte, j *job.Job) (bool, error) {
			if j.NodeID.String() == nodeID.String() {
				held = append(held, j)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, j := range held {
			j.NodeID = id.Nil
			j.LeaseUntil = nil
			if err := setJSON(txn, jobKey(j.ID), j); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// ListJobs returns jobs ordered by RunAt.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var jobs []*job.Job
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixJob, func(_ []byte, j *job.Job) (bool, error) {
			if opts.Type == "" || j.Details.Type == opts.Type {
				jobs = append(jobs, j)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return page(jobs, opts.Offset, opts.Limit), nil
}

// CountJobs returns the number of jobs matching opts.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	now := time.Now().UTC()
	var count int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixJob, func(_ []byte, j *job.Job) (bool, error) {
			if opts.Type != "" && j.Details.Type != opts.Type {
				return true, nil
			}
			if opts.Claimed != nil {
				claimed := j.LeaseUntil != nil && j.LeaseUntil.After(now)
				if claimed != *opts.Claimed {
					return true, nil
				}
			}
			count++
			return true, nil
		})
	})
	return count, err
}

func sortJobs(jobs []*job.Job) {
	sort.Slice(jobs, func(i, k int) bool {
		a, b := jobs[i], jobs[k]
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
