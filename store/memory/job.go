package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

// InsertJob persists a new job. It becomes claimable when the enclosing
// transaction commits.
func (m *Store) InsertJob(ctx context.Context, j *job.Job) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return choreo.ErrJobAlreadyExists
	}
	r := &row[*job.Job]{v: j.Clone(), owner: t}
	m.jobs[key] = r
	m.track(t,
		func() { delete(m.jobs, key) },
		func() { r.owner = nil },
	)
	return nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.jobs[jobID.String()]
	if !ok || !r.visibleTo(t) {
		return nil, choreo.ErrJobNotFound
	}
	return r.v.Clone(), nil
}

// DeleteJob removes a job and reports whether it was present.
func (m *Store) DeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	r, ok := m.jobs[key]
	if !ok || !r.visibleTo(t) {
		return false, nil
	}
	delete(m.jobs, key)
	m.track(t, func() { m.jobs[key] = r }, nil)
	return true, nil
}

// TryDeleteJob is DeleteJob; rows deleted by an open transaction are
// already invisible here.
func (m *Store) TryDeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	return m.DeleteJob(ctx, jobID)
}

// RescheduleJob moves a job to runAt and clears its lease.
func (m *Store) RescheduleJob(ctx context.Context, jobID id.JobID, runAt time.Time, retryCount int, lastError string) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.jobs[jobID.String()]
	if !ok || !r.visibleTo(t) {
		return choreo.ErrJobNotFound
	}
	old := r.v
	j := old.Clone()
	j.RunAt = runAt
	j.Details.RetryCount = retryCount
	j.LastError = lastError
	j.NodeID = id.Nil
	j.LeaseUntil = nil
	j.UpdatedAt = time.Now().UTC()
	r.v = j
	m.track(t, func() { r.v = old }, nil)
	return nil
}

// ClaimJobs leases up to limit due, unleased jobs to nodeID.
func (m *Store) ClaimJobs(ctx context.Context, nodeID id.NodeID, now time.Time, limit int, leaseUntil time.Time) ([]*job.Job, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*row[*job.Job], 0)
	for _, r := range m.jobs {
		if r.visibleTo(t) && r.v.Claimable(now) {
			candidates = append(candidates, r)
		}
	}
	sortJobRows(candidates)
	candidates = page(candidates, 0, limit)

	result := make([]*job.Job, 0, len(candidates))
	for _, r := range candidates {
		old := r.v
		j := old.Clone()
		j.NodeID = nodeID
		until := leaseUntil
		j.LeaseUntil = &until
		j.UpdatedAt = now
		r.v = j
		m.track(t, func() { r.v = old }, nil)
		result = append(result, j.Clone())
	}
	return result, nil
}

// ExtendLeases pushes the lease of jobs still held by nodeID.
func (m *Store) ExtendLeases(ctx context.Context, nodeID id.NodeID, jobIDs []id.JobID, leaseUntil time.Time) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, jobID := range jobIDs {
		r, ok := m.jobs[jobID.String()]
		if !ok || !r.visibleTo(t) || r.v.NodeID.String() != nodeID.String() {
			continue
		}
		old := r.v
		j := old.Clone()
		until := leaseUntil
		j.LeaseUntil = &until
		r.v = j
		m.track(t, func() { r.v = old }, nil)
	}
	return nil
}

// ReleaseLeases clears every lease held by nodeID.
func (m *Store) ReleaseLeases(ctx context.Context, nodeID id.NodeID) (int, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.jobs {
		if !r.visibleTo(t) || r.v.NodeID.String() != nodeID.String() {
			continue
		}
		old := r.v
		j := old.Clone()
		j.NodeID = id.Nil
		j.LeaseUntil = nil
		r.v = j
		m.track(t, func() { r.v = old }, nil)
		n++
	}
	return n, nil
}

// ListJobs returns jobs ordered by RunAt.
func (m *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make([]*row[*job.Job], 0, len(m.jobs))
	for _, r := range m.jobs {
		if !r.visibleTo(t) {
			continue
		}
		if opts.Type != "" && r.v.Details.Type != opts.Type {
			continue
		}
		rows = append(rows, r)
	}
	sortJobRows(rows)
	rows = page(rows, opts.Offset, opts.Limit)

	result := make([]*job.Job, len(rows))
	for i, r := range rows {
		result[i] = r.v.Clone()
	}
	return result, nil
}

// CountJobs returns the number of jobs matching opts.
func (m *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	var count int64
	for _, r := range m.jobs {
		if !r.visibleTo(t) {
			continue
		}
		if opts.Type != "" && r.v.Details.Type != opts.Type {
			continue
		}
		if opts.Claimed != nil {
			claimed := r.v.LeaseUntil != nil && r.v.LeaseUntil.After(now)
			if claimed != *opts.Claimed {
				continue
			}
		}
		count++
	}
	return count, nil
}

func sortJobRows(rows []*row[*job.Job]) {
	sort.Slice(rows, func(i, k int) bool {
		a, b := rows[i].v, rows[k].v
		if !a.RunAt.Equal(b.RunAt) {
			return a.RunAt.Before(b.RunAt)
		}
		return a.ID.String() < b.ID.String()
	})
}
