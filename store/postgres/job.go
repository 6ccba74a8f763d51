package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

const jobColumns = `id, details, run_at, transacted, node_id, lease_until, last_error, created_at, updated_at`

// InsertJob persists a new job.
func (s *Store) InsertJob(ctx context.Context, j *job.Job) error {
	details, err := json.Marshal(j.Details)
	if err != nil {
		return fmt.Errorf("choreo/postgres: encode job details: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO choreo_jobs (
			id, type, details, run_at, transacted, node_id, lease_until,
			last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID.String(), string(j.Details.Type), details, j.RunAt, j.Transacted,
		j.NodeID.String(), j.LeaseUntil, j.LastError, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return choreo.ErrJobAlreadyExists
		}
		return fmt.Errorf("choreo/postgres: insert job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	row := s.q(ctx).QueryRow(ctx,
		`SELECT `+jobColumns+` FROM choreo_jobs WHERE id = $1`,
		jobID.String(),
	)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, choreo.ErrJobNotFound
		}
		return nil, fmt.Errorf("choreo/postgres: get job: %w", err)
	}
	return j, nil
}

// DeleteJob removes a job by ID and reports whether it existed.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM choreo_jobs WHERE id = $1`, jobID.String())
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// TryDeleteJob removes a job unless another transaction holds its row.
func (s *Store) TryDeleteJob(ctx context.Context, jobID id.JobID) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM choreo_jobs WHERE id = (
			SELECT id FROM choreo_jobs WHERE id = $1
			FOR UPDATE SKIP LOCKED
		)`,
		jobID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: try delete job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RescheduleJob moves a job to runAt and clears its lease. The retry
// count lives inside the details document.
func (s *Store) RescheduleJob(ctx context.Context, jobID id.JobID, runAt time.Time, retryCount int, lastError string) error {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE choreo_jobs SET
			run_at = $2,
			details = jsonb_set(details, '{retry_count}', to_jsonb($3::int)),
			last_error = $4,
			node_id = '',
			lease_until = NULL,
			updated_at = NOW()
		WHERE id = $1`,
		jobID.String(), runAt, retryCount, lastError,
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: reschedule job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return choreo.ErrJobNotFound
	}
	return nil
}

// ClaimJobs atomically leases up to limit due jobs to nodeID. Uses
// SELECT FOR UPDATE SKIP LOCKED so concurrent nodes never claim the same
// row.
func (s *Store) ClaimJobs(ctx context.Context, nodeID id.NodeID, now time.Time, limit int, leaseUntil time.Time) ([]*job.Job, error) {
	rows, err := s.q(ctx).Query(ctx, `
		WITH claimed AS (
			UPDATE choreo_jobs
			SET node_id = $1, lease_until = $3, updated_at = $2
			WHERE id IN (
				SELECT id FROM choreo_jobs
				WHERE run_at <= $2
				  AND (lease_until IS NULL OR lease_until <= $2)
				ORDER BY run_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $4
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY run_at ASC, id ASC`,
		nodeID.String(), now, leaseUntil, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: claim jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ExtendLeases pushes the lease of jobs still held by nodeID. Rows locked
// by a running job transaction are skipped.
func (s *Store) ExtendLeases(ctx context.Context, nodeID id.NodeID, jobIDs []id.JobID, leaseUntil time.Time) error {
	if len(jobIDs) == 0 {
		return nil
	}
	ids := make([]string, len(jobIDs))
	for i, jid := range jobIDs {
		ids[i] = jid.String()
	}
	_, err := s.q(ctx).Exec(ctx, `
		UPDATE choreo_jobs SET lease_until = $3
		WHERE id IN (
			SELECT id FROM choreo_jobs
			WHERE node_id = $1 AND id = ANY($2)
			FOR UPDATE SKIP LOCKED
		)`,
		nodeID.String(), ids, leaseUntil,
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: extend leases: %w", err)
	}
	return nil
}

// ReleaseLeases clears every lease held by nodeID.
func (s *Store) ReleaseLeases(ctx context.Context, nodeID id.NodeID) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE choreo_jobs SET node_id = '', lease_until = NULL
		WHERE node_id = $1`,
		nodeID.String(),
	)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: release leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ListJobs returns jobs ordered by RunAt.
func (s *Store) ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error) {
	var w where
	if opts.Type != "" {
		w.add("type = $%d", string(opts.Type))
	}
	query := w.paginate(`SELECT `+jobColumns+` FROM choreo_jobs`+w.String()+` ORDER BY run_at ASC, id ASC`, opts.Limit, opts.Offset)

	rows, err := s.q(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list jobs: %w", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// CountJobs returns the number of jobs matching the given options.
func (s *Store) CountJobs(ctx context.Context, opts job.CountOpts) (int64, error) {
	var w where
	if opts.Type != "" {
		w.add("type = $%d", string(opts.Type))
	}
	if opts.Claimed != nil {
		w.add("(lease_until IS NOT NULL AND lease_until > $%d) = "+fmt.Sprint(*opts.Claimed), time.Now().UTC())
	}

	var count int64
	err := s.q(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM choreo_jobs`+w.String(), w.args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: count jobs: %w", err)
	}
	return count, nil
}

// scanJob scans a single job row.
func scanJob(row pgx.Row) (*job.Job, error) {
	var (
		j       job.Job
		idStr   string
		details []byte
		nodeStr string
	)
	err := row.Scan(
		&idStr, &details, &j.RunAt, &j.Transacted, &nodeStr, &j.LeaseUntil,
		&j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseJobID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("choreo/postgres: parse job id %q: %w", idStr, parseErr)
	}
	j.ID = parsedID

	if nodeStr != "" {
		if parsedNode, nodeErr := id.ParseNodeID(nodeStr); nodeErr == nil {
			j.NodeID = parsedNode
		}
	}
	if err := json.Unmarshal(details, &j.Details); err != nil {
		return nil, fmt.Errorf("choreo/postgres: decode job details: %w", err)
	}

	return &j, nil
}

// collectJobs collects all jobs from query rows.
func collectJobs(rows pgx.Rows) ([]*job.Job, error) {
	jobs := make([]*job.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("choreo/postgres: scan job row: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("choreo/postgres: iterate job rows: %w", err)
	}
	return jobs, nil
}
