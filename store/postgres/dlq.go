package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/job"
)

const selectDLQ = `SELECT id, job_id, type, details, error, retry_count, max_retries,
	failed_at, replayed_at, created_at FROM choreo_dlq`

// PushDLQ inserts a dead-letter entry.
func (s *Store) PushDLQ(ctx context.Context, e *dlq.Entry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("choreo/postgres: encode dlq details: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO choreo_dlq (id, job_id, type, details, error, retry_count,
			max_retries, failed_at, replayed_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.JobID, string(e.Type), details, e.Error, e.RetryCount,
		e.MaxRetries, e.FailedAt, e.ReplayedAt, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: push dlq: %w", err)
	}
	return nil
}

// ListDLQ filters on type, process and replay state in SQL.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var w where
	if opts.Type != "" {
		w.add("type = $%d", string(opts.Type))
	}
	if opts.Process != "" {
		w.add("details->>'process_id' = $%d", opts.Process)
	}
	if opts.Pending {
		w.clauses = append(w.clauses, "replayed_at IS NULL")
	}
	query := w.paginate(selectDLQ+w.String()+` ORDER BY failed_at, id`, opts.Limit, opts.Offset)

	rows, err := s.q(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list dlq: %w", err)
	}
	entries, err := pgx.CollectRows(rows, dlqRow)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list dlq: %w", err)
	}
	return entries, nil
}

func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	rows, err := s.q(ctx).Query(ctx, selectDLQ+` WHERE id = $1`, entryID)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: get dlq: %w", err)
	}
	e, err := pgx.CollectExactlyOneRow(rows, dlqRow)
	switch {
	case isNoRows(err):
		return nil, choreo.ErrDLQNotFound
	case err != nil:
		return nil, fmt.Errorf("choreo/postgres: get dlq: %w", err)
	}
	return e, nil
}

func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	return s.execOne(ctx, "replay dlq", choreo.ErrDLQNotFound,
		`UPDATE choreo_dlq SET replayed_at = $2 WHERE id = $1`,
		entryID, time.Now().UTC(),
	)
}

func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM choreo_dlq WHERE failed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: purge dlq: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) CountDLQ(ctx context.Context) (n int64, err error) {
	if err = s.q(ctx).QueryRow(ctx, `SELECT count(*) FROM choreo_dlq`).Scan(&n); err != nil {
		return 0, fmt.Errorf("choreo/postgres: count dlq: %w", err)
	}
	return n, nil
}

// execOne runs a statement that must touch exactly one row; zero rows
// returns missing.
func (s *Store) execOne(ctx context.Context, op string, missing error, sql string, args ...any) error {
	tag, err := s.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("choreo/postgres: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return missing
	}
	return nil
}

func dlqRow(row pgx.CollectableRow) (*dlq.Entry, error) {
	var (
		e       dlq.Entry
		typ     string
		details []byte
	)
	err := row.Scan(&e.ID, &e.JobID, &typ, &details, &e.Error, &e.RetryCount,
		&e.MaxRetries, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = job.Type(typ)
	if err := json.Unmarshal(details, &e.Details); err != nil {
		return nil, fmt.Errorf("decode dlq details: %w", err)
	}
	return &e, nil
}
