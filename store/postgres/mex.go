package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/mex"
)

// Exchanges are stored as a JSONB document plus the columns used for
// filtering and purging.

// InsertMex persists a new message exchange.
func (s *Store) InsertMex(ctx context.Context, rec *mex.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("choreo/postgres: encode exchange: %w", err)
	}
	_, err = s.q(ctx).Exec(ctx, `
		INSERT INTO choreo_mex (id, direction, status, released, data, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID.String(), string(rec.Direction), string(rec.Status), rec.Released,
		data, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return choreo.ErrMexAlreadyExists
		}
		return fmt.Errorf("choreo/postgres: insert exchange: %w", err)
	}
	return nil
}

// UpdateMex replaces a stored message exchange.
func (s *Store) UpdateMex(ctx context.Context, rec *mex.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("choreo/postgres: encode exchange: %w", err)
	}
	tag, err := s.q(ctx).Exec(ctx, `
		UPDATE choreo_mex SET
			direction = $2, status = $3, released = $4, data = $5, updated_at = $6
		WHERE id = $1`,
		rec.ID.String(), string(rec.Direction), string(rec.Status), rec.Released,
		data, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: update exchange: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return choreo.ErrMexNotFound
	}
	return nil
}

// GetMex retrieves a message exchange by ID.
func (s *Store) GetMex(ctx context.Context, mexID id.MexID) (*mex.Record, error) {
	row := s.q(ctx).QueryRow(ctx, `SELECT data FROM choreo_mex WHERE id = $1`, mexID.String())
	rec, err := scanMex(row)
	if err != nil {
		if isNoRows(err) {
			return nil, choreo.ErrMexNotFound
		}
		return nil, fmt.Errorf("choreo/postgres: get exchange: %w", err)
	}
	return rec, nil
}

// DeleteMex removes a message exchange.
func (s *Store) DeleteMex(ctx context.Context, mexID id.MexID) error {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM choreo_mex WHERE id = $1`, mexID.String())
	if err != nil {
		return fmt.Errorf("choreo/postgres: delete exchange: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return choreo.ErrMexNotFound
	}
	return nil
}

// ListMex returns message exchanges ordered by CreatedAt.
func (s *Store) ListMex(ctx context.Context, opts mex.ListOpts) ([]*mex.Record, error) {
	var w where
	if opts.Direction != "" {
		w.add("direction = $%d", string(opts.Direction))
	}
	if opts.Status != "" {
		w.add("status = $%d", string(opts.Status))
	}
	query := w.paginate(`SELECT data FROM choreo_mex`+w.String()+` ORDER BY created_at ASC, id ASC`, opts.Limit, opts.Offset)

	rows, err := s.q(ctx).Query(ctx, query, w.args...)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list exchanges: %w", err)
	}
	defer rows.Close()

	var recs []*mex.Record
	for rows.Next() {
		rec, scanErr := scanMex(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("choreo/postgres: scan exchange row: %w", scanErr)
		}
		recs = append(recs, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("choreo/postgres: iterate exchange rows: %w", err)
	}
	return recs, nil
}

// PurgeReleasedMex removes released exchanges last updated before the
// given time.
func (s *Store) PurgeReleasedMex(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM choreo_mex WHERE released AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: purge exchanges: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanMex(row pgx.Row) (*mex.Record, error) {
	var data []byte
	if err := row.Scan(&data); err != nil {
		return nil, err
	}
	var rec mex.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode exchange: %w", err)
	}
	return &rec, nil
}
