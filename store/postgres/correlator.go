package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/id"
)

// Key sets are stored in their canonical text form.

// InsertRoute persists a route; the BIGSERIAL seq is its placement order.
func (s *Store) InsertRoute(ctx context.Context, route *correlator.Route) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO choreo_routes (correlator_id, group_id, target, idx, keys, policy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq`,
		route.CorrelatorID, route.GroupID, route.Target, route.Index,
		route.Keys.String(), string(route.Policy), route.CreatedAt,
	).Scan(&route.Seq)
	if err != nil {
		return fmt.Errorf("choreo/postgres: insert route: %w", err)
	}
	return nil
}

// ListRoutes returns the routes of a correlator in placement order.
func (s *Store) ListRoutes(ctx context.Context, correlatorID string) ([]*correlator.Route, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT seq, correlator_id, group_id, target, idx, keys, policy, created_at
		FROM choreo_routes
		WHERE correlator_id = $1
		ORDER BY seq ASC`,
		correlatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list routes: %w", err)
	}
	defer rows.Close()

	routes := make([]*correlator.Route, 0)
	for rows.Next() {
		r, scanErr := scanRoute(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("choreo/postgres: scan route row: %w", scanErr)
		}
		routes = append(routes, r)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("choreo/postgres: iterate route rows: %w", err)
	}
	return routes, nil
}

// DeleteRoutes removes the routes of a group placed by target.
func (s *Store) DeleteRoutes(ctx context.Context, correlatorID, groupID string, target int64) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `
		DELETE FROM choreo_routes
		WHERE correlator_id = $1 AND group_id = $2 AND target = $3`,
		correlatorID, groupID, target,
	)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: delete routes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteInstanceRoutes removes every route placed by target.
func (s *Store) DeleteInstanceRoutes(ctx context.Context, target int64) (int, error) {
	tag, err := s.q(ctx).Exec(ctx, `DELETE FROM choreo_routes WHERE target = $1`, target)
	if err != nil {
		return 0, fmt.Errorf("choreo/postgres: delete instance routes: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// InsertMessage queues a message; the BIGSERIAL seq is its arrival order.
func (s *Store) InsertMessage(ctx context.Context, q *correlator.QueuedMessage) error {
	err := s.q(ctx).QueryRow(ctx, `
		INSERT INTO choreo_messages (correlator_id, mex_id, keys, enqueued_at)
		VALUES ($1, $2, $3, $4)
		RETURNING seq`,
		q.CorrelatorID, q.MexID.String(), q.Keys.String(), q.EnqueuedAt,
	).Scan(&q.Seq)
	if err != nil {
		return fmt.Errorf("choreo/postgres: insert message: %w", err)
	}
	return nil
}

// ListMessages returns the queued messages of a correlator in arrival
// order.
func (s *Store) ListMessages(ctx context.Context, correlatorID string) ([]*correlator.QueuedMessage, error) {
	rows, err := s.q(ctx).Query(ctx, `
		SELECT seq, correlator_id, mex_id, keys, enqueued_at
		FROM choreo_messages
		WHERE correlator_id = $1
		ORDER BY seq ASC`,
		correlatorID,
	)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]*correlator.QueuedMessage, 0)
	for rows.Next() {
		var (
			m       correlator.QueuedMessage
			mexStr  string
			keysStr string
		)
		if err := rows.Scan(&m.Seq, &m.CorrelatorID, &mexStr, &keysStr, &m.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("choreo/postgres: scan message row: %w", err)
		}
		if m.MexID, err = id.ParseMexID(mexStr); err != nil {
			return nil, fmt.Errorf("choreo/postgres: parse mex id %q: %w", mexStr, err)
		}
		if m.Keys, err = correlation.ParseKeySet(keysStr); err != nil {
			return nil, fmt.Errorf("choreo/postgres: parse key set %q: %w", keysStr, err)
		}
		msgs = append(msgs, &m)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("choreo/postgres: iterate message rows: %w", err)
	}
	return msgs, nil
}

// DeleteMessage removes a queued message.
func (s *Store) DeleteMessage(ctx context.Context, correlatorID string, mexID id.MexID) (bool, error) {
	tag, err := s.q(ctx).Exec(ctx,
		`DELETE FROM choreo_messages WHERE correlator_id = $1 AND mex_id = $2`,
		correlatorID, mexID.String(),
	)
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: delete message: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func scanRoute(row pgx.Row) (*correlator.Route, error) {
	var (
		r       correlator.Route
		keysStr string
		policy  string
	)
	err := row.Scan(&r.Seq, &r.CorrelatorID, &r.GroupID, &r.Target, &r.Index, &keysStr, &policy, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Policy = correlator.Policy(policy)
	keys, err := correlation.ParseKeySet(keysStr)
	if err != nil {
		return nil, fmt.Errorf("parse key set %q: %w", keysStr, err)
	}
	r.Keys = keys
	return &r, nil
}
