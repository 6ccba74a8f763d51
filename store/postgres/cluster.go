package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

// The node registry always runs on the pool, outside any storage
// transaction on ctx.

const nodeColumns = `id, hostname, concurrency, state, is_leader, leader_until, last_seen, metadata, created_at`

// RegisterNode adds a node to the cluster registry, replacing a previous
// registration with the same ID.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	meta, err := json.Marshal(n.Metadata)
	if err != nil {
		return fmt.Errorf("choreo/postgres: encode node metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO choreo_nodes (`+nodeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			concurrency = EXCLUDED.concurrency,
			state = EXCLUDED.state,
			last_seen = EXCLUDED.last_seen,
			metadata = EXCLUDED.metadata`,
		n.ID.String(), n.Hostname, n.Concurrency, string(n.State),
		n.IsLeader, n.LeaderUntil, n.LastSeen, meta, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the cluster registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM choreo_nodes WHERE id = $1`,
		nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: deregister node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return choreo.ErrNodeNotFound
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp for a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE choreo_nodes SET last_seen = NOW() WHERE id = $1`,
		nodeID.String(),
	)
	if err != nil {
		return fmt.Errorf("choreo/postgres: heartbeat node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return choreo.ErrNodeNotFound
	}
	return nil
}

// ListNodes returns all registered nodes.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM choreo_nodes ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: list nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// ReapDeadNodes returns nodes whose last-seen timestamp is older than
// the given threshold.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+nodeColumns+` FROM choreo_nodes WHERE last_seen < $1 ORDER BY created_at ASC`,
		time.Now().UTC().Add(-threshold),
	)
	if err != nil {
		return nil, fmt.Errorf("choreo/postgres: reap dead nodes: %w", err)
	}
	defer rows.Close()

	return collectNodes(rows)
}

// AcquireLeadership attempts to become the cluster leader. Expired
// leaders are cleared first, then the claim succeeds only when no other
// node holds a valid lease.
func (s *Store) AcquireLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	nID := nodeID.String()
	until := time.Now().UTC().Add(ttl)

	// Step 1: Clear any expired leader.
	_, err := s.pool.Exec(ctx, `
		UPDATE choreo_nodes
		SET is_leader = FALSE, leader_until = NULL
		WHERE is_leader = TRUE AND leader_until < NOW()`,
	)
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: clear expired leader: %w", err)
	}

	// Step 2: Claim unless another node holds a valid lease.
	tag, err := s.pool.Exec(ctx, `
		UPDATE choreo_nodes
		SET is_leader = TRUE, leader_until = $2
		WHERE id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM choreo_nodes
			WHERE is_leader = TRUE AND leader_until >= NOW() AND id <> $1
		  )`,
		nID, until,
	)
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: claim leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)

	tag, err := s.pool.Exec(ctx, `
		UPDATE choreo_nodes
		SET leader_until = $2
		WHERE id = $1 AND is_leader = TRUE AND leader_until >= NOW()`,
		nodeID.String(), until,
	)
	if err != nil {
		return false, fmt.Errorf("choreo/postgres: renew leadership: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetLeader returns the current cluster leader, or nil if there is no leader.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Node, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+nodeColumns+`
		FROM choreo_nodes
		WHERE is_leader = TRUE AND leader_until >= NOW()
		LIMIT 1`,
	)

	n, err := scanNode(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("choreo/postgres: get leader: %w", err)
	}
	return n, nil
}

// scanNode scans a single node row.
func scanNode(row pgx.Row) (*cluster.Node, error) {
	var (
		n        cluster.Node
		idStr    string
		stateStr string
		meta     []byte
	)
	err := row.Scan(
		&idStr, &n.Hostname, &n.Concurrency, &stateStr,
		&n.IsLeader, &n.LeaderUntil, &n.LastSeen, &meta, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	n.State = cluster.NodeState(stateStr)

	parsedID, parseErr := id.ParseNodeID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("choreo/postgres: parse node id %q: %w", idStr, parseErr)
	}
	n.ID = parsedID

	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &n.Metadata); err != nil {
			return nil, fmt.Errorf("choreo/postgres: decode node metadata: %w", err)
		}
	}
	return &n, nil
}

func collectNodes(rows pgx.Rows) ([]*cluster.Node, error) {
	nodes := make([]*cluster.Node, 0)
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("choreo/postgres: scan node row: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("choreo/postgres: iterate node rows: %w", err)
	}
	return nodes, nil
}
