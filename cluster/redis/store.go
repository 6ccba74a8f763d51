// Package redis implements cluster.Store on Redis. Nodes are stored as
// Hashes indexed by a Set; leadership is a single key taken with SET NX PX
// and renewed with a compare-and-extend script, so it expires on its own
// when the leader stops renewing.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	cs := redis.New(client, redis.WithPrefix("orders:"))
//	sched := scheduler.New(st, scheduler.WithClusterStore(cs),
//	    scheduler.WithCoordinator(cluster.NewLeaseCoordinator(cs, nodeID)))
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

var _ cluster.Store = (*Store)(nil)

const defaultPrefix = "choreo:"

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithPrefix sets the key prefix. Default: "choreo:".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// Store implements cluster.Store backed by Redis.
type Store struct {
	client goredis.Cmdable
	prefix string
	logger *slog.Logger
}

// New creates a Redis cluster store. The caller owns the client.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, prefix: defaultPrefix, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) nodeKey(nodeID string) string { return s.prefix + "node:" + nodeID }
func (s *Store) nodeIDsKey() string           { return s.prefix + "node_ids" }
func (s *Store) leaderKey() string            { return s.prefix + "leader" }

// renewScript extends the leader key only while it still names the caller.
var renewScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// ──────────────────────────────────────────────────
// Node registry
// ──────────────────────────────────────────────────

// RegisterNode adds a node to the registry, replacing an earlier
// registration with the same ID.
func (s *Store) RegisterNode(ctx context.Context, n *cluster.Node) error {
	nID := n.ID.String()
	key := s.nodeKey(nID)

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, nodeToMap(n))
	pipe.SAdd(ctx, s.nodeIDsKey(), nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("choreo/redis: register node: %w", err)
	}
	return nil
}

// DeregisterNode removes a node from the registry.
func (s *Store) DeregisterNode(ctx context.Context, nodeID id.NodeID) error {
	nID := nodeID.String()
	key := s.nodeKey(nID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("choreo/redis: deregister exists: %w", err)
	}
	if exists == 0 {
		return choreo.ErrNodeNotFound
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, s.nodeIDsKey(), nID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("choreo/redis: deregister node: %w", err)
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp of a node.
func (s *Store) HeartbeatNode(ctx context.Context, nodeID id.NodeID) error {
	key := s.nodeKey(nodeID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("choreo/redis: heartbeat exists: %w", err)
	}
	if exists == 0 {
		return choreo.ErrNodeNotFound
	}

	if err := s.client.HSet(ctx, key, "last_seen", formatTime(time.Now().UTC())).Err(); err != nil {
		return fmt.Errorf("choreo/redis: heartbeat node: %w", err)
	}
	return nil
}

// ListNodes returns all registered nodes ordered by CreatedAt.
func (s *Store) ListNodes(ctx context.Context) ([]*cluster.Node, error) {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(nodes, func(i, k int) bool {
		return nodes[i].CreatedAt.Before(nodes[k].CreatedAt)
	})
	return nodes, nil
}

// ReapDeadNodes returns nodes whose last-seen timestamp is older than
// threshold.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	nodes, err := s.loadNodes(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Node
	for _, n := range nodes {
		if n.LastSeen.Before(cutoff) {
			dead = append(dead, n)
		}
	}
	return dead, nil
}

func (s *Store) loadNodes(ctx context.Context) ([]*cluster.Node, error) {
	ids, err := s.client.SMembers(ctx, s.nodeIDsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("choreo/redis: list node ids: %w", err)
	}

	nodes := make([]*cluster.Node, 0, len(ids))
	for _, nID := range ids {
		vals, err := s.client.HGetAll(ctx, s.nodeKey(nID)).Result()
		if err != nil {
			return nil, fmt.Errorf("choreo/redis: load node %s: %w", nID, err)
		}
		if len(vals) == 0 {
			continue
		}
		n, err := mapToNode(vals)
		if err != nil {
			s.logger.Warn("skipping unreadable node", slog.String("node_id", nID), slog.String("error", err.Error()))
			continue
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ──────────────────────────────────────────────────
// Leadership
// ──────────────────────────────────────────────────

// AcquireLeadership takes the leader key if it is free. A node that
// already holds it extends it.
func (s *Store) AcquireLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	nID := nodeID.String()

	ok, err := s.client.SetNX(ctx, s.leaderKey(), nID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("choreo/redis: acquire leadership: %w", err)
	}
	if !ok {
		return s.RenewLeadership(ctx, nodeID, ttl)
	}
	s.markLeader(ctx, nID, ttl)
	return true, nil
}

// RenewLeadership extends the leader key while nodeID still holds it.
func (s *Store) RenewLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	nID := nodeID.String()

	n, err := renewScript.Run(ctx, s.client, []string{s.leaderKey()}, nID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("choreo/redis: renew leadership: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	s.markLeader(ctx, nID, ttl)
	return true, nil
}

// markLeader records the lease on the node hash, for ListNodes readers.
func (s *Store) markLeader(ctx context.Context, nID string, ttl time.Duration) {
	key := s.nodeKey(nID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil || exists == 0 {
		return
	}
	until := time.Now().UTC().Add(ttl)
	if err := s.client.HSet(ctx, key, "is_leader", "1", "leader_until", formatTime(until)).Err(); err != nil {
		s.logger.Warn("failed to update leader fields", slog.String("error", err.Error()))
	}
}

// GetLeader returns the current leader, or nil if there is none.
func (s *Store) GetLeader(ctx context.Context) (*cluster.Node, error) {
	nID, err := s.client.Get(ctx, s.leaderKey()).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("choreo/redis: get leader: %w", err)
	}

	vals, err := s.client.HGetAll(ctx, s.nodeKey(nID)).Result()
	if err != nil {
		return nil, fmt.Errorf("choreo/redis: get leader node: %w", err)
	}
	if len(vals) == 0 {
		nodeID, err := id.ParseNodeID(nID)
		if err != nil {
			return nil, nil
		}
		return &cluster.Node{ID: nodeID, IsLeader: true}, nil
	}
	return mapToNode(vals)
}

// ── helpers ──

func formatTime(t time.Time) string { return t.Format(time.RFC3339Nano) }

func nodeToMap(n *cluster.Node) map[string]any {
	meta, _ := json.Marshal(n.Metadata) //nolint:errcheck // map[string]string always marshals
	m := map[string]any{
		"id":          n.ID.String(),
		"hostname":    n.Hostname,
		"concurrency": strconv.Itoa(n.Concurrency),
		"state":       string(n.State),
		"is_leader":   boolToStr(n.IsLeader),
		"last_seen":   formatTime(n.LastSeen),
		"metadata":    string(meta),
		"created_at":  formatTime(n.CreatedAt),
	}
	if n.LeaderUntil != nil {
		m["leader_until"] = formatTime(*n.LeaderUntil)
	}
	return m
}

func mapToNode(m map[string]string) (*cluster.Node, error) {
	nodeID, err := id.ParseNodeID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("choreo/redis: parse node id: %w", err)
	}

	concurrency, _ := strconv.Atoi(m["concurrency"])              //nolint:errcheck // best-effort parse from trusted Redis data
	lastSeen, _ := time.Parse(time.RFC3339Nano, m["last_seen"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	n := &cluster.Node{
		ID:          nodeID,
		Hostname:    m["hostname"],
		Concurrency: concurrency,
		State:       cluster.NodeState(m["state"]),
		IsLeader:    m["is_leader"] == "1",
		LastSeen:    lastSeen,
		CreatedAt:   createdAt,
	}
	if raw := m["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &n.Metadata); err != nil {
			return nil, fmt.Errorf("choreo/redis: parse node metadata: %w", err)
		}
	}
	if v := m["leader_until"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		n.LeaderUntil = &t
	}
	return n, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
