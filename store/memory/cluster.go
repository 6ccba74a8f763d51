package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

// The node registry is not transactional: registrations and heartbeats
// are visible immediately.

// RegisterNode adds a node to the registry.
func (m *Store) RegisterNode(_ context.Context, n *cluster.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nodes[n.ID.String()] = n.Clone()
	return nil
}

// DeregisterNode removes a node from the registry.
func (m *Store) DeregisterNode(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeID.String()
	if _, ok := m.nodes[key]; !ok {
		return choreo.ErrNodeNotFound
	}
	delete(m.nodes, key)
	if m.leader == key {
		m.leader = ""
	}
	return nil
}

// HeartbeatNode updates the last-seen timestamp of a node.
func (m *Store) HeartbeatNode(_ context.Context, nodeID id.NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID.String()]
	if !ok {
		return choreo.ErrNodeNotFound
	}
	n.LastSeen = time.Now().UTC()
	return nil
}

// ListNodes returns all registered nodes ordered by CreatedAt.
func (m *Store) ListNodes(_ context.Context) ([]*cluster.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		result = append(result, n.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ReapDeadNodes returns nodes whose last-seen timestamp is older than
// threshold.
func (m *Store) ReapDeadNodes(_ context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().UTC().Add(-threshold)
	var dead []*cluster.Node
	for _, n := range m.nodes {
		if n.LastSeen.Before(cutoff) {
			dead = append(dead, n.Clone())
		}
	}
	return dead, nil
}

// AcquireLeadership attempts to become the cluster leader.
func (m *Store) AcquireLeadership(_ context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	key := nodeID.String()
	if m.leader != "" && m.leaderUntil.After(now) && m.leader != key {
		return false, nil
	}

	if prev, ok := m.nodes[m.leader]; ok && m.leader != key {
		prev.IsLeader = false
		prev.LeaderUntil = nil
	}
	m.leader = key
	m.leaderUntil = now.Add(ttl)
	if n, ok := m.nodes[key]; ok {
		n.IsLeader = true
		until := m.leaderUntil
		n.LeaderUntil = &until
	}
	return true, nil
}

// RenewLeadership extends the leader's hold.
func (m *Store) RenewLeadership(_ context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := nodeID.String()
	if m.leader != key || m.leaderUntil.Before(time.Now().UTC()) {
		return false, nil
	}
	m.leaderUntil = time.Now().UTC().Add(ttl)
	if n, ok := m.nodes[key]; ok {
		until := m.leaderUntil
		n.LeaderUntil = &until
	}
	return true, nil
}

// GetLeader returns the current leader, or nil if there is none.
func (m *Store) GetLeader(_ context.Context) (*cluster.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.leader == "" || m.leaderUntil.Before(time.Now().UTC()) {
		return nil, nil
	}
	n, ok := m.nodes[m.leader]
	if !ok {
		nodeID, err := id.ParseNodeID(m.leader)
		if err != nil {
			return nil, nil
		}
		return &cluster.Node{ID: nodeID, IsLeader: true}, nil
	}
	return n.Clone(), nil
}
