package badger

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/id"
)

// The node registry is not transactional: every call commits on its own,
// whatever transaction ctx carries.

type leaderRecord struct {
	NodeID string    `json:"node_id"`
	Until  time.Time `json:"until"`
}

func nodeKey(nodeID string) string { return prefixNode + nodeID }

// RegisterNode adds a node to the registry.
func (s *Store) RegisterNode(_ context.Context, n *cluster.Node) error {
	return s.updateDirect(func(txn *badger.Txn) error {
		return setJSON(txn, nodeKey(n.ID.String()), n)
	})
}

// DeregisterNode removes a node from the registry.
func (s *Store) DeregisterNode(_ context.Context, nodeID id.NodeID) error {
	return s.updateDirect(func(txn *badger.Txn) error {
		key := nodeKey(nodeID.String())
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrNodeNotFound
		}
		if err := txn.Delete([]byte(key)); err != nil {
			return err
		}

		var lr leaderRecord
		held, err := getJSON(txn, keyLeader, &lr)
		if err != nil {
			return err
		}
		if held && lr.NodeID == nodeID.String() {
			return txn.Delete([]byte(keyLeader))
		}
		return nil
	})
}

// HeartbeatNode updates the last-seen timestamp of a node.
func (s *Store) HeartbeatNode(_ context.Context, nodeID id.NodeID) error {
	return s.updateDirect(func(txn *badger.Txn) error {
		var n cluster.Node
		found, err := getJSON(txn, nodeKey(nodeID.String()), &n)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrNodeNotFound
		}
		n.LastSeen = time.Now().UTC()
		return setJSON(txn, nodeKey(nodeID.String()), &n)
	})
}

// ListNodes returns all registered nodes ordered by CreatedAt.
func (s *Store) ListNodes(_ context.Context) ([]*cluster.Node, error) {
	result := make([]*cluster.Node, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		return scan(txn, prefixNode, func(_ []byte, n *cluster.Node) (bool, error) {
			result = append(result, n)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})
	return result, nil
}

// ReapDeadNodes returns nodes whose last-seen timestamp is older than
// threshold.
func (s *Store) ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*cluster.Node, error) {
	nodes, err := s.ListNodes(ctx)
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

// AcquireLeadership attempts to become the cluster leader.
func (s *Store) AcquireLeadership(_ context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	var acquired bool
	err := s.updateDirect(func(txn *badger.Txn) error {
		acquired = false
		now := time.Now().UTC()
		key := nodeID.String()

		var lr leaderRecord
		held, err := getJSON(txn, keyLeader, &lr)
		if err != nil {
			return err
		}
		if held && lr.Until.After(now) && lr.NodeID != key {
			return nil
		}
		if held && lr.NodeID != key {
			if err := s.setLeaderFields(txn, lr.NodeID, nil); err != nil {
				return err
			}
		}

		until := now.Add(ttl)
		if err := setJSON(txn, keyLeader, leaderRecord{NodeID: key, Until: until}); err != nil {
			return err
		}
		acquired = true
		return s.setLeaderFields(txn, key, &until)
	})
	return acquired, err
}

// RenewLeadership extends the leader's hold.
func (s *Store) RenewLeadership(_ context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error) {
	var renewed bool
	err := s.updateDirect(func(txn *badger.Txn) error {
		renewed = false
		now := time.Now().UTC()
		key := nodeID.String()

		var lr leaderRecord
		held, err := getJSON(txn, keyLeader, &lr)
		if err != nil {
			return err
		}
		if !held || lr.NodeID != key || lr.Until.Before(now) {
			return nil
		}
		until := now.Add(ttl)
		if err := setJSON(txn, keyLeader, leaderRecord{NodeID: key, Until: until}); err != nil {
			return err
		}
		renewed = true
		return s.setLeaderFields(txn, key, &until)
	})
	return renewed, err
}

// setLeaderFields mirrors leadership onto the node row, if registered.
func (s *Store) setLeaderFields(txn *badger.Txn, nodeID string, until *time.Time) error {
	var n cluster.Node
	found, err := getJSON(txn, nodeKey(nodeID), &n)
	if err != nil || !found {
		return err
	}
	n.IsLeader = until != nil
	n.LeaderUntil = until
	return setJSON(txn, nodeKey(nodeID), &n)
}

// GetLeader returns the current leader, or nil if there is none.
func (s *Store) GetLeader(_ context.Context) (*cluster.Node, error) {
	var leader *cluster.Node
	err := s.db.View(func(txn *badger.Txn) error {
		var lr leaderRecord
		held, err := getJSON(txn, keyLeader, &lr)
		if err != nil || !held || lr.Until.Before(time.Now().UTC()) {
			return err
		}
		var n cluster.Node
		found, err := getJSON(txn, nodeKey(lr.NodeID), &n)
		if err != nil {
			return err
		}
		if found {
			leader = &n
			return nil
		}
		nodeID, err := id.ParseNodeID(lr.NodeID)
		if err != nil {
			return nil
		}
		leader = &cluster.Node{ID: nodeID, IsLeader: true}
		return nil
	})
	return leader, err
}
