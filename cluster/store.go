package cluster

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
)

// Store defines the persistence contract for the node registry and
// leadership.
type Store interface {
	// RegisterNode adds a node to the registry, replacing any previous
	// registration with the same ID.
	RegisterNode(ctx context.Context, n *Node) error

	// DeregisterNode removes a node from the registry.
	DeregisterNode(ctx context.Context, nodeID id.NodeID) error

	// HeartbeatNode updates the last-seen timestamp of a node.
	HeartbeatNode(ctx context.Context, nodeID id.NodeID) error

	// ListNodes returns all registered nodes.
	ListNodes(ctx context.Context) ([]*Node, error)

	// ReapDeadNodes returns nodes whose last-seen timestamp is older than
	// threshold.
	ReapDeadNodes(ctx context.Context, threshold time.Duration) ([]*Node, error)

	// AcquireLeadership attempts to become the cluster leader. The
	// leadership expires after ttl unless renewed.
	AcquireLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error)

	// RenewLeadership extends the leader's hold. It returns false when
	// nodeID is no longer the leader.
	RenewLeadership(ctx context.Context, nodeID id.NodeID, ttl time.Duration) (bool, error)

	// GetLeader returns the current leader, or nil if there is none.
	GetLeader(ctx context.Context) (*Node, error)
}
