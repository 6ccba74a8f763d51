package cluster

import (
	"maps"
	"time"

	"github.com/xraph/choreo/id"
)

// NodeState represents the lifecycle state of an engine node.
type NodeState string

const (
	// NodeActive means the node is healthy and claiming jobs.
	NodeActive NodeState = "active"
	// NodeDraining means the node finishes running jobs but claims no new
	// ones (graceful shutdown).
	NodeDraining NodeState = "draining"
	// NodeDead means the node stopped heartbeating; its leases are
	// released by the coordinator.
	NodeDead NodeState = "dead"
)

// Node represents one engine process in a cluster.
type Node struct {
	ID          id.NodeID         `json:"id"`
	Hostname    string            `json:"hostname"`
	Concurrency int               `json:"concurrency"`
	State       NodeState         `json:"state"`
	IsLeader    bool              `json:"is_leader"`
	LeaderUntil *time.Time        `json:"leader_until,omitempty"`
	LastSeen    time.Time         `json:"last_seen"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Clone returns a deep copy of n.
func (n *Node) Clone() *Node {
	cp := *n
	if n.LeaderUntil != nil {
		t := *n.LeaderUntil
		cp.LeaderUntil = &t
	}
	cp.Metadata = maps.Clone(n.Metadata)
	return &cp
}
