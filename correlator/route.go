package correlator

import (
	"time"

	"github.com/xraph/choreo/correlation"
	"github.com/xraph/choreo/id"
)

// Policy controls how many routes sharing a key set receive a message.
type Policy string

const (
	// PolicyOne delivers to the first route only.
	PolicyOne Policy = "one"
	// PolicyAll delivers to every route declaring the key set.
	PolicyAll Policy = "all"
)

// Route is a subscription placed by a waiting process instance.
type Route struct {
	CorrelatorID string             `json:"correlator_id"`
	GroupID      string             `json:"group_id"`
	Target       int64              `json:"target"`
	Index        int                `json:"index"`
	Keys         correlation.KeySet `json:"keys"`
	Policy       Policy             `json:"policy"`
	// Seq is the placement order, assigned by the store.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone returns a copy of r.
func (r *Route) Clone() *Route {
	cp := *r
	return &cp
}

// QueuedMessage is an inbound exchange waiting for a route.
type QueuedMessage struct {
	CorrelatorID string             `json:"correlator_id"`
	MexID        id.MexID           `json:"mex_id"`
	Keys         correlation.KeySet `json:"keys"`
	// Seq is the arrival order, assigned by the store.
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Clone returns a copy of q.
func (q *QueuedMessage) Clone() *QueuedMessage {
	cp := *q
	return &cp
}
