package correlator

import (
	"context"

	"github.com/xraph/choreo/id"
)

// Store defines the persistence contract for routes and queued messages.
// Every method joins the storage transaction carried by ctx, if any.
// Matching is done by Correlator; stores only keep rows in order.
type Store interface {
	// InsertRoute persists a route and assigns its Seq.
	InsertRoute(ctx context.Context, r *Route) error

	// ListRoutes returns the routes of a correlator in placement order.
	ListRoutes(ctx context.Context, correlatorID string) ([]*Route, error)

	// DeleteRoutes removes the routes of a group placed by target and
	// returns how many were removed.
	DeleteRoutes(ctx context.Context, correlatorID, groupID string, target int64) (int, error)

	// DeleteInstanceRoutes removes every route placed by target on any
	// correlator.
	DeleteInstanceRoutes(ctx context.Context, target int64) (int, error)

	// InsertMessage queues a message and assigns its Seq.
	InsertMessage(ctx context.Context, q *QueuedMessage) error

	// ListMessages returns the queued messages of a correlator in arrival
	// order.
	ListMessages(ctx context.Context, correlatorID string) ([]*QueuedMessage, error)

	// DeleteMessage removes a queued message and reports whether it was
	// still queued.
	DeleteMessage(ctx context.Context, correlatorID string, mexID id.MexID) (bool, error)
}
