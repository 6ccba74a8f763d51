package mex

import (
	"context"
	"time"

	"github.com/xraph/choreo/id"
)

// ListOpts controls pagination and filtering for exchange list queries.
type ListOpts struct {
	// Limit is the maximum number of exchanges to return. Zero means no limit.
	Limit int
	// Offset is the number of exchanges to skip.
	Offset int
	// Direction filters by direction. Empty means both.
	Direction Direction
	// Status filters by status. Empty means all.
	Status Status
}

// Store defines the persistence contract for message exchanges. Every
// method joins the storage transaction carried by ctx, if any.
type Store interface {
	// InsertMex persists a new exchange. It returns
	// choreo.ErrMexAlreadyExists when the ID is taken.
	InsertMex(ctx context.Context, rec *Record) error

	// UpdateMex replaces a stored exchange. It returns
	// choreo.ErrMexNotFound when the exchange does not exist.
	UpdateMex(ctx context.Context, rec *Record) error

	// GetMex retrieves an exchange by ID.
	GetMex(ctx context.Context, mexID id.MexID) (*Record, error)

	// DeleteMex removes an exchange.
	DeleteMex(ctx context.Context, mexID id.MexID) error

	// ListMex returns exchanges ordered by CreatedAt.
	ListMex(ctx context.Context, opts ListOpts) ([]*Record, error)

	// PurgeReleasedMex removes released exchanges last updated before the
	// given time and returns how many were removed.
	PurgeReleasedMex(ctx context.Context, before time.Time) (int64, error)
}
