package store

import (
	"context"

	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/tx"
)

// Store is the aggregate persistence interface. A single backend
// implements every subsystem store and opens the storage transactions the
// scheduler manages: any method called with a context returned by BeginTx
// joins that transaction.
type Store interface {
	job.Store
	mex.Store
	correlator.Store
	dlq.Store
	cluster.Store
	tx.Beginner

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close closes the store.
	Close() error
}
