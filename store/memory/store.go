// Package memory provides a fully in-memory, transactional store.
//
// Transactions are implemented with an undo log: writes apply
// immediately, rows written by an uncommitted transaction are visible
// only to that transaction, and a rollback replays the undo log in
// reverse. Rows deleted inside a transaction disappear for everyone until
// the transaction completes. Nothing survives the process.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/tx"
)

// Ensure Store implements every subsystem store at compile time. The
// aggregate store.Store is checked from the store package tests.
var (
	_ job.Store        = (*Store)(nil)
	_ mex.Store        = (*Store)(nil)
	_ correlator.Store = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
	_ tx.Beginner      = (*Store)(nil)
)

var errTxDone = errors.New("memory: transaction already completed")

// Store is an in-memory implementation of store.Store. Safe for
// concurrent access.
type Store struct {
	mu sync.RWMutex

	jobs     map[string]*row[*job.Job]
	mexes    map[string]*row[*mex.Record]
	routes   map[int64]*row[*correlator.Route]
	messages map[int64]*row[*correlator.QueuedMessage]
	dlqs     map[string]*row[*dlq.Entry]
	seq      int64

	nodes       map[string]*cluster.Node
	leader      string
	leaderUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:     make(map[string]*row[*job.Job]),
		mexes:    make(map[string]*row[*mex.Record]),
		routes:   make(map[int64]*row[*correlator.Route]),
		messages: make(map[int64]*row[*correlator.QueuedMessage]),
		dlqs:     make(map[string]*row[*dlq.Entry]),
		nodes:    make(map[string]*cluster.Node),
	}
}

// row is a stored value plus the uncommitted transaction that wrote it.
type row[T any] struct {
	v     T
	owner *txn
}

func (r *row[T]) visibleTo(t *txn) bool {
	return r.owner == nil || r.owner == t
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

type txn struct {
	store    *Store
	done     bool
	undo     []func()
	onCommit []func()
}

type txKey struct{}

// BeginTx opens a transaction. Store methods called with the returned
// context join it.
func (m *Store) BeginTx(ctx context.Context) (context.Context, tx.Backend, error) {
	t := &txn{store: m}
	return context.WithValue(ctx, txKey{}, t), t, nil
}

func (m *Store) txFrom(ctx context.Context) *txn {
	t, _ := ctx.Value(txKey{}).(*txn)
	if t == nil || t.store != m || t.done {
		return nil
	}
	return t
}

// track records how to revert a write and how to publish it. Must be
// called with m.mu held. Outside a transaction writes are final.
func (m *Store) track(t *txn, undo, commit func()) {
	if t == nil {
		return
	}
	t.undo = append(t.undo, undo)
	if commit != nil {
		t.onCommit = append(t.onCommit, commit)
	}
}

// Commit publishes the transaction's rows.
func (t *txn) Commit(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return errTxDone
	}
	t.done = true
	for _, fn := range t.onCommit {
		fn()
	}
	t.undo, t.onCommit = nil, nil
	return nil
}

// Rollback reverts the transaction's writes, newest first.
func (t *txn) Rollback(_ context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo, t.onCommit = nil, nil
	return nil
}

// ──────────────────────────────────────────────────
// Lifecycle: Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
