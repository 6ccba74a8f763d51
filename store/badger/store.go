// Package badger implements store.Store on an embedded BadgerDB.
//
// Every entity is a JSON value under a typed key prefix. Storage
// transactions are Badger read-write transactions: writes are visible to
// their own transaction only, and a commit that raced another writer
// fails with choreo.ErrTxConflict. Calls made without a transaction on
// the context run in a transaction of their own, retried on conflict.
//
//	s, err := badger.Open(badger.Config{Dir: "/var/lib/choreo"})
//	if err != nil { ... }
//	defer s.Close()
//	sched := scheduler.New(s)
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/cluster"
	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/job"
	"github.com/xraph/choreo/mex"
	"github.com/xraph/choreo/tx"
)

var (
	_ job.Store        = (*Store)(nil)
	_ mex.Store        = (*Store)(nil)
	_ correlator.Store = (*Store)(nil)
	_ dlq.Store        = (*Store)(nil)
	_ cluster.Store    = (*Store)(nil)
	_ tx.Beginner      = (*Store)(nil)
)

// Key prefixes.
const (
	prefixJob     = "job/"
	prefixMex     = "mex/"
	prefixRoute   = "route/"
	prefixMessage = "msg/"
	prefixDLQ     = "dlq/"
	prefixNode    = "node/"
	keyLeader     = "leader"
	keySeq        = "seq"
)

// conflictRetries bounds how often a self-contained write is retried.
const conflictRetries = 5

// Config holds BadgerDB configuration.
type Config struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything in memory; useful in tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	Logger     *slog.Logger
}

// Store is a BadgerDB implementation of store.Store.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *slog.Logger

	gcStopCh chan struct{}
	gcDone   chan struct{}

	mu     sync.Mutex
	closed bool
}

// Open opens (or creates) the database described by cfg.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("choreo/badger: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(keySeq), 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("choreo/badger: sequence: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		db:       db,
		seq:      seq,
		logger:   logger,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		go s.runGC(cfg.GCInterval)
	} else {
		close(s.gcDone)
	}
	return s, nil
}

// DB returns the underlying database.
func (s *Store) DB() *badger.DB { return s.db }

// Migrate is a no-op: Badger is schemaless.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the database is open.
func (s *Store) Ping(_ context.Context) error {
	if s.db.IsClosed() {
		return choreo.ErrStoreClosed
	}
	return nil
}

// Close stops value log GC and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("release sequence", slog.String("error", err.Error()))
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// ErrNoRewrite just means there was nothing to collect.
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.logger.Warn("value log gc", slog.String("error", err.Error()))
			}
		case <-s.gcStopCh:
			return
		}
	}
}

// ──────────────────────────────────────────────────
// Transactions
// ──────────────────────────────────────────────────

type txKey struct{}

type txn struct {
	store *Store
	btx   *badger.Txn
	done  bool
}

// BeginTx opens a read-write transaction. Store methods called with the
// returned context join it.
func (s *Store) BeginTx(ctx context.Context) (context.Context, tx.Backend, error) {
	if s.db.IsClosed() {
		return nil, nil, choreo.ErrStoreClosed
	}
	t := &txn{store: s, btx: s.db.NewTransaction(true)}
	return context.WithValue(ctx, txKey{}, t), t, nil
}

// Commit commits the Badger transaction.
func (t *txn) Commit(_ context.Context) error {
	if t.done {
		return errors.New("badger: transaction already completed")
	}
	t.done = true
	if err := t.btx.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %w", choreo.ErrTxConflict, err)
		}
		return fmt.Errorf("choreo/badger: commit: %w", err)
	}
	return nil
}

// Rollback discards the Badger transaction.
func (t *txn) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.btx.Discard()
	return nil
}

func (s *Store) txFrom(ctx context.Context) *badger.Txn {
	t, _ := ctx.Value(txKey{}).(*txn)
	if t == nil || t.store != s || t.done {
		return nil
	}
	return t.btx
}

// update runs fn in the transaction on ctx, or in its own transaction.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if btx := s.txFrom(ctx); btx != nil {
		return fn(btx)
	}
	return s.updateDirect(fn)
}

// updateDirect runs fn in its own transaction, retrying on conflict.
func (s *Store) updateDirect(fn func(txn *badger.Txn) error) error {
	var err error
	for range conflictRetries {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", choreo.ErrTxConflict, err)
}

// view runs fn in the transaction on ctx, or in a read-only one.
func (s *Store) view(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if btx := s.txFrom(ctx); btx != nil {
		return fn(btx)
	}
	return s.db.View(fn)
}

// ──────────────────────────────────────────────────
// Encoding helpers
// ──────────────────────────────────────────────────

func getJSON(txn *badger.Txn, key string, v any) (bool, error) {
	item, err := txn.Get([]byte(key))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("choreo/badger: marshal %s: %w", key, err)
	}
	return txn.SetEntry(badger.NewEntry([]byte(key), data))
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// scan decodes every value under prefix, in key order. Return false from
// fn to stop.
func scan[T any](txn *badger.Txn, prefix string, fn func(key []byte, v T) (bool, error)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	p := []byte(prefix)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		var v T
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &v) }); err != nil {
			return fmt.Errorf("choreo/badger: decode %s: %w", item.Key(), err)
		}
		more, err := fn(item.KeyCopy(nil), v)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

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

func (s *Store) nextSeq() (int64, error) {
	n, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("choreo/badger: next sequence: %w", err)
	}
	// Badger sequences start at zero.
	return int64(n) + 1, nil
}
