package tx

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/choreo"
)

// Func is a unit of work run inside a transaction.
type Func func(ctx context.Context) error

// Backend is the storage half of a transaction.
type Backend interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner opens storage transactions. The returned context carries the
// storage handle so store methods called with it join the transaction.
type Beginner interface {
	BeginTx(ctx context.Context) (context.Context, Backend, error)
}

// Locker is implemented by backends that can lock keys for the rest of
// the storage transaction, across processes.
type Locker interface {
	LockKeys(ctx context.Context, keys []string) error
}

// Synchronizer observes the completion of one transaction.
type Synchronizer interface {
	// BeforeCompletion runs inside the transaction just before commit. An
	// error rolls the transaction back.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion runs once the outcome is final.
	AfterCompletion(ctx context.Context, success bool)
}

// SynchronizerFuncs adapts a pair of functions to Synchronizer. Nil
// fields are skipped.
type SynchronizerFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, success bool)
}

// BeforeCompletion calls s.Before.
func (s SynchronizerFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

// AfterCompletion calls s.After.
func (s SynchronizerFuncs) AfterCompletion(ctx context.Context, success bool) {
	if s.After != nil {
		s.After(ctx, success)
	}
}

// Status is the lifecycle position of a Tx.
type Status int

const (
	StatusActive Status = iota
	StatusCompleting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCompleting:
		return "completing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Tx is the engine-side state of one managed transaction.
type Tx struct {
	backend Backend
	locks   *LockTable

	mu         sync.Mutex
	status     Status
	syncs      []Synchronizer
	onCommit   []func(ctx context.Context)
	onRollback []func(ctx context.Context)
	held       map[string]func()
}

func newTx(backend Backend, locks *LockTable) *Tx {
	return &Tx{
		backend: backend,
		locks:   locks,
		held:    make(map[string]func()),
	}
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying t.
func NewContext(ctx context.Context, t *Tx) context.Context {
	return context.WithValue(ctx, ctxKey{}, t)
}

// FromContext returns the transaction carried by ctx, or nil.
func FromContext(ctx context.Context) *Tx {
	t, _ := ctx.Value(ctxKey{}).(*Tx)
	return t
}

// Active reports whether ctx carries a transaction that has not started
// completing.
func Active(ctx context.Context) bool {
	t := FromContext(ctx)
	return t != nil && t.Status() == StatusActive
}

// Joinable reports whether work on ctx runs in the carried transaction:
// it is active or running its before-completion callbacks.
func Joinable(ctx context.Context) bool {
	t := FromContext(ctx)
	if t == nil {
		return false
	}
	s := t.Status()
	return s == StatusActive || s == StatusCompleting
}

// Status returns the current status.
func (t *Tx) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RegisterSynchronizer adds s. Synchronizers registered while
// BeforeCompletion callbacks run are still invoked.
func (t *Tx) RegisterSynchronizer(s Synchronizer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive && t.status != StatusCompleting {
		return fmt.Errorf("tx: register synchronizer on %s transaction: %w", t.status, choreo.ErrNoTransaction)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// OnCommit registers fn to run after a successful commit.
func (t *Tx) OnCommit(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.onCommit = append(t.onCommit, fn)
	t.mu.Unlock()
}

// OnRollback registers fn to run after a rollback.
func (t *Tx) OnRollback(fn func(ctx context.Context)) {
	t.mu.Lock()
	t.onRollback = append(t.onRollback, fn)
	t.mu.Unlock()
}

// Lock acquires the given keys for the rest of the transaction. Keys are
// taken in sorted order; keys already held by t are skipped. When the
// storage backend implements Locker the keys are locked there as well.
func (t *Tx) Lock(ctx context.Context, keys ...string) error {
	sorted := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	t.mu.Lock()
	for _, k := range keys {
		if _, ok := t.held[k]; ok || seen[k] {
			continue
		}
		seen[k] = true
		sorted = append(sorted, k)
	}
	t.mu.Unlock()
	sort.Strings(sorted)

	for _, k := range sorted {
		release, err := t.locks.Acquire(ctx, k)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.held[k] = release
		t.mu.Unlock()
	}

	if locker, ok := t.backend.(Locker); ok && len(sorted) > 0 {
		if err := locker.LockKeys(ctx, sorted); err != nil {
			return fmt.Errorf("tx: storage lock: %w", err)
		}
	}
	return nil
}

// HeldLocks returns the keys currently held, sorted.
func (t *Tx) HeldLocks() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.held))
	for k := range t.held {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (t *Tx) releaseLocks() {
	t.mu.Lock()
	held := t.held
	t.held = make(map[string]func())
	t.mu.Unlock()
	for _, release := range held {
		release()
	}
}

// commit runs before-completion callbacks, commits storage and then fires
// the after-completion side. txCtx carries the storage handle; outer is
// the caller's context used once the storage transaction is finished.
func (t *Tx) commit(txCtx, outer context.Context) error {
	t.mu.Lock()
	t.status = StatusCompleting
	t.mu.Unlock()

	for i := 0; ; i++ {
		t.mu.Lock()
		if i >= len(t.syncs) {
			t.mu.Unlock()
			break
		}
		s := t.syncs[i]
		t.mu.Unlock()

		if err := s.BeforeCompletion(txCtx); err != nil {
			rbErr := t.rollback(txCtx, outer)
			return errors.Join(fmt.Errorf("tx: before completion: %w", err), rbErr)
		}
	}

	if err := t.backend.Commit(txCtx); err != nil {
		t.finish(outer, false)
		return fmt.Errorf("tx: commit: %w", err)
	}

	t.finish(outer, true)
	return nil
}

// rollback rolls storage back and fires the after-completion side. The
// after-completion side runs even when the storage rollback fails.
func (t *Tx) rollback(txCtx, outer context.Context) error {
	err := t.backend.Rollback(txCtx)
	t.finish(outer, false)
	if err != nil {
		return fmt.Errorf("tx: rollback: %w", err)
	}
	return nil
}

func (t *Tx) finish(ctx context.Context, success bool) {
	t.mu.Lock()
	if success {
		t.status = StatusCommitted
	} else {
		t.status = StatusRolledBack
	}
	syncs := t.syncs
	onCommit := t.onCommit
	onRollback := t.onRollback
	t.mu.Unlock()

	t.releaseLocks()

	for _, s := range syncs {
		s.AfterCompletion(ctx, success)
	}
	if success {
		for _, fn := range onCommit {
			fn(ctx)
		}
		return
	}
	for i := len(onRollback) - 1; i >= 0; i-- {
		onRollback[i](ctx)
	}
}

// IsTimeout reports whether err came from a transaction deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, choreo.ErrTransactionTimeout)
}
