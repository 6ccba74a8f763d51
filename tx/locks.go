package tx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/xraph/choreo"
)

// LockTable hands out exclusive, process-local locks by key. Entries are
// reference counted and dropped once no transaction holds or waits on
// them.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*lockEntry)}
}

// Acquire blocks until key is free or ctx is done. The returned function
// releases the lock and must be called exactly once.
func (lt *LockTable) Acquire(ctx context.Context, key string) (func(), error) {
	lt.mu.Lock()
	e, ok := lt.locks[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		lt.locks[key] = e
	}
	e.refs++
	lt.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		lt.drop(key, e)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tx: lock %q: %w", key, choreo.ErrLockTimeout)
		}
		return nil, fmt.Errorf("tx: lock %q: %w", key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			lt.drop(key, e)
		})
	}, nil
}

func (lt *LockTable) drop(key string, e *lockEntry) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(lt.locks, key)
	}
}

// Len returns the number of keys currently held or waited on.
func (lt *LockTable) Len() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
