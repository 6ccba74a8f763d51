package tx_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/tx"
)

// fakeBackend records the storage outcome.
type fakeBackend struct {
	mu         sync.Mutex
	commits    int
	rollbacks  int
	commitErr  error
	lockedKeys []string
}

func (b *fakeBackend) BeginTx(ctx context.Context) (context.Context, tx.Backend, error) {
	return ctx, b, nil
}

func (b *fakeBackend) Commit(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.commitErr != nil {
		return b.commitErr
	}
	b.commits++
	return nil
}

func (b *fakeBackend) Rollback(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollbacks++
	return nil
}

type lockingBackend struct{ fakeBackend }

func (b *lockingBackend) BeginTx(ctx context.Context) (context.Context, tx.Backend, error) {
	return ctx, b, nil
}

func (b *lockingBackend) LockKeys(_ context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lockedKeys = append(b.lockedKeys, keys...)
	return nil
}

func TestCommitOrder(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	var events []string
	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		cur := tx.FromContext(ctx)
		if cur == nil {
			t.Fatal("expected transaction on context")
		}
		cur.OnCommit(func(context.Context) { events = append(events, "commit-1") })
		cur.OnCommit(func(context.Context) { events = append(events, "commit-2") })
		cur.OnRollback(func(context.Context) { events = append(events, "rollback") })
		return cur.RegisterSynchronizer(tx.SynchronizerFuncs{
			Before: func(context.Context) error {
				events = append(events, "before")
				return nil
			},
			After: func(_ context.Context, success bool) {
				if success {
					events = append(events, "after-ok")
				}
			},
		})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"before", "after-ok", "commit-1", "commit-2"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if b.commits != 1 || b.rollbacks != 0 {
		t.Errorf("commits=%d rollbacks=%d", b.commits, b.rollbacks)
	}
}

func TestRollbackRunsUndoInReverse(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)
	boom := errors.New("boom")

	var events []string
	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		cur := tx.FromContext(ctx)
		cur.OnRollback(func(context.Context) { events = append(events, "undo-1") })
		cur.OnRollback(func(context.Context) { events = append(events, "undo-2") })
		cur.OnCommit(func(context.Context) { events = append(events, "commit") })
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	want := []string{"undo-2", "undo-1"}
	if !reflect.DeepEqual(events, want) {
		t.Errorf("events = %v, want %v", events, want)
	}
	if b.rollbacks != 1 {
		t.Errorf("rollbacks = %d, want 1", b.rollbacks)
	}
}

func TestBeforeCompletionErrorRollsBack(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)
	veto := errors.New("veto")

	var outcome *bool
	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		return tx.FromContext(ctx).RegisterSynchronizer(tx.SynchronizerFuncs{
			Before: func(context.Context) error { return veto },
			After:  func(_ context.Context, ok bool) { outcome = &ok },
		})
	})
	if !errors.Is(err, veto) {
		t.Fatalf("expected veto, got %v", err)
	}
	if b.commits != 0 || b.rollbacks != 1 {
		t.Errorf("commits=%d rollbacks=%d", b.commits, b.rollbacks)
	}
	if outcome == nil || *outcome {
		t.Error("AfterCompletion(false) expected")
	}
}

func TestCommitFailureReportsRollback(t *testing.T) {
	b := &fakeBackend{commitErr: errors.New("disk full")}
	m := tx.NewManager(b)

	rolledBack := false
	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		tx.FromContext(ctx).OnRollback(func(context.Context) { rolledBack = true })
		return nil
	})
	if err == nil {
		t.Fatal("expected commit error")
	}
	if !rolledBack {
		t.Error("on-rollback closures must run when commit fails")
	}
}

func TestRunJoinsActiveTransaction(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		outer := tx.FromContext(ctx)
		return m.Run(ctx, 0, func(inner context.Context) error {
			if tx.FromContext(inner) != outer {
				t.Error("nested Run must join the outer transaction")
			}
			return nil
		})
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b.commits != 1 {
		t.Errorf("commits = %d, want 1", b.commits)
	}
}

func TestRunJoinsCompletingTransaction(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	var joined bool
	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		outer := tx.FromContext(ctx)
		if err := outer.RegisterSynchronizer(tx.SynchronizerFuncs{
			Before: func(ctx context.Context) error {
				if !tx.Joinable(ctx) {
					t.Error("completing transaction must be joinable")
				}
				return m.Run(ctx, 0, func(inner context.Context) error {
					joined = tx.FromContext(inner) == outer
					return nil
				})
			},
		}); err != nil {
			return err
		}
		return outer.RegisterSynchronizer(tx.SynchronizerFuncs{
			Before: func(context.Context) error { return errors.New("boom") },
		})
	})
	if err == nil {
		t.Fatal("expected before-completion error")
	}
	if !joined {
		t.Error("Run inside before-completion must join the completing transaction")
	}
	if b.commits != 0 || b.rollbacks != 1 {
		t.Errorf("commits = %d, rollbacks = %d, want 0 and 1", b.commits, b.rollbacks)
	}
}

func TestRunNewIsIndependent(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		outer := tx.FromContext(ctx)
		if err := m.RunNew(ctx, 0, func(inner context.Context) error {
			if tx.FromContext(inner) == outer {
				t.Error("RunNew must start a new transaction")
			}
			return nil
		}); err != nil {
			return err
		}
		return errors.New("outer fails")
	})
	if err == nil {
		t.Fatal("expected outer error")
	}
	if b.commits != 1 || b.rollbacks != 1 {
		t.Errorf("commits=%d rollbacks=%d, want 1/1", b.commits, b.rollbacks)
	}
}

func TestPanicRollsBack(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	defer func() {
		if recover() == nil {
			t.Fatal("expected re-panic")
		}
		if b.rollbacks != 1 {
			t.Errorf("rollbacks = %d, want 1", b.rollbacks)
		}
	}()
	_ = m.Run(context.Background(), 0, func(context.Context) error {
		panic("kaboom")
	})
}

func TestTimeout(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	err := m.Run(context.Background(), 10*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	if !errors.Is(err, choreo.ErrTransactionTimeout) {
		t.Fatalf("expected ErrTransactionTimeout, got %v", err)
	}
	if b.commits != 0 {
		t.Error("timed out transaction must not commit")
	}
}

func TestLocksSerializeTransactions(t *testing.T) {
	b := &fakeBackend{}
	m := tx.NewManager(b)

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Run(context.Background(), 0, func(ctx context.Context) error {
				if err := tx.FromContext(ctx).Lock(ctx, "instance:1"); err != nil {
					return err
				}
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if m.Locks().Len() != 0 {
		t.Errorf("lock table not drained: %d", m.Locks().Len())
	}
}

func TestLockIsReentrantAndForwarded(t *testing.T) {
	b := &lockingBackend{}
	m := tx.NewManager(b)

	err := m.Run(context.Background(), 0, func(ctx context.Context) error {
		cur := tx.FromContext(ctx)
		if err := cur.Lock(ctx, "b", "a", "a"); err != nil {
			return err
		}
		if err := cur.Lock(ctx, "a"); err != nil {
			return err
		}
		if got := cur.HeldLocks(); !reflect.DeepEqual(got, []string{"a", "b"}) {
			t.Errorf("HeldLocks = %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(b.lockedKeys, []string{"a", "b"}) {
		t.Errorf("backend locked %v, want [a b]", b.lockedKeys)
	}
}

func TestLockTimeout(t *testing.T) {
	lt := tx.NewLockTable()
	release, err := lt.Acquire(context.Background(), "k")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := lt.Acquire(ctx, "k"); !errors.Is(err, choreo.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
}
