package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/choreo"
)

// Manager runs functions inside managed transactions.
type Manager struct {
	beginner Beginner
	locks    *LockTable
	timeout  time.Duration
	logger   *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDefaultTimeout bounds transactions that do not pass their own
// timeout. Zero disables the bound.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.timeout = d }
}

// WithLockTable shares a lock table between managers.
func WithLockTable(lt *LockTable) ManagerOption {
	return func(m *Manager) { m.locks = lt }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a Manager opening storage transactions from b.
func NewManager(b Beginner, opts ...ManagerOption) *Manager {
	m := &Manager{
		beginner: b,
		locks:    NewLockTable(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Locks returns the manager's lock table.
func (m *Manager) Locks() *LockTable { return m.locks }

// Run executes fn in the transaction carried by ctx, or in a new one when
// there is none. A transaction running its before-completion callbacks is
// joined too, so work they schedule commits or rolls back with it.
func (m *Manager) Run(ctx context.Context, timeout time.Duration, fn Func) error {
	if Joinable(ctx) {
		return fn(ctx)
	}
	return m.RunNew(ctx, timeout, fn)
}

// RunNew executes fn in a new transaction, independent of any transaction
// carried by ctx. fn's error rolls the transaction back and is returned
// unchanged. A panic in fn rolls back and re-panics.
func (m *Manager) RunNew(ctx context.Context, timeout time.Duration, fn Func) error {
	if timeout <= 0 {
		timeout = m.timeout
	}
	outer := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	txCtx, backend, err := m.beginner.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("tx: begin: %w", err)
	}
	t := newTx(backend, m.locks)
	txCtx = NewContext(txCtx, t)

	defer func() {
		if r := recover(); r != nil {
			if rbErr := t.rollback(txCtx, outer); rbErr != nil {
				m.logger.Error("rollback after panic failed", slog.String("error", rbErr.Error()))
			}
			panic(r)
		}
	}()

	if err := fn(txCtx); err != nil {
		if rbErr := t.rollback(txCtx, outer); rbErr != nil {
			m.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return fmt.Errorf("%w: %w", choreo.ErrTransactionTimeout, err)
		}
		return err
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		if rbErr := t.rollback(txCtx, outer); rbErr != nil {
			m.logger.Error("rollback failed", slog.String("error", rbErr.Error()))
		}
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return fmt.Errorf("tx: %w", choreo.ErrTransactionTimeout)
		}
		return fmt.Errorf("tx: %w", ctxErr)
	}

	return t.commit(txCtx, outer)
}
