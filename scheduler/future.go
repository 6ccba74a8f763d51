package scheduler

import "context"

// Future is the pending result of an isolated transaction.
type Future struct {
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func failedFuture(err error) *Future {
	f := newFuture()
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// Done is closed once the transaction has committed or rolled back.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the transaction finished or ctx is done, and returns
// the transaction's error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the transaction's error. It is only meaningful after Done
// is closed.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}
