package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/id"
)

// PushDLQ adds a failed job entry to the dead letter queue.
func (m *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	r := &row[*dlq.Entry]{v: entry.Clone(), owner: t}
	m.dlqs[key] = r
	m.track(t,
		func() { delete(m.dlqs, key) },
		func() { r.owner = nil },
	)
	return nil
}

// ListDLQ returns entries ordered by FailedAt.
func (m *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, r := range m.dlqs {
		if !r.visibleTo(t) {
			continue
		}
		if !opts.Match(r.v) {
			continue
		}
		result = append(result, r.v.Clone())
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.dlqs[entryID.String()]
	if !ok || !r.visibleTo(t) {
		return nil, choreo.ErrDLQNotFound
	}
	return r.v.Clone(), nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (m *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.dlqs[entryID.String()]
	if !ok || !r.visibleTo(t) {
		return choreo.ErrDLQNotFound
	}
	old := r.v
	e := old.Clone()
	now := time.Now().UTC()
	e.ReplayedAt = &now
	r.v = e
	m.track(t, func() { r.v = old }, nil)
	return nil
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (m *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, r := range m.dlqs {
		if !r.visibleTo(t) || !r.v.FailedAt.Before(before) {
			continue
		}
		delete(m.dlqs, key)
		m.track(t, func() { m.dlqs[key] = r }, nil)
		count++
	}
	return count, nil
}

// CountDLQ returns the number of entries in the dead letter queue.
func (m *Store) CountDLQ(ctx context.Context) (int64, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, r := range m.dlqs {
		if r.visibleTo(t) {
			count++
		}
	}
	return count, nil
}
