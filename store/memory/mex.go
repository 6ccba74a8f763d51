package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/mex"
)

func cloneRecord(rec *mex.Record) *mex.Record {
	cp := rec.Clone()
	return &cp
}

// InsertMex persists a new message exchange.
func (m *Store) InsertMex(ctx context.Context, rec *mex.Record) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := rec.ID.String()
	if _, exists := m.mexes[key]; exists {
		return choreo.ErrMexAlreadyExists
	}
	r := &row[*mex.Record]{v: cloneRecord(rec), owner: t}
	m.mexes[key] = r
	m.track(t,
		func() { delete(m.mexes, key) },
		func() { r.owner = nil },
	)
	return nil
}

// UpdateMex replaces a stored message exchange.
func (m *Store) UpdateMex(ctx context.Context, rec *mex.Record) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.mexes[rec.ID.String()]
	if !ok || !r.visibleTo(t) {
		return choreo.ErrMexNotFound
	}
	old := r.v
	r.v = cloneRecord(rec)
	m.track(t, func() { r.v = old }, nil)
	return nil
}

// GetMex retrieves a message exchange by ID.
func (m *Store) GetMex(ctx context.Context, mexID id.MexID) (*mex.Record, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.mexes[mexID.String()]
	if !ok || !r.visibleTo(t) {
		return nil, choreo.ErrMexNotFound
	}
	return cloneRecord(r.v), nil
}

// DeleteMex removes a message exchange.
func (m *Store) DeleteMex(ctx context.Context, mexID id.MexID) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	key := mexID.String()
	r, ok := m.mexes[key]
	if !ok || !r.visibleTo(t) {
		return choreo.ErrMexNotFound
	}
	delete(m.mexes, key)
	m.track(t, func() { m.mexes[key] = r }, nil)
	return nil
}

// ListMex returns message exchanges ordered by CreatedAt.
func (m *Store) ListMex(ctx context.Context, opts mex.ListOpts) ([]*mex.Record, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*mex.Record, 0, len(m.mexes))
	for _, r := range m.mexes {
		if !r.visibleTo(t) {
			continue
		}
		if opts.Direction != "" && r.v.Direction != opts.Direction {
			continue
		}
		if opts.Status != "" && r.v.Status != opts.Status {
			continue
		}
		result = append(result, cloneRecord(r.v))
	}
	sort.Slice(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].ID.String() < result[k].ID.String()
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// PurgeReleasedMex removes released exchanges last updated before the
// given time.
func (m *Store) PurgeReleasedMex(ctx context.Context, before time.Time) (int64, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, r := range m.mexes {
		if !r.visibleTo(t) || !r.v.Released || !r.v.UpdatedAt.Before(before) {
			continue
		}
		delete(m.mexes, key)
		m.track(t, func() { m.mexes[key] = r }, nil)
		count++
	}
	return count, nil
}
