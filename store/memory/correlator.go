package memory

import (
	"context"
	"sort"

	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/id"
)

// InsertRoute persists a route and assigns its placement order.
func (m *Store) InsertRoute(ctx context.Context, route *correlator.Route) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	route.Seq = m.seq
	seq := m.seq
	r := &row[*correlator.Route]{v: route.Clone(), owner: t}
	m.routes[seq] = r
	m.track(t,
		func() { delete(m.routes, seq) },
		func() { r.owner = nil },
	)
	return nil
}

// ListRoutes returns the routes of a correlator in placement order.
func (m *Store) ListRoutes(ctx context.Context, correlatorID string) ([]*correlator.Route, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*correlator.Route, 0)
	for _, r := range m.routes {
		if r.visibleTo(t) && r.v.CorrelatorID == correlatorID {
			result = append(result, r.v.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq < result[k].Seq })
	return result, nil
}

// DeleteRoutes removes the routes of a group placed by target.
func (m *Store) DeleteRoutes(ctx context.Context, correlatorID, groupID string, target int64) (int, error) {
	return m.deleteRoutes(ctx, func(r *correlator.Route) bool {
		return r.CorrelatorID == correlatorID && r.GroupID == groupID && r.Target == target
	}), nil
}

// DeleteInstanceRoutes removes every route placed by target.
func (m *Store) DeleteInstanceRoutes(ctx context.Context, target int64) (int, error) {
	return m.deleteRoutes(ctx, func(r *correlator.Route) bool {
		return r.Target == target
	}), nil
}

func (m *Store) deleteRoutes(ctx context.Context, match func(*correlator.Route) bool) int {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for seq, r := range m.routes {
		if !r.visibleTo(t) || !match(r.v) {
			continue
		}
		delete(m.routes, seq)
		m.track(t, func() { m.routes[seq] = r }, nil)
		n++
	}
	return n
}

// InsertMessage queues a message and assigns its arrival order.
func (m *Store) InsertMessage(ctx context.Context, q *correlator.QueuedMessage) error {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	q.Seq = m.seq
	seq := m.seq
	r := &row[*correlator.QueuedMessage]{v: q.Clone(), owner: t}
	m.messages[seq] = r
	m.track(t,
		func() { delete(m.messages, seq) },
		func() { r.owner = nil },
	)
	return nil
}

// ListMessages returns the queued messages of a correlator in arrival
// order.
func (m *Store) ListMessages(ctx context.Context, correlatorID string) ([]*correlator.QueuedMessage, error) {
	t := m.txFrom(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*correlator.QueuedMessage, 0)
	for _, r := range m.messages {
		if r.visibleTo(t) && r.v.CorrelatorID == correlatorID {
			result = append(result, r.v.Clone())
		}
	}
	sort.Slice(result, func(i, k int) bool { return result[i].Seq < result[k].Seq })
	return result, nil
}

// DeleteMessage removes a queued message.
func (m *Store) DeleteMessage(ctx context.Context, correlatorID string, mexID id.MexID) (bool, error) {
	t := m.txFrom(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()

	for seq, r := range m.messages {
		if !r.visibleTo(t) || r.v.CorrelatorID != correlatorID || r.v.MexID.String() != mexID.String() {
			continue
		}
		delete(m.messages, seq)
		m.track(t, func() { m.messages[seq] = r }, nil)
		return true, nil
	}
	return false, nil
}
