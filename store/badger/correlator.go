package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo/correlator"
	"github.com/xraph/choreo/id"
)

// Routes and messages are keyed by correlator and a zero-padded sequence
// so a prefix scan returns them in placement order.

func routePrefix(correlatorID string) string { return prefixRoute + correlatorID + "/" }
func messagePrefix(correlatorID string) string { return prefixMessage + correlatorID + "/" }

func seqKey(prefix string, seq int64) string { return fmt.Sprintf("%s%020d", prefix, seq) }

// InsertRoute persists a route and assigns its placement order.
func (s *Store) InsertRoute(ctx context.Context, route *correlator.Route) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	route.Seq = seq
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, seqKey(routePrefix(route.CorrelatorID), seq), route)
	})
}

// ListRoutes returns the routes of a correlator in placement order.
func (s *Store) ListRoutes(ctx context.Context, correlatorID string) ([]*correlator.Route, error) {
	result := make([]*correlator.Route, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, routePrefix(correlatorID), func(_ []byte, r *correlator.Route) (bool, error) {
			// Nested correlator ids share the prefix.
			if r.CorrelatorID == correlatorID {
				result = append(result, r)
			}
			return true, nil
		})
	})
	return result, err
}

// DeleteRoutes removes the routes of a group placed by target.
func (s *Store) DeleteRoutes(ctx context.Context, correlatorID, groupID string, target int64) (int, error) {
	return s.deleteRoutes(ctx, routePrefix(correlatorID), func(r *correlator.Route) bool {
		return r.CorrelatorID == correlatorID && r.GroupID == groupID && r.Target == target
	})
}

// DeleteInstanceRoutes removes every route placed by target.
func (s *Store) DeleteInstanceRoutes(ctx context.Context, target int64) (int, error) {
	return s.deleteRoutes(ctx, prefixRoute, func(r *correlator.Route) bool {
		return r.Target == target
	})
}

func (s *Store) deleteRoutes(ctx context.Context, prefix string, match func(*correlator.Route) bool) (int, error) {
	var n int
	err := s.update(ctx, func(txn *badger.Txn) error {
		n = 0
		var keys [][]byte
		err := scan(txn, prefix, func(key []byte, r *correlator.Route) (bool, error) {
			if match(r) {
				keys = append(keys, key)
			}
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	return n, err
}

// InsertMessage queues a message and assigns its arrival order.
func (s *Store) InsertMessage(ctx context.Context, q *correlator.QueuedMessage) error {
	seq, err := s.nextSeq()
	if err != nil {
		return err
	}
	q.Seq = seq
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, seqKey(messagePrefix(q.CorrelatorID), seq), q)
	})
}

// ListMessages returns the queued messages of a correlator in arrival
// order.
func (s *Store) ListMessages(ctx context.Context, correlatorID string) ([]*correlator.QueuedMessage, error) {
	result := make([]*correlator.QueuedMessage, 0)
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, messagePrefix(correlatorID), func(_ []byte, q *correlator.QueuedMessage) (bool, error) {
			if q.CorrelatorID == correlatorID {
				result = append(result, q)
			}
			return true, nil
		})
	})
	return result, err
}

// DeleteMessage removes a queued message.
func (s *Store) DeleteMessage(ctx context.Context, correlatorID string, mexID id.MexID) (bool, error) {
	var deleted bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		deleted = false
		var key []byte
		err := scan(txn, messagePrefix(correlatorID), func(k []byte, q *correlator.QueuedMessage) (bool, error) {
			if q.CorrelatorID == correlatorID && q.MexID.String() == mexID.String() {
				key = k
				return false, nil
			}
			return true, nil
		})
		if err != nil || key == nil {
			return err
		}
		deleted = true
		return txn.Delete(key)
	})
	return deleted, err
}
