package badger

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/dlq"
	"github.com/xraph/choreo/id"
)

func dlqKey(entryID id.DLQID) string { return prefixDLQ + entryID.String() }

// PushDLQ adds a failed job entry to the dead letter queue.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return setJSON(txn, dlqKey(entry.ID), entry)
	})
}

// ListDLQ returns entries ordered by FailedAt.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	var result []*dlq.Entry
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixDLQ, func(_ []byte, e *dlq.Entry) (bool, error) {
			if opts.Match(e) {
				result = append(result, e)
			}
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.Before(result[k].FailedAt)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	var e dlq.Entry
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, dlqKey(entryID), &e)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrDLQNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ReplayDLQ marks a DLQ entry as replayed.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var e dlq.Entry
		found, err := getJSON(txn, dlqKey(entryID), &e)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrDLQNotFound
		}
		now := time.Now().UTC()
		e.ReplayedAt = &now
		return setJSON(txn, dlqKey(entryID), &e)
	})
}

// PurgeDLQ removes DLQ entries with FailedAt before the given time.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		count = 0
		var keys [][]byte
		err := scan(txn, prefixDLQ, func(key []byte, e *dlq.Entry) (bool, error) {
			if e.FailedAt.Before(before) {
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
			count++
		}
		return nil
	})
	return count, err
}

// CountDLQ returns the number of entries in the dead letter queue.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	err := s.view(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		p := []byte(prefixDLQ)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}
