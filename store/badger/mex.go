package badger

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/xraph/choreo"
	"github.com/xraph/choreo/id"
	"github.com/xraph/choreo/mex"
)

func mexKey(mexID id.MexID) string { return prefixMex + mexID.String() }

// InsertMex persists a new message exchange.
func (s *Store) InsertMex(ctx context.Context, rec *mex.Record) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := mexKey(rec.ID)
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if found {
			return choreo.ErrMexAlreadyExists
		}
		return setJSON(txn, key, rec)
	})
}

// UpdateMex replaces a stored message exchange.
func (s *Store) UpdateMex(ctx context.Context, rec *mex.Record) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := mexKey(rec.ID)
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrMexNotFound
		}
		return setJSON(txn, key, rec)
	})
}

// GetMex retrieves a message exchange by ID.
func (s *Store) GetMex(ctx context.Context, mexID id.MexID) (*mex.Record, error) {
	var rec mex.Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		found, err := getJSON(txn, mexKey(mexID), &rec)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrMexNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// DeleteMex removes a message exchange.
func (s *Store) DeleteMex(ctx context.Context, mexID id.MexID) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		key := mexKey(mexID)
		found, err := exists(txn, key)
		if err != nil {
			return err
		}
		if !found {
			return choreo.ErrMexNotFound
		}
		return txn.Delete([]byte(key))
	})
}

// ListMex returns message exchanges ordered by CreatedAt.
func (s *Store) ListMex(ctx context.Context, opts mex.ListOpts) ([]*mex.Record, error) {
	var result []*mex.Record
	err := s.view(ctx, func(txn *badger.Txn) error {
		return scan(txn, prefixMex, func(_ []byte, rec *mex.Record) (bool, error) {
			if opts.Direction != "" && rec.Direction != opts.Direction {
				return true, nil
			}
			if opts.Status != "" && rec.Status != opts.Status {
				return true, nil
			}
			result = append(result, rec)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
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
func (s *Store) PurgeReleasedMex(ctx context.Context, before time.Time) (int64, error) {
	var count int64
	err := s.update(ctx, func(txn *badger.Txn) error {
		count = 0
		var keys [][]byte
		err := scan(txn, prefixMex, func(key []byte, rec *mex.Record) (bool, error) {
			if rec.Released && rec.UpdatedAt.Before(before) {
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
