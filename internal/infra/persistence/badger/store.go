// Package badger provides an embedded key-value persister on top of
// BadgerDB. Rows are keyed by entity, key and validity start so that a
// prefix scan returns one entity type in key order.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	"chronostore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

const sep = 0x00

// Store persists record versions in a Badger database.
type Store struct {
	db   *badgerdb.DB
	path string
}

// NewStore opens the database in dir. An empty dir opens an in-memory
// database.
func NewStore(dir string) (*Store, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db, path: dir}, nil
}

func prefix(entity string) []byte {
	return append([]byte(entity), sep)
}

func rowKey(entity string, id domain.RecordID) []byte {
	k := prefix(entity)
	k = append(k, id.Key...)
	k = append(k, sep)
	k = appendInstant(k, id.BusinessFrom)
	return appendInstant(k, id.ProcessingFrom)
}

// appendInstant encodes t so that byte order matches time order, including
// instants before the Unix epoch.
func appendInstant(b []byte, t time.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.UnixMicro())^(1<<63))
}

// Insert adds rec. An existing row with the same identity is a conflict.
func (s *Store) Insert(_ context.Context, entity string, rec domain.Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", entity, rec.Key, err)
	}
	key := rowKey(entity, rec.ID())
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return fmt.Errorf("%s %s already stored", entity, rec.Key)
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, payload)
	})
}

// Update replaces the row identified by before with after.
func (s *Store) Update(_ context.Context, entity string, before, after domain.Record) error {
	payload, err := json.Marshal(after)
	if err != nil {
		return fmt.Errorf("encode %s %s: %w", entity, after.Key, err)
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		old := rowKey(entity, before.ID())
		if err := requireKey(txn, old, entity, before.Key); err != nil {
			return err
		}
		if err := txn.Delete(old); err != nil {
			return err
		}
		return txn.Set(rowKey(entity, after.ID()), payload)
	})
}

// Delete removes the row identified by rec.
func (s *Store) Delete(_ context.Context, entity string, rec domain.Record) error {
	return s.db.Update(func(txn *badgerdb.Txn) error {
		key := rowKey(entity, rec.ID())
		if err := requireKey(txn, key, entity, rec.Key); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

func requireKey(txn *badgerdb.Txn, key []byte, entity, name string) error {
	_, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return domain.NotFoundError{Entity: entity, Key: name}
	}
	return err
}

// Load returns every row of entity ordered by key and validity start.
func (s *Store) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	var out []domain.Record
	p := prefix(entity)
	err := s.db.View(func(txn *badgerdb.Txn) error {
		it := txn.NewIterator(badgerdb.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			var rec domain.Record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			rec.Business.To = domain.NormalizeInfinity(rec.Business.To)
			rec.Processing.To = domain.NormalizeInfinity(rec.Processing.To)
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", entity, err)
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Path returns the database directory; empty for in-memory stores.
func (s *Store) Path() string { return s.path }
