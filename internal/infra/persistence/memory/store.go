// Package memory provides an in-memory persister used for tests and
// ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chronostore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

// Snapshot is a deep copy of every stored row grouped by entity type.
type Snapshot map[string][]domain.Record

// Store keeps one row per record identity.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[domain.RecordID]domain.Record
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{tables: make(map[string]map[domain.RecordID]domain.Record)}
}

func (s *Store) table(entity string) map[domain.RecordID]domain.Record {
	t, ok := s.tables[entity]
	if !ok {
		t = make(map[domain.RecordID]domain.Record)
		s.tables[entity] = t
	}
	return t
}

// Insert stores rec. A row with the same identity is a conflict.
func (s *Store) Insert(_ context.Context, entity string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	id := rec.ID()
	if _, exists := t[id]; exists {
		return fmt.Errorf("%s %s already stored at %s", entity, rec.Key, rec.Business.From.Format("2006-01-02"))
	}
	t[id] = rec.Clone()
	return nil
}

// Update replaces the row identified by before with after.
func (s *Store) Update(_ context.Context, entity string, before, after domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	if _, ok := t[before.ID()]; !ok {
		return domain.NotFoundError{Entity: entity, Key: before.Key}
	}
	delete(t, before.ID())
	t[after.ID()] = after.Clone()
	return nil
}

// Delete removes the row identified by rec.
func (s *Store) Delete(_ context.Context, entity string, rec domain.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(entity)
	if _, ok := t[rec.ID()]; !ok {
		return domain.NotFoundError{Entity: entity, Key: rec.Key}
	}
	delete(t, rec.ID())
	return nil
}

// Load returns a copy of every row of entity ordered by key and validity start.
func (s *Store) Load(_ context.Context, entity string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sorted(s.tables[entity]), nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// ExportState returns a deep copy of all rows.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Snapshot, len(s.tables))
	for entity, t := range s.tables {
		out[entity] = sorted(t)
	}
	return out
}

// ImportState replaces the stored rows with snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = make(map[string]map[domain.RecordID]domain.Record, len(snapshot))
	for entity, recs := range snapshot {
		t := s.table(entity)
		for _, rec := range recs {
			t[rec.ID()] = rec.Clone()
		}
	}
}

func sorted(t map[domain.RecordID]domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(t))
	for _, rec := range t {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Key != b.Key {
			return a.Key < b.Key
		}
		if !a.Business.From.Equal(b.Business.From) {
			return a.Business.From.Before(b.Business.From)
		}
		return a.Processing.From.Before(b.Processing.From)
	})
	return out
}
