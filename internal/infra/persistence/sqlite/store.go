// Package sqlite provides a SQLite-backed persister storing one row per
// record version.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"chronostore/internal/infra/persistence/sqlrows"
	"chronostore/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

var _ domain.PersistentStore = (*Store)(nil)

const schema = `CREATE TABLE IF NOT EXISTS records (
	entity TEXT NOT NULL,
	key TEXT NOT NULL,
	business_from INTEGER NOT NULL,
	processing_from INTEGER NOT NULL,
	business_to INTEGER NOT NULL,
	processing_to INTEGER NOT NULL,
	attributes BLOB NOT NULL,
	PRIMARY KEY (entity, key, business_from, processing_from)
)`

var (
	insertSQL = `INSERT INTO records(` + strings.Join(sqlrows.Columns, ",") + `) VALUES(?,?,?,?,?,?,?)`
	updateSQL = `UPDATE records SET key=?, business_from=?, processing_from=?, business_to=?, processing_to=?, attributes=?
		WHERE entity=? AND key=? AND business_from=? AND processing_from=?`
	deleteSQL = `DELETE FROM records WHERE entity=? AND key=? AND business_from=? AND processing_from=?`
	selectSQL = `SELECT ` + strings.Join(sqlrows.Columns, ",") + ` FROM records WHERE entity=?
		ORDER BY key, business_from, processing_from`
)

// Store writes each record version to a single SQLite table. SQLite allows
// one writer at a time; writes are serialised in-process.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore opens (creating when needed) the database at path.
func NewStore(path string) (*Store, error) {
	if path == "" {
		path = "chronostore.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Insert adds rec as a new row.
func (s *Store) Insert(ctx context.Context, entity string, rec domain.Record) error {
	row, err := sqlrows.Encode(entity, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, insertSQL, row.Args()...); err != nil {
		return fmt.Errorf("insert %s %s: %w", entity, rec.Key, err)
	}
	return nil
}

// Update replaces the row identified by before with after.
func (s *Store) Update(ctx context.Context, entity string, before, after domain.Record) error {
	prev, err := sqlrows.Encode(entity, before)
	if err != nil {
		return err
	}
	next, err := sqlrows.Encode(entity, after)
	if err != nil {
		return err
	}
	args := append(next.Args()[1:], prev.IDArgs()...)
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, updateSQL, args...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, before.Key, err)
	}
	return sqlrows.RequireOne(res, entity, before.Key)
}

// Delete removes the row identified by rec.
func (s *Store) Delete(ctx context.Context, entity string, rec domain.Record) error {
	row, err := sqlrows.Encode(entity, rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, deleteSQL, row.IDArgs()...)
	if err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, rec.Key, err)
	}
	return sqlrows.RequireOne(res, entity, rec.Key)
}

// Load returns every row of entity ordered by key and validity start.
func (s *Store) Load(ctx context.Context, entity string) ([]domain.Record, error) {
	return sqlrows.Select(ctx, s.db, selectSQL, entity)
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
