// Package postgres provides a Postgres-backed persister storing one row per
// record version.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"chronostore/internal/infra/persistence/sqlrows"
	"chronostore/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/chronostore?sslmode=disable"
)

const schema = `CREATE TABLE IF NOT EXISTS records (
	entity TEXT NOT NULL,
	key TEXT NOT NULL,
	business_from BIGINT NOT NULL,
	processing_from BIGINT NOT NULL,
	business_to BIGINT NOT NULL,
	processing_to BIGINT NOT NULL,
	attributes JSONB NOT NULL,
	PRIMARY KEY (entity, key, business_from, processing_from)
)`

var (
	insertSQL = `INSERT INTO records(` + strings.Join(sqlrows.Columns, ",") + `) VALUES($1,$2,$3,$4,$5,$6,$7)`
	deleteSQL = `DELETE FROM records WHERE entity=$1 AND key=$2 AND business_from=$3 AND processing_from=$4`
	selectSQL = `SELECT ` + strings.Join(sqlrows.Columns, ",") + ` FROM records WHERE entity=$1 ORDER BY key, business_from, processing_from`
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists record versions to Postgres.
type Store struct {
	db *sql.DB
}

// NewStore opens a Postgres-backed store using the provided DSN (falls back to defaultDSN)
// and ensures the records table exists.
func NewStore(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure records table: %w", err)
	}
	return &Store{db: db}, nil
}

// Insert adds rec as a new row.
func (s *Store) Insert(ctx context.Context, entity string, rec domain.Record) error {
	row, err := sqlrows.Encode(entity, rec)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, insertSQL, row.Args()...); err != nil {
		return fmt.Errorf("insert %s %s: %w", entity, rec.Key, err)
	}
	return nil
}

// Update replaces the row identified by before with after. The identity
// columns may change, so the row is deleted and re-inserted in one
// transaction.
func (s *Store) Update(ctx context.Context, entity string, before, after domain.Record) (retErr error) {
	prev, err := sqlrows.Encode(entity, before)
	if err != nil {
		return err
	}
	next, err := sqlrows.Encode(entity, after)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	res, err := tx.ExecContext(ctx, deleteSQL, prev.IDArgs()...)
	if err != nil {
		return fmt.Errorf("update %s %s: %w", entity, before.Key, err)
	}
	if err := sqlrows.RequireOne(res, entity, before.Key); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, insertSQL, next.Args()...); err != nil {
		return fmt.Errorf("update %s %s: %w", entity, before.Key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Delete removes the row identified by rec.
func (s *Store) Delete(ctx context.Context, entity string, rec domain.Record) error {
	row, err := sqlrows.Encode(entity, rec)
	if err != nil {
		return err
	}
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

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
