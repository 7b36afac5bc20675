package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"chronostore/internal/infra/persistence/postgres/testutil"
	"chronostore/pkg/domain"
)

func openStub(t *testing.T) (*Store, *testutil.StubConn) {
	t.Helper()
	db, conn := testutil.NewStubDB()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	t.Cleanup(restore)
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, conn
}

func TestNewStoreEnsuresRecordsTable(t *testing.T) {
	_, conn := openStub(t)
	var sawDDL bool
	for _, stmt := range conn.Execs {
		if strings.Contains(strings.ToUpper(stmt), "CREATE TABLE IF NOT EXISTS RECORDS") {
			sawDDL = true
		}
	}
	if !sawDDL {
		t.Fatalf("expected records DDL, got execs: %v", conn.Execs)
	}
}

func TestNewStorePingFailure(t *testing.T) {
	db, conn := testutil.NewStubDB()
	conn.FailPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return db, nil })
	defer restore()
	if _, err := NewStore("postgres://ignored"); err == nil || !strings.Contains(err.Error(), "ping postgres") {
		t.Fatalf("expected ping error, got %v", err)
	}
}

func TestNewStoreOpenFailure(t *testing.T) {
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return nil, errors.New("boom") })
	defer restore()
	if _, err := NewStore("postgres://ignored"); err == nil || !strings.Contains(err.Error(), "open postgres") {
		t.Fatalf("expected open error, got %v", err)
	}
}

func TestStoreRoundTripsRecords(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := domain.Record{
		Key:        "B1",
		Business:   domain.OpenFrom(from),
		Processing: domain.OpenFrom(from),
		Attributes: domain.Attributes{"amount": int64(100)},
	}
	if err := store.Insert(ctx, "Balance", rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	closed := rec
	closed.Processing = rec.Processing.WithTo(from.AddDate(0, 5, 0))
	if err := store.Update(ctx, "Balance", rec, closed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if conn.Commits != 1 {
		t.Fatalf("expected update to commit once, got %d", conn.Commits)
	}
	if err := store.Insert(ctx, "Other", domain.NewRecord("X", nil)); err != nil {
		t.Fatalf("insert other: %v", err)
	}

	recs, err := store.Load(ctx, "Balance")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 1 || !recs[0].SameVersion(closed) {
		t.Fatalf("expected closed row, got %v", recs)
	}
	if got := len(conn.Rows("records")); got != 2 {
		t.Fatalf("expected 2 stored rows, got %d", got)
	}

	if err := store.Delete(ctx, "Balance", closed); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "Balance", closed); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreUpdateMissingRowRollsBack(t *testing.T) {
	store, conn := openStub(t)
	rec := domain.NewRecord("K", nil)
	if err := store.Update(context.Background(), "Thing", rec, rec); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if conn.Rollbacks != 1 || conn.Commits != 0 {
		t.Fatalf("expected rollback, got commits=%d rollbacks=%d", conn.Commits, conn.Rollbacks)
	}
}

func TestStoreSurfacesExecAndQueryErrors(t *testing.T) {
	ctx := context.Background()
	store, conn := openStub(t)
	conn.FailTables = map[string]bool{"records": true}
	rec := domain.NewRecord("K", nil)
	if err := store.Insert(ctx, "Thing", rec); err == nil {
		t.Fatalf("expected insert error")
	}
	if _, err := store.Load(ctx, "Thing"); err == nil {
		t.Fatalf("expected load error")
	}
	conn.FailTables = nil
	conn.FailBegin = true
	if err := store.Update(ctx, "Thing", rec, rec); err == nil || !strings.Contains(err.Error(), "begin tx") {
		t.Fatalf("expected begin error, got %v", err)
	}
}
