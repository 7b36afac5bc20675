package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"chronostore/pkg/domain"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := NewStore(path)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func dated(key string, from time.Time, amount int64) domain.Record {
	return domain.Record{
		Key:        key,
		Business:   domain.OpenFrom(from),
		Processing: domain.OpenFrom(from),
		Attributes: domain.Attributes{"amount": amount},
	}
}

func TestSQLiteStorePersistAndReload(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "records.db")
	store := newTestStore(t, path)
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	first := dated("B1", from, 100)
	if err := store.Insert(ctx, "Balance", first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	closed := first
	closed.Processing = domain.Range{From: from, To: from.AddDate(0, 5, 0)}
	if err := store.Update(ctx, "Balance", first, closed); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.Insert(ctx, "Balance", dated("B1", from.AddDate(0, 5, 0), 200)); err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if err := store.Insert(ctx, "Other", dated("O1", from, 1)); err != nil {
		t.Fatalf("insert other: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reloaded := newTestStore(t, path)
	if reloaded.Path() != path {
		t.Fatalf("expected path %s, got %s", path, reloaded.Path())
	}
	recs, err := reloaded.Load(ctx, "Balance")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if !recs[0].SameVersion(closed) {
		t.Fatalf("expected closed row first, got %v", recs[0])
	}
	if recs[1].IsCurrent() != true {
		t.Fatalf("expected current second row, got %v", recs[1])
	}
}

func TestSQLiteStoreMissingRows(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, filepath.Join(t.TempDir(), "records.db"))
	rec := domain.NewRecord("K", domain.Attributes{"v": "x"})

	if err := store.Delete(ctx, "Thing", rec); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Update(ctx, "Thing", rec, rec); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Insert(ctx, "Thing", rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, "Thing", rec); err == nil {
		t.Fatalf("expected duplicate insert to fail")
	}
	if err := store.Delete(ctx, "Thing", rec); err != nil {
		t.Fatalf("delete: %v", err)
	}
	recs, err := store.Load(ctx, "Thing")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 0 {
		t.Fatalf("expected empty table, got %v", recs)
	}
}

func TestSQLiteStoreCreatesRecordsTable(t *testing.T) {
	store := newTestStore(t, filepath.Join(t.TempDir(), "records.db"))
	var name string
	if err := store.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", "records").Scan(&name); err != nil {
		t.Fatalf("lookup records table: %v", err)
	}
	if name != "records" {
		t.Fatalf("expected records table, got %s", name)
	}
}
