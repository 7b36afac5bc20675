package memory

import (
	"context"
	"testing"
	"time"

	"chronostore/pkg/domain"
)

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := domain.NewDatedRecord("B1", from, domain.Attributes{"amount": 1})

	if err := store.Insert(ctx, "Balance", rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, "Balance", rec); err == nil {
		t.Fatalf("expected duplicate insert error")
	}
	later := domain.NewDatedRecord("B1", from.AddDate(0, 6, 0), domain.Attributes{"amount": 2})
	if err := store.Insert(ctx, "Balance", later); err != nil {
		t.Fatalf("insert later: %v", err)
	}
	closed := rec
	closed.Business = closed.Business.WithTo(later.Business.From)
	if err := store.Update(ctx, "Balance", rec, closed); err != nil {
		t.Fatalf("update: %v", err)
	}

	recs, err := store.Load(ctx, "Balance")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(recs))
	}
	if !recs[0].SameVersion(closed) || !recs[1].SameVersion(later) {
		t.Fatalf("unexpected rows %v", recs)
	}

	recs[0].Attributes["amount"] = int64(99)
	again, _ := store.Load(ctx, "Balance")
	if v := again[0].Attributes["amount"]; v != int64(1) {
		t.Fatalf("expected stored copy to be isolated, got %v", v)
	}

	if err := store.Delete(ctx, "Balance", later); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := store.Delete(ctx, "Balance", later); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Update(ctx, "Balance", later, later); !domain.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestExportImportState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_ = store.Insert(ctx, "Account", domain.NewRecord("A2", nil))
	_ = store.Insert(ctx, "Account", domain.NewRecord("A1", nil))

	snap := store.ExportState()
	if got := len(snap["Account"]); got != 2 || snap["Account"][0].Key != "A1" {
		t.Fatalf("unexpected snapshot %v", snap)
	}

	restored := NewStore()
	restored.ImportState(snap)
	recs, err := restored.Load(ctx, "Account")
	if err != nil || len(recs) != 2 {
		t.Fatalf("expected 2 restored rows, got %v (%v)", recs, err)
	}
	if recs, _ := restored.Load(ctx, "Missing"); len(recs) != 0 {
		t.Fatalf("expected empty load for unknown entity")
	}
}
