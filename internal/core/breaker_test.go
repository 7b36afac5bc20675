package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"chronostore/internal/infra/persistence/memory"
	"chronostore/pkg/domain"
)

type unavailableStore struct {
	PersistentStore
	calls int
}

func (s *unavailableStore) Insert(context.Context, string, domain.Record) error {
	s.calls++
	return errors.New("connection refused")
}

func TestBreakerPersisterTripsOnFailures(t *testing.T) {
	next := &unavailableStore{PersistentStore: memory.NewStore()}
	store := NewBreakerPersister(next, BreakerSettings{MinRequests: 2, FailureRatio: 0.5, Timeout: time.Minute}, nil)
	rec := domain.NewRecord("A1", nil)

	for i := 0; i < 2; i++ {
		if err := store.Insert(context.Background(), "Account", rec); err == nil {
			t.Fatalf("expected insert failure")
		}
	}
	if store.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", store.State())
	}
	err := store.Insert(context.Background(), "Account", rec)
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open state error, got %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("open breaker should not reach the store, calls=%d", next.calls)
	}
}

func TestBreakerPersisterIgnoresNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewBreakerPersister(memory.NewStore(), BreakerSettings{MinRequests: 1}, nil)
	rec := domain.NewRecord("A1", domain.Attributes{"balance": 1})

	for i := 0; i < 3; i++ {
		if err := store.Delete(ctx, "Account", rec); !domain.IsNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if store.State() != gobreaker.StateClosed {
		t.Fatalf("not found should not trip the breaker, got %s", store.State())
	}

	if err := store.Insert(ctx, "Account", rec); err != nil {
		t.Fatalf("insert: %v", err)
	}
	updated := rec
	updated.Attributes = domain.Attributes{"balance": 2}
	if err := store.Update(ctx, "Account", rec, updated); err != nil {
		t.Fatalf("update: %v", err)
	}
	recs, err := store.Load(ctx, "Account")
	if err != nil || len(recs) != 1 {
		t.Fatalf("load: %v %v", recs, err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
