package behavior

import (
	"context"
	"fmt"
	"time"

	"chronostore/internal/cache"
	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

// Portal is the entry point for one entity type. It owns the type's cache and
// hands out entity handles, at most one per cached key.
type Portal struct {
	typ       domain.EntityType
	cache     *cache.Cache[*Entity]
	persister domain.Persister
	coord     *txn.Coordinator
	logger    txn.Logger
}

// NewPortal validates typ and builds a portal with an empty cache.
func NewPortal(typ domain.EntityType, persister domain.Persister, coord *txn.Coordinator) (*Portal, error) {
	if typ.Name == "" {
		return nil, fmt.Errorf("entity type name is required")
	}
	if !typ.Kind.Valid() {
		return nil, fmt.Errorf("entity type %s: unknown kind %q", typ.Name, typ.Kind)
	}
	if typ.NonTransactional && typ.Kind.Dated() {
		return nil, fmt.Errorf("entity type %s: dated types cannot be non-transactional", typ.Name)
	}
	if persister == nil {
		return nil, fmt.Errorf("entity type %s: persister is required", typ.Name)
	}
	if coord == nil {
		coord = txn.NewCoordinator()
	}
	return &Portal{
		typ:       typ,
		cache:     cache.New[*Entity](typ),
		persister: persister,
		coord:     coord,
		logger:    coord.Logger(),
	}, nil
}

// Type returns the entity type.
func (p *Portal) Type() domain.EntityType { return p.typ }

// Cache returns the portal's cache.
func (p *Portal) Cache() *cache.Cache[*Entity] { return p.cache }

// Coordinator returns the transaction coordinator.
func (p *Portal) Coordinator() *txn.Coordinator { return p.coord }

// New returns an in-memory handle for a non-dated entity.
func (p *Portal) New(key string, attrs domain.Attributes) *Entity {
	return p.newEntity(domain.NewRecord(key, attrs))
}

// NewDated returns an in-memory handle for a dated entity valid from from.
func (p *Portal) NewDated(key string, from time.Time, attrs domain.Attributes) *Entity {
	return p.newEntity(domain.NewDatedRecord(key, from, attrs))
}

func (p *Portal) newEntity(rec domain.Record) *Entity {
	e := &Entity{portal: p, key: rec.Key}
	e.state.Store(&state{behavior: InMemory, data: Bare{Record: rec}})
	return e
}

// Find returns the handle cached for key. Inside a transaction, handles
// inserted by that transaction but not yet committed are found as well.
func (p *Portal) Find(ctx context.Context, key string) (*Entity, bool) {
	if entry, ok := p.cache.Get(key); ok {
		return entry.Handle, true
	}
	tx, ok := txn.FromContext(ctx)
	if !ok {
		return nil, false
	}
	e, ok := p.cache.Reserved(key)
	if !ok || e.load().owner != tx {
		return nil, false
	}
	return e, true
}

// FindUnique returns the handle owning value in a unique index.
func (p *Portal) FindUnique(attr string, value any) (*Entity, bool) {
	entry, ok := p.cache.FindUnique(attr, value)
	if !ok {
		return nil, false
	}
	return entry.Handle, true
}

// FindNonUnique returns the handles holding value, ordered by key.
func (p *Portal) FindNonUnique(attr string, value any) []*Entity {
	entries := p.cache.FindNonUnique(attr, value)
	out := make([]*Entity, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Handle)
	}
	return out
}

// Keys returns the cached keys in order.
func (p *Portal) Keys() []string { return p.cache.Keys() }

// Load publishes an already persisted record into the cache without calling
// the persister. Dated records are added to the key's container with their
// explicit ranges.
func (p *Portal) Load(rec domain.Record) (*Entity, error) {
	rec.Business = normalizeRange(rec.Business)
	rec.Processing = normalizeRange(rec.Processing)
	if !p.typ.Kind.Dated() {
		e := p.newEntity(rec)
		e.state.Store(&state{behavior: p.persistedTag(), data: Bare{Record: rec}})
		r, err := p.cache.PreparePut(context.Background(), rec)
		if err != nil {
			return nil, err
		}
		if err := p.cache.CommitPreparedForIndex(r, e, rec); err != nil {
			return nil, err
		}
		return e, nil
	}
	ct := p.cache.GetOrCreateContainer(rec)
	if err := ct.InsertForRecovery(rec); err != nil {
		return nil, err
	}
	if entry, ok := p.cache.Get(rec.Key); ok {
		if rec.IsCurrent() {
			p.cache.Reindex(rec.Key, rec)
		}
		return entry.Handle, nil
	}
	e := p.newEntity(rec)
	e.state.Store(&state{behavior: p.persistedTag(), data: Bare{Record: rec}})
	p.cache.Put(e, rec)
	return e, nil
}

func (p *Portal) persistedTag() Behavior {
	if p.typ.NonTransactional {
		return PersistedNonTransactional
	}
	return PersistedNoTx
}

func normalizeRange(r domain.Range) domain.Range {
	if r.From.IsZero() && r.To.IsZero() {
		return domain.All
	}
	return domain.Range{From: domain.NormalizeInfinity(r.From), To: domain.NormalizeInfinity(r.To)}
}
