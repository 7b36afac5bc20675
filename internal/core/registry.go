package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"chronostore/internal/archive"
	"chronostore/internal/behavior"
	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

// ErrArchiveDisabled is returned by Archive when no archive store is
// configured.
var ErrArchiveDisabled = errors.New("archive store not configured")

// Registry owns one Portal per registered entity type, the transaction
// coordinator they share and the persistent store behind them.
type Registry struct {
	opts  registryOptions
	store PersistentStore
	coord *txn.Coordinator

	mu      sync.RWMutex
	portals map[string]*behavior.Portal
}

// NewRegistry builds a registry over store. With WithCircuitBreaker the store
// is wrapped in a BreakerPersister.
func NewRegistry(store PersistentStore, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("persistent store is required")
	}
	o := defaultRegistryOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.breaker != nil {
		store = NewBreakerPersister(store, *o.breaker, o.logger)
	}
	r := &Registry{
		opts:    o,
		store:   store,
		portals: make(map[string]*behavior.Portal),
	}
	r.coord = txn.NewCoordinator(
		txn.WithClock(o.clock.Now),
		txn.WithLogger(o.logger),
		txn.WithObserver(func(ctx context.Context, op string, success bool, elapsed time.Duration) {
			o.metrics.Observe(ctx, "tx_"+op, success, elapsed)
		}),
	)
	return r, nil
}

// Register adds an entity type and returns its portal.
func (r *Registry) Register(typ domain.EntityType) (*behavior.Portal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.portals[typ.Name]; exists {
		return nil, fmt.Errorf("entity type %s already registered", typ.Name)
	}
	p, err := behavior.NewPortal(typ, r.store, r.coord)
	if err != nil {
		return nil, err
	}
	r.portals[typ.Name] = p
	r.opts.logger.Debug("entity type registered", "entity", typ.Name, "kind", string(typ.Kind))
	return p, nil
}

// Portal returns the portal of a registered type.
func (r *Registry) Portal(name string) (*behavior.Portal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.portals[name]
	return p, ok
}

// Types returns the registered entity types ordered by name.
func (r *Registry) Types() []domain.EntityType {
	r.mu.RLock()
	out := make([]domain.EntityType, 0, len(r.portals))
	for _, p := range r.portals {
		out = append(out, p.Type())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Coordinator returns the shared transaction coordinator.
func (r *Registry) Coordinator() *txn.Coordinator { return r.coord }

// Store returns the persistent store, breaker-wrapped when configured.
func (r *Registry) Store() PersistentStore { return r.store }

// ArchiveStore returns the archive store, or nil when archiving is disabled.
func (r *Registry) ArchiveStore() archive.Store { return r.opts.archive }

// Logger returns the registry logger.
func (r *Registry) Logger() Logger { return r.opts.logger }

func (r *Registry) portal(name string) (*behavior.Portal, error) {
	p, ok := r.Portal(name)
	if !ok {
		return nil, fmt.Errorf("entity type %s not registered", name)
	}
	return p, nil
}

// RunInTransaction runs fn in a new transaction and commits it when fn
// succeeds.
func (r *Registry) RunInTransaction(ctx context.Context, opts txn.Options, fn func(ctx context.Context, tx *txn.Tx) error) error {
	return r.instrument(ctx, "transaction", "", "", func(ctx context.Context) error {
		return r.coord.RunInTransaction(ctx, opts, fn)
	})
}

// Warm loads every persisted record of every registered type into the
// portals. Types load concurrently. It returns the number of records loaded.
func (r *Registry) Warm(ctx context.Context) (int, error) {
	var total atomic.Int64
	err := r.instrument(ctx, "warm", "", "", func(ctx context.Context) error {
		g, ctx := errgroup.WithContext(ctx)
		for _, typ := range r.Types() {
			p, _ := r.Portal(typ.Name)
			g.Go(func() error {
				recs, err := r.store.Load(ctx, typ.Name)
				if err != nil {
					return fmt.Errorf("load %s: %w", typ.Name, err)
				}
				for _, rec := range recs {
					if _, err := p.Load(rec); err != nil {
						return fmt.Errorf("warm %s %s: %w", typ.Name, rec.Key, err)
					}
				}
				total.Add(int64(len(recs)))
				r.opts.logger.Info("entity type warmed", "entity", typ.Name, "records", len(recs))
				return nil
			})
		}
		return g.Wait()
	})
	return int(total.Load()), err
}

// Archive inactivates a bitemporal entity at processingTo (now when zero),
// closing open business ranges at businessTo when set, and writes its closed
// history to the archive store. It commits its own transaction and cannot run
// inside one.
func (r *Registry) Archive(ctx context.Context, entity, key string, processingTo, businessTo time.Time) (archive.Info, error) {
	var info archive.Info
	err := r.instrument(ctx, "archive", entity, key, func(ctx context.Context) error {
		if r.opts.archive == nil {
			return ErrArchiveDisabled
		}
		if _, inTx := txn.FromContext(ctx); inTx {
			return fmt.Errorf("archive %s %s: cannot run inside a transaction", entity, key)
		}
		p, err := r.portal(entity)
		if err != nil {
			return err
		}
		if !p.Type().Kind.Audited() {
			return fmt.Errorf("entity type %s has no processing history to archive", entity)
		}
		e, ok := p.Find(ctx, key)
		if !ok {
			return domain.NotFoundError{Entity: entity, Key: key}
		}
		if processingTo.IsZero() {
			processingTo = r.coord.Now()
		}
		if err := e.InactivateForArchiving(ctx, processingTo, businessTo); err != nil {
			return err
		}
		history, err := e.History(ctx)
		if err != nil {
			return err
		}
		closed := make([]domain.Record, 0, len(history))
		for _, rec := range history {
			if !rec.IsCurrent() {
				closed = append(closed, rec)
			}
		}
		info, err = archive.WriteHistory(ctx, r.opts.archive, entity, key, processingTo, closed)
		if err != nil {
			return fmt.Errorf("archive %s %s: %w", entity, key, err)
		}
		return nil
	})
	return info, err
}

// Purge removes every record of an entity. With an archive store configured
// the full history is archived first, and the archive object is removed
// again when the purge fails.
func (r *Registry) Purge(ctx context.Context, entity, key string) (archive.Info, error) {
	var info archive.Info
	err := r.instrument(ctx, "purge", entity, key, func(ctx context.Context) error {
		p, err := r.portal(entity)
		if err != nil {
			return err
		}
		e, ok := p.Find(ctx, key)
		if !ok {
			return domain.NotFoundError{Entity: entity, Key: key}
		}
		if r.opts.archive != nil {
			if info, err = r.archiveAll(ctx, e); err != nil {
				return err
			}
		}
		if err := e.Purge(ctx); err != nil {
			if info.Key != "" {
				if _, derr := r.opts.archive.Delete(ctx, info.Key); derr != nil {
					r.opts.logger.Error("archive cleanup failed", "entity", entity, "key", key, "object", info.Key, "error", derr)
				}
				info = archive.Info{}
			}
			return err
		}
		return nil
	})
	return info, err
}

func (r *Registry) archiveAll(ctx context.Context, e *behavior.Entity) (archive.Info, error) {
	var recs []domain.Record
	if e.Type().Kind.Dated() {
		history, err := e.History(ctx)
		if err != nil {
			return archive.Info{}, err
		}
		recs = history
	} else {
		rec, err := e.Record(ctx)
		if err != nil {
			return archive.Info{}, err
		}
		recs = []domain.Record{rec}
	}
	if len(recs) == 0 {
		return archive.Info{}, nil
	}
	return archive.WriteHistory(ctx, r.opts.archive, e.Type().Name, e.Key(), r.coord.Now(), recs)
}

// Close closes the persistent store.
func (r *Registry) Close() error { return r.store.Close() }

// instrument wraps fn with tracing, metrics and an audit entry.
func (r *Registry) instrument(ctx context.Context, op, entity, key string, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := r.opts.tracer.Start(ctx, op)
	err := fn(ctx)
	span.End(err)
	elapsed := time.Since(start)
	r.opts.metrics.Observe(ctx, op, err == nil, elapsed)

	entry := AuditEntry{
		Operation: op,
		Entity:    entity,
		EntityID:  key,
		Action:    op,
		Status:    AuditStatusSuccess,
		Duration:  elapsed,
		Timestamp: r.opts.clock.Now().UTC(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
		r.opts.logger.Warn("registry operation failed", "operation", op, "entity", entity, "key", key, "error", err)
	}
	r.opts.audit.Record(ctx, entry)
	return err
}
