package behavior

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

// Entity is a handle on one object of a portal's type. All mutable state sits
// behind an atomic pointer; every transition swaps in a fresh snapshot.
type Entity struct {
	portal *Portal
	key    string
	state  atomic.Pointer[state]
}

// request carries the arguments of one operation through a dispatch table.
type request struct {
	op      string
	rec     *domain.Record
	at      time.Time
	until   time.Time
	changes domain.Attributes
	attr    string
	delta   float64
	// increment selects the incrementing variant of insert and update.
	increment bool
	archive   bool
	// processingTo and businessTo bound InactivateForArchiving.
	processingTo time.Time
	businessTo   time.Time
	// needsTx runs dated mutations inside an implicit transaction when the
	// caller has none.
	needsTx bool

	result   *Entity
	modified bool
	view     view
}

func (r *request) bounded() bool { return !r.until.IsZero() }

// mutate applies the update or increment of r to a plain record.
func (r *request) mutate(rec domain.Record) (domain.Record, error) {
	next := rec.Clone()
	if r.attr != "" {
		if next.Attributes == nil {
			next.Attributes = domain.Attributes{}
		}
		if err := next.Attributes.Increment(r.attr, r.delta); err != nil {
			return rec, err
		}
		return next, nil
	}
	next.Attributes = next.Attributes.Merge(r.changes)
	return next, nil
}

func (e *Entity) load() *state { return e.state.Load() }

// Key returns the primary key.
func (e *Entity) Key() string { return e.key }

// Type returns the entity type of the handle.
func (e *Entity) Type() domain.EntityType { return e.portal.typ }

// Behavior returns the behavior the caller in ctx observes.
func (e *Entity) Behavior(ctx context.Context) Behavior {
	tx, _ := txn.FromContext(ctx)
	return resolve(e.load(), tx)
}

// Original returns the entity a detached copy was taken from.
func (e *Entity) Original() *Entity { return e.load().original }

// DetachedAt returns the business date a dated detached copy was taken at.
func (e *Entity) DetachedAt() time.Time { return e.load().detachedAt }

func (e *Entity) String() string {
	return e.portal.typ.Name + "/" + e.key
}

// run dispatches req through table until the handler stops asking for a
// retry.
func (e *Entity) run(ctx context.Context, table *[numBehaviors]opFunc, req *request) error {
	if req.needsTx && e.portal.typ.Kind.Dated() {
		if _, ok := txn.FromContext(ctx); !ok {
			return e.portal.coord.Within(ctx, func(ctx context.Context, _ *txn.Tx) error {
				return e.dispatch(ctx, table, req)
			})
		}
	}
	return e.dispatch(ctx, table, req)
}

func (e *Entity) dispatch(ctx context.Context, table *[numBehaviors]opFunc, req *request) error {
	tx, _ := txn.FromContext(ctx)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		st := e.load()
		err := table[resolve(st, tx)](ctx, e, st, tx, req)
		if errors.Is(err, domain.ErrRetry) {
			continue
		}
		return err
	}
}

// swap installs next when the entity still holds st.
func (e *Entity) swap(st, next *state) bool {
	if !e.state.CompareAndSwap(st, next) {
		return false
	}
	e.portal.logger.Debug("entity transition",
		"entity", e.portal.typ.Name, "key", e.key,
		"from", st.behavior.String(), "to", next.behavior.String())
	return true
}

// transition replaces a state owned by the caller's transaction. Owned states
// are only swapped by their owner, so the swap cannot be lost.
func (e *Entity) transition(st, next *state) {
	if !e.swap(st, next) {
		e.portal.logger.Warn("entity transition raced",
			"entity", e.portal.typ.Name, "key", e.key, "to", next.behavior.String())
		e.state.Store(next)
	}
}

func (e *Entity) stateViolation(op string, st *state, tx *txn.Tx, reason string) error {
	return domain.StateViolationError{
		Op:     op,
		State:  resolve(st, tx).String(),
		Entity: e.portal.typ.Name,
		Key:    e.key,
		Reason: reason,
	}
}

func (e *Entity) deletedError(op string) error {
	return domain.DeletedObjectError{Entity: e.portal.typ.Name, Key: e.key, Op: op}
}

func (e *Entity) notFound() error {
	return domain.NotFoundError{Entity: e.portal.typ.Name, Key: e.key}
}

// Record returns the record the caller sees. Dated entities return the
// template or the latest current segment.
func (e *Entity) Record(ctx context.Context) (domain.Record, error) {
	req := &request{op: "read"}
	if err := e.run(ctx, &readTable, req); err != nil {
		return domain.Record{}, err
	}
	return req.view.rec.Clone(), nil
}

// AsOf returns the record valid at business as known at processing. Pass
// domain.Infinity as processing for the current plane; inside the owning
// transaction the current plane includes staged changes.
func (e *Entity) AsOf(ctx context.Context, business, processing time.Time) (domain.Record, bool, error) {
	req := &request{op: "read"}
	if err := e.run(ctx, &readTable, req); err != nil {
		return domain.Record{}, false, err
	}
	v := req.view
	if !e.portal.typ.Kind.Dated() {
		return v.rec.Clone(), true, nil
	}
	if v.edit != nil && domain.IsInfinity(processing) {
		rec, ok := v.edit.AsOf(business)
		return rec, ok, nil
	}
	ct, ok := e.portal.cache.Container(e.key)
	if !ok {
		return domain.Record{}, false, nil
	}
	rec, ok := ct.AsOf(business, processing)
	return rec, ok, nil
}

// InRange returns the records overlapping business as known at processing.
func (e *Entity) InRange(ctx context.Context, business domain.Range, processing time.Time) ([]domain.Record, error) {
	req := &request{op: "read"}
	if err := e.run(ctx, &readTable, req); err != nil {
		return nil, err
	}
	v := req.view
	if !e.portal.typ.Kind.Dated() {
		return []domain.Record{v.rec.Clone()}, nil
	}
	if v.edit != nil && domain.IsInfinity(processing) {
		var out []domain.Record
		for _, rec := range v.edit.Current() {
			if rec.Business.Overlaps(business) {
				out = append(out, rec)
			}
		}
		return out, nil
	}
	ct, ok := e.portal.cache.Container(e.key)
	if !ok {
		return nil, nil
	}
	return ct.InRange(business, processing), nil
}

// History returns every committed record of a dated entity.
func (e *Entity) History(ctx context.Context) ([]domain.Record, error) {
	req := &request{op: "read"}
	if err := e.run(ctx, &readTable, req); err != nil {
		return nil, err
	}
	ct, ok := e.portal.cache.Container(e.key)
	if !ok {
		return nil, nil
	}
	return ct.History(), nil
}

// Insert persists the handle's record. Non-dated inserts outside a
// transaction write through immediately.
func (e *Entity) Insert(ctx context.Context) error {
	return e.run(ctx, &insertTable, &request{op: "insert", needsTx: true})
}

// InsertAt inserts an explicit dated segment starting at from.
func (e *Entity) InsertAt(ctx context.Context, from time.Time, attrs domain.Attributes) error {
	rec := domain.NewDatedRecord(e.key, from, attrs)
	return e.run(ctx, &insertTable, &request{op: "insert", rec: &rec, needsTx: true})
}

// InsertUntil inserts the handle's record bounded at until.
func (e *Entity) InsertUntil(ctx context.Context, until time.Time) error {
	return e.run(ctx, &insertTable, &request{op: "insert until", until: until, needsTx: true})
}

// InsertUntilAt inserts an explicit segment over [from, until).
func (e *Entity) InsertUntilAt(ctx context.Context, from, until time.Time, attrs domain.Attributes) error {
	rec := domain.NewDatedRecord(e.key, from, attrs)
	return e.run(ctx, &insertTable, &request{op: "insert until", rec: &rec, until: until, needsTx: true})
}

// InsertWithIncrement inserts the handle's record before the next segment
// and adds its numeric attributes to every later segment.
func (e *Entity) InsertWithIncrement(ctx context.Context) error {
	return e.run(ctx, &insertTable, &request{op: "insert with increment", increment: true, needsTx: true})
}

// InsertWithIncrementAt is InsertWithIncrement with an explicit segment.
func (e *Entity) InsertWithIncrementAt(ctx context.Context, from time.Time, attrs domain.Attributes) error {
	rec := domain.NewDatedRecord(e.key, from, attrs)
	return e.run(ctx, &insertTable, &request{op: "insert with increment", rec: &rec, increment: true, needsTx: true})
}

// InsertForRecovery inserts rec with its explicit ranges, bypassing the
// transactional machinery. It fails with OverlapError when rec intersects an
// existing record.
func (e *Entity) InsertForRecovery(ctx context.Context, rec domain.Record) error {
	rec.Key = e.key
	rec.Business = normalizeRange(rec.Business)
	rec.Processing = normalizeRange(rec.Processing)
	return e.run(ctx, &recoverTable, &request{op: "insert for recovery", rec: &rec})
}

// Update merges changes into a non-dated entity, or into the template of an
// in-memory dated entity.
func (e *Entity) Update(ctx context.Context, changes domain.Attributes) error {
	return e.run(ctx, &updateTable, &request{op: "update", changes: changes, needsTx: true})
}

// UpdateAt merges changes into every dated segment from at onwards.
func (e *Entity) UpdateAt(ctx context.Context, at time.Time, changes domain.Attributes) error {
	return e.run(ctx, &updateTable, &request{op: "update", at: at, changes: changes, needsTx: true})
}

// UpdateUntil merges changes into the dated segments over [from, until).
func (e *Entity) UpdateUntil(ctx context.Context, from, until time.Time, changes domain.Attributes) error {
	return e.run(ctx, &updateTable, &request{op: "update until", at: from, until: until, changes: changes, needsTx: true})
}

// Increment adds delta to a numeric attribute.
func (e *Entity) Increment(ctx context.Context, attr string, delta float64) error {
	return e.run(ctx, &updateTable, &request{op: "increment", attr: attr, delta: delta, needsTx: true})
}

// IncrementAt adds delta to attr in every dated segment from at onwards.
func (e *Entity) IncrementAt(ctx context.Context, at time.Time, attr string, delta float64) error {
	return e.run(ctx, &updateTable, &request{op: "increment", at: at, attr: attr, delta: delta, needsTx: true})
}

// IncrementUntil adds delta to attr over [from, until).
func (e *Entity) IncrementUntil(ctx context.Context, from, until time.Time, attr string, delta float64) error {
	return e.run(ctx, &updateTable, &request{op: "increment until", at: from, until: until, attr: attr, delta: delta, needsTx: true})
}

// Terminate ends the dated entity's validity at at.
func (e *Entity) Terminate(ctx context.Context, at time.Time) error {
	return e.run(ctx, &terminateTable, &request{op: "terminate", at: at, needsTx: true})
}

// TerminateUntil removes validity over [from, until).
func (e *Entity) TerminateUntil(ctx context.Context, from, until time.Time) error {
	return e.run(ctx, &terminateTable, &request{op: "terminate until", at: from, until: until, needsTx: true})
}

// InactivateForArchiving closes the current records at processingTo and, when
// businessTo is set, closes open business ranges at businessTo.
func (e *Entity) InactivateForArchiving(ctx context.Context, processingTo, businessTo time.Time) error {
	return e.run(ctx, &terminateTable, &request{
		op:           "inactivate for archiving",
		archive:      true,
		processingTo: processingTo,
		businessTo:   businessTo,
		needsTx:      true,
	})
}

// Delete removes a non-dated entity. On a detached copy it marks the copy
// for deletion of its original.
func (e *Entity) Delete(ctx context.Context) error {
	return e.run(ctx, &deleteTable, &request{op: "delete", needsTx: true})
}

// Purge removes every record of the entity, history included.
func (e *Entity) Purge(ctx context.Context) error {
	return e.run(ctx, &purgeTable, &request{op: "purge", needsTx: true})
}

// Detach returns a private copy of the entity that can be edited without
// affecting the original until UpdateOriginalOrInsert.
func (e *Entity) Detach(ctx context.Context) (*Entity, error) {
	req := &request{op: "detach", at: domain.Infinity}
	if err := e.run(ctx, &detachTable, req); err != nil {
		return nil, err
	}
	return req.result, nil
}

// DetachAt returns a detached copy of the dated segment valid at business.
func (e *Entity) DetachAt(ctx context.Context, business time.Time) (*Entity, error) {
	req := &request{op: "detach", at: business}
	if err := e.run(ctx, &detachTable, req); err != nil {
		return nil, err
	}
	return req.result, nil
}

// UpdateOriginalOrInsert writes the differences between a detached copy and
// its original back to the original. A copy marked deleted deletes or
// terminates the original instead.
func (e *Entity) UpdateOriginalOrInsert(ctx context.Context) (*Entity, error) {
	req := &request{op: "update original"}
	if err := e.run(ctx, &reconcileTable, req); err != nil {
		return nil, err
	}
	return req.result, nil
}

// UpdateOriginalOrInsertUntil bounds a dated write-back at until.
func (e *Entity) UpdateOriginalOrInsertUntil(ctx context.Context, until time.Time) (*Entity, error) {
	req := &request{op: "update original", until: until}
	if err := e.run(ctx, &reconcileTable, req); err != nil {
		return nil, err
	}
	return req.result, nil
}

// ApplyDetachedDelete deletes or terminates the original of a copy marked
// deleted. It succeeds with a nil original when the original is gone.
func (e *Entity) ApplyDetachedDelete(ctx context.Context) (*Entity, error) {
	req := &request{op: "apply detached delete"}
	if err := e.run(ctx, &applyDetachedDeleteTable, req); err != nil {
		return nil, err
	}
	return req.result, nil
}

// DeleteDetached marks a detached copy deleted.
func (e *Entity) DeleteDetached(ctx context.Context) error {
	return e.run(ctx, &deleteDetachedTable, &request{op: "delete detached"})
}

// IsModifiedSinceDetachment reports whether a detached copy differs from its
// original.
func (e *Entity) IsModifiedSinceDetachment(ctx context.Context) (bool, error) {
	req := &request{op: "compare detached"}
	if err := e.run(ctx, &isModifiedTable, req); err != nil {
		return false, err
	}
	return req.modified, nil
}
