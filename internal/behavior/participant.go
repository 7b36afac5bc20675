package behavior

import (
	"context"

	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

var (
	_ txn.Participant = (*Entity)(nil)
	_ txn.Completer   = (*Entity)(nil)
)

// owned returns the state and staging area tx holds on e.
func (e *Entity) owned(tx *txn.Tx) (*state, *work, bool) {
	st := e.load()
	if st.owner != tx || st.work == nil {
		return nil, nil, false
	}
	return st, st.work, true
}

// Flush pushes the staged changes of tx to the persister, then applies them
// to the container and the cache.
func (e *Entity) Flush(ctx context.Context, tx *txn.Tx) error {
	st, w, ok := e.owned(tx)
	if !ok {
		return nil
	}
	switch st.behavior {
	case InMemorySameTx, DetachedSameTx, DetachedDeleted:
		return nil
	}
	if e.portal.typ.Kind.Dated() {
		return e.flushDated(ctx, st, w)
	}
	return e.flushRecord(ctx, st, w)
}

func (e *Entity) flushRecord(ctx context.Context, st *state, w *work) error {
	p := e.portal
	var ch domain.Change
	switch {
	case w.inserted && w.deleted:
		p.cache.Rollback(w.reservation)
		return nil
	case w.inserted:
		ch = domain.Change{Action: domain.ActionInsert, After: st.data.Visible()}
	case w.deleted:
		ch = domain.Change{Action: domain.ActionDelete, Before: st.data.Committed()}
	default:
		before, after := st.data.Committed(), st.data.Visible()
		if before.Attributes.Equal(after.Attributes) {
			return nil
		}
		ch = domain.Change{Action: domain.ActionUpdate, Before: before, After: after}
	}
	if err := ch.Apply(ctx, p.persister, p.typ.Name); err != nil {
		return err
	}
	w.applied = []domain.Change{ch}
	switch ch.Action {
	case domain.ActionInsert:
		if err := p.cache.CommitPreparedForIndex(w.reservation, e, ch.After); err != nil {
			_ = domain.RevertAll(ctx, p.persister, p.typ.Name, w.applied)
			w.applied = nil
			return err
		}
		w.published = true
	case domain.ActionDelete:
		if entry, ok := p.cache.Remove(e.key); ok {
			w.removed = &entry
		}
	case domain.ActionUpdate:
		if entry, ok := p.cache.Get(e.key); ok {
			prev := entry.Record
			w.indexed = &prev
		}
		p.cache.Reindex(e.key, ch.After)
	}
	return nil
}

func (e *Entity) flushDated(ctx context.Context, st *state, w *work) error {
	p := e.portal
	if w.edit == nil || !w.edit.Dirty() {
		if w.reservation != nil {
			p.cache.Rollback(w.reservation)
			w.reservation = nil
		}
		return nil
	}
	changes := w.edit.Plan()
	if err := domain.ApplyAll(ctx, p.persister, p.typ.Name, changes); err != nil {
		return err
	}
	ct := w.edit.Container()
	snap := ct.Snapshot()
	if err := w.edit.Apply(changes); err != nil {
		_ = domain.RevertAll(ctx, p.persister, p.typ.Name, changes)
		return err
	}
	w.applied = changes
	w.snapshot = &snap

	current := ct.Current()
	indexRec := st.data.Visible()
	if len(current) > 0 {
		indexRec = current[len(current)-1]
	}
	switch {
	case w.reservation != nil && w.deleted:
		p.cache.Rollback(w.reservation)
		w.reservation = nil
	case w.reservation != nil:
		if err := p.cache.CommitPreparedForIndex(w.reservation, e, indexRec); err != nil {
			_ = domain.RevertAll(ctx, p.persister, p.typ.Name, changes)
			ct.Restore(snap)
			w.applied, w.snapshot = nil, nil
			return err
		}
		w.published = true
	case w.deleted && len(current) == 0:
		if entry, ok := p.cache.Remove(e.key); ok {
			w.removed = &entry
		}
	case len(current) > 0:
		if entry, ok := p.cache.Get(e.key); ok {
			prev := entry.Record
			w.indexed = &prev
		}
		p.cache.Reindex(e.key, indexRec)
	}
	return nil
}

// Compensate undoes a successful Flush and restores the pre-transaction
// state.
func (e *Entity) Compensate(ctx context.Context, tx *txn.Tx) error {
	st, w, ok := e.owned(tx)
	if !ok {
		return nil
	}
	p := e.portal
	var err error
	if len(w.applied) > 0 {
		err = domain.RevertAll(ctx, p.persister, p.typ.Name, w.applied)
	}
	if w.snapshot != nil {
		w.edit.Container().Restore(*w.snapshot)
	}
	if w.published {
		p.cache.Rollback(w.reservation)
	}
	if w.removed != nil {
		p.cache.Restore(*w.removed)
	}
	if w.indexed != nil {
		p.cache.Reindex(e.key, *w.indexed)
	}
	e.restore(st)
	if err != nil {
		p.logger.Error("entity compensation failed", "entity", p.typ.Name, "key", e.key, "error", err)
	}
	return err
}

// Rollback releases what tx staged and restores the pre-transaction state.
func (e *Entity) Rollback(tx *txn.Tx) {
	st, w, ok := e.owned(tx)
	if !ok {
		return
	}
	if w.reservation != nil && !w.published {
		e.portal.cache.Rollback(w.reservation)
	}
	e.restore(st)
}

func (e *Entity) restore(st *state) {
	before := st.before
	if before == nil {
		before = &state{behavior: InMemory, data: Bare{Record: st.data.Committed()}}
	}
	e.transition(st, before)
}

// Complete releases ownership after every participant of tx flushed.
func (e *Entity) Complete(tx *txn.Tx) {
	st, _, ok := e.owned(tx)
	if !ok {
		return
	}
	rec := st.data.Visible()
	b := st.behavior
	switch st.behavior {
	case InMemorySameTx:
		b = InMemory
	case PersistedSameTx:
		b = e.portal.persistedTag()
		if e.portal.typ.Kind.Dated() {
			if ct, ok := e.portal.cache.Container(e.key); ok {
				if current := ct.Current(); len(current) > 0 {
					rec = current[len(current)-1]
				}
			}
		}
	case DetachedSameTx:
		b = Detached
	case Deleted:
		rec = st.data.Committed()
	}
	e.transition(st, &state{
		behavior:   b,
		data:       Bare{Record: rec},
		original:   st.original,
		detachedAt: st.detachedAt,
	})
}
