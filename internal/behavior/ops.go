package behavior

import (
	"context"
	"time"

	"chronostore/internal/temporal"
	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

type opFunc func(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error

// view is what a read observes: a record and, inside the owning transaction
// of a dated entity, the staged edit.
type view struct {
	rec  domain.Record
	edit *temporal.Edit
}

const (
	reasonNotPersisted = "entity was never persisted"
	reasonPersisted    = "entity is already persisted"
	reasonNotDated     = "entity type is not dated"
	reasonNotDetached  = "entity is not a detached copy"
)

// The tables are filled in init because several handlers call back into
// Entity methods that dispatch through other tables.
var (
	readTable                [numBehaviors]opFunc
	insertTable              [numBehaviors]opFunc
	recoverTable             [numBehaviors]opFunc
	updateTable              [numBehaviors]opFunc
	terminateTable           [numBehaviors]opFunc
	deleteTable              [numBehaviors]opFunc
	purgeTable               [numBehaviors]opFunc
	detachTable              [numBehaviors]opFunc
	reconcileTable           [numBehaviors]opFunc
	applyDetachedDeleteTable [numBehaviors]opFunc
	deleteDetachedTable      [numBehaviors]opFunc
	isModifiedTable          [numBehaviors]opFunc
)

func init() {
	readTable = [numBehaviors]opFunc{
		InMemory:                  readVisible,
		InMemorySameTx:            readVisible,
		InMemoryDifferentTx:       readCommitted,
		PersistedNoTx:             readLocking,
		PersistedSameTx:           readVisible,
		PersistedDifferentTx:      readCommitted,
		PersistedNonTransactional: readVisible,
		Detached:                  readVisible,
		DetachedSameTx:            readVisible,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	insertTable = [numBehaviors]opFunc{
		InMemory:                  insertNew,
		InMemorySameTx:            insertNew,
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             insertSegment,
		PersistedSameTx:           insertSegment,
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonPersisted),
		Detached:                  insertDetached,
		DetachedSameTx:            insertDetached,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	recoverTable = [numBehaviors]opFunc{
		InMemory:                  recoverNew,
		InMemorySameTx:            deny("recovery bypasses transactions"),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             recoverPersisted,
		PersistedSameTx:           deny("recovery bypasses transactions"),
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonPersisted),
		Detached:                  deny("detached copies cannot be recovered"),
		DetachedSameTx:            deny("detached copies cannot be recovered"),
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	updateTable = [numBehaviors]opFunc{
		InMemory:                  updateTemplate,
		InMemorySameTx:            updateTemplate,
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             updatePersisted,
		PersistedSameTx:           updatePersisted,
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: updateThrough,
		Detached:                  updateTemplate,
		DetachedSameTx:            updateTemplate,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	terminateTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotPersisted),
		InMemorySameTx:            deny(reasonNotPersisted),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             terminatePersisted,
		PersistedSameTx:           terminatePersisted,
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonNotDated),
		Detached:                  terminateDetached,
		DetachedSameTx:            terminateDetached,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	deleteTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotPersisted),
		InMemorySameTx:            deny(reasonNotPersisted),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             deletePersisted,
		PersistedSameTx:           deletePersisted,
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deleteThrough,
		Detached:                  markDetachedDeleted,
		DetachedSameTx:            markDetachedDeleted,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	purgeTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotPersisted),
		InMemorySameTx:            deny(reasonNotPersisted),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             purgePersisted,
		PersistedSameTx:           purgePersisted,
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deleteThrough,
		Detached:                  deny("detached copies cannot be purged"),
		DetachedSameTx:            deny("detached copies cannot be purged"),
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	detachTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotPersisted),
		InMemorySameTx:            deny(reasonNotPersisted),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             detachPersisted,
		PersistedSameTx:           detachPersisted,
		PersistedDifferentTx:      detachPersisted,
		PersistedNonTransactional: detachPersisted,
		Detached:                  detachCopy,
		DetachedSameTx:            detachCopy,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	reconcileTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotDetached),
		InMemorySameTx:            deny(reasonNotDetached),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             deny(reasonNotDetached),
		PersistedSameTx:           deny(reasonNotDetached),
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonNotDetached),
		Detached:                  reconcile,
		DetachedSameTx:            reconcile,
		Deleted:                   gone,
		DetachedDeleted:           applyDetachedDelete,
	}
	applyDetachedDeleteTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotDetached),
		InMemorySameTx:            deny(reasonNotDetached),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             deny(reasonNotDetached),
		PersistedSameTx:           deny(reasonNotDetached),
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonNotDetached),
		Detached:                  deny("copy is not marked deleted"),
		DetachedSameTx:            deny("copy is not marked deleted"),
		Deleted:                   gone,
		DetachedDeleted:           applyDetachedDelete,
	}
	deleteDetachedTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotDetached),
		InMemorySameTx:            deny(reasonNotDetached),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             deny(reasonNotDetached),
		PersistedSameTx:           deny(reasonNotDetached),
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonNotDetached),
		Detached:                  markDetachedDeleted,
		DetachedSameTx:            markDetachedDeleted,
		Deleted:                   gone,
		DetachedDeleted:           gone,
	}
	isModifiedTable = [numBehaviors]opFunc{
		InMemory:                  deny(reasonNotDetached),
		InMemorySameTx:            deny(reasonNotDetached),
		InMemoryDifferentTx:       wait,
		PersistedNoTx:             deny(reasonNotDetached),
		PersistedSameTx:           deny(reasonNotDetached),
		PersistedDifferentTx:      wait,
		PersistedNonTransactional: deny(reasonNotDetached),
		Detached:                  compareOriginal,
		DetachedSameTx:            compareOriginal,
		Deleted:                   gone,
		DetachedDeleted:           markedModified,
	}
}

// opTables names every dispatch table.
func opTables() map[string]*[numBehaviors]opFunc {
	return map[string]*[numBehaviors]opFunc{
		"read":                  &readTable,
		"insert":                &insertTable,
		"recover":               &recoverTable,
		"update":                &updateTable,
		"terminate":             &terminateTable,
		"delete":                &deleteTable,
		"purge":                 &purgeTable,
		"detach":                &detachTable,
		"reconcile":             &reconcileTable,
		"apply detached delete": &applyDetachedDeleteTable,
		"delete detached":       &deleteDetachedTable,
		"is modified":           &isModifiedTable,
	}
}

func wait(ctx context.Context, e *Entity, st *state, tx *txn.Tx, _ *request) error {
	if _, err := awaitOwner(ctx, e, st, tx); err != nil {
		return err
	}
	return domain.ErrRetry
}

func deny(reason string) opFunc {
	return func(_ context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
		return e.stateViolation(req.op, st, tx, reason)
	}
}

func gone(_ context.Context, e *Entity, _ *state, _ *txn.Tx, req *request) error {
	return e.deletedError(req.op)
}

// own enrolls st for writing unless tx already owns it.
func (e *Entity) own(ctx context.Context, mode enrollMode, st *state, tx *txn.Tx) (*state, error) {
	if st.owner == tx && tx != nil {
		return st, nil
	}
	return e.acquire(ctx, mode, st, tx)
}

// edit returns the staged edit of the owning transaction, opening one on the
// key's container when needed.
func (e *Entity) edit(st *state, tx *txn.Tx) (*temporal.Edit, error) {
	if st.work.edit != nil {
		return st.work.edit, nil
	}
	ct, ok := e.portal.cache.Container(e.key)
	if !ok {
		return nil, e.notFound()
	}
	st.work.edit = ct.Edit(tx.ProcessingTime())
	return st.work.edit, nil
}

func readVisible(_ context.Context, _ *Entity, st *state, _ *txn.Tx, req *request) error {
	req.view = view{rec: st.data.Visible()}
	if st.work != nil {
		req.view.edit = st.work.edit
	}
	return nil
}

func readCommitted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if tx != nil && tx.Isolation() == txn.Locking {
		return wait(ctx, e, st, tx, req)
	}
	req.view = view{rec: st.data.Committed()}
	return nil
}

// readLocking makes locking readers owners of the entity they read.
func readLocking(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if tx != nil && tx.Isolation() == txn.Locking {
		owned, err := e.acquire(ctx, enrollRead, st, tx)
		if err != nil {
			return err
		}
		st = owned
	}
	return readVisible(ctx, e, st, tx, req)
}

// insertRecord returns the record an insert writes: the explicit one when
// given, the handle's record otherwise.
func (r *request) insertRecord(st *state) domain.Record {
	if r.rec != nil {
		return r.rec.Clone()
	}
	return st.data.Visible().Clone()
}

func stageInsert(edit *temporal.Edit, rec domain.Record, req *request) error {
	switch {
	case req.increment:
		return edit.InsertWithIncrement(rec)
	case req.bounded():
		return edit.InsertUntil(rec, req.until)
	default:
		return edit.Insert(rec)
	}
}

func insertNew(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	p := e.portal
	dated := p.typ.Kind.Dated()
	if !dated && (req.rec != nil || req.bounded() || req.increment) {
		return e.stateViolation(req.op, st, tx, reasonNotDated)
	}
	if !dated && (tx == nil || p.typ.NonTransactional) {
		return e.insertNow(ctx, st, req.insertRecord(st))
	}
	st, err := e.own(ctx, enrollWrite, st, tx)
	if err != nil {
		return err
	}
	rec := req.insertRecord(st)
	res, err := p.cache.PreparePut(ctx, rec)
	if err != nil {
		return err
	}
	res.Stage(e)
	if dated {
		edit := p.cache.GetOrCreateContainer(rec).Edit(tx.ProcessingTime())
		if err := stageInsert(edit, rec, req); err != nil {
			p.cache.Rollback(res)
			return err
		}
		st.work.edit = edit
	}
	st.work.reservation = res
	st.work.inserted = true
	e.transition(st, st.with(PersistedSameTx, InTx{NonTx: st.data.Committed(), Tx: rec}))
	return nil
}

// insertNow writes a non-dated insert through to the persister and publishes
// it.
func (e *Entity) insertNow(ctx context.Context, st *state, rec domain.Record) error {
	p := e.portal
	res, err := p.cache.PreparePut(ctx, rec)
	if err != nil {
		return err
	}
	if err := (domain.Change{Action: domain.ActionInsert, After: rec}).Apply(ctx, p.persister, p.typ.Name); err != nil {
		p.cache.Rollback(res)
		return err
	}
	if err := p.cache.CommitPreparedForIndex(res, e, rec); err != nil {
		return err
	}
	e.transition(st, &state{behavior: p.persistedTag(), data: Bare{Record: rec}})
	return nil
}

func insertSegment(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if !e.portal.typ.Kind.Dated() {
		return e.stateViolation(req.op, st, tx, reasonPersisted)
	}
	st, err := e.own(ctx, enrollWrite, st, tx)
	if err != nil {
		return err
	}
	edit, err := e.edit(st, tx)
	if err != nil {
		return err
	}
	return stageInsert(edit, req.insertRecord(st), req)
}

// insertDetached inserts a detached copy as a new entity.
func insertDetached(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	n := e.portal.newEntity(req.insertRecord(st))
	if err := insertNew(ctx, n, n.load(), tx, req); err != nil {
		return err
	}
	req.result = n
	return nil
}

func recoverNew(ctx context.Context, e *Entity, st *state, _ *txn.Tx, req *request) error {
	p := e.portal
	rec := req.rec.Clone()
	res, err := p.cache.PreparePut(ctx, rec)
	if err != nil {
		return err
	}
	var (
		ct   *temporal.Container
		snap temporal.Snapshot
	)
	if p.typ.Kind.Dated() {
		ct = p.cache.GetOrCreateContainer(rec)
		snap = ct.Snapshot()
		if err := ct.InsertForRecovery(rec); err != nil {
			p.cache.Rollback(res)
			return err
		}
	}
	if err := (domain.Change{Action: domain.ActionInsert, After: rec}).Apply(ctx, p.persister, p.typ.Name); err != nil {
		if ct != nil {
			ct.Restore(snap)
		}
		p.cache.Rollback(res)
		return err
	}
	if err := p.cache.CommitPreparedForIndex(res, e, rec); err != nil {
		return err
	}
	e.transition(st, &state{behavior: p.persistedTag(), data: Bare{Record: rec}})
	return nil
}

func recoverPersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	p := e.portal
	if !p.typ.Kind.Dated() {
		return e.stateViolation(req.op, st, tx, reasonPersisted)
	}
	ct, ok := p.cache.Container(e.key)
	if !ok {
		return e.notFound()
	}
	rec := req.rec.Clone()
	snap := ct.Snapshot()
	if err := ct.InsertForRecovery(rec); err != nil {
		return err
	}
	if err := (domain.Change{Action: domain.ActionInsert, After: rec}).Apply(ctx, p.persister, p.typ.Name); err != nil {
		ct.Restore(snap)
		return err
	}
	if rec.IsCurrent() {
		p.cache.Reindex(e.key, rec)
	}
	return nil
}

// updateTemplate changes a record no one else can see: the template of an
// in-memory entity or a detached copy.
func updateTemplate(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if tx == nil {
		next, err := req.mutate(st.data.Visible())
		if err != nil {
			return err
		}
		if !e.swap(st, st.with(st.behavior, Bare{Record: next})) {
			return domain.ErrRetry
		}
		return nil
	}
	st, err := e.own(ctx, enrollWrite, st, tx)
	if err != nil {
		return err
	}
	next, err := req.mutate(st.data.Visible())
	if err != nil {
		return err
	}
	e.transition(st, st.with(st.behavior, InTx{NonTx: st.data.Committed(), Tx: next}))
	return nil
}

func updatePersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if !e.portal.typ.Kind.Dated() {
		if tx == nil {
			return updateThrough(ctx, e, st, tx, req)
		}
		return updateTemplate(ctx, e, st, tx, req)
	}
	if req.at.IsZero() {
		return e.stateViolation(req.op, st, tx, "dated updates need a business date")
	}
	st, err := e.own(ctx, enrollWrite, st, tx)
	if err != nil {
		return err
	}
	edit, err := e.edit(st, tx)
	if err != nil {
		return err
	}
	switch {
	case req.attr != "" && req.bounded():
		return edit.IncrementUntil(req.at, req.until, req.attr, req.delta)
	case req.attr != "":
		return edit.Increment(req.at, req.attr, req.delta)
	case req.bounded():
		return edit.UpdateUntil(req.at, req.until, req.changes)
	default:
		return edit.Update(req.at, req.changes)
	}
}

// updateThrough writes a non-dated update straight to the persister.
func updateThrough(ctx context.Context, e *Entity, st *state, _ *txn.Tx, req *request) error {
	p := e.portal
	before := st.data.Visible()
	after, err := req.mutate(before)
	if err != nil {
		return err
	}
	if before.Attributes.Equal(after.Attributes) {
		return nil
	}
	next := st.with(st.behavior, Bare{Record: after})
	if !e.swap(st, next) {
		return domain.ErrRetry
	}
	if err := (domain.Change{Action: domain.ActionUpdate, Before: before, After: after}).Apply(ctx, p.persister, p.typ.Name); err != nil {
		e.swap(next, st)
		return err
	}
	p.cache.Reindex(e.key, after)
	return nil
}

func terminatePersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if !e.portal.typ.Kind.Dated() {
		return e.stateViolation(req.op, st, tx, reasonNotDated)
	}
	st, err := e.own(ctx, enrollWrite, st, tx)
	if err != nil {
		return err
	}
	edit, err := e.edit(st, tx)
	if err != nil {
		return err
	}
	switch {
	case req.archive:
		return edit.InactivateForArchiving(req.processingTo, req.businessTo)
	case req.bounded():
		return edit.TerminateUntil(req.at, req.until)
	default:
		return edit.Terminate(req.at)
	}
}

func terminateDetached(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if req.archive {
		return e.stateViolation(req.op, st, tx, "detached copies cannot be archived")
	}
	return markDetachedDeleted(ctx, e, st, tx, req)
}

func deletePersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if e.portal.typ.Kind.Dated() {
		return e.stateViolation(req.op, st, tx, "dated entities are terminated or purged")
	}
	if tx == nil {
		return deleteThrough(ctx, e, st, tx, req)
	}
	_, err := e.acquire(ctx, enrollDelete, st, tx)
	return err
}

// deleteThrough writes a non-dated delete straight to the persister.
func deleteThrough(ctx context.Context, e *Entity, st *state, _ *txn.Tx, _ *request) error {
	p := e.portal
	before := st.data.Visible()
	next := &state{behavior: Deleted, data: Bare{Record: before}}
	if !e.swap(st, next) {
		return domain.ErrRetry
	}
	if err := (domain.Change{Action: domain.ActionDelete, Before: before}).Apply(ctx, p.persister, p.typ.Name); err != nil {
		e.swap(next, st)
		return err
	}
	p.cache.Remove(e.key)
	return nil
}

func purgePersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if !e.portal.typ.Kind.Dated() {
		return deletePersisted(ctx, e, st, tx, req)
	}
	st, err := e.acquire(ctx, enrollDelete, st, tx)
	if err != nil {
		return err
	}
	edit, err := e.edit(st, tx)
	if err != nil {
		return err
	}
	edit.Purge()
	return nil
}

func detachPersisted(_ context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	p := e.portal
	rec := st.data.Committed()
	if st.owner == tx && tx != nil {
		rec = st.data.Visible()
	}
	at := req.at
	if p.typ.Kind.Dated() {
		var current []domain.Record
		if st.owner == tx && tx != nil && st.work.edit != nil {
			current = st.work.edit.Current()
		} else if ct, ok := p.cache.Container(e.key); ok {
			current = ct.Current()
		}
		found := false
		for _, seg := range current {
			if domain.IsInfinity(at) || seg.Business.Contains(at) {
				rec, found = seg, true
			}
		}
		if !found {
			return e.notFound()
		}
		if domain.IsInfinity(at) {
			at = rec.Business.From
		}
	}
	req.result = p.detached(rec, e, at)
	return nil
}

func detachCopy(_ context.Context, e *Entity, st *state, _ *txn.Tx, req *request) error {
	req.result = e.portal.detached(st.data.Visible(), st.original, st.detachedAt)
	return nil
}

// changesBetween returns the attribute values of to that differ from from.
func changesBetween(from, to domain.Attributes) domain.Attributes {
	out := domain.Attributes{}
	for _, name := range from.Diff(to) {
		out[name] = to[name]
	}
	return out
}

// originalRecord reads what the original holds at the copy's detachment
// date.
func (e *Entity) originalRecord(ctx context.Context, st *state) (domain.Record, bool, error) {
	orig := st.original
	if e.portal.typ.Kind.Dated() {
		return orig.AsOf(ctx, st.detachedAt, domain.Infinity)
	}
	rec, err := orig.Record(ctx)
	if err != nil {
		return domain.Record{}, false, err
	}
	return rec, true, nil
}

func reconcile(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	orig := st.original
	if orig == nil {
		return e.stateViolation(req.op, st, tx, "copy has no original")
	}
	copyRec := st.data.Visible()
	if b := resolve(orig.load(), tx); b == InMemory || b == InMemorySameTx {
		if err := orig.Update(ctx, changesBetween(orig.load().data.Visible().Attributes, copyRec.Attributes)); err != nil {
			return err
		}
		if err := orig.Insert(ctx); err != nil {
			return err
		}
		req.result = orig
		return nil
	}
	cur, ok, err := e.originalRecord(ctx, st)
	if domain.IsDeleted(err) || (err == nil && !ok) {
		return e.deletedError(req.op)
	}
	if err != nil {
		return err
	}
	changes := changesBetween(cur.Attributes, copyRec.Attributes)
	req.result = orig
	if len(changes) == 0 {
		return nil
	}
	switch {
	case !e.portal.typ.Kind.Dated():
		return orig.Update(ctx, changes)
	case req.bounded():
		return orig.UpdateUntil(ctx, st.detachedAt, req.until, changes)
	default:
		return orig.UpdateAt(ctx, st.detachedAt, changes)
	}
}

func applyDetachedDelete(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	orig := st.original
	if orig == nil {
		req.result = nil
		return nil
	}
	switch b := resolve(orig.load(), tx); {
	case b.IsDeleted(), b == InMemory, b == InMemorySameTx:
		req.result = nil
		return nil
	}
	var err error
	if e.portal.typ.Kind.Dated() {
		err = e.portal.coord.Within(ctx, func(ctx context.Context, _ *txn.Tx) error {
			if err := e.writeCopyInPlace(ctx, st); err != nil {
				return err
			}
			return orig.Terminate(ctx, st.detachedAt)
		})
	} else {
		err = orig.Delete(ctx)
	}
	if domain.IsNotFound(err) || domain.IsDeleted(err) {
		req.result = nil
		return nil
	}
	if err != nil {
		return err
	}
	req.result = orig
	return nil
}

// writeCopyInPlace writes the copy's data over the whole original segment
// containing the detachment date, so the segment left by a termination ends
// with the copy's values.
func (e *Entity) writeCopyInPlace(ctx context.Context, st *state) error {
	cur, ok, err := e.originalRecord(ctx, st)
	if err != nil || !ok {
		return err
	}
	changes := changesBetween(cur.Attributes, st.data.Visible().Attributes)
	if len(changes) == 0 {
		return nil
	}
	if cur.Business.IsOpen() {
		return st.original.UpdateAt(ctx, cur.Business.From, changes)
	}
	return st.original.UpdateUntil(ctx, cur.Business.From, cur.Business.To, changes)
}

func markDetachedDeleted(ctx context.Context, e *Entity, st *state, tx *txn.Tx, _ *request) error {
	if tx == nil {
		if !e.swap(st, st.with(DetachedDeleted, st.data)) {
			return domain.ErrRetry
		}
		return nil
	}
	_, err := e.acquire(ctx, enrollDelete, st, tx)
	return err
}

func compareOriginal(ctx context.Context, e *Entity, st *state, tx *txn.Tx, req *request) error {
	if st.original == nil {
		return e.stateViolation(req.op, st, tx, "copy has no original")
	}
	cur, ok, err := e.originalRecord(ctx, st)
	if err != nil {
		return err
	}
	req.modified = !ok || !cur.Attributes.Equal(st.data.Visible().Attributes)
	return nil
}

func markedModified(_ context.Context, _ *Entity, _ *state, _ *txn.Tx, req *request) error {
	req.modified = true
	return nil
}

// detached builds a detached copy of rec.
func (p *Portal) detached(rec domain.Record, original *Entity, at time.Time) *Entity {
	d := &Entity{portal: p, key: rec.Key}
	d.state.Store(&state{behavior: Detached, data: Bare{Record: rec.Clone()}, original: original, detachedAt: at})
	return d
}
