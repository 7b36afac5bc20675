package behavior

import (
	"context"

	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

type enrollFunc func(ctx context.Context, e *Entity, st *state, tx *txn.Tx) (Enrollment, error)

type enrollMode uint8

const (
	enrollRead enrollMode = iota
	enrollWrite
	enrollDelete

	numEnrollModes
)

var enrollModeNames = [numEnrollModes]string{
	enrollRead:   "enroll for read",
	enrollWrite:  "enroll for write",
	enrollDelete: "enroll for delete",
}

var enrollTables = [numEnrollModes][numBehaviors]enrollFunc{
	enrollRead: {
		InMemory:                  stay,
		InMemorySameTx:            stay,
		InMemoryDifferentTx:       readOther,
		PersistedNoTx:             readPersisted,
		PersistedSameTx:           stay,
		PersistedDifferentTx:      readOther,
		PersistedNonTransactional: stay,
		Detached:                  stay,
		DetachedSameTx:            stay,
		Deleted:                   enrollDeleted(enrollRead),
		DetachedDeleted:           enrollDeleted(enrollRead),
	},
	enrollWrite: {
		InMemory:                  claim(InMemorySameTx, nil),
		InMemorySameTx:            stay,
		InMemoryDifferentTx:       awaitOwner,
		PersistedNoTx:             claim(PersistedSameTx, nil),
		PersistedSameTx:           stay,
		PersistedDifferentTx:      awaitOwner,
		PersistedNonTransactional: stay,
		Detached:                  claim(DetachedSameTx, nil),
		DetachedSameTx:            stay,
		Deleted:                   enrollDeleted(enrollWrite),
		DetachedDeleted:           enrollDeleted(enrollWrite),
	},
	enrollDelete: {
		InMemory:                  refuse(enrollDelete, "entity was never persisted"),
		InMemorySameTx:            refuse(enrollDelete, "entity was never persisted"),
		InMemoryDifferentTx:       awaitOwner,
		PersistedNoTx:             claim(Deleted, markDeleted),
		PersistedSameTx:           retag(Deleted, markDeleted),
		PersistedDifferentTx:      awaitOwner,
		PersistedNonTransactional: stay,
		Detached:                  claim(DetachedDeleted, nil),
		DetachedSameTx:            retag(DetachedDeleted, nil),
		Deleted:                   enrollDeleted(enrollDelete),
		DetachedDeleted:           enrollDeleted(enrollDelete),
	},
}

func markDeleted(w *work) { w.deleted = true }

func stay(_ context.Context, _ *Entity, st *state, tx *txn.Tx) (Enrollment, error) {
	return enrolled(resolve(st, tx)), nil
}

// claim takes ownership of an unowned state for tx.
func claim(b Behavior, prepare func(*work)) enrollFunc {
	return func(_ context.Context, e *Entity, st *state, tx *txn.Tx) (Enrollment, error) {
		if err := tx.Enroll(e); err != nil {
			return Enrollment{}, err
		}
		w := &work{}
		if prepare != nil {
			prepare(w)
		}
		next := st.with(b, InTx{NonTx: st.data.Committed(), Tx: st.data.Visible().Clone()})
		next.owner = tx
		next.before = st
		next.work = w
		if !e.swap(st, next) {
			return retry, nil
		}
		return enrolled(b), nil
	}
}

// retag moves a state already owned by tx to another tag.
func retag(b Behavior, prepare func(*work)) enrollFunc {
	return func(_ context.Context, e *Entity, st *state, _ *txn.Tx) (Enrollment, error) {
		if prepare != nil {
			prepare(st.work)
		}
		e.transition(st, st.with(b, st.data))
		return enrolled(b), nil
	}
}

// awaitOwner blocks until the owning transaction finishes, then asks for a
// retry.
func awaitOwner(ctx context.Context, _ *Entity, st *state, _ *txn.Tx) (Enrollment, error) {
	select {
	case <-st.owner.Done():
		return retry, nil
	case <-ctx.Done():
		return Enrollment{}, ctx.Err()
	}
}

// readOther lets read-committed readers through and makes locking readers
// wait for the owner.
func readOther(ctx context.Context, e *Entity, st *state, tx *txn.Tx) (Enrollment, error) {
	if tx != nil && tx.Isolation() == txn.Locking {
		return awaitOwner(ctx, e, st, tx)
	}
	return enrolled(resolve(st, tx)), nil
}

// readPersisted takes ownership for locking readers so that no other
// transaction can change what they read.
func readPersisted(ctx context.Context, e *Entity, st *state, tx *txn.Tx) (Enrollment, error) {
	if tx != nil && tx.Isolation() == txn.Locking {
		return claim(PersistedSameTx, nil)(ctx, e, st, tx)
	}
	return enrolled(PersistedNoTx), nil
}

func refuse(mode enrollMode, reason string) enrollFunc {
	return func(_ context.Context, e *Entity, st *state, tx *txn.Tx) (Enrollment, error) {
		return Enrollment{}, e.stateViolation(enrollModeNames[mode], st, tx, reason)
	}
}

func enrollDeleted(mode enrollMode) enrollFunc {
	return func(_ context.Context, e *Entity, _ *state, _ *txn.Tx) (Enrollment, error) {
		return Enrollment{}, e.deletedError(enrollModeNames[mode])
	}
}

// enroll runs one enrollment attempt. Enrollment requires a transaction.
func (e *Entity) enroll(ctx context.Context, mode enrollMode, st *state, tx *txn.Tx) (Enrollment, error) {
	if tx == nil {
		return Enrollment{}, e.stateViolation(enrollModeNames[mode], st, tx, "no active transaction")
	}
	return enrollTables[mode][resolve(st, tx)](ctx, e, st, tx)
}

// acquire enrolls st for mode and returns the state the caller now owns. A
// lost race surfaces as domain.ErrRetry for the dispatch loop.
func (e *Entity) acquire(ctx context.Context, mode enrollMode, st *state, tx *txn.Tx) (*state, error) {
	en, err := e.enroll(ctx, mode, st, tx)
	if err != nil {
		return nil, err
	}
	if en.Retry {
		return nil, domain.ErrRetry
	}
	return e.load(), nil
}

// EnrollForRead enrolls the entity for reading in the transaction carried by
// ctx. Locking transactions take ownership of persisted entities.
func (e *Entity) EnrollForRead(ctx context.Context) (Enrollment, error) {
	return e.enrollVerb(ctx, enrollRead)
}

// EnrollForWrite enrolls the entity for writing in the transaction carried
// by ctx. Entities owned by another transaction are waited for and reported
// as a retry.
func (e *Entity) EnrollForWrite(ctx context.Context) (Enrollment, error) {
	return e.enrollVerb(ctx, enrollWrite)
}

// EnrollForDelete enrolls the entity for deletion.
func (e *Entity) EnrollForDelete(ctx context.Context) (Enrollment, error) {
	return e.enrollVerb(ctx, enrollDelete)
}

func (e *Entity) enrollVerb(ctx context.Context, mode enrollMode) (Enrollment, error) {
	tx, _ := txn.FromContext(ctx)
	return e.enroll(ctx, mode, e.load(), tx)
}
