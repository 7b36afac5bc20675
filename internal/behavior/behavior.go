// Package behavior implements the persistence state machine of entity
// handles. Every operation is dispatched through a table indexed by the
// entity's resolved Behavior.
package behavior

import (
	"chronostore/internal/txn"
)

// Behavior is the persistence state of an entity handle as seen by a caller.
type Behavior uint8

const (
	InMemory Behavior = iota
	InMemorySameTx
	InMemoryDifferentTx
	PersistedNoTx
	PersistedSameTx
	PersistedDifferentTx
	PersistedNonTransactional
	Detached
	DetachedSameTx
	Deleted
	DetachedDeleted

	numBehaviors
)

// Retrying marks an Enrollment that carries no behavior because the caller
// must re-read the state. It lies outside the dispatch tables.
const Retrying Behavior = 0xff

var behaviorNames = [numBehaviors]string{
	InMemory:                  "in_memory",
	InMemorySameTx:            "in_memory_same_tx",
	InMemoryDifferentTx:       "in_memory_different_tx",
	PersistedNoTx:             "persisted_no_tx",
	PersistedSameTx:           "persisted_same_tx",
	PersistedDifferentTx:      "persisted_different_tx",
	PersistedNonTransactional: "persisted_non_transactional",
	Detached:                  "detached",
	DetachedSameTx:            "detached_same_tx",
	Deleted:                   "deleted",
	DetachedDeleted:           "detached_deleted",
}

func (b Behavior) String() string {
	if b == Retrying {
		return "retrying"
	}
	if b >= numBehaviors {
		return "unknown"
	}
	return behaviorNames[b]
}

// Behaviors lists every behavior in declaration order.
func Behaviors() []Behavior {
	out := make([]Behavior, numBehaviors)
	for i := range out {
		out[i] = Behavior(i)
	}
	return out
}

// IsDeleted reports whether the behavior is terminal.
func (b Behavior) IsDeleted() bool { return b == Deleted || b == DetachedDeleted }

// IsDetached reports whether the behavior belongs to a detached copy.
func (b Behavior) IsDetached() bool {
	return b == Detached || b == DetachedSameTx || b == DetachedDeleted
}

// Enrollment is the outcome of an enrollment verb: either the behavior the
// entity now has, or a request to re-read the state and dispatch again.
type Enrollment struct {
	Behavior Behavior
	Retry    bool
}

func enrolled(b Behavior) Enrollment { return Enrollment{Behavior: b} }

var retry = Enrollment{Behavior: Retrying, Retry: true}

// resolve maps a stored tag to the behavior the caller observes. Stored tags
// never carry the DifferentTx variants; they appear only when the owner of
// the state is not the caller's transaction.
func resolve(st *state, caller *txn.Tx) Behavior {
	if st.owner == nil || st.owner == caller {
		return st.behavior
	}
	switch st.behavior {
	case InMemory, InMemorySameTx:
		return InMemoryDifferentTx
	default:
		return PersistedDifferentTx
	}
}
