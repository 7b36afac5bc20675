package behavior

import (
	"time"

	"chronostore/internal/cache"
	"chronostore/internal/temporal"
	"chronostore/internal/txn"
	"chronostore/pkg/domain"
)

// Data is the record view of an entity. Outside a transaction it is Bare;
// while enrolled it is InTx, holding the committed and the transactional
// record side by side.
type Data interface {
	// Committed returns the record visible outside the owning transaction.
	Committed() domain.Record
	// Visible returns the record the owning transaction sees.
	Visible() domain.Record
	sealed()
}

// Bare is the data of an entity outside any transaction.
type Bare struct {
	Record domain.Record
}

func (d Bare) Committed() domain.Record { return d.Record }
func (d Bare) Visible() domain.Record   { return d.Record }
func (Bare) sealed()                    {}

// InTx is the data of an enrolled entity.
type InTx struct {
	NonTx domain.Record
	Tx    domain.Record
}

func (d InTx) Committed() domain.Record { return d.NonTx }
func (d InTx) Visible() domain.Record   { return d.Tx }
func (InTx) sealed()                    {}

// state is an immutable snapshot swapped atomically on every transition.
type state struct {
	behavior Behavior
	data     Data
	owner    *txn.Tx
	// before is the snapshot restored when the owning transaction rolls back.
	before *state
	work   *work

	// Detached copies keep their original and the business date they were
	// taken at.
	original   *Entity
	detachedAt time.Time
}

func (st *state) with(b Behavior, d Data) *state {
	next := *st
	next.behavior = b
	next.data = d
	return &next
}

// work is the staging area of one transaction for one entity. It is shared by
// every state the entity passes through inside that transaction and is only
// touched by the owning transaction.
type work struct {
	reservation *cache.Reservation[*Entity]
	edit        *temporal.Edit
	inserted    bool
	deleted     bool

	// Filled by Flush for Compensate.
	applied     []domain.Change
	snapshot    *temporal.Snapshot
	published   bool
	removed     *cache.Entry[*Entity]
	indexed     *domain.Record
}
