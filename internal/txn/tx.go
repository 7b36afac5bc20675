// Package txn demarcates units of work and drives commit and rollback across
// the entities enrolled in them.
package txn

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chronostore/pkg/domain"
)

// Isolation selects how reads enroll entities.
type Isolation int

const (
	// ReadCommitted reads do not take ownership of the entity.
	ReadCommitted Isolation = iota
	// Locking reads take ownership so other writers wait for the transaction.
	Locking
)

func (i Isolation) String() string {
	if i == Locking {
		return "locking"
	}
	return "read_committed"
}

// Options configure a transaction.
type Options struct {
	Isolation Isolation
}

// Participant is an entity enrolled in a transaction.
type Participant interface {
	// Flush pushes staged changes to the persister, cache and container.
	Flush(ctx context.Context, tx *Tx) error
	// Compensate undoes a successful Flush after a later participant failed.
	Compensate(ctx context.Context, tx *Tx) error
	// Rollback restores the pre-transaction state.
	Rollback(tx *Tx)
}

// Status is the lifecycle position of a transaction.
type Status int

const (
	StatusActive Status = iota
	StatusCommitting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	default:
		return "rolled_back"
	}
}

// Tx is one flat unit of work. It is carried on a context.Context.
type Tx struct {
	id           uuid.UUID
	opts         Options
	at           time.Time
	mu           sync.Mutex
	status       Status
	participants []Participant
	seen         map[Participant]struct{}
	done         chan struct{}
}

func newTx(at time.Time, opts Options) *Tx {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return &Tx{
		id:   id,
		opts: opts,
		at:   at,
		seen: make(map[Participant]struct{}),
		done: make(chan struct{}),
	}
}

// ID returns the transaction identifier.
func (tx *Tx) ID() uuid.UUID { return tx.id }

func (tx *Tx) String() string { return tx.id.String() }

// ProcessingTime is the processing instant stamped on every record the
// transaction writes.
func (tx *Tx) ProcessingTime() time.Time { return tx.at }

// Isolation returns the read isolation mode.
func (tx *Tx) Isolation() Isolation { return tx.opts.Isolation }

// Done is closed when the transaction commits or rolls back.
func (tx *Tx) Done() <-chan struct{} { return tx.done }

// Status returns the current lifecycle status.
func (tx *Tx) Status() Status {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.status
}

// Active reports whether the transaction still accepts work.
func (tx *Tx) Active() bool { return tx.Status() == StatusActive }

// Enroll registers p once, in enrollment order.
func (tx *Tx) Enroll(p Participant) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != StatusActive {
		return domain.StateViolationError{Op: "enroll", State: tx.status.String(), Reason: fmt.Sprintf("transaction %s is not active", tx.id)}
	}
	if _, ok := tx.seen[p]; ok {
		return nil
	}
	tx.seen[p] = struct{}{}
	tx.participants = append(tx.participants, p)
	return nil
}

// Enrolled reports whether p is enrolled.
func (tx *Tx) Enrolled(p Participant) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.seen[p]
	return ok
}

// Participants returns the enrolled participants in enrollment order.
func (tx *Tx) Participants() []Participant {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	out := make([]Participant, len(tx.participants))
	copy(out, tx.participants)
	return out
}

func (tx *Tx) transition(from, to Status) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status != from {
		return domain.StateViolationError{Op: to.String(), State: tx.status.String(), Reason: fmt.Sprintf("transaction %s", tx.id)}
	}
	tx.status = to
	return nil
}

func (tx *Tx) finish(status Status) {
	tx.mu.Lock()
	tx.status = status
	tx.mu.Unlock()
	close(tx.done)
}
