package domain

import "context"

// EntityType describes one registered entity type.
type EntityType struct {
	Name string
	Kind Kind
	// NonTransactional types write straight through even inside a transaction.
	NonTransactional bool
	// Unique and Indexed name attributes maintained as secondary indices.
	Unique  []string
	Indexed []string
}

// Persister is the durable write capability invoked by the core. Calls are
// synchronous; failures are wrapped in PersistenceError by the caller.
type Persister interface {
	Insert(ctx context.Context, entity string, rec Record) error
	// Update replaces the row identified by before.ID() with after.
	Update(ctx context.Context, entity string, before, after Record) error
	Delete(ctx context.Context, entity string, rec Record) error
}

// RecordLoader returns every persisted record of an entity type.
type RecordLoader interface {
	Load(ctx context.Context, entity string) ([]Record, error)
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	Persister
	RecordLoader
	Close() error
}
