package domain

import (
	"context"
	"fmt"
)

// Action identifies the persister call a Change maps to.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Change is one pending row mutation produced by a staged edit. Insert uses
// After, Delete uses Before, Update uses both.
type Change struct {
	Action Action
	Before Record
	After  Record
}

// Inverse returns the change that undoes c.
func (c Change) Inverse() Change {
	switch c.Action {
	case ActionInsert:
		return Change{Action: ActionDelete, Before: c.After}
	case ActionDelete:
		return Change{Action: ActionInsert, After: c.Before}
	default:
		return Change{Action: ActionUpdate, Before: c.After, After: c.Before}
	}
}

// Key returns the key of the affected row.
func (c Change) Key() string {
	if c.Action == ActionInsert {
		return c.After.Key
	}
	return c.Before.Key
}

// Apply issues the change against p, wrapping failures in PersistenceError.
func (c Change) Apply(ctx context.Context, p Persister, entity string) error {
	var err error
	switch c.Action {
	case ActionInsert:
		err = p.Insert(ctx, entity, c.After)
	case ActionUpdate:
		err = p.Update(ctx, entity, c.Before, c.After)
	case ActionDelete:
		err = p.Delete(ctx, entity, c.Before)
	default:
		err = fmt.Errorf("unknown action %q", c.Action)
	}
	if err != nil {
		return PersistenceError{Op: string(c.Action), Entity: entity, Key: c.Key(), Err: err}
	}
	return nil
}

// ApplyAll issues changes in order. On failure the changes already issued are
// reverted in reverse order and the original error is returned.
func ApplyAll(ctx context.Context, p Persister, entity string, changes []Change) error {
	for i, c := range changes {
		if err := c.Apply(ctx, p, entity); err != nil {
			_ = RevertAll(ctx, p, entity, changes[:i])
			return err
		}
	}
	return nil
}

// RevertAll issues the inverse of changes in reverse order, returning the
// first failure after attempting every change.
func RevertAll(ctx context.Context, p Persister, entity string, changes []Change) error {
	var first error
	for i := len(changes) - 1; i >= 0; i-- {
		if err := changes[i].Inverse().Apply(ctx, p, entity); err != nil && first == nil {
			first = err
		}
	}
	return first
}
