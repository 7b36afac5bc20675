package domain

import (
	"errors"
	"fmt"
)

// ErrRetry signals a lost enrollment race. It is consumed by the behavior
// layer and never returned to callers.
var ErrRetry = errors.New("enrollment retry")

// OverlapError is returned when a record's validity rectangle intersects a
// current record of the same key.
type OverlapError struct {
	Entity    string
	Key       string
	Existing  Record
	Attempted Record
}

func (e OverlapError) Error() string {
	if e.Existing.Key == "" {
		return fmt.Sprintf("%s %s: key already present", e.Entity, e.Key)
	}
	return fmt.Sprintf("%s %s: %s overlaps existing %s", e.Entity, e.Key, e.Attempted, e.Existing)
}

// InvalidInsertBeforeTerminationError is returned when an open-ended insert
// lands before an existing later segment of the same key.
type InvalidInsertBeforeTerminationError struct {
	Entity string
	Key    string
	At     string
	Next   Record
}

func (e InvalidInsertBeforeTerminationError) Error() string {
	return fmt.Sprintf("%s %s: cannot insert open-ended at %s before existing %s", e.Entity, e.Key, e.At, e.Next)
}

// DeletedObjectError is returned when an operation targets a deleted entity.
type DeletedObjectError struct {
	Entity string
	Key    string
	Op     string
}

func (e DeletedObjectError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s a deleted object", e.Entity, e.Key, e.Op)
}

// PersistenceError wraps a failure reported by a Persister.
type PersistenceError struct {
	Op     string
	Entity string
	Key    string
	Err    error
}

func (e PersistenceError) Error() string {
	return fmt.Sprintf("persist %s %s %s: %v", e.Op, e.Entity, e.Key, e.Err)
}

func (e PersistenceError) Unwrap() error { return e.Err }

// StateViolationError is returned when an operation is structurally
// unsupported by the entity's current state.
type StateViolationError struct {
	Op     string
	State  string
	Entity string
	Key    string
	Reason string
}

func (e StateViolationError) Error() string {
	msg := fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
	if e.Entity != "" || e.Key != "" {
		msg = fmt.Sprintf("%s %s: %s", e.Entity, e.Key, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// NotFoundError is returned when a key has no visible record.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

// ConflictError is returned when an entity is owned by another transaction
// that cannot be waited for.
type ConflictError struct {
	Entity string
	Key    string
	Owner  string
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("%s %s is enrolled in transaction %s", e.Entity, e.Key, e.Owner)
}

// IsOverlap reports whether err carries an OverlapError.
func IsOverlap(err error) bool {
	var target OverlapError
	return errors.As(err, &target)
}

// IsDeleted reports whether err carries a DeletedObjectError.
func IsDeleted(err error) bool {
	var target DeletedObjectError
	return errors.As(err, &target)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var target PersistenceError
	return errors.As(err, &target)
}

// IsStateViolation reports whether err carries a StateViolationError.
func IsStateViolation(err error) bool {
	var target StateViolationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}
