package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronostore/pkg/domain"
)

type step struct {
	name string
	log  *[]string
	fail bool
}

func (s *step) Flush(context.Context, *Tx) error {
	*s.log = append(*s.log, "flush "+s.name)
	if s.fail {
		return errors.New("flush failed")
	}
	return nil
}

func (s *step) Compensate(context.Context, *Tx) error {
	*s.log = append(*s.log, "compensate "+s.name)
	return nil
}

func (s *step) Rollback(*Tx) { *s.log = append(*s.log, "rollback "+s.name) }

func (s *step) Complete(*Tx) { *s.log = append(*s.log, "complete "+s.name) }

func TestCommitFlushesInEnrollmentOrder(t *testing.T) {
	var log []string
	c := NewCoordinator()
	ctx, tx, err := c.Begin(t.Context(), Options{})
	require.NoError(t, err)
	a, b := &step{name: "a", log: &log}, &step{name: "b", log: &log}
	require.NoError(t, tx.Enroll(a))
	require.NoError(t, tx.Enroll(b))
	require.NoError(t, tx.Enroll(a))

	require.NoError(t, c.Commit(ctx, tx))
	assert.Equal(t, []string{"flush a", "flush b", "complete a", "complete b"}, log)
	assert.Equal(t, StatusCommitted, tx.Status())
	select {
	case <-tx.Done():
	default:
		t.Fatal("done channel not closed")
	}
	_, ok := FromContext(ctx)
	assert.False(t, ok)
}

func TestCommitFailureCompensatesAndRollsBack(t *testing.T) {
	var log []string
	var observed []bool
	c := NewCoordinator(WithObserver(func(_ context.Context, op string, success bool, _ time.Duration) {
		if op == "commit" {
			observed = append(observed, success)
		}
	}))
	ctx, tx, err := c.Begin(t.Context(), Options{})
	require.NoError(t, err)
	for _, s := range []*step{
		{name: "a", log: &log},
		{name: "b", log: &log},
		{name: "c", log: &log, fail: true},
		{name: "d", log: &log},
	} {
		require.NoError(t, tx.Enroll(s))
	}

	err = c.Commit(ctx, tx)
	require.Error(t, err)
	assert.Equal(t, []string{
		"flush a", "flush b", "flush c",
		"compensate b", "compensate a",
		"rollback c", "rollback d",
	}, log)
	assert.Equal(t, StatusRolledBack, tx.Status())
	assert.Equal(t, []bool{false}, observed)
}

func TestRollbackRunsNewestFirst(t *testing.T) {
	var log []string
	c := NewCoordinator()
	ctx, tx, err := c.Begin(t.Context(), Options{})
	require.NoError(t, err)
	require.NoError(t, tx.Enroll(&step{name: "a", log: &log}))
	require.NoError(t, tx.Enroll(&step{name: "b", log: &log}))
	require.NoError(t, c.Rollback(ctx, tx))
	assert.Equal(t, []string{"rollback b", "rollback a"}, log)

	assert.True(t, domain.IsStateViolation(c.Commit(ctx, tx)))
	assert.True(t, domain.IsStateViolation(tx.Enroll(&step{name: "late", log: &log})))
}

func TestBeginRejectsNestedTransaction(t *testing.T) {
	c := NewCoordinator()
	ctx, tx, err := c.Begin(t.Context(), Options{Isolation: Locking})
	require.NoError(t, err)
	assert.Equal(t, Locking, tx.Isolation())

	_, _, err = c.Begin(ctx, Options{})
	assert.True(t, domain.IsStateViolation(err))

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)
}

func TestProcessingInstantsStrictlyIncrease(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 123456789, time.UTC)
	c := NewCoordinator(WithClock(func() time.Time { return fixed }))
	first := c.Now()
	second := c.Now()
	assert.Equal(t, fixed.Truncate(time.Microsecond), first)
	assert.Equal(t, first.Add(time.Microsecond), second)
}

func TestRunInTransaction(t *testing.T) {
	var log []string
	c := NewCoordinator()
	err := c.RunInTransaction(t.Context(), Options{}, func(ctx context.Context, tx *Tx) error {
		return tx.Enroll(&step{name: "ok", log: &log})
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	err = c.RunInTransaction(t.Context(), Options{}, func(ctx context.Context, tx *Tx) error {
		require.NoError(t, tx.Enroll(&step{name: "bad", log: &log}))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"flush ok", "complete ok", "rollback bad"}, log)
}

func TestWithinReusesActiveTransaction(t *testing.T) {
	c := NewCoordinator()
	ctx, outer, err := c.Begin(t.Context(), Options{})
	require.NoError(t, err)
	var inner *Tx
	require.NoError(t, c.Within(ctx, func(_ context.Context, tx *Tx) error {
		inner = tx
		return nil
	}))
	assert.Same(t, outer, inner)
	assert.True(t, outer.Active())

	require.NoError(t, c.Within(t.Context(), func(_ context.Context, tx *Tx) error {
		inner = tx
		return nil
	}))
	assert.NotSame(t, outer, inner)
	assert.Equal(t, StatusCommitted, inner.Status())
}
