package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronostore/pkg/domain"
)

type handle struct{ key string }

var accountType = domain.EntityType{
	Name:    "Account",
	Kind:    domain.KindNonDated,
	Unique:  []string{"code"},
	Indexed: []string{"desk"},
}

func account(key, code, desk string) domain.Record {
	return domain.NewRecord(key, domain.Attributes{"code": code, "desk": desk})
}

func put(t *testing.T, c *Cache[*handle], rec domain.Record) {
	t.Helper()
	r, err := c.PreparePut(t.Context(), rec)
	require.NoError(t, err)
	require.NoError(t, c.CommitPreparedForIndex(r, &handle{key: rec.Key}, rec))
}

func TestPreparePutRollbackLeavesNoTrace(t *testing.T) {
	c := New[*handle](accountType)
	put(t, c, account("A1", "alpha", "fx"))
	before := c.Snapshot()

	r, err := c.PreparePut(t.Context(), account("A2", "beta", "fx"))
	require.NoError(t, err)
	r.Stage(&handle{key: "A2"})
	_, staged := c.Reserved("A2")
	assert.True(t, staged)
	assert.NotEqual(t, before, c.Snapshot())

	c.Rollback(r)
	assert.Equal(t, before, c.Snapshot())
	_, staged = c.Reserved("A2")
	assert.False(t, staged)

	// Rolling back twice is harmless.
	c.Rollback(r)
	assert.Equal(t, before, c.Snapshot())
}

func TestRollbackOfDatedReservationDropsContainer(t *testing.T) {
	c := New[*handle](domain.EntityType{Name: "Position", Kind: domain.KindBitemporal})
	before := c.Snapshot()
	rec := domain.NewDatedRecord("P1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	r, err := c.PreparePut(t.Context(), rec)
	require.NoError(t, err)
	ct := c.GetOrCreateContainer(rec)
	assert.Same(t, ct, c.GetOrCreateContainer(rec))
	c.Rollback(r)
	assert.Equal(t, before, c.Snapshot())
}

func TestCommittedReservationRollbackRemovesEntry(t *testing.T) {
	c := New[*handle](accountType)
	before := c.Snapshot()
	rec := account("A1", "alpha", "fx")
	r, err := c.PreparePut(t.Context(), rec)
	require.NoError(t, err)
	require.NoError(t, c.CommitPreparedForIndex(r, &handle{key: "A1"}, rec))
	require.Equal(t, 1, c.Len())

	c.Rollback(r)
	assert.Equal(t, before, c.Snapshot())
	assert.ErrorIs(t, c.CommitPreparedForIndex(r, &handle{}, rec), ErrUnknownReservation)
}

func TestPreparePutRejectsExistingKeyAndUniqueValue(t *testing.T) {
	c := New[*handle](accountType)
	put(t, c, account("A1", "alpha", "fx"))

	_, err := c.PreparePut(t.Context(), account("A1", "other", "fx"))
	var overlap domain.OverlapError
	require.ErrorAs(t, err, &overlap)
	assert.Equal(t, "A1", overlap.Existing.Key)

	_, err = c.PreparePut(t.Context(), account("A2", "alpha", "fx"))
	assert.True(t, domain.IsOverlap(err))
}

func TestConcurrentInsertOfSameKey(t *testing.T) {
	c := New[*handle](accountType)
	first, err := c.PreparePut(t.Context(), account("A1", "alpha", "fx"))
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		second  error
		started = make(chan struct{})
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		_, second = c.PreparePut(context.Background(), account("A1", "alpha", "fx"))
	}()
	<-started

	// The second insert stays blocked while the first holds the latch.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.CommitPreparedForIndex(first, &handle{key: "A1"}, account("A1", "alpha", "fx")))
	wg.Wait()
	assert.True(t, domain.IsOverlap(second), "expected overlap, got %v", second)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentInsertProceedsAfterRollback(t *testing.T) {
	c := New[*handle](accountType)
	first, err := c.PreparePut(t.Context(), account("A1", "alpha", "fx"))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r, err := c.PreparePut(context.Background(), account("A1", "alpha", "fx"))
		if err == nil {
			err = c.CommitPreparedForIndex(r, &handle{key: "A1"}, account("A1", "alpha", "fx"))
		}
		done <- err
	}()
	c.Rollback(first)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"A1"}, c.Keys())
}

func TestPreparePutHonoursContext(t *testing.T) {
	c := New[*handle](accountType)
	_, err := c.PreparePut(t.Context(), account("A1", "alpha", "fx"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()
	_, err = c.PreparePut(ctx, account("A1", "alpha", "fx"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSecondaryIndices(t *testing.T) {
	c := New[*handle](accountType)
	put(t, c, account("A1", "alpha", "fx"))
	put(t, c, account("A2", "beta", "fx"))
	put(t, c, account("A3", "gamma", "rates"))

	e, ok := c.FindUnique("code", "beta")
	require.True(t, ok)
	assert.Equal(t, "A2", e.Handle.key)

	fx := c.FindNonUnique("desk", "fx")
	require.Len(t, fx, 2)
	assert.Equal(t, "A1", fx[0].Key)

	c.Reindex("A1", account("A1", "alpha", "rates"))
	assert.Len(t, c.FindNonUnique("desk", "fx"), 1)
	assert.Len(t, c.FindNonUnique("desk", "rates"), 2)

	_, ok = c.Remove("A3")
	require.True(t, ok)
	_, ok = c.FindUnique("code", "gamma")
	assert.False(t, ok)
	assert.Equal(t, []string{"A1", "A2"}, c.Keys())
}

func TestIndexValueNormalisesNumbers(t *testing.T) {
	assert.Equal(t, indexValue(5), indexValue(int64(5)))
	assert.Equal(t, indexValue(5), indexValue(5.0))
	assert.NotEqual(t, indexValue("5"), indexValue(5))
}
