package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronostore/pkg/domain"
)

func newStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s := newStore(t, dir)
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	early := domain.Record{
		Key:        "B1",
		Business:   domain.Range{From: domain.Beginning, To: from},
		Processing: domain.OpenFrom(from),
		Attributes: domain.Attributes{"amount": int64(1)},
	}
	late := domain.NewDatedRecord("B1", from, domain.Attributes{"amount": 2})
	late.Processing = domain.OpenFrom(from)
	require.NoError(t, s.Insert(ctx, "Balance", late))
	require.NoError(t, s.Insert(ctx, "Balance", early))
	require.NoError(t, s.Insert(ctx, "BalanceArchive", domain.NewRecord("X", nil)))
	require.Error(t, s.Insert(ctx, "Balance", late))
	require.NoError(t, s.Close())

	s = newStore(t, dir)
	t.Cleanup(func() { _ = s.Close() })
	assert.Equal(t, dir, s.Path())
	recs, err := s.Load(ctx, "Balance")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].SameVersion(early), "got %v", recs[0])
	assert.True(t, recs[1].SameVersion(late), "got %v", recs[1])
	assert.True(t, recs[1].Business.IsOpen())
}

func TestStoreUpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, "")
	t.Cleanup(func() { _ = s.Close() })
	rec := domain.NewRecord("A1", domain.Attributes{"name": "a"})

	assert.True(t, domain.IsNotFound(s.Update(ctx, "Account", rec, rec)))
	require.NoError(t, s.Insert(ctx, "Account", rec))
	next := rec.Clone()
	next.Attributes["name"] = "b"
	require.NoError(t, s.Update(ctx, "Account", rec, next))

	recs, err := s.Load(ctx, "Account")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Attributes["name"])

	require.NoError(t, s.Delete(ctx, "Account", next))
	assert.True(t, domain.IsNotFound(s.Delete(ctx, "Account", next)))
	recs, err = s.Load(ctx, "Account")
	require.NoError(t, err)
	assert.Empty(t, recs)
}
