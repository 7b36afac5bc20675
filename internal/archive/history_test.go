package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chronostore/pkg/domain"
)

func TestWriteAndReadHistory(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, Config{Driver: DriverMemory})
	require.NoError(t, err)

	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []domain.Record{
		{
			Key:        "B1",
			Business:   domain.OpenFrom(from),
			Processing: domain.Range{From: from, To: from.AddDate(0, 5, 0)},
			Attributes: domain.Attributes{"amount": int64(100)},
		},
		{
			Key:        "B1",
			Business:   domain.Range{From: from, To: from.AddDate(0, 5, 0)},
			Processing: domain.Range{From: from.AddDate(0, 5, 0), To: from.AddDate(1, 0, 0)},
			Attributes: domain.Attributes{"amount": int64(100), "note": "closed"},
		},
	}
	at := from.AddDate(1, 0, 0)
	info, err := WriteHistory(ctx, store, "Balance", "B1", at, recs)
	require.NoError(t, err)
	assert.Equal(t, HistoryKey("Balance", "B1", at), info.Key)
	assert.Equal(t, "2", info.Metadata["records"])
	assert.Equal(t, ContentType, info.ContentType)

	_, err = WriteHistory(ctx, store, "Balance", "B1", at, recs)
	assert.True(t, errors.Is(err, ErrExists))

	got, err := ReadHistory(ctx, store, info.Key)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for i := range recs {
		assert.True(t, got[i].SameVersion(recs[i]), "record %d: %v", i, got[i])
	}
	assert.True(t, got[0].Business.IsOpen())

	listed, err := ListHistory(ctx, store, "Balance", "B1")
	require.NoError(t, err)
	require.Len(t, listed, 1)

	_, err = ReadHistory(ctx, store, "Balance/B2/none.jsonl")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHistoryKeysSortByTime(t *testing.T) {
	early := HistoryKey("Balance", "B1", time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC))
	late := HistoryKey("Balance", "B1", time.Date(2120, 1, 1, 0, 0, 0, 0, time.UTC))
	assert.Less(t, early, late)
	assert.Equal(t, "Balance/B1/", early[:len("Balance/B1/")])
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	fsStore, err := Open(ctx, Config{FSRoot: filepath.Join(t.TempDir(), "a")})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, fsStore.Driver())

	_, err = Open(ctx, Config{Driver: DriverS3})
	assert.Error(t, err, "bucket is required")

	_, err = Open(ctx, Config{Driver: "tape"})
	assert.ErrorContains(t, err, "unknown archive driver")
}
