package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strconv"
	"time"

	"chronostore/pkg/domain"
)

// ContentType is the media type of archived history objects.
const ContentType = "application/x-ndjson"

// HistoryKey names the object holding history of entity/key archived at.
// Keys sort by archive time within one entity key.
func HistoryKey(entity, key string, at time.Time) string {
	return path.Join(entity, key, fmt.Sprintf("%020d.jsonl", at.UTC().UnixMicro()))
}

// WriteHistory stores recs as one JSON object per line.
func WriteHistory(ctx context.Context, store Store, entity, key string, at time.Time, recs []domain.Record) (Info, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return Info{}, fmt.Errorf("encode %s %s: %w", entity, rec.Key, err)
		}
	}
	return store.Put(ctx, HistoryKey(entity, key, at), bytes.NewReader(buf.Bytes()), PutOptions{
		ContentType: ContentType,
		Metadata: map[string]string{
			"entity":  entity,
			"key":     key,
			"records": strconv.Itoa(len(recs)),
		},
	})
}

// ReadHistory decodes an object written by WriteHistory.
func ReadHistory(ctx context.Context, store Store, objectKey string) ([]domain.Record, error) {
	_, body, err := store.Get(ctx, objectKey)
	if err != nil {
		return nil, err
	}
	defer func() { _ = body.Close() }()
	var out []domain.Record
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec domain.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("decode %s line %d: %w", objectKey, len(out)+1, err)
		}
		rec.Business.To = domain.NormalizeInfinity(rec.Business.To)
		rec.Processing.To = domain.NormalizeInfinity(rec.Processing.To)
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", objectKey, err)
	}
	return out, nil
}

// ListHistory returns the archive objects of one entity key, oldest first.
func ListHistory(ctx context.Context, store Store, entity, key string) ([]Info, error) {
	return store.List(ctx, path.Join(entity, key)+"/")
}
