// Package sqlrows maps domain records onto the flat records table shared by
// the SQL-backed persisters.
package sqlrows

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chronostore/pkg/domain"
)

// Columns lists the records table columns in insert order.
var Columns = []string{
	"entity",
	"key",
	"business_from",
	"processing_from",
	"business_to",
	"processing_to",
	"attributes",
}

// Row is the column form of one record.
type Row struct {
	Entity         string
	Key            string
	BusinessFrom   int64
	ProcessingFrom int64
	BusinessTo     int64
	ProcessingTo   int64
	Attributes     []byte
}

// Encode flattens rec for entity. Instants are stored as UTC microseconds.
func Encode(entity string, rec domain.Record) (Row, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return Row{}, fmt.Errorf("encode attributes of %s: %w", rec.Key, err)
	}
	return Row{
		Entity:         entity,
		Key:            rec.Key,
		BusinessFrom:   rec.Business.From.UnixMicro(),
		ProcessingFrom: rec.Processing.From.UnixMicro(),
		BusinessTo:     rec.Business.To.UnixMicro(),
		ProcessingTo:   rec.Processing.To.UnixMicro(),
		Attributes:     attrs,
	}, nil
}

// Args returns the row values in Columns order.
func (r Row) Args() []any {
	return []any{r.Entity, r.Key, r.BusinessFrom, r.ProcessingFrom, r.BusinessTo, r.ProcessingTo, r.Attributes}
}

// IDArgs returns the primary key values: entity, key, business_from, processing_from.
func (r Row) IDArgs() []any {
	return []any{r.Entity, r.Key, r.BusinessFrom, r.ProcessingFrom}
}

// Decode rebuilds the record stored in r.
func (r Row) Decode() (domain.Record, error) {
	rec := domain.Record{
		Key:        r.Key,
		Business:   domain.Range{From: instant(r.BusinessFrom), To: domain.NormalizeInfinity(instant(r.BusinessTo))},
		Processing: domain.Range{From: instant(r.ProcessingFrom), To: domain.NormalizeInfinity(instant(r.ProcessingTo))},
		Attributes: domain.Attributes{},
	}
	if len(r.Attributes) > 0 {
		if err := json.Unmarshal(r.Attributes, &rec.Attributes); err != nil {
			return domain.Record{}, fmt.Errorf("decode attributes of %s: %w", r.Key, err)
		}
	}
	return rec, nil
}

func instant(us int64) time.Time { return time.UnixMicro(us).UTC() }

// Queryer is the read surface of *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Select runs query (which must select Columns in order) and decodes every row.
func Select(ctx context.Context, q Queryer, query string, args ...any) ([]domain.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select records: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []domain.Record
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.Entity, &r.Key, &r.BusinessFrom, &r.ProcessingFrom, &r.BusinessTo, &r.ProcessingTo, &r.Attributes); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec, err := r.Decode()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

// RequireOne converts a zero rows-affected result into a NotFoundError.
func RequireOne(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return domain.NotFoundError{Entity: entity, Key: key}
	}
	return nil
}
