// Package seed imports and exports entity records as Parquet files.
//
// Imported rows keep their explicit business and processing ranges and enter
// the registry through the recovery path, so a seed file written by Export
// reproduces the exported history exactly.
package seed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"chronostore/pkg/domain"
)

// Row is the Parquet schema of one record. Instants are stored as Unix
// microseconds since domain.Infinity does not fit a nanosecond timestamp.
type Row struct {
	Entity         string `parquet:"entity"`
	Key            string `parquet:"key"`
	BusinessFrom   int64  `parquet:"business_from"`
	BusinessTo     int64  `parquet:"business_to"`
	ProcessingFrom int64  `parquet:"processing_from"`
	ProcessingTo   int64  `parquet:"processing_to"`
	Attributes     string `parquet:"attributes"` // JSON object
}

// FromRecord converts a record of entity to a Row.
func FromRecord(entity string, rec domain.Record) (Row, error) {
	attrs, err := json.Marshal(rec.Attributes)
	if err != nil {
		return Row{}, fmt.Errorf("encode %s %s attributes: %w", entity, rec.Key, err)
	}
	return Row{
		Entity:         entity,
		Key:            rec.Key,
		BusinessFrom:   rec.Business.From.UnixMicro(),
		BusinessTo:     rec.Business.To.UnixMicro(),
		ProcessingFrom: rec.Processing.From.UnixMicro(),
		ProcessingTo:   rec.Processing.To.UnixMicro(),
		Attributes:     string(attrs),
	}, nil
}

// Record converts the row back to a record.
func (r Row) Record() (domain.Record, error) {
	rec := domain.Record{
		Key:        r.Key,
		Business:   domain.Range{From: instant(r.BusinessFrom), To: instant(r.BusinessTo)},
		Processing: domain.Range{From: instant(r.ProcessingFrom), To: instant(r.ProcessingTo)},
		Attributes: domain.Attributes{},
	}
	if r.Attributes != "" {
		if err := json.Unmarshal([]byte(r.Attributes), &rec.Attributes); err != nil {
			return domain.Record{}, fmt.Errorf("decode %s %s attributes: %w", r.Entity, r.Key, err)
		}
	}
	return rec, nil
}

func instant(micros int64) time.Time {
	return domain.NormalizeInfinity(time.UnixMicro(micros).UTC())
}

// ReadFile returns every row of the Parquet file at path.
func ReadFile(path string) ([]Row, error) {
	rows, err := parquet.ReadFile[Row](path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return rows, nil
}

// WriteFile writes rows to a Parquet file at path.
func WriteFile(path string, rows []Row) error {
	if err := parquet.WriteFile(path, rows); err != nil {
		return fmt.Errorf("write seed %s: %w", path, err)
	}
	return nil
}
