package sqlrows

import (
	"testing"
	"time"

	"chronostore/pkg/domain"
)

func TestEncodeDecodeKeepsInfinityAndTypes(t *testing.T) {
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := domain.Record{
		Key:        "A1",
		Business:   domain.OpenFrom(from),
		Processing: domain.Range{From: from, To: from.Add(time.Hour)},
		Attributes: domain.Attributes{"amount": int64(3), "name": "x"},
	}
	row, err := Encode("Account", rec)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(row.Args()) != len(Columns) {
		t.Fatalf("expected %d args, got %d", len(Columns), len(row.Args()))
	}
	got, err := row.Decode()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.SameVersion(rec) {
		t.Fatalf("expected %v, got %v", rec, got)
	}
	if !got.Business.IsOpen() {
		t.Fatalf("expected open business range, got %s", got.Business)
	}
	if got.ID() != rec.ID() {
		t.Fatalf("id mismatch: %v vs %v", got.ID(), rec.ID())
	}
}

func TestDecodeRejectsBadAttributes(t *testing.T) {
	row := Row{Key: "A1", Attributes: []byte("{")}
	if _, err := row.Decode(); err == nil {
		t.Fatalf("expected decode error")
	}
}
