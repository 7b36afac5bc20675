package testutil

import (
	"context"
	"database/sql/driver"
	"io"
	"testing"
)

func TestStubDBStoresAndQueriesRows(t *testing.T) {
	ctx := context.Background()
	_, conn := NewStubDB()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	for _, key := range []string{"a", "b"} {
		_, err := conn.ExecContext(ctx, "INSERT INTO records (entity, key) VALUES ($1,$2)", []driver.NamedValue{
			{Value: "Account"},
			{Value: key},
		})
		if err != nil {
			t.Fatalf("ExecContext insert: %v", err)
		}
	}
	if len(conn.Rows("records")) != 2 {
		t.Fatalf("expected two rows, got %v", conn.Rows("records"))
	}

	res, err := conn.ExecContext(ctx, "DELETE FROM records WHERE entity=$1 AND key=$2", []driver.NamedValue{{Value: "Account"}, {Value: "a"}})
	if err != nil {
		t.Fatalf("ExecContext delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("expected one row deleted, got %d", n)
	}

	rows, err := conn.QueryContext(ctx, "select key, entity from records where entity = $1 order by key", []driver.NamedValue{{Value: "Account"}})
	if err != nil {
		t.Fatalf("QueryContext: %v", err)
	}
	defer func() { _ = rows.Close() }()

	dest := make([]driver.Value, 2)
	if err := rows.Next(dest); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if dest[0] != "b" || dest[1] != "Account" {
		t.Fatalf("unexpected row values: %v", dest)
	}
	if err := rows.Next(dest); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestStubDBRejectsUnknownPredicates(t *testing.T) {
	_, conn := NewStubDB()
	if _, err := conn.ExecContext(context.Background(), "DELETE FROM records WHERE key > $1", nil); err == nil {
		t.Fatalf("expected parse error")
	}
}
