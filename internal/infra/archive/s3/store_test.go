package s3

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"chronostore/internal/archive/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests("archive")
	if store.Driver() != core.DriverS3 {
		t.Fatalf("unexpected driver %s", store.Driver())
	}

	info, err := store.Put(ctx, "Balance/B1/1.jsonl", bytes.NewReader([]byte("{\"key\":\"B1\"}\n")), core.PutOptions{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"records": "1"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Key != "Balance/B1/1.jsonl" || info.ETag != "etag" {
		t.Fatalf("unexpected info %+v", info)
	}
	if _, err := store.Put(ctx, "Balance/B1/1.jsonl", bytes.NewReader(nil), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected exists error, got %v", err)
	}

	got, body, err := store.Get(ctx, "Balance/B1/1.jsonl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(body)
	_ = body.Close()
	if string(data) != "{\"key\":\"B1\"}\n" {
		t.Fatalf("unexpected body %q", data)
	}
	if got.ContentType != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", got.ContentType)
	}
	if got.ETag != "etag" {
		t.Fatalf("expected etag from get, got %q", got.ETag)
	}
	if got.Metadata["records"] != "1" {
		t.Fatalf("expected metadata round trip, got %v", got.Metadata)
	}

	list, err := store.List(ctx, "Balance/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Key != "Balance/B1/1.jsonl" {
		t.Fatalf("expected prefix stripped from listed keys, got %v", list)
	}

	if ok, err := store.Delete(ctx, "Balance/B1/1.jsonl"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "Balance/B1/1.jsonl"); err != nil || ok {
		t.Fatalf("expected missing delete false, got %v %v", ok, err)
	}
	if _, _, err := store.Get(ctx, "Balance/B1/1.jsonl"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestNewWithStaticCredentials(t *testing.T) {
	store, err := New(context.Background(), Config{
		Bucket:          "b",
		Prefix:          "/p/",
		Endpoint:        "http://localhost:9000",
		AccessKeyID:     "id",
		SecretAccessKey: "secret",
		PathStyle:       true,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if store.objectKey("k") != "p/k" || store.archiveKey("p/k") != "k" {
		t.Fatalf("unexpected prefix mapping")
	}
}

func TestMockResponsesUseCanonicalHeaders(t *testing.T) {
	rt := &mockRoundTripper{state: make(map[string]mockObj)}
	put, err := http.NewRequest(http.MethodPut, "https://mock.s3.local/mock-bucket/k", strings.NewReader("v"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	put.Header.Set("X-Amz-Meta-Records", "1")
	resp, err := rt.RoundTrip(put)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if resp.Header.Get("ETag") != mockETag {
		t.Fatalf("expected etag on put response, got %v", resp.Header)
	}

	head, err := http.NewRequest(http.MethodHead, "https://mock.s3.local/mock-bucket/k", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err = rt.RoundTrip(head)
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	for _, name := range []string{"ETag", "Content-Length", "Last-Modified", "X-Amz-Meta-Records"} {
		if resp.Header.Get(name) == "" {
			t.Fatalf("missing %s header in %v", name, resp.Header)
		}
	}
}
