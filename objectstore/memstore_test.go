package objectstore_test

import (
	"context"
	"testing"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
)

func TestPutIfAbsentConflict(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore(nil)

	if err := store.PutIfAbsent(ctx, "k", []byte("a")); err != nil {
		t.Fatalf("first PutIfAbsent should succeed: %v", err)
	}
	err := store.PutIfAbsent(ctx, "k", []byte("b"))
	if apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict, got %v", err)
	}
}

func TestPutIfMatch(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore(nil)

	if err := store.Put(ctx, "k", []byte("a"), ""); err != nil {
		t.Fatal(err)
	}
	_, etag, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutIfMatch(ctx, "k", []byte("b"), etag); err != nil {
		t.Fatalf("expected PutIfMatch to succeed with correct etag: %v", err)
	}
	if err := store.PutIfMatch(ctx, "k", []byte("c"), "stale-etag"); apperr.CodeOf(err) != apperr.Conflict {
		t.Fatalf("expected Conflict for stale etag, got %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore(nil)
	_, _, err := store.Get(ctx, "missing")
	if apperr.CodeOf(err) != apperr.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore(nil)
	if err := store.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("delete of missing key should succeed, got %v", err)
	}
}

func TestListWithDelimiter(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemStore(nil)
	keys := []string{
		"2024/03/15/a.parquet",
		"2024/03/15/b.parquet",
		"2024/03/15/compacted/c.parquet",
		"2024/03/16/d.parquet",
	}
	for _, k := range keys {
		if err := store.Put(ctx, k, []byte("x"), ""); err != nil {
			t.Fatal(err)
		}
	}

	result, err := store.List(ctx, "2024/03/15/", "/")
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Keys) != 2 {
		t.Fatalf("expected 2 direct keys, got %v", result.Keys)
	}
	if len(result.CommonPrefixes) != 1 || result.CommonPrefixes[0] != "2024/03/15/compacted/" {
		t.Fatalf("expected one common prefix, got %v", result.CommonPrefixes)
	}
}
