// Package objectstore defines the S3-compatible object operations shared
// by the ingestor, the compactor, and the lock service, and a production
// implementation backed by github.com/minio/minio-go/v7.
package objectstore

import (
	"context"
	"time"
)

// ObjectInfo is the metadata returned by Head. Get returns only the ETag
// alongside the body.
type ObjectInfo struct {
	ETag         string
	Size         int64
	LastModified time.Time
}

// ListResult is the outcome of a prefix listing: Keys are object keys found
// directly under prefix (when Delimiter is set, only the immediate
// children), and CommonPrefixes are the "subdirectories" found at that
// delimiter boundary.
type ListResult struct {
	Keys           []string
	CommonPrefixes []string
}

// ObjectStore is the store-relative contract every component programs
// against; S3Store is the only production implementation, MemStore is the
// in-memory fake used throughout the test suite.
type ObjectStore interface {
	// Put unconditionally writes bytes at key, overwriting any existing
	// object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// PutIfAbsent writes bytes at key only if no object currently exists
	// there. Returns an *apperr.Error with code apperr.Conflict (taxonomy
	// name AlreadyExists in the spec) if one does.
	PutIfAbsent(ctx context.Context, key string, body []byte) error

	// PutIfMatch writes bytes at key only if the current object's ETag
	// equals etag. Returns an *apperr.Error with code apperr.Conflict
	// (taxonomy name PreconditionFailed in the spec) otherwise.
	PutIfMatch(ctx context.Context, key string, body []byte, etag string) error

	// Get returns the full object body and its ETag, or an
	// *apperr.Error with code apperr.NotFound.
	Get(ctx context.Context, key string) ([]byte, string, error)

	// Head returns metadata without downloading the body, or an
	// *apperr.Error with code apperr.NotFound.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// List enumerates keys under prefix. When delimiter is non-empty,
	// keys sharing the next path segment after prefix are collapsed into
	// CommonPrefixes instead of being returned individually. List
	// paginates internally so callers always get the full result set.
	List(ctx context.Context, prefix, delimiter string) (ListResult, error)

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// CreateBucketIfNotExists is invoked once at startup. The bucket
	// already existing is not an error.
	CreateBucketIfNotExists(ctx context.Context) error
}
