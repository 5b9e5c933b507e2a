package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/apperr"
)

// S3Config is the connection configuration for the S3-compatible backend.
type S3Config struct {
	ServiceURL string
	Region     string
	AccessKey  string
	SecretKey  string
	BucketName string
}

// S3Store is the production ObjectStore, backed by a shared
// *minio.Client. Transient network/5xx errors are retried with bounded
// exponential backoff (at least three attempts, capped at ~2s total); 4xx
// errors are returned directly.
type S3Store struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewS3Store constructs an S3Store from cfg, sharing client across every
// caller (ObjectStore and LockService alike) so connections are pooled.
func NewS3Store(client *minio.Client, cfg S3Config, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: cfg.BucketName,
		logger: logger.With().Str("component", "objectstore").Logger(),
	}
}

// NewMinioClient builds the shared minio.Client used by S3Store and the
// lock service.
func NewMinioClient(cfg S3Config) (*minio.Client, error) {
	useTLS := strings.HasPrefix(cfg.ServiceURL, "https://")
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.ServiceURL, "https://"), "http://")
	return minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: useTLS,
		Region: cfg.Region,
	})
}

func newBackoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = 500 * time.Millisecond
	eb.MaxElapsedTime = 2 * time.Second
	return backoff.WithMaxRetries(eb, 4)
}

// withRetry retries op while it returns a transient error, bounded by
// newBackoff, and otherwise returns the first permanent error unchanged.
func withRetry(ctx context.Context, op func() error) error {
	var lastErr error
	retryable := func() error {
		err := op()
		lastErr = err
		if err == nil {
			return nil
		}
		if isTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(retryable, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return lastErr
	}
	return nil
}

func isTransient(err error) bool {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" {
		// Not a structured S3 error response — a network-level failure
		// (timeout, connection reset, DNS) is treated as transient.
		return true
	}
	return resp.StatusCode >= 500
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == 404
}

func classifyStorageError(err error, notFoundMessage string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return apperr.Wrap(apperr.NotFound, notFoundMessage, err)
	}
	if isTransient(err) {
		return apperr.Wrap(apperr.StorageTransient, "object store request failed after retries", err)
	}
	return apperr.Wrap(apperr.StoragePermanent, "object store rejected request", err)
}

func (s *S3Store) Put(ctx context.Context, key string, body []byte, contentType string) error {
	err := withRetry(ctx, func() error {
		_, putErr := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
			ContentType: contentType,
		})
		return putErr
	})
	if err != nil {
		return classifyStorageError(err, "object not found")
	}
	return nil
}

// PutIfAbsent emulates "If-None-Match: *" by checking Head immediately
// before the PUT. Real S3 supports a true conditional PUT; not every
// S3-compatible backend reached through minio-go does, so this head-check
// race window is the deliberate emulation strategy (see DESIGN.md).
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, body []byte) error {
	if _, err := s.Head(ctx, key); err == nil {
		return apperr.New(apperr.Conflict, "object already exists")
	} else if apperr.CodeOf(err) != apperr.NotFound {
		return err
	}
	return s.Put(ctx, key, body, "application/octet-stream")
}

// PutIfMatch emulates "If-Match: etag" the same way: a Head check
// immediately before the PUT.
func (s *S3Store) PutIfMatch(ctx context.Context, key string, body []byte, etag string) error {
	info, err := s.Head(ctx, key)
	if err != nil {
		return err
	}
	if info.ETag != etag {
		return apperr.New(apperr.Conflict, "object was modified concurrently")
	}
	return s.Put(ctx, key, body, "application/octet-stream")
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	var body []byte
	var etag string
	err := withRetry(ctx, func() error {
		obj, getErr := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
		if getErr != nil {
			return getErr
		}
		defer obj.Close()
		data, readErr := io.ReadAll(obj)
		if readErr != nil {
			return readErr
		}
		info, statErr := obj.Stat()
		if statErr != nil {
			return statErr
		}
		body = data
		etag = info.ETag
		return nil
	})
	if err != nil {
		return nil, "", classifyStorageError(err, fmt.Sprintf("object %q not found", key))
	}
	return body, etag, nil
}

func (s *S3Store) Head(ctx context.Context, key string) (ObjectInfo, error) {
	var info minio.ObjectInfo
	err := withRetry(ctx, func() error {
		statInfo, statErr := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
		info = statInfo
		return statErr
	})
	if err != nil {
		return ObjectInfo{}, classifyStorageError(err, fmt.Sprintf("object %q not found", key))
	}
	return ObjectInfo{ETag: info.ETag, Size: info.Size, LastModified: info.LastModified}, nil
}

func (s *S3Store) List(ctx context.Context, prefix, delimiter string) (ListResult, error) {
	var result ListResult
	commonPrefixSeen := make(map[string]bool)

	listCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	objectCh := s.client.ListObjects(listCtx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: delimiter == "",
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return ListResult{}, classifyStorageError(obj.Err, "list failed")
		}
		if delimiter != "" && strings.HasSuffix(obj.Key, delimiter) {
			if !commonPrefixSeen[obj.Key] {
				commonPrefixSeen[obj.Key] = true
				result.CommonPrefixes = append(result.CommonPrefixes, obj.Key)
			}
			continue
		}
		result.Keys = append(result.Keys, obj.Key)
	}
	return result, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	err := withRetry(ctx, func() error {
		return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	})
	if err != nil && !isNotFound(err) {
		return classifyStorageError(err, "object not found")
	}
	return nil
}

func (s *S3Store) CreateBucketIfNotExists(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyStorageError(err, "bucket check failed")
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// A concurrent creator winning the race is not fatal.
		if exists, existsErr := s.client.BucketExists(ctx, s.bucket); existsErr == nil && exists {
			return nil
		}
		return classifyStorageError(err, "bucket creation failed")
	}
	s.logger.Info().Str("bucket", s.bucket).Msg("created bucket")
	return nil
}
