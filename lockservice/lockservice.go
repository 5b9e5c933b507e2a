// Package lockservice implements a lease-based distributed lock backed by
// a single object, ensuring at most one compactor runs across replicas.
package lockservice

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/pathscheme"
)

// lockValue is the JSON body stored at the lock key.
type lockValue struct {
	LockID     string    `json:"lockId"`
	OwnerID    string    `json:"ownerId"`
	HostName   string    `json:"hostName"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Handle is the caller's proof of ownership, needed to Refresh or Release.
type Handle struct {
	lockID string
	etag   string
}

// LockHeldError reports that another owner currently holds the lock. It
// unwraps to apperr.Conflict, the same code the trigger surface maps to
// 409 for "another run is in progress".
type LockHeldError struct {
	cause     *apperr.Error
	Owner     string
	ExpiresAt time.Time
}

func newLockHeldError(owner string, expiresAt time.Time) *LockHeldError {
	msg := fmt.Sprintf("lock held by %s until %s", owner, expiresAt.Format(time.RFC3339))
	return &LockHeldError{cause: apperr.New(apperr.Conflict, msg), Owner: owner, ExpiresAt: expiresAt}
}

func (e *LockHeldError) Error() string { return e.cause.Error() }
func (e *LockHeldError) Unwrap() error { return e.cause }

// Service coordinates compaction runs across replicas via a single lock
// object. TTL and RefreshInterval are configuration; OwnerID is fixed for
// the process lifetime.
type Service struct {
	store           objectstore.ObjectStore
	clock           clock.Clock
	ttl             time.Duration
	refreshInterval time.Duration
	ownerID         string
	hostName        string
}

// New constructs a Service. ownerID should be stable for the process
// lifetime (a fresh UUID minted at startup is the usual choice).
func New(store objectstore.ObjectStore, c clock.Clock, ttl, refreshInterval time.Duration, ownerID string) *Service {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Service{
		store:           store,
		clock:           c,
		ttl:             ttl,
		refreshInterval: refreshInterval,
		ownerID:         ownerID,
		hostName:        host,
	}
}

// RefreshInterval reports the configured refresh cadence, used by the
// compactor to decide when a long-running pass should call Refresh.
func (s *Service) RefreshInterval() time.Duration {
	return s.refreshInterval
}

// Acquire takes the lock, taking it over from an expired holder if needed.
// It returns *LockHeldError (check with errors.As) when a live lock is
// held by someone else. A single concurrent-acquirer conflict is retried
// once before giving up.
func (s *Service) Acquire(ctx context.Context) (*Handle, error) {
	handle, err := s.tryAcquire(ctx)
	if err == nil || apperr.CodeOf(err) != apperr.Conflict {
		return handle, err
	}
	return s.tryAcquire(ctx)
}

func (s *Service) tryAcquire(ctx context.Context) (*Handle, error) {
	now := s.clock.Now()
	info, headErr := s.store.Head(ctx, pathscheme.LockKey())
	if headErr == nil {
		existing, getErr := s.getLockValue(ctx)
		if getErr != nil {
			return nil, getErr
		}
		if existing.ExpiresAt.After(now) {
			return nil, newLockHeldError(existing.OwnerID, existing.ExpiresAt)
		}
		return s.writeLock(ctx, now, info.ETag)
	}
	if apperr.CodeOf(headErr) != apperr.NotFound {
		return nil, headErr
	}
	return s.writeLock(ctx, now, "")
}

// writeLock writes a fresh lock value. previousEtag == "" means the key
// must not currently exist (putIfAbsent); otherwise it must still match
// (putIfMatch), guarding against a racing acquirer. A Conflict from the
// store surfaces unchanged so Acquire can retry exactly once.
func (s *Service) writeLock(ctx context.Context, now time.Time, previousEtag string) (*Handle, error) {
	id := uuid.NewString()
	value := lockValue{
		LockID:     id,
		OwnerID:    s.ownerID,
		HostName:   s.hostName,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.ttl),
	}
	body, err := json.Marshal(value)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "marshal lock value", err)
	}

	var writeErr error
	if previousEtag == "" {
		writeErr = s.store.PutIfAbsent(ctx, pathscheme.LockKey(), body)
	} else {
		writeErr = s.store.PutIfMatch(ctx, pathscheme.LockKey(), body, previousEtag)
	}
	if writeErr != nil {
		return nil, writeErr
	}

	info, err := s.store.Head(ctx, pathscheme.LockKey())
	if err != nil {
		return nil, err
	}
	return &Handle{lockID: id, etag: info.ETag}, nil
}

func (s *Service) getLockValue(ctx context.Context) (lockValue, error) {
	body, _, err := s.store.Get(ctx, pathscheme.LockKey())
	if err != nil {
		return lockValue{}, err
	}
	var value lockValue
	if err := json.Unmarshal(body, &value); err != nil {
		return lockValue{}, apperr.Wrap(apperr.Internal, "decode lock value", err)
	}
	return value, nil
}

// Refresh extends the lease. It mutates handle on success. It returns an
// apperr.LockLost error if the handle no longer owns the lock, either
// because another owner took it over or because it was modified
// concurrently.
func (s *Service) Refresh(ctx context.Context, handle *Handle) error {
	existing, getErr := s.getLockValueWithEtag(ctx)
	if getErr != nil {
		return getErr
	}
	if existing.value.LockID != handle.lockID {
		return apperr.New(apperr.LockLost, "lock id no longer matches")
	}

	now := s.clock.Now()
	updated := existing.value
	updated.ExpiresAt = now.Add(s.ttl)
	body, err := json.Marshal(updated)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal lock value", err)
	}
	if err := s.store.PutIfMatch(ctx, pathscheme.LockKey(), body, existing.etag); err != nil {
		if apperr.CodeOf(err) == apperr.Conflict {
			return apperr.New(apperr.LockLost, "lock was modified concurrently")
		}
		return err
	}
	info, err := s.store.Head(ctx, pathscheme.LockKey())
	if err != nil {
		return err
	}
	handle.etag = info.ETag
	return nil
}

type lockValueWithEtag struct {
	value lockValue
	etag  string
}

func (s *Service) getLockValueWithEtag(ctx context.Context) (lockValueWithEtag, error) {
	body, etag, err := s.store.Get(ctx, pathscheme.LockKey())
	if err != nil {
		return lockValueWithEtag{}, err
	}
	var value lockValue
	if err := json.Unmarshal(body, &value); err != nil {
		return lockValueWithEtag{}, apperr.Wrap(apperr.Internal, "decode lock value", err)
	}
	return lockValueWithEtag{value: value, etag: etag}, nil
}

// Release gives up the lock. If the handle no longer matches the stored
// lock (already taken over by someone else), Release does nothing: it
// must never delete a lock it no longer owns.
func (s *Service) Release(ctx context.Context, handle *Handle) error {
	existing, err := s.getLockValue(ctx)
	if err != nil {
		if apperr.CodeOf(err) == apperr.NotFound {
			return nil
		}
		return err
	}
	if existing.LockID != handle.lockID {
		return nil
	}
	return s.store.Delete(ctx, pathscheme.LockKey())
}
