// Package compactor merges a day's scattered raw batch files into a
// single compacted file, coordinated across replicas via lockservice.
package compactor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/kamiyn/sendgridparquetlog/apperr"
	"github.com/kamiyn/sendgridparquetlog/clock"
	"github.com/kamiyn/sendgridparquetlog/lockservice"
	"github.com/kamiyn/sendgridparquetlog/model"
	"github.com/kamiyn/sendgridparquetlog/objectstore"
	"github.com/kamiyn/sendgridparquetlog/parquetcodec"
	"github.com/kamiyn/sendgridparquetlog/pathscheme"
)

// State is a point in the compactor's lifecycle.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateRunning
	StateReleasing
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateRunning:
		return "running"
	case StateReleasing:
		return "releasing"
	default:
		return "idle"
	}
}

// RunStatus is the JSON record written to pathscheme.StatusKey() and
// returned by the status endpoint.
type RunStatus struct {
	StartTime   time.Time  `json:"startTime"`
	EndTime     *time.Time `json:"endTime"`
	TargetDays  []string   `json:"targetDays"`
	TargetPaths []string   `json:"targetPaths"`
	SkippedDays []string   `json:"skippedDays,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Compactor runs at most one compaction pass at a time per replica
// (single-flight), and coordinates with other replicas through a
// lockservice.Service before touching storage.
type Compactor struct {
	store objectstore.ObjectStore
	lock  *lockservice.Service
	clock clock.Clock
	log   zerolog.Logger

	inFlight atomic.Bool

	mu    sync.Mutex
	state State
}

// New constructs a Compactor.
func New(store objectstore.ObjectStore, lock *lockservice.Service, c clock.Clock, logger zerolog.Logger) *Compactor {
	return &Compactor{
		store: store,
		lock:  lock,
		clock: c,
		log:   logger.With().Str("component", "compactor").Logger(),
	}
}

// State reports the compactor's current lifecycle state.
func (c *Compactor) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Compactor) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes one compaction pass. It is safe to call concurrently: a
// second caller while one pass is in flight on this replica gets an
// apperr.Conflict error immediately, without touching the distributed
// lock.
func (c *Compactor) Run(ctx context.Context) error {
	if !c.inFlight.CompareAndSwap(false, true) {
		return apperr.New(apperr.Conflict, "compaction already running on this replica")
	}
	defer c.inFlight.Store(false)

	c.setState(StateAcquiring)
	handle, err := c.lock.Acquire(ctx)
	if err != nil {
		c.setState(StateIdle)
		if apperr.CodeOf(err) == apperr.Conflict {
			return apperr.Wrap(apperr.Conflict, "compaction already running on another replica", err)
		}
		return err
	}

	c.setState(StateRunning)
	runErr := c.runLocked(ctx, handle)

	c.setState(StateReleasing)
	if releaseErr := c.lock.Release(ctx, handle); releaseErr != nil {
		c.log.Error().Err(releaseErr).Msg("failed to release compaction lock")
	}
	c.setState(StateIdle)
	return runErr
}

func (c *Compactor) runLocked(ctx context.Context, handle *lockservice.Handle) error {
	now := c.clock.Now()
	status := RunStatus{StartTime: now}
	if err := c.writeStatus(ctx, status); err != nil {
		return err
	}

	today := model.TodayJST(now)
	days, err := pathscheme.AllDayPrefixesBefore(ctx, c.store, today)
	if err != nil {
		status.Error = err.Error()
		c.finalizeStatus(ctx, &status)
		return err
	}

	lastRefresh := now
	for _, day := range days {
		if c.clock.Now().Sub(lastRefresh) >= c.lock.RefreshInterval() {
			if refreshErr := c.lock.Refresh(ctx, handle); refreshErr != nil {
				status.Error = refreshErr.Error()
				c.finalizeStatus(ctx, &status)
				return refreshErr
			}
			lastRefresh = c.clock.Now()
		}

		written, skipped, err := c.compactDay(ctx, day)
		if err != nil {
			status.SkippedDays = append(status.SkippedDays, day.String())
			c.log.Warn().Str("day", day.String()).Err(err).Msg("skipping day after compaction failure")
			continue
		}
		if skipped {
			continue
		}
		status.TargetDays = append(status.TargetDays, day.String())
		status.TargetPaths = append(status.TargetPaths, written)
		if err := c.writeStatus(ctx, status); err != nil {
			return err
		}
	}

	c.finalizeStatus(ctx, &status)
	return nil
}

func (c *Compactor) finalizeStatus(ctx context.Context, status *RunStatus) {
	end := c.clock.Now()
	status.EndTime = &end
	if err := c.writeStatus(ctx, *status); err != nil {
		c.log.Error().Err(err).Msg("failed to write final compaction status")
	}
}

// compactDay merges one day's raw and (any) prior compacted files into a
// single new compacted file, then deletes the sources. skipped reports a
// day with no raw files (nothing to do, not an error).
func (c *Compactor) compactDay(ctx context.Context, day model.PartitionKey) (writtenKey string, skipped bool, err error) {
	dayListing, err := c.store.List(ctx, pathscheme.DayPrefix(day), "/")
	if err != nil {
		return "", false, err
	}
	rawKeys := dayListing.Keys
	if len(rawKeys) == 0 {
		return "", true, nil
	}

	compactedListing, err := c.store.List(ctx, pathscheme.CompactedPrefix(day), "")
	if err != nil {
		return "", false, err
	}
	previousCompactedKeys := compactedListing.Keys

	sourceKeys := make([]string, 0, len(rawKeys)+len(previousCompactedKeys))
	sourceKeys = append(sourceKeys, rawKeys...)
	sourceKeys = append(sourceKeys, previousCompactedKeys...)
	sort.Strings(sourceKeys)

	sources := make([][]byte, 0, len(sourceKeys))
	for _, key := range sourceKeys {
		body, _, getErr := c.store.Get(ctx, key)
		if getErr != nil {
			return "", false, getErr
		}
		sources = append(sources, body)
	}

	merged, err := parquetcodec.EncodeMerged(sources)
	if err != nil {
		return "", false, apperr.Wrap(apperr.Internal, "merge parquet sources", err)
	}

	newKey := pathscheme.CompactedKey(day, c.clock.Now())
	if err := c.store.Put(ctx, newKey, merged, "application/octet-stream"); err != nil {
		return "", false, err
	}

	for _, key := range rawKeys {
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.log.Error().Str("key", key).Err(delErr).Msg("failed to delete raw file after compaction")
		}
	}
	for _, key := range previousCompactedKeys {
		if key == newKey {
			continue
		}
		if delErr := c.store.Delete(ctx, key); delErr != nil {
			c.log.Error().Str("key", key).Err(delErr).Msg("failed to delete stale compacted file")
		}
	}

	return newKey, false, nil
}

func (c *Compactor) writeStatus(ctx context.Context, status RunStatus) error {
	body, err := json.Marshal(status)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "marshal compaction status", err)
	}
	return c.store.Put(ctx, pathscheme.StatusKey(), body, "application/json")
}

// ReadStatus returns the last recorded run, or apperr.NotFound if no
// compaction has ever run.
func ReadStatus(ctx context.Context, store objectstore.ObjectStore) (RunStatus, error) {
	body, _, err := store.Get(ctx, pathscheme.StatusKey())
	if err != nil {
		return RunStatus{}, err
	}
	var status RunStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return RunStatus{}, apperr.Wrap(apperr.Internal, "decode compaction status", err)
	}
	return status, nil
}
