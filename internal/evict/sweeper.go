// Package evict runs the TTL-based inactive-query eviction sweep (spec
// §4.6 getInactiveQueries): on an interval, for every client group this
// task owns, it loads the CVR, asks the config-driven updater which
// queries are fully inactive and past their TTL, and evicts the oldest
// of them first so a quiet client group's desire table doesn't grow
// without bound. Grounded on the teacher's periodic background worker
// shape (pkg/history/cache.Warmer).
package evict

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/sourcetable/cvrsync/internal/lock"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/updater"
)

// Sweeper periodically evicts expired inactive desired queries across
// every client group this task owns.
type Sweeper struct {
	db                   *sql.DB
	dialect              store.Dialect
	taskIdentity         string
	deferredRowThreshold int
	locker               Locker
	logger               *slog.Logger
	metrics              *metrics.CVRMetrics

	stopCh chan struct{}
}

// SetMetrics attaches a shared *metrics.CVRMetrics, propagated to every
// per-group Store the sweeper constructs. Pass nil (the default) to
// disable instrumentation.
func (s *Sweeper) SetMetrics(m *metrics.CVRMetrics) { s.metrics = m }

// Locker is the subset of internal/lock.LockManager the sweeper needs:
// a cluster-wide mutual-exclusion fence so that only one task in the
// fleet runs the sweep for a given client group at a time, even though
// CVR ownership already makes a concurrent write from a non-owner fail
// with OwnershipError. A nil Locker disables fencing (single-task
// deployments, and tests).
type Locker interface {
	AcquireLock(ctx context.Context, key string) (Lease, error)
}

// Lease is an acquired distributed lock lease; Release gives it back.
type Lease interface {
	Release(ctx context.Context) error
}

// LockManagerAdapter wraps an *internal/lock.LockManager as a Locker,
// since LockManager.AcquireLock returns the concrete *DistributedLock
// rather than the Lease interface the sweeper depends on (keeping
// internal/lock free of any evict-specific interface).
type LockManagerAdapter struct {
	*lock.LockManager
}

// AcquireLock satisfies Locker.
func (a LockManagerAdapter) AcquireLock(ctx context.Context, key string) (Lease, error) {
	return a.LockManager.AcquireLock(ctx, key)
}

// New constructs a Sweeper. locker may be nil to disable cross-task
// fencing (e.g. a single-task deployment, or tests against an embedded
// SQLite store no other task can reach anyway).
func New(db *sql.DB, dialect store.Dialect, taskIdentity string, deferredRowThreshold int, locker Locker, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		db:                   db,
		dialect:              dialect,
		taskIdentity:         taskIdentity,
		deferredRowThreshold: deferredRowThreshold,
		locker:               locker,
		logger:               logger.With("component", "evict_sweeper"),
		stopCh:               make(chan struct{}),
	}
}

// Start runs the sweep on interval until ctx is cancelled or Stop is
// called. It sweeps once immediately, matching the teacher's
// warm-then-tick pattern.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.sweepAll(ctx)

	for {
		select {
		case <-ticker.C:
			s.sweepAll(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop ends a running Start loop.
func (s *Sweeper) Stop() { close(s.stopCh) }

func (s *Sweeper) sweepAll(ctx context.Context) {
	groups, err := store.ListOwnedClientGroups(ctx, s.db, s.dialect, s.taskIdentity)
	if err != nil {
		s.logger.Error("failed to list owned client groups", "error", err)
		return
	}
	for _, clientGroupID := range groups {
		if err := s.sweepGroup(ctx, clientGroupID); err != nil {
			s.logger.Warn("eviction sweep failed for client group", "client_group_id", clientGroupID, "error", err)
		}
	}
}

// sweepGroup evicts every inactive-and-expired query for one client
// group, oldest expiry first, and commits all of those evictions in a
// single flush.
func (s *Sweeper) sweepGroup(ctx context.Context, clientGroupID string) error {
	lockKey := "cvrsync:evict:" + clientGroupID
	if s.locker != nil {
		lease, err := s.locker.AcquireLock(ctx, lockKey)
		if err != nil {
			return nil // another task owns the sweep for this group right now
		}
		defer func() {
			if err := lease.Release(context.Background()); err != nil {
				s.logger.Warn("failed to release eviction sweep lock", "key", lockKey, "error", err)
			}
		}()
	}

	st := store.New(s.db, s.dialect, clientGroupID, s.taskIdentity, s.deferredRowThreshold, s.logger)
	st.SetMetrics(s.metrics)
	now := time.Now().UnixMilli()

	result, err := st.Load(ctx, now, 0)
	if err != nil {
		return err
	}

	snap := &updater.Snapshot{Instance: result.Instance, Clients: result.Clients, Queries: result.Queries}
	u := updater.NewConfigUpdater(snap, st)

	inactive := u.GetInactiveQueries()
	evictedAny := false
	for _, iq := range inactive {
		if iq.ExpireAtMs > now {
			break // sorted ascending; nothing past this point has expired yet
		}
		for _, clientID := range u.DesiringClients(iq.QueryHash) {
			u.DeleteDesiredQueries(clientID, []string{iq.QueryHash})
		}
		evictedAny = true
	}
	if !evictedAny {
		return nil
	}

	expectedVersion := result.Instance.Version
	newVersion := u.NewVersion()
	_, err = st.Flush(ctx, expectedVersion, newVersion, now, nil, rowcache.AllowDefer)
	return err
}
