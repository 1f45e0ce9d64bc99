package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/version"
)

func openTestStore(t *testing.T, clientGroupID, myTask string) *Store {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cvr.db")
	db, err := OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, DialectSQLite, clientGroupID, myTask, rowcache.DefaultDeferredRowThreshold, nil)
}

func TestLoadCreatesInstanceWhenAbsent(t *testing.T) {
	s := openTestStore(t, "cg1", "task-a")
	result, err := s.Load(context.Background(), 1000, 0)
	require.NoError(t, err)
	require.Equal(t, version.Empty, result.Instance.Version)
	require.Equal(t, "task-a", result.Instance.Owner)
	require.Empty(t, result.Clients)
}

func TestFlushAdvancesVersionAndIsVisibleOnReload(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "cg1", "task-a")
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	newVersion := version.OneAfter(version.Empty)
	result, err := s.Flush(ctx, version.Empty, newVersion, 1000, nil, rowcache.ForceFlush)
	require.NoError(t, err)
	require.False(t, result.RowsDeferred)
	require.Equal(t, newVersion, result.NewVersion)

	reloaded, err := s.Load(ctx, 2000, 1000)
	require.NoError(t, err)
	require.Equal(t, newVersion, reloaded.Instance.Version)
}

func TestFlushRejectsStaleExpectedVersion(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "cg1", "task-a")
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	newVersion := version.OneAfter(version.Empty)
	_, err = s.Flush(ctx, newVersion, version.OneAfter(newVersion), 1000, nil, rowcache.ForceFlush)
	require.Error(t, err)
	var concErr *cvr.ConcurrentModificationError
	require.ErrorAs(t, err, &concErr)
}

func TestOwnershipTakeoverSucceedsWhenGrantOlderThanLastConnect(t *testing.T) {
	ctx := context.Background()
	s1 := openTestStore(t, "cg1", "task-a")
	_, err := s1.Load(ctx, 1000, 0)
	require.NoError(t, err)

	// task-b attaches later and should be able to take over, since
	// task-a's grant (1000) is not newer than task-b's lastConnect (5000).
	db := s1.db
	s2 := New(db, DialectSQLite, "cg1", "task-b", rowcache.DefaultDeferredRowThreshold, nil)
	result, err := s2.Load(ctx, 6000, 5000)
	require.NoError(t, err)
	require.Equal(t, "task-b", result.Instance.Owner)
}

func TestSetCatchupRateLimitZeroClearsLimiter(t *testing.T) {
	s := openTestStore(t, "cg1", "task-a")
	s.SetCatchupRateLimit(100, 10)
	require.NotNil(t, s.catchupLimiter)
	s.SetCatchupRateLimit(0, 0)
	require.Nil(t, s.catchupLimiter)
}

func TestCatchupRowPatchesRespectsRateLimit(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "cg1", "task-a")
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	// Two full token buckets worth of unlimited throughput so the test
	// stays fast while still exercising the limiter path end to end.
	s.SetCatchupRateLimit(1000, 1000)

	patches := make(chan cvr.RowPatch, 4)
	err = s.CatchupRowPatches(ctx, version.Empty, version.MustParse("05"), nil, patches)
	require.NoError(t, err)
	for range patches {
	}
}

func TestFlushReportsOkOutcomeToMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCVRMetrics("cvrsync_test_store_flush_ok")
	s := openTestStore(t, "cg1", "task-a")
	s.SetMetrics(m)
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	newVersion := version.OneAfter(version.Empty)
	_, err = s.Flush(ctx, version.Empty, newVersion, 1000, nil, rowcache.ForceFlush)
	require.NoError(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(m.FlushTotal.WithLabelValues(string(metrics.FlushOK))))
	require.Equal(t, 1, testutil.CollectAndCount(m.FlushDuration))
}

func TestFlushReportsConcurrentModificationOutcomeToMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCVRMetrics("cvrsync_test_store_flush_conc")
	s := openTestStore(t, "cg1", "task-a")
	s.SetMetrics(m)
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	newVersion := version.OneAfter(version.Empty)
	_, err = s.Flush(ctx, newVersion, version.OneAfter(newVersion), 1000, nil, rowcache.ForceFlush)
	require.Error(t, err)

	require.Equal(t, float64(1), testutil.ToFloat64(m.FlushTotal.WithLabelValues(string(metrics.FlushConcurrentModification))))
}

func TestOwnershipTakeoverIncrementsMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.NewCVRMetrics("cvrsync_test_store_ownership")
	s1 := openTestStore(t, "cg1", "task-a")
	s1.SetMetrics(m)
	_, err := s1.Load(ctx, 1000, 0)
	require.NoError(t, err)

	db := s1.db
	s2 := New(db, DialectSQLite, "cg1", "task-b", rowcache.DefaultDeferredRowThreshold, nil)
	s2.SetMetrics(m)
	result, err := s2.Load(ctx, 6000, 5000)
	require.NoError(t, err)
	require.Equal(t, "task-b", result.Instance.Owner)

	require.Equal(t, float64(1), testutil.ToFloat64(m.OwnershipTransfersTotal))
}

func TestDeleteClientRemovesClientButKeepsInstance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "cg1", "task-a")
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertClient(ctx, tx, "client-a"))
	require.NoError(t, tx.Commit())

	result, err := s.Load(ctx, 2000, 1000)
	require.NoError(t, err)
	require.Contains(t, result.Clients, "client-a")

	require.NoError(t, s.DeleteClient(ctx, "client-a"))

	reloaded, err := s.Load(ctx, 3000, 2000)
	require.NoError(t, err)
	require.NotContains(t, reloaded.Clients, "client-a")
	require.Equal(t, "task-a", reloaded.Instance.Owner)
}

func TestDeleteClientGroupRemovesInstance(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, "cg1", "task-a")
	_, err := s.Load(ctx, 1000, 0)
	require.NoError(t, err)

	require.NoError(t, s.DeleteClientGroup(ctx))

	result, err := s.Load(ctx, 2000, 0)
	require.NoError(t, err)
	require.Equal(t, version.Empty, result.Instance.Version)
}
