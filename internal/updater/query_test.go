package updater

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/keytracker"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/version"
)

func TestTrackQueriesTransitionsDesiredToGot(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	cu := NewConfigUpdater(snap, st)
	cu.EnsureClient("client-a")
	cu.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})

	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)
	patches := qu.TrackQueries([]ExecutedQuery{{Hash: "q1", TransformationHash: "t1"}}, nil)

	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchPut, patches[0].Op)
	require.NotNil(t, snap.Queries["q1"].PatchVersion)
}

func TestTrackQueriesEmitsDelForRemoved(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	cu := NewConfigUpdater(snap, st)
	cu.EnsureClient("client-a")
	cu.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})

	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)
	qu.TrackQueries([]ExecutedQuery{{Hash: "q1", TransformationHash: "t1"}}, nil)

	qu2, err := newQueryUpdater(snap, "c0", st)
	require.NoError(t, err)
	patches := qu2.TrackQueries(nil, []string{"q1"})
	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchDel, patches[0].Op)
	require.True(t, snap.Queries["q1"].Deleted)
}

func TestReceivedEmitsPutForNewRow(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)

	id := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"1"}`}
	patches := qu.Received([]RowDelta{{
		RowID: id, Schema: "public", Table: "todos", RowVersion: "v1",
		Contents:  map[string]json.RawMessage{"id": json.RawMessage(`"1"`)},
		RefCounts: map[string]int{"q1": 1},
	}})

	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchPut, patches[0].Op)
	require.Equal(t, map[string]int{"q1": 1}, patches[0].Row.RefCounts)
}

func TestReceivedTombstonesWhenRefCountDrainsToZero(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)

	id := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"1"}`}
	qu.Received([]RowDelta{{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": 1}}})
	_, err = qu.Flush(context.Background(), version.Empty, rowcache.ForceFlush)
	require.NoError(t, err)

	qu2, err := newQueryUpdater(snap, "c0", st)
	require.NoError(t, err)
	patches := qu2.Received([]RowDelta{{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": -1}}})
	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchDel, patches[0].Op)
}

func TestReceivedSuppressesPutWhenAddedThenCancelledSameCall(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)

	id := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"2"}`}
	patches := qu.Received([]RowDelta{
		{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": 1}},
		{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": -1}},
	})

	// Within-call dedupe per rowID means only the final del patch survives.
	last := patches[len(patches)-1]
	require.Equal(t, cvr.PatchDel, last.Op)
	require.Nil(t, qu.working[id])
}

func TestReceivedAccumulatesMultipleDeltasForSameRowAgainstTrackedQuery(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")

	// Seed the persisted row with {Q:2,P:1} via a prior round.
	id := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"1"}`}
	seed, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)
	seed.Received([]RowDelta{{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"Q": 2, "P": 1}}})
	_, err = seed.Flush(context.Background(), version.Empty, rowcache.ForceFlush)
	require.NoError(t, err)

	// Q re-executes this round and the row gets two delta entries for it
	// within one Received call, as spec §4.7.2 says accumulation must
	// support. The +3 contribution must survive the second delta's +1.
	qu, err := newQueryUpdater(snap, "c0", st)
	require.NoError(t, err)
	qu.TrackQueries([]ExecutedQuery{{Hash: "Q", TransformationHash: "t1"}}, nil)

	patches := qu.Received([]RowDelta{
		{RowID: id, Schema: "public", Table: "todos", RowVersion: "v2", RefCounts: map[string]int{"Q": 3}},
		{RowID: id, Schema: "public", Table: "todos", RowVersion: "v2", RefCounts: map[string]int{"Q": 1}},
	})

	last := patches[len(patches)-1]
	require.Equal(t, cvr.PatchPut, last.Op)
	require.Equal(t, map[string]int{"P": 1, "Q": 4}, last.Row.RefCounts)
}

func TestKeyColumnRenameStagesPairedDeleteAndPut(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	tracker := keytracker.New()
	tracker.RegisterKeyColumns("public", "todos", []string{"legacy_id"})

	oldID := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"legacy_id":"abc"}`}
	qu, err := NewQueryUpdater(snap, "b0", "", st, tracker)
	require.NoError(t, err)
	qu.Received([]RowDelta{{
		RowID: oldID, Schema: "public", Table: "todos", RowVersion: "v1", KeyColumns: []string{"legacy_id"},
		Contents: map[string]json.RawMessage{"legacy_id": json.RawMessage(`"abc"`)}, RefCounts: map[string]int{"q1": 1},
	}})

	newID := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"new-abc"}`}
	patches := qu.Received([]RowDelta{{
		RowID: newID, Schema: "public", Table: "todos", RowVersion: "v2", KeyColumns: []string{"id"},
		Contents:  map[string]json.RawMessage{"legacy_id": json.RawMessage(`"abc"`), "id": json.RawMessage(`"new-abc"`)},
		RefCounts: map[string]int{"q1": 1},
	}})

	var sawDelOld, sawPutNew bool
	for _, p := range patches {
		if p.RowID == oldID && p.Op == cvr.PatchDel {
			sawDelOld = true
		}
		if p.RowID == newID && p.Op == cvr.PatchPut {
			sawPutNew = true
		}
	}
	require.True(t, sawDelOld)
	require.True(t, sawPutNew)
}

func TestReceivedClampsOverSubtractedRefCountAndReportsDrift(t *testing.T) {
	m := metrics.NewCVRMetrics("cvrsync_test_updater_drift")
	st, snap := openTestSnapshot(t, "cg1")
	qu, err := newQueryUpdater(snap, "b0", st)
	require.NoError(t, err)
	qu.SetMetrics(m)

	id := cvr.RowID{Schema: "public", Table: "todos", RowKey: `{"id":"1"}`}
	qu.Received([]RowDelta{{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": 1}}})
	_, err = qu.Flush(context.Background(), version.Empty, rowcache.ForceFlush)
	require.NoError(t, err)

	qu2, err := newQueryUpdater(snap, "c0", st)
	require.NoError(t, err)
	qu2.SetMetrics(m)
	patches := qu2.Received([]RowDelta{{RowID: id, Schema: "public", Table: "todos", RowVersion: "v1", RefCounts: map[string]int{"q1": -3}}})

	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchDel, patches[0].Op)
	require.Equal(t, float64(1), testutil.ToFloat64(m.RefcountDriftTotal))
}

// newQueryUpdater is a test helper that constructs a QueryUpdater with a
// fresh key-column tracker, for tests that don't exercise rename
// detection directly.
func newQueryUpdater(snap *Snapshot, stateVersion string, st *store.Store) (*QueryUpdater, error) {
	return NewQueryUpdater(snap, stateVersion, "", st, keytracker.New())
}
