package rowcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/version"
)

func testLogger() *slog.Logger { return slog.Default() }

func TestHydrateAndGetRowRecords(t *testing.T) {
	c := New("cg1", 0, testLogger())
	rec := &cvr.RowRecord{Schema: "public", Table: "issues", RowKey: json.RawMessage(`{"id":1}`), RefCounts: map[string]int{"q1": 1}}
	c.Hydrate([]*cvr.RowRecord{rec}, version.MustParse("01"))

	require.True(t, c.Loaded())
	got := c.GetRowRecords()
	require.Len(t, got, 1)
}

func TestApplySynchronousUpdatesVersionImmediately(t *testing.T) {
	c := New("cg1", 0, testLogger())
	id := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"id":1}`}
	rec := &cvr.RowRecord{RefCounts: map[string]int{"q1": 1}}

	c.Apply([]PendingUpdate{{RowID: id, Record: rec}}, version.MustParse("02"), true)

	require.Equal(t, version.MustParse("02"), c.Version())
	require.False(t, c.HasPendingUpdates())
	require.NotNil(t, c.Get(id))
}

func TestApplyDeferredLeavesPendingUntilDrained(t *testing.T) {
	c := New("cg1", 0, testLogger())
	id := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"id":1}`}
	rec := &cvr.RowRecord{RefCounts: map[string]int{"q1": 1}}

	c.Apply([]PendingUpdate{{RowID: id, Record: rec}}, version.MustParse("02"), false)
	require.True(t, c.HasPendingUpdates())
	require.NotNil(t, c.Get(id), "deferred updates still merge into the in-memory view")

	select {
	case <-c.Flushed():
		t.Fatal("flushed channel should not be closed while pending")
	default:
	}

	c.MarkDrained(version.MustParse("02"))
	require.False(t, c.HasPendingUpdates())
	<-c.Flushed() // must not block
	require.Equal(t, version.MustParse("02"), c.Version())
}

func TestResetClearsRecordsAndPending(t *testing.T) {
	c := New("cg1", 0, testLogger())
	id := cvr.RowID{Schema: "public", Table: "issues", RowKey: `{"id":1}`}
	c.Hydrate([]*cvr.RowRecord{{Schema: "public", Table: "issues", RowKey: json.RawMessage(`{"id":1}`)}}, version.MustParse("01"))
	c.Apply([]PendingUpdate{{RowID: id, Record: &cvr.RowRecord{}}}, version.MustParse("02"), false)

	c.Reset()
	require.False(t, c.Loaded())
	require.False(t, c.HasPendingUpdates())
	require.Empty(t, c.GetRowRecords())
}

func TestExecuteRowUpdatesDefersAboveThreshold(t *testing.T) {
	c := New("cg1", 2, testLogger())
	updates := make([]PendingUpdate, 5)
	for i := range updates {
		updates[i] = PendingUpdate{RowID: cvr.RowID{RowKey: string(rune('a' + i))}, Record: &cvr.RowRecord{}}
	}

	stmts, deferred := c.ExecuteRowUpdates(updates, AllowDefer)
	require.True(t, deferred)
	require.Nil(t, stmts)

	stmts, deferred = c.ExecuteRowUpdates(updates, ForceFlush)
	require.False(t, deferred)
	total := 0
	for _, s := range stmts {
		total += len(s.Batch)
	}
	require.Equal(t, len(updates), total)
}

func TestExecuteRowUpdatesBatchesPowerOfTwo(t *testing.T) {
	c := New("cg1", 10000, testLogger())
	updates := make([]PendingUpdate, 600)
	for i := range updates {
		updates[i] = PendingUpdate{RowID: cvr.RowID{RowKey: string(rune(i))}}
	}
	stmts, deferred := c.ExecuteRowUpdates(updates, AllowDefer)
	require.False(t, deferred)
	for _, s := range stmts {
		require.LessOrEqual(t, len(s.Batch), 512)
	}
}

func TestCatchupRowPatchesFiltersByVersionWindow(t *testing.T) {
	in := cvr.RowID{RowKey: "in"}
	before := cvr.RowID{RowKey: "before"}
	after := cvr.RowID{RowKey: "after"}
	current := map[cvr.RowID]*cvr.RowRecord{
		in:     {PatchVersion: version.MustParse("02"), RefCounts: map[string]int{"q": 1}},
		before: {PatchVersion: version.MustParse("01"), RefCounts: map[string]int{"q": 1}},
		after:  {PatchVersion: version.MustParse("05"), RefCounts: map[string]int{"q": 1}},
	}

	patches := make(chan cvr.RowPatch, 10)
	err := CatchupRowPatches(context.Background(), current, nil, version.MustParse("01"), version.MustParse("03"), nil, nil, patches, nil)
	require.NoError(t, err)

	var got []cvr.RowID
	for p := range patches {
		got = append(got, p.RowID)
	}
	require.ElementsMatch(t, []cvr.RowID{in}, got)
}

func TestCatchupRowPatchesOrderedByPatchVersion(t *testing.T) {
	low := cvr.RowID{RowKey: "low"}
	high := cvr.RowID{RowKey: "high"}
	mid := cvr.RowID{RowKey: "mid"}
	current := map[cvr.RowID]*cvr.RowRecord{
		high: {PatchVersion: version.MustParse("05"), RefCounts: map[string]int{"q": 1}},
		low:  {PatchVersion: version.MustParse("02"), RefCounts: map[string]int{"q": 1}},
		mid:  {PatchVersion: version.MustParse("03"), RefCounts: map[string]int{"q": 1}},
	}
	order := []cvr.RowID{low, mid, high}

	patches := make(chan cvr.RowPatch, 10)
	err := CatchupRowPatches(context.Background(), current, order, version.Empty, version.MustParse("05"), nil, nil, patches, nil)
	require.NoError(t, err)

	var got []cvr.RowID
	for p := range patches {
		got = append(got, p.RowID)
	}
	require.Equal(t, []cvr.RowID{low, mid, high}, got)
}

func TestOrderedRowIDsIsDeterministic(t *testing.T) {
	c := New("cg1", 0, testLogger())
	records := []*cvr.RowRecord{
		{Schema: "public", Table: "issues", RowKey: json.RawMessage(`{"id":3}`), RefCounts: map[string]int{"q": 1}},
		{Schema: "public", Table: "issues", RowKey: json.RawMessage(`{"id":1}`), RefCounts: map[string]int{"q": 1}},
		{Schema: "public", Table: "issues", RowKey: json.RawMessage(`{"id":2}`), RefCounts: map[string]int{"q": 1}},
	}
	c.Hydrate(records, version.MustParse("01"))

	first := c.OrderedRowIDs()
	second := c.OrderedRowIDs()
	require.Equal(t, first, second)
	require.Len(t, first, 3)
}

func TestCatchupRowPatchesExcludesSoleReferencedQueries(t *testing.T) {
	onlyExcluded := cvr.RowID{RowKey: "a"}
	mixed := cvr.RowID{RowKey: "b"}
	current := map[cvr.RowID]*cvr.RowRecord{
		onlyExcluded: {PatchVersion: version.MustParse("02"), RefCounts: map[string]int{"q1": 1}},
		mixed:        {PatchVersion: version.MustParse("02"), RefCounts: map[string]int{"q1": 1, "q2": 1}},
	}
	patches := make(chan cvr.RowPatch, 10)
	err := CatchupRowPatches(context.Background(), current, nil, version.Empty, version.MustParse("05"), map[string]bool{"q1": true}, nil, patches, nil)
	require.NoError(t, err)

	var got []cvr.RowID
	for p := range patches {
		got = append(got, p.RowID)
	}
	require.ElementsMatch(t, []cvr.RowID{mixed}, got)
}
