package updater

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/version"
)

func openTestSnapshot(t *testing.T, clientGroupID string) (*store.Store, *Snapshot) {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cvr.db")
	db, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := store.New(db, store.DialectSQLite, clientGroupID, "task-a", rowcache.DefaultDeferredRowThreshold, nil)
	result, err := st.Load(ctx, 1000, 0)
	require.NoError(t, err)

	return st, &Snapshot{Instance: result.Instance, Clients: result.Clients, Queries: result.Queries}
}

func TestEnsureClientInstallsLMIDsOnlyOnce(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)

	u.EnsureClient("client-a")
	require.Contains(t, snap.Queries, cvr.LMIDsQueryHash)
	require.Contains(t, snap.Clients, "client-a")

	delete(snap.Queries, cvr.LMIDsQueryHash) // simulate a second client joining
	u.EnsureClient("client-b")
	require.NotContains(t, snap.Queries, cvr.LMIDsQueryHash, "lmids is only installed for the first client in the group")
}

func TestSetClientSchemaRejectsConflict(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)

	require.NoError(t, u.SetClientSchema([]byte(`{"v":1}`)))
	err := u.SetClientSchema([]byte(`{"v":2}`))
	var invalid *cvr.InvalidConnectionRequestError
	require.ErrorAs(t, err, &invalid)
}

func TestSetClientSchemaAcceptsDeepEqualRepeat(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)

	require.NoError(t, u.SetClientSchema([]byte(`{"a":1,"b":2}`)))
	require.NoError(t, u.SetClientSchema([]byte(`{"b":2,"a":1}`)))
}

func TestPutDesiredQueriesEmitsPutOnceForStableTTL(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")

	added := u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})
	require.Len(t, added, 1)
	require.Equal(t, cvr.PatchPut, added[0].Op)

	again := u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})
	require.Empty(t, again, "an unexpired desire with no greater ttl is left untouched")
}

func TestPutDesiredQueriesRefreshesOnLongerTTL(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")

	u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: 1000}})
	v1 := snap.Queries["q1"].ClientState["client-a"].Version

	// An updater bumps the version only once, so the refresh runs in a
	// second updater over the same snapshot.
	u2 := NewConfigUpdater(snap, st)
	u2.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: 5000}})
	v2 := snap.Queries["q1"].ClientState["client-a"].Version
	require.True(t, version.Less(v1, v2))
}

func TestMarkDesiredQueriesAsInactiveThenGetInactiveQueriesOrdersByExpiry(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")

	u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q-slow", TTL: 10_000}, {Hash: "q-fast", TTL: 1_000}})
	u.MarkDesiredQueriesAsInactive("client-a", []string{"q-slow", "q-fast"}, 0)

	inactive := u.GetInactiveQueries()
	require.Len(t, inactive, 2)
	require.Equal(t, "q-fast", inactive[0].QueryHash)
	require.Equal(t, "q-slow", inactive[1].QueryHash)
}

func TestGetInactiveQueriesExcludesStillActiveQuery(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")
	u.EnsureClient("client-b")

	u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})
	u.PutDesiredQueries("client-b", []DesiredQuery{{Hash: "q1", TTL: -1}})
	u.MarkDesiredQueriesAsInactive("client-a", []string{"q1"}, 0)

	require.Empty(t, u.GetInactiveQueries(), "q1 is still desired by client-b")
}

func TestDeleteDesiredQueriesEmitsDelPatch(t *testing.T) {
	st, snap := openTestSnapshot(t, "cg1")
	u := NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")
	u.PutDesiredQueries("client-a", []DesiredQuery{{Hash: "q1", TTL: -1}})

	patches := u.DeleteDesiredQueries("client-a", []string{"q1"})
	require.Len(t, patches, 1)
	require.Equal(t, cvr.PatchDel, patches[0].Op)
	require.NotContains(t, snap.Queries["q1"].ClientState, "client-a")
}
