package evict

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/updater"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "cvr.db")
	db, err := store.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedInactiveQuery(t *testing.T, db *sql.DB, clientGroupID string, inactivatedAt, ttl int64) {
	t.Helper()
	ctx := context.Background()
	st := store.New(db, store.DialectSQLite, clientGroupID, "task-a", rowcache.DefaultDeferredRowThreshold, nil)
	result, err := st.Load(ctx, 1000, 0)
	require.NoError(t, err)

	snap := &updater.Snapshot{Instance: result.Instance, Clients: result.Clients, Queries: result.Queries}
	u := updater.NewConfigUpdater(snap, st)
	u.EnsureClient("client-a")
	u.PutDesiredQueries("client-a", []updater.DesiredQuery{{Hash: "q1", Name: "someQuery", TTL: ttl}})
	u.MarkDesiredQueriesAsInactive("client-a", []string{"q1"}, inactivatedAt)

	_, err = st.Flush(ctx, result.Instance.Version, u.NewVersion(), 1000, nil, rowcache.ForceFlush)
	require.NoError(t, err)
}

func loadQueries(t *testing.T, db *sql.DB, clientGroupID string) map[string]*updater.Snapshot {
	t.Helper()
	ctx := context.Background()
	st := store.New(db, store.DialectSQLite, clientGroupID, "task-a", rowcache.DefaultDeferredRowThreshold, nil)
	result, err := st.Load(ctx, 100000, 0)
	require.NoError(t, err)
	return map[string]*updater.Snapshot{
		clientGroupID: {Instance: result.Instance, Clients: result.Clients, Queries: result.Queries},
	}
}

func TestSweepGroupEvictsExpiredInactiveQuery(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedInactiveQuery(t, db, "cg1", 1000, 5000) // expires at 6000, well before "now"

	sw := New(db, store.DialectSQLite, "task-a", rowcache.DefaultDeferredRowThreshold, nil, nil)
	require.NoError(t, sw.sweepGroup(ctx, "cg1"))

	snaps := loadQueries(t, db, "cg1")
	qr, ok := snaps["cg1"].Queries["q1"]
	if ok {
		_, stillDesired := qr.ClientState["client-a"]
		require.False(t, stillDesired, "expired inactive desire should have been evicted")
	}
}

func TestSweepGroupLeavesUnexpiredInactiveQueryAlone(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	now := time.Now().UnixMilli()
	seedInactiveQuery(t, db, "cg1", now, 365*24*60*60*1000) // expires roughly a year out

	sw := New(db, store.DialectSQLite, "task-a", rowcache.DefaultDeferredRowThreshold, nil, nil)
	require.NoError(t, sw.sweepGroup(ctx, "cg1"))

	snaps := loadQueries(t, db, "cg1")
	qr, ok := snaps["cg1"].Queries["q1"]
	require.True(t, ok)
	_, stillDesired := qr.ClientState["client-a"]
	require.True(t, stillDesired)
}

func TestSweepAllDiscoversOwnedClientGroups(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	seedInactiveQuery(t, db, "cg1", 1000, 5000)
	seedInactiveQuery(t, db, "cg2", 1000, 5000)

	sw := New(db, store.DialectSQLite, "task-a", rowcache.DefaultDeferredRowThreshold, nil, nil)
	sw.sweepAll(ctx)

	for _, cg := range []string{"cg1", "cg2"} {
		snaps := loadQueries(t, db, cg)
		qr, ok := snaps[cg].Queries["q1"]
		if ok {
			_, stillDesired := qr.ClientState["client-a"]
			require.False(t, stillDesired, "group %s should have had its expired query evicted", cg)
		}
	}
}
