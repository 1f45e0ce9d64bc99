// Package updater implements the two updaters that mutate a loaded CVR
// snapshot in memory and stage the corresponding writes for the store's
// next flush: the config-driven updater (spec §4.6, client/query/desire
// lifecycle) and the query-driven updater (spec §4.7, row reference
// counting).
package updater

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"sort"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/version"
)

// stagedWrite builds a store.StagedWrite from a stat tag and write
// closure, saving every call site below from spelling out the struct.
func stagedWrite(stat string, write func(ctx context.Context, tx *sql.Tx, lastConnectTime int64) error) store.StagedWrite {
	return store.StagedWrite{Stat: stat, Write: write}
}

// Snapshot is the in-memory CVR state a updater mutates; it is produced
// by store.Load and consumed by Flush once an updater has run.
type Snapshot struct {
	Instance cvr.Instance
	Clients  map[string]*cvr.ClientRecord
	Queries  map[string]*cvr.QueryRecord
}

// DesiredQuery is one entry of a putDesiredQueries call.
type DesiredQuery struct {
	Hash string
	AST  json.RawMessage
	Name string
	Args json.RawMessage
	TTL  int64 // ms; -1 means "longer than any finite"
}

// InactiveQuery is one entry returned by GetInactiveQueries, sorted by
// expire time ascending.
type InactiveQuery struct {
	QueryHash  string
	ExpireAtMs int64 // inactivatedAt + ttl; 1<<62 if ttl < 0
}

// ConfigUpdater begins from a loaded snapshot and accumulates patches and
// staged writes; call Flush to commit.
type ConfigUpdater struct {
	snapshot *Snapshot
	store    *store.Store
	bumped   bool
	patches  []cvr.ConfigPatch
}

// NewConfigUpdater constructs a ConfigUpdater over snapshot, staging writes against st.
func NewConfigUpdater(snapshot *Snapshot, st *store.Store) *ConfigUpdater {
	return &ConfigUpdater{snapshot: snapshot, store: st}
}

// ensureNewVersion bumps minorVersion on the current stateVersion exactly
// once per updater lifetime, idempotent across calls (spec §4.6).
func (u *ConfigUpdater) ensureNewVersion() version.Version {
	if !u.bumped {
		u.snapshot.Instance.Version = version.OneAfter(u.snapshot.Instance.Version)
		u.bumped = true
	}
	return u.snapshot.Instance.Version
}

// EnsureClient inserts a client record if absent; on the first client in
// the group it also installs the internal "lmids" query.
func (u *ConfigUpdater) EnsureClient(clientID string) {
	if _, ok := u.snapshot.Clients[clientID]; ok {
		return
	}
	installLMIDs := len(u.snapshot.Clients) == 0
	u.snapshot.Clients[clientID] = &cvr.ClientRecord{ClientGroupID: u.snapshot.Instance.ClientGroupID, ClientID: clientID}

	u.store.Stage(stagedWrite("ensure_client", func(ctx context.Context, tx *sql.Tx, _ int64) error {
		return u.store.UpsertClient(ctx, tx, clientID)
	}))

	if installLMIDs {
		if _, ok := u.snapshot.Queries[cvr.LMIDsQueryHash]; !ok {
			u.snapshot.Queries[cvr.LMIDsQueryHash] = &cvr.QueryRecord{
				ClientGroupID: u.snapshot.Instance.ClientGroupID,
				QueryHash:     cvr.LMIDsQueryHash,
				Internal:      true,
				ClientState:   map[string]cvr.ClientQueryState{},
			}
			u.store.Stage(stagedWrite("install_lmids", func(ctx context.Context, tx *sql.Tx, _ int64) error {
				return u.store.UpsertQuery(ctx, tx, cvr.LMIDsQueryHash, true, nil, "", nil, nil, "", nil)
			}))
		}
	}
}

// SetClientSchema succeeds if schema is nil or deep-equal to the group's
// existing schema; otherwise it returns InvalidConnectionRequestError,
// since clients with different schemas may not share a CVR.
func (u *ConfigUpdater) SetClientSchema(schema json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	existing := u.snapshot.Instance.ClientSchema
	if len(existing) > 0 && !jsonDeepEqual(existing, schema) {
		return &cvr.InvalidConnectionRequestError{Reason: "client schema conflicts with the group's frozen schema"}
	}
	u.snapshot.Instance.ClientSchema = schema
	u.store.Stage(stagedWrite("set_client_schema", func(ctx context.Context, tx *sql.Tx, _ int64) error {
		return u.store.SetClientSchema(ctx, tx, schema)
	}))
	return nil
}

func jsonDeepEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	na, _ := json.Marshal(av)
	nb, _ := json.Marshal(bv)
	return bytes.Equal(na, nb)
}

// PutDesiredQueries sets or refreshes a client's desire for each query:
// if the client has no live desire, or the new ttl (-1 meaning longer
// than any finite ttl) exceeds the existing one, the desire is
// (re)created at the new version with inactivatedAt cleared. Returns a
// put patch per newly added query.
func (u *ConfigUpdater) PutDesiredQueries(clientID string, queries []DesiredQuery) []cvr.ConfigPatch {
	var added []cvr.ConfigPatch
	client := u.snapshot.Clients[clientID]

	for _, q := range queries {
		// Normalize ttl<=0 to -1 ("no expiration") here too, so every
		// caller that reaches this method directly (not just the dto
		// HTTP boundary) gets the same treatment per spec §9's open
		// question resolution (see DESIGN.md).
		if q.TTL <= 0 {
			q.TTL = -1
		}

		qr, ok := u.snapshot.Queries[q.Hash]
		if !ok {
			qr = &cvr.QueryRecord{
				ClientGroupID: u.snapshot.Instance.ClientGroupID,
				QueryHash:     q.Hash,
				AST:           q.AST,
				Name:          q.Name,
				Args:          q.Args,
				ClientState:   map[string]cvr.ClientQueryState{},
			}
			u.snapshot.Queries[q.Hash] = qr
		}

		state, hasDesire := qr.ClientState[clientID]
		isLive := hasDesire && state.InactivatedAt == nil
		if isLive && !ttlExceeds(q.TTL, state.TTL) {
			continue
		}

		newVersion := u.ensureNewVersion()
		qr.ClientState[clientID] = cvr.ClientQueryState{Version: newVersion, TTL: q.TTL}
		if !containsString(client.DesiredQueryIDs, q.Hash) {
			client.DesiredQueryIDs = append(client.DesiredQueryIDs, q.Hash)
		}

		patch := cvr.ConfigPatch{Kind: cvr.ConfigPatchDesire, Op: cvr.PatchPut, ClientID: clientID, QueryHash: q.Hash, ToVersion: newVersion}
		u.patches = append(u.patches, patch)
		if !isLive {
			added = append(added, patch)
		}

		hash, ttl := q.Hash, q.TTL
		u.store.Stage(stagedWrite("put_desired_query", func(ctx context.Context, tx *sql.Tx, _ int64) error {
			return u.store.UpsertDesire(ctx, tx, clientID, hash, newVersion, ttl)
		}))
	}
	return added
}

// ttlExceeds reports whether newTTL exceeds existingTTL under the
// convention that -1 means "longer than any finite ttl".
func ttlExceeds(newTTL, existingTTL int64) bool {
	if newTTL < 0 {
		return existingTTL >= 0
	}
	if existingTTL < 0 {
		return false
	}
	return newTTL > existingTTL
}

func containsString(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// DeleteDesiredQueries hard-removes the desire entries, emitting del
// patches.
func (u *ConfigUpdater) DeleteDesiredQueries(clientID string, hashes []string) []cvr.ConfigPatch {
	var patches []cvr.ConfigPatch
	client := u.snapshot.Clients[clientID]

	for _, hash := range hashes {
		if qr, ok := u.snapshot.Queries[hash]; ok {
			delete(qr.ClientState, clientID)
		}
		client.DesiredQueryIDs = removeString(client.DesiredQueryIDs, hash)

		newVersion := u.ensureNewVersion()
		patch := cvr.ConfigPatch{Kind: cvr.ConfigPatchDesire, Op: cvr.PatchDel, ClientID: clientID, QueryHash: hash, ToVersion: newVersion}
		patches = append(patches, patch)
		u.patches = append(u.patches, patch)

		h := hash
		u.store.Stage(stagedWrite("delete_desired_query", func(ctx context.Context, tx *sql.Tx, _ int64) error {
			return u.store.DeleteDesire(ctx, tx, clientID, h)
		}))
	}
	return patches
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// MarkDesiredQueriesAsInactive is DeleteDesiredQueries' non-destructive
// sibling: it sets inactivatedAt=now instead of removing the row,
// preserving ttl so GetInactiveQueries can later compute an expire time.
func (u *ConfigUpdater) MarkDesiredQueriesAsInactive(clientID string, hashes []string, now int64) {
	for _, hash := range hashes {
		qr, ok := u.snapshot.Queries[hash]
		if !ok {
			continue
		}
		state := qr.ClientState[clientID]
		state.InactivatedAt = &now
		qr.ClientState[clientID] = state

		h := hash
		u.store.Stage(stagedWrite("mark_desire_inactive", func(ctx context.Context, tx *sql.Tx, _ int64) error {
			return u.store.MarkDesireInactive(ctx, tx, clientID, h, now)
		}))
	}
}

// ClearDesiredQueries hard-removes all of the client's desires.
func (u *ConfigUpdater) ClearDesiredQueries(clientID string) {
	client, ok := u.snapshot.Clients[clientID]
	if !ok {
		return
	}
	for _, hash := range client.DesiredQueryIDs {
		if qr, ok := u.snapshot.Queries[hash]; ok {
			delete(qr.ClientState, clientID)
		}
	}
	client.DesiredQueryIDs = nil
	u.store.Stage(stagedWrite("clear_desired_queries", func(ctx context.Context, tx *sql.Tx, _ int64) error {
		return u.store.ClearDesiresForClient(ctx, tx, clientID)
	}))
}

// DeleteClient marks all of a client's desires inactive (spec §4.6); the
// actual clients/desires row removal is driven by the store's
// DeleteClient, called by the caller after this updater's flush.
func (u *ConfigUpdater) DeleteClient(clientID string, now int64) {
	client, ok := u.snapshot.Clients[clientID]
	if !ok {
		return
	}
	u.MarkDesiredQueriesAsInactive(clientID, client.DesiredQueryIDs, now)
}

// DeleteClientGroup schedules a group cascade delete; the caller performs
// the actual store.DeleteClientGroup after this updater's in-memory
// state is discarded.
func (u *ConfigUpdater) DeleteClientGroup() {
	// Intentionally empty: cascade delete bypasses the staged-write/flush
	// path entirely (spec §4.5.4) and is invoked directly by the caller.
}

// GetInactiveQueries returns every query where every desiring client has
// inactivatedAt set, sorted by expire time ascending (inactivatedAt+ttl,
// with ttl<0 sorted last). When a query has multiple inactivating
// clients the representative expire time is the latest one, matching an
// "evict oldest first" TTL-LRU policy.
func (u *ConfigUpdater) GetInactiveQueries() []InactiveQuery {
	const maxExpire = int64(1) << 62

	var out []InactiveQuery
	for hash, qr := range u.snapshot.Queries {
		if qr.Internal || len(qr.ClientState) == 0 {
			continue
		}
		allInactive := true
		var latestExpire int64 = -1
		for _, state := range qr.ClientState {
			if state.InactivatedAt == nil {
				allInactive = false
				break
			}
			expire := maxExpire
			if state.TTL >= 0 {
				expire = *state.InactivatedAt + state.TTL
			}
			if expire > latestExpire {
				latestExpire = expire
			}
		}
		if !allInactive {
			continue
		}
		out = append(out, InactiveQuery{QueryHash: hash, ExpireAtMs: latestExpire})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ExpireAtMs < out[j].ExpireAtMs })
	return out
}

// Snapshot returns the in-memory CVR state this updater is mutating, for
// callers (e.g. the eviction sweeper) that need to read query/client
// state GetInactiveQueries doesn't itself expose.
func (u *ConfigUpdater) Snapshot() *Snapshot { return u.snapshot }

// DesiringClients returns the client IDs with a live (possibly inactive)
// desire for queryHash, the set DeleteDesiredQueries needs to actually
// evict a query GetInactiveQueries flagged as expired.
func (u *ConfigUpdater) DesiringClients(queryHash string) []string {
	qr, ok := u.snapshot.Queries[queryHash]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(qr.ClientState))
	for clientID := range qr.ClientState {
		out = append(out, clientID)
	}
	return out
}

// Patches returns every config patch emitted by this updater so far.
func (u *ConfigUpdater) Patches() []cvr.ConfigPatch { return u.patches }

// NewVersion returns the snapshot's current version, bumped or not.
func (u *ConfigUpdater) NewVersion() version.Version { return u.snapshot.Instance.Version }
