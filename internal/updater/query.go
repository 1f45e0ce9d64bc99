package updater

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/keytracker"
	"github.com/sourcetable/cvrsync/internal/metrics"
	"github.com/sourcetable/cvrsync/internal/rowcache"
	"github.com/sourcetable/cvrsync/internal/store"
	"github.com/sourcetable/cvrsync/internal/version"
)

// ExecutedQuery is one query the replication pipeline re-ran this round.
type ExecutedQuery struct {
	Hash               string
	TransformationHash string
}

// RowDelta is one row's worth of reference-count change supplied to
// Received. RefCounts holds signed deltas keyed by query hash: positive
// when a query now includes the row, negative when it drops it.
// Contents, when non-nil, carries the row's current column values and is
// used for key-column-rename detection and tracker observation.
type RowDelta struct {
	RowID      cvr.RowID
	Schema     string
	Table      string
	KeyColumns []string
	RowVersion string
	Contents   map[string]json.RawMessage
	RefCounts  map[string]int
}

// QueryUpdater tracks one replication round: which queries ran or were
// removed, and the row reference-count deltas that resulted, staging row
// writes and config patches for the eventual Flush (spec §4.7).
type QueryUpdater struct {
	snapshot *Snapshot
	store    *store.Store
	tracker  *keytracker.Tracker
	metrics  *metrics.CVRMetrics

	trackedHashes map[string]bool
	patches       []cvr.ConfigPatch

	working     map[cvr.RowID]*cvr.RowRecord // this round's working view, seeded lazily from the cache
	touchedKeys map[cvr.RowID]bool
	pendingRows map[cvr.RowID]rowcache.PendingUpdate
	lastPatch   map[cvr.RowID]cvr.RowPatch
}

// NewQueryUpdater constructs a QueryUpdater for one replication round.
// newStateVersion must be greater than or equal to the snapshot's current
// state version (spec §4.7); the instance version is advanced to
// newStateVersion with minorVersion reset, and further minor bumps
// accumulate on top of it as TrackQueries finds qualifying changes.
func NewQueryUpdater(snapshot *Snapshot, newStateVersion, replicaVersion string, st *store.Store, tracker *keytracker.Tracker) (*QueryUpdater, error) {
	if newStateVersion < snapshot.Instance.Version.StateVersion {
		return nil, fmt.Errorf("updater: new state version %q precedes current CVR state version %q",
			newStateVersion, snapshot.Instance.Version.StateVersion)
	}
	snapshot.Instance.Version = version.Version{StateVersion: newStateVersion, MinorVersion: 0}
	snapshot.Instance.ReplicaVersion = replicaVersion

	return &QueryUpdater{
		snapshot:      snapshot,
		store:         st,
		tracker:       tracker,
		trackedHashes: make(map[string]bool),
		working:       make(map[cvr.RowID]*cvr.RowRecord),
		touchedKeys:   make(map[cvr.RowID]bool),
		pendingRows:   make(map[cvr.RowID]rowcache.PendingUpdate),
		lastPatch:     make(map[cvr.RowID]cvr.RowPatch),
	}, nil
}

// SetMetrics attaches a shared *metrics.CVRMetrics for Received to report
// refcount-drift clamps through. Pass nil (the default) to disable.
func (u *QueryUpdater) SetMetrics(m *metrics.CVRMetrics) { u.metrics = m }

func (u *QueryUpdater) bumpMinor() version.Version {
	u.snapshot.Instance.Version = version.OneAfter(u.snapshot.Instance.Version)
	return u.snapshot.Instance.Version
}

// existing resolves id's current row record for this round, seeding the
// working set from the store's row cache on first touch so repeat
// entries for the same row within or across Received calls see each
// other's effects.
func (u *QueryUpdater) existing(id cvr.RowID) *cvr.RowRecord {
	if rec, ok := u.working[id]; ok {
		return rec
	}
	rec := u.store.RowCache().Get(id)
	u.working[id] = rec
	return rec
}

// TrackQueries processes the queries the replication pipeline executed or
// removed this round (spec §4.7.1).
func (u *QueryUpdater) TrackQueries(executed []ExecutedQuery, removed []string) []cvr.ConfigPatch {
	var emitted []cvr.ConfigPatch

	for _, eq := range executed {
		u.trackedHashes[eq.Hash] = true
		qr, ok := u.snapshot.Queries[eq.Hash]
		if !ok {
			continue
		}

		if qr.TransformationHash != eq.TransformationHash {
			v := u.bumpMinor()
			qr.TransformationHash = eq.TransformationHash
			qr.TransformationVersion = &v

			hash, internal, ast, name, args, patchVersion, txHash, txVersion :=
				eq.Hash, qr.Internal, qr.AST, qr.Name, qr.Args, qr.PatchVersion, qr.TransformationHash, qr.TransformationVersion
			u.store.Stage(stagedWrite("query_transformation_changed", func(ctx context.Context, tx *sql.Tx, _ int64) error {
				return u.store.UpsertQuery(ctx, tx, hash, internal, ast, name, args, patchVersion, txHash, txVersion)
			}))
		}

		if qr.PatchVersion == nil {
			v := u.bumpMinor()
			qr.PatchVersion = &v
			patch := cvr.ConfigPatch{Kind: cvr.ConfigPatchQuery, Op: cvr.PatchPut, QueryHash: eq.Hash, ToVersion: v}
			emitted = append(emitted, patch)
			u.patches = append(u.patches, patch)

			hash, internal, ast, name, args, txHash, txVersion := eq.Hash, qr.Internal, qr.AST, qr.Name, qr.Args, qr.TransformationHash, qr.TransformationVersion
			u.store.Stage(stagedWrite("query_desired_to_got", func(ctx context.Context, tx *sql.Tx, _ int64) error {
				return u.store.UpsertQuery(ctx, tx, hash, internal, ast, name, args, &v, txHash, txVersion)
			}))
		}
	}

	for _, hash := range removed {
		u.trackedHashes[hash] = true
		qr, ok := u.snapshot.Queries[hash]
		if !ok {
			continue
		}
		qr.Deleted = true
		v := u.bumpMinor()
		patch := cvr.ConfigPatch{Kind: cvr.ConfigPatchQuery, Op: cvr.PatchDel, QueryHash: hash, ToVersion: v}
		emitted = append(emitted, patch)
		u.patches = append(u.patches, patch)

		h := hash
		u.store.Stage(stagedWrite("query_removed", func(ctx context.Context, tx *sql.Tx, _ int64) error {
			return u.store.MarkQueryDeleted(ctx, tx, h, v)
		}))
	}

	return emitted
}

// Received applies a batch of row reference-count deltas (spec §4.7.2),
// returning the row patches this batch produced (already deduped and
// staged for flush).
func (u *QueryUpdater) Received(deltas []RowDelta) []cvr.RowPatch {
	var out []cvr.RowPatch

	for _, d := range deltas {
		id := d.RowID
		existing := u.existing(id)

		if existing == nil && len(d.Contents) > 0 {
			if oldID, found := u.tracker.FindReplacement(d.Schema, d.Table, id, d.KeyColumns, d.Contents); found {
				if oldRec := u.existing(oldID); oldRec != nil {
					existing = oldRec
					delPatch := cvr.RowPatch{Op: cvr.PatchDel, RowID: oldID, ToVersion: u.snapshot.Instance.Version}
					u.lastPatch[oldID] = delPatch
					out = append(out, delPatch)
					u.pendingRows[oldID] = rowcache.PendingUpdate{RowID: oldID, Record: nil}
					u.working[oldID] = nil
					u.touchedKeys[oldID] = true
					u.tracker.Forget(d.Schema, d.Table, oldID)
				}
			}
		}
		if len(d.KeyColumns) > 0 {
			u.tracker.RegisterKeyColumns(d.Schema, d.Table, d.KeyColumns)
		}

		wasEverPresent := existing != nil

		// subtractTracked must run exactly once per rowID per round, against
		// the original persisted cache record: a later delta for the same
		// rowID this round sees existing already reseated to the prior
		// iteration's merged result by u.existing's working-set cache, which
		// has the tracked subtraction already applied. Re-subtracting
		// against that would discard whatever the prior delta just added for
		// a tracked query (spec §4.7.2's accumulation requirement).
		var baseline map[string]int
		if u.touchedKeys[id] {
			if existing != nil {
				baseline = existing.RefCounts
			}
		} else {
			baseline = subtractTracked(existing, u.trackedHashes)
		}
		merged, drift := applyRefCountDelta(baseline, d.RefCounts)
		u.metrics.AddRefcountDrift(drift)
		u.touchedKeys[id] = true

		var patch cvr.RowPatch
		if merged == nil {
			patch = cvr.RowPatch{Op: cvr.PatchDel, RowID: id, ToVersion: u.snapshot.Instance.Version}
			if !wasEverPresent {
				// Added then cancelled within this round: no row write is
				// needed, but a previously recorded put for this rowID in
				// this same round must be overridden with the del.
				delete(u.pendingRows, id)
				u.working[id] = nil
				u.lastPatch[id] = patch
				out = append(out, patch)
				continue
			}
			u.pendingRows[id] = rowcache.PendingUpdate{RowID: id, Record: nil}
			u.working[id] = nil
			u.lastPatch[id] = patch
			out = append(out, patch)
			continue
		}

		contentChanged := existing == nil || d.RowVersion != existing.RowVersion
		patchVersion := u.snapshot.Instance.Version
		rowVersion := d.RowVersion
		if !contentChanged && existing != nil {
			patchVersion = existing.PatchVersion
			rowVersion = existing.RowVersion
		}

		rec := &cvr.RowRecord{
			ClientGroupID: u.snapshot.Instance.ClientGroupID,
			Schema:        d.Schema,
			Table:         d.Table,
			RowKey:        json.RawMessage(id.RowKey),
			RowVersion:    rowVersion,
			PatchVersion:  patchVersion,
			RefCounts:     merged,
		}
		patch = cvr.RowPatch{Op: cvr.PatchPut, RowID: id, ToVersion: patchVersion, Row: rec}
		u.working[id] = rec
		u.pendingRows[id] = rowcache.PendingUpdate{RowID: id, Record: rec}
		u.lastPatch[id] = patch
		out = append(out, patch)

		if len(d.Contents) > 0 {
			u.tracker.Observe(d.Schema, d.Table, id, d.Contents)
		}
	}

	// Keep only the last patch per row ID within this call.
	last := make(map[cvr.RowID]int, len(out))
	for i, p := range out {
		last[p.RowID] = i
	}
	deduped := make([]cvr.RowPatch, 0, len(last))
	for i, p := range out {
		if last[p.RowID] == i {
			deduped = append(deduped, p)
		}
	}
	return deduped
}

// subtractTracked copies rec's refCounts (nil if rec is nil or a
// tombstone) minus any entries keyed by a query tracked this round, so a
// re-executed or removed query's stale count never double-counts against
// the fresh deltas Received is about to merge in.
func subtractTracked(rec *cvr.RowRecord, tracked map[string]bool) map[string]int {
	if rec == nil || rec.RefCounts == nil {
		return nil
	}
	out := make(map[string]int, len(rec.RefCounts))
	for q, n := range rec.RefCounts {
		if tracked[q] {
			continue
		}
		out[q] = n
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// applyRefCountDelta merges delta into baseline, dropping any entry whose
// count reaches zero, and returns nil (tombstone) if nothing remains.
// Per spec §4.8, delta arithmetic cannot drive a count negative; an
// over-subtracted entry is clamped to zero (dropped) rather than kept
// negative, and drift counts the number of entries clamped this way so
// the caller can surface it as a metric.
func applyRefCountDelta(baseline map[string]int, delta map[string]int) (merged map[string]int, drift int) {
	out := make(map[string]int, len(baseline)+len(delta))
	for q, n := range baseline {
		out[q] = n
	}
	for q, dn := range delta {
		out[q] += dn
		if out[q] <= 0 {
			if out[q] < 0 {
				drift++
			}
			delete(out, q)
		}
	}
	if len(out) == 0 {
		return nil, drift
	}
	return out, drift
}

// DeleteUnreferencedRows sweeps the row cache for records that reference
// a query tracked this round (executed or removed) but received no delta
// this round, and rewrites or tombstones them accordingly (spec §4.7.3).
func (u *QueryUpdater) DeleteUnreferencedRows() []cvr.RowPatch {
	if len(u.trackedHashes) == 0 {
		return nil
	}

	var out []cvr.RowPatch
	for id, rec := range u.store.RowCache().GetRowRecords() {
		if u.touchedKeys[id] || rec.IsTombstone() {
			continue
		}

		referencesTracked := false
		for q := range rec.RefCounts {
			if u.trackedHashes[q] {
				referencesTracked = true
				break
			}
		}
		if !referencesTracked {
			continue
		}

		remaining := subtractTracked(rec, u.trackedHashes)
		var patch cvr.RowPatch
		var newRec *cvr.RowRecord
		if remaining != nil {
			// The client's view is unchanged: rewrite at the old
			// patchVersion rather than emitting a patch.
			newRec = &cvr.RowRecord{
				ClientGroupID: rec.ClientGroupID,
				Schema:        rec.Schema,
				Table:         rec.Table,
				RowKey:        rec.RowKey,
				RowVersion:    rec.RowVersion,
				PatchVersion:  rec.PatchVersion,
				RefCounts:     remaining,
			}
			u.pendingRows[id] = rowcache.PendingUpdate{RowID: id, Record: newRec}
			continue
		}

		patch = cvr.RowPatch{Op: cvr.PatchDel, RowID: id, ToVersion: u.snapshot.Instance.Version}
		u.pendingRows[id] = rowcache.PendingUpdate{RowID: id, Record: nil}
		u.lastPatch[id] = patch
		out = append(out, patch)
	}
	return out
}

// ConfigPatches returns every query-put/query-del patch TrackQueries has
// emitted so far.
func (u *QueryUpdater) ConfigPatches() []cvr.ConfigPatch { return u.patches }

// RowPatches returns the deduped row patches for the round: the last
// patch recorded per row ID across every Received/DeleteUnreferencedRows
// call so far, which is what a caller should actually notify clients
// with (rather than each call's raw, possibly-superseded output).
func (u *QueryUpdater) RowPatches() []cvr.RowPatch {
	out := make([]cvr.RowPatch, 0, len(u.lastPatch))
	for _, p := range u.lastPatch {
		out = append(out, p)
	}
	return out
}

// Version returns the round's current CVR version, including every minor
// bump applied so far.
func (u *QueryUpdater) Version() version.Version { return u.snapshot.Instance.Version }

// PendingRows returns the row writes staged for this round's flush.
func (u *QueryUpdater) PendingRows() []rowcache.PendingUpdate {
	out := make([]rowcache.PendingUpdate, 0, len(u.pendingRows))
	for _, p := range u.pendingRows {
		out = append(out, p)
	}
	return out
}

// HasPendingWork reports whether this round produced any row writes or
// staged config writes; Flush is a no-op when this is false (spec §4.7.4).
func (u *QueryUpdater) HasPendingWork() bool {
	return len(u.pendingRows) > 0 || u.store.StagedCount() > 0
}

// Flush commits the round's pending row updates via the row cache's
// deferred mechanism, returning nil if there was nothing to do. On
// failure the row cache is cleared (spec §4.8) and the caller must
// reload the CVR before retrying.
func (u *QueryUpdater) Flush(ctx context.Context, expectedVersion version.Version, mode rowcache.ExecMode) (*store.FlushResult, error) {
	if !u.HasPendingWork() {
		return nil, nil
	}
	result, err := u.store.Flush(ctx, expectedVersion, u.snapshot.Instance.Version, u.snapshot.Instance.LastActive, u.PendingRows(), mode)
	if err != nil {
		return nil, err
	}
	return result, nil
}
