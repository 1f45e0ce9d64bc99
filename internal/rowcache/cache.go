// Package rowcache holds the in-memory, last-flushed snapshot of row
// records for a single client group (spec §4.3) and the deferred-flush
// bookkeeping that lets the CVR store commit CVR metadata synchronously
// while batching the (usually much larger) row write behind it.
package rowcache

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/sourcetable/cvrsync/internal/cvr"
	"github.com/sourcetable/cvrsync/internal/ordset"
	"github.com/sourcetable/cvrsync/internal/version"
	pkglogger "github.com/sourcetable/cvrsync/pkg/logger"
)

// ExecMode selects whether ExecuteRowUpdates is allowed to defer the
// write when the pending set exceeds the threshold.
type ExecMode int

const (
	// AllowDefer returns no statements when the pending set is large,
	// leaving the caller to schedule a background flush.
	AllowDefer ExecMode = iota
	// ForceFlush always returns the full set of statements regardless
	// of size; used for the final synchronous drain before shutdown
	// and by tests that want deterministic writes.
	ForceFlush
)

// PendingUpdate is a staged row write: either a put carrying the new
// record or a delete (Record == nil, tombstone write).
type PendingUpdate struct {
	RowID  cvr.RowID
	Record *cvr.RowRecord // nil means delete the row entirely
}

// Cache is the per-client-group row record cache. Zero value is not
// usable; construct with New.
type Cache struct {
	clientGroupID     string
	deferredThreshold int
	logger            *slog.Logger

	mu      sync.RWMutex
	loaded  bool
	records map[cvr.RowID]*cvr.RowRecord
	// index keeps a deterministically ordered index of row IDs (keyed by
	// RowID.String()) so catchup iteration order doesn't depend on Go's
	// randomized map iteration; see internal/ordset.
	index   *ordset.Set
	keyToID map[string]cvr.RowID
	version cvr.Version // rowsVersion as last observed/flushed

	pendingMu sync.Mutex
	pending   map[cvr.RowID]PendingUpdate
	dirty     bool

	flushedCh chan struct{} // closed and replaced each time pending drains to zero
}

// DefaultDeferredRowThreshold is the pending-row count above which
// ExecuteRowUpdates defers the write under AllowDefer (spec §4.3).
const DefaultDeferredRowThreshold = 2000

// New constructs an empty, not-yet-loaded cache for a client group.
func New(clientGroupID string, deferredThreshold int, logger *slog.Logger) *Cache {
	if deferredThreshold <= 0 {
		deferredThreshold = DefaultDeferredRowThreshold
	}
	c := &Cache{
		clientGroupID:     clientGroupID,
		deferredThreshold: deferredThreshold,
		logger:            pkglogger.ForClientGroup(logger, clientGroupID).With("component", "rowcache"),
		records:           make(map[cvr.RowID]*cvr.RowRecord),
		index:             ordset.New(),
		keyToID:           make(map[string]cvr.RowID),
		pending:           make(map[cvr.RowID]PendingUpdate),
		flushedCh:         make(chan struct{}),
	}
	close(c.flushedCh) // nothing pending initially, so "flushed" is already satisfied
	return c
}

// Hydrate seeds the cache from a freshly loaded set of row records,
// replacing whatever was there (used on CVR store load). Every call
// replaces the cache's whole contents.
func (c *Cache) Hydrate(records []*cvr.RowRecord, version cvr.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[cvr.RowID]*cvr.RowRecord, len(records))
	c.index = ordset.New()
	c.keyToID = make(map[string]cvr.RowID, len(records))
	for _, r := range records {
		id := cvr.RowID{Schema: r.Schema, Table: r.Table, RowKey: string(r.RowKey)}
		c.records[id] = r
		c.indexPut(id)
	}
	c.version = version
	c.loaded = true
}

// indexPut and indexDelete keep c.index/c.keyToID in sync with c.records.
// Callers must hold c.mu.
func (c *Cache) indexPut(id cvr.RowID) {
	key := id.String()
	c.index.Insert(key)
	c.keyToID[key] = id
}

func (c *Cache) indexDelete(id cvr.RowID) {
	key := id.String()
	c.index.Delete(key)
	delete(c.keyToID, key)
}

// orderedRowIDs returns every indexed row ID in ascending key order,
// giving catchup iteration a deterministic, reproducible sequence
// independent of Go's randomized map iteration. Callers must hold c.mu
// (at least RLock).
func (c *Cache) orderedRowIDs() []cvr.RowID {
	out := make([]cvr.RowID, 0, c.index.Len())
	c.index.Ascend(func(key string) bool {
		out = append(out, c.keyToID[key])
		return true
	})
	return out
}

// Reset clears the cache, marking it stale. Called when a flush fails
// (spec §7 propagation: "any exception inside flush clears the row
// cache") so the next read forces a reload from the store.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.records = make(map[cvr.RowID]*cvr.RowRecord)
	c.index = ordset.New()
	c.keyToID = make(map[string]cvr.RowID)
	c.loaded = false
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[cvr.RowID]PendingUpdate)
	c.dirty = false
	c.pendingMu.Unlock()
}

// Loaded reports whether Hydrate has populated the cache since the last
// Reset.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// GetRowRecords resolves the current map of row records, reflecting any
// updates already merged by Apply. The returned map is a defensive copy:
// callers may range over it without holding the cache lock.
func (c *Cache) GetRowRecords() map[cvr.RowID]*cvr.RowRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[cvr.RowID]*cvr.RowRecord, len(c.records))
	for id, r := range c.records {
		out[id] = r
	}
	return out
}

// OrderedRowIDs returns every row ID currently held by the cache in a
// deterministic, reproducible ascending order (see internal/ordset),
// independent of Go's randomized map iteration over GetRowRecords.
func (c *Cache) OrderedRowIDs() []cvr.RowID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orderedRowIDs()
}

// Get resolves a single row record, or nil if absent.
func (c *Cache) Get(id cvr.RowID) *cvr.RowRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.records[id]
}

// Apply merges pendingUpdates into the cache's in-memory view and records
// the new rowsVersion. If synchronouslyFlushed is false, the updates are
// also staged so a later ExecuteRowUpdates/background flush can write
// them to storage; if true, the caller already wrote them in the same
// transaction as the CVR metadata and the cache only needs the in-memory
// merge.
func (c *Cache) Apply(pendingUpdates []PendingUpdate, newVersion cvr.Version, synchronouslyFlushed bool) {
	c.mu.Lock()
	for _, u := range pendingUpdates {
		if u.Record == nil {
			delete(c.records, u.RowID)
			c.indexDelete(u.RowID)
			continue
		}
		c.records[u.RowID] = u.Record
		c.indexPut(u.RowID)
	}
	if synchronouslyFlushed {
		c.version = newVersion
	}
	c.mu.Unlock()

	if synchronouslyFlushed {
		return
	}

	c.pendingMu.Lock()
	if len(c.pending) == 0 && !c.dirty {
		c.flushedCh = make(chan struct{})
	}
	for _, u := range pendingUpdates {
		c.pending[u.RowID] = u
	}
	c.dirty = len(c.pending) > 0
	c.pendingMu.Unlock()
}

// HasPendingUpdates reports whether a deferred row write is still
// outstanding.
func (c *Cache) HasPendingUpdates() bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.dirty
}

// Flushed returns a channel that is closed once the currently
// outstanding pending updates (if any) have drained. Safe to call
// concurrently; a fresh channel is installed each time new pending
// updates are staged.
func (c *Cache) Flushed() <-chan struct{} {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.flushedCh
}

// MarkDrained signals that a deferred flush completed successfully at
// newVersion, clearing the pending set and releasing any Flushed waiters.
func (c *Cache) MarkDrained(newVersion cvr.Version) {
	c.mu.Lock()
	c.version = newVersion
	c.mu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[cvr.RowID]PendingUpdate)
	c.dirty = false
	ch := c.flushedCh
	c.pendingMu.Unlock()

	select {
	case <-ch:
	default:
		close(ch)
	}
}

// Version returns the rowsVersion last observed by this cache.
func (c *Cache) Version() cvr.Version {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Statement is one SQL write ExecuteRowUpdates asks the caller to run,
// batched in groups of at most maxBatch rows.
type Statement struct {
	Batch []PendingUpdate
}

// maxBatch bounds per-statement parameter count (spec §4.3: "batched
// writes are issued in power-of-two sized chunks (≤512)").
const maxBatch = 512

// ExecuteRowUpdates computes the batched statements for pendingUpdates.
// Under AllowDefer, if len(pendingUpdates) exceeds the cache's deferred
// threshold it returns (nil, true) to signal the caller should defer the
// write rather than execute it inline. Under ForceFlush it always
// returns the full statement set.
func (c *Cache) ExecuteRowUpdates(pendingUpdates []PendingUpdate, mode ExecMode) (statements []Statement, deferred bool) {
	if mode == AllowDefer && len(pendingUpdates) > c.deferredThreshold {
		return nil, true
	}
	batchSize := powerOfTwoBatch(len(pendingUpdates))
	for i := 0; i < len(pendingUpdates); i += batchSize {
		end := i + batchSize
		if end > len(pendingUpdates) {
			end = len(pendingUpdates)
		}
		statements = append(statements, Statement{Batch: pendingUpdates[i:end]})
	}
	return statements, false
}

// powerOfTwoBatch picks the smallest power of two that is >= n capped at
// maxBatch, so a single flush of up to maxBatch rows issues one
// statement while larger flushes are cut into maxBatch-row statements
// plus one for the remainder.
func powerOfTwoBatch(n int) int {
	if n <= 0 {
		return maxBatch
	}
	batch := 1
	for batch < n && batch < maxBatch {
		batch *= 2
	}
	return batch
}

// DefaultCatchupBatchRows is the default cursor page size for streaming
// row catchup patches to a single client (spec §4.5.3: "default 10k
// rows").
const DefaultCatchupBatchRows = 10000

// CatchupRowPatches streams row records whose patchVersion lies in
// (after, upTo], excluding any whose sole references are in
// excludeQueries, into patches, ordered by patchVersion (spec §4.5.3:
// "each batch is ordered by patchVersion"). It closes patches (and
// returns) once exhausted or ctx is cancelled.
//
// current is the CVR's row cache map as of the call (typically
// GetRowRecords' result). order is a deterministic row-ID iteration
// order for the same snapshot (typically Cache.OrderedRowIDs' result);
// it only breaks ties between equal patchVersions so results are
// reproducible across runs rather than depending on Go's randomized map
// iteration.
//
// limiter, if non-nil, is waited on before every emitted patch, bounding
// how fast a single catchup iterator can push rows at its consumer (the
// out-of-scope per-client transport); pass nil for unlimited streaming
// (used by tests and the admin debug surface).
//
// onBatch, if non-nil, is called exactly once with the total number of
// matched patches before streaming begins, for callers that want to
// observe catchup batch size (e.g. internal/metrics.CVRMetrics).
func CatchupRowPatches(
	ctx context.Context,
	current map[cvr.RowID]*cvr.RowRecord,
	order []cvr.RowID,
	after, upTo cvr.Version,
	excludeQueries map[string]bool,
	limiter *rate.Limiter,
	patches chan<- cvr.RowPatch,
	onBatch func(int),
) error {
	defer close(patches)

	matched := make([]cvr.RowPatch, 0, len(order))
	tieIndex := make(map[cvr.RowID]int, len(order))
	for i, id := range order {
		tieIndex[id] = i
	}

	for id, rec := range current {
		if versionLessOrEqual(rec.PatchVersion, after) || versionLess(upTo, rec.PatchVersion) {
			continue
		}
		if soleReferencesExcluded(rec, excludeQueries) {
			continue
		}

		patch := cvr.RowPatch{RowID: id, ToVersion: rec.PatchVersion}
		if rec.IsTombstone() {
			patch.Op = cvr.PatchDel
		} else {
			patch.Op = cvr.PatchPut
			patch.Row = rec
		}
		matched = append(matched, patch)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if c := version.Compare(matched[i].ToVersion, matched[j].ToVersion); c != 0 {
			return c < 0
		}
		return tieIndex[matched[i].RowID] < tieIndex[matched[j].RowID]
	})

	if onBatch != nil {
		onBatch(len(matched))
	}

	for _, patch := range matched {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}
		select {
		case patches <- patch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func soleReferencesExcluded(rec *cvr.RowRecord, excludeQueries map[string]bool) bool {
	if rec.IsTombstone() || len(excludeQueries) == 0 {
		return false
	}
	for q := range rec.RefCounts {
		if !excludeQueries[q] {
			return false
		}
	}
	return true
}

func versionLess(a, b cvr.Version) bool {
	return version.Compare(a, b) < 0
}

func versionLessOrEqual(a, b cvr.Version) bool {
	return version.Compare(a, b) <= 0
}
