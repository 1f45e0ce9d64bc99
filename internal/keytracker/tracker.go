// Package keytracker implements the key-column tracker (spec §4.4): it
// remembers which non-primary columns have served as row-key columns for
// a table and uses that history to recognize a row whose key changed
// shape across an upstream schema change, rather than treating it as an
// unrelated row that appeared alongside one that silently disappeared.
package keytracker

import (
	"encoding/json"
	"sync"

	"github.com/sourcetable/cvrsync/internal/cvr"
)

type tableID struct {
	schema string
	table  string
}

type columnValue struct {
	tableID
	column string
	value  string // raw JSON text of the value
}

// Tracker is safe for concurrent use by a single client group's updater.
type Tracker struct {
	mu sync.Mutex

	// keyColumnSets records every distinct set of column names that has
	// been used as a table's row key, most-recently-registered last.
	keyColumnSets map[tableID][]map[string]struct{}

	// index maps a (schema, table, column, value) observation to the row
	// ID it was last seen under, restricted to columns that are members
	// of some registered key-column set for that table.
	index map[columnValue]cvr.RowID
}

// New returns an empty tracker.
func New() *Tracker {
	return &Tracker{
		keyColumnSets: make(map[tableID][]map[string]struct{}),
		index:         make(map[columnValue]cvr.RowID),
	}
}

// RegisterKeyColumns records the column names making up schema.table's row
// key, as observed from a row's RowKey contents. Idempotent: registering
// the same column set again is a no-op.
func (t *Tracker) RegisterKeyColumns(schema, table string, keyColumns []string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id := tableID{schema, table}
	set := make(map[string]struct{}, len(keyColumns))
	for _, c := range keyColumns {
		set[c] = struct{}{}
	}
	for _, existing := range t.keyColumnSets[id] {
		if sameSet(existing, set) {
			return
		}
	}
	t.keyColumnSets[id] = append(t.keyColumnSets[id], set)
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// Observe indexes contents' values for every column known to have been a
// key column of schema.table, associating them with id. Call this for
// every row record stored so later puts can be matched against it.
func (t *Tracker) Observe(schema, table string, id cvr.RowID, contents map[string]json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tid := tableID{schema, table}
	for _, set := range t.keyColumnSets[tid] {
		for col := range set {
			raw, ok := contents[col]
			if !ok {
				continue
			}
			t.index[columnValue{tableID: tid, column: col, value: string(raw)}] = id
		}
	}
}

// FindReplacement looks for a previously observed row whose legacy
// row-key columns match values present in contents, for a put whose own
// row ID (newID) is not present in the cache. It considers only
// key-column sets other than currentKeyColumns, since a match against the
// put's own key would be the put's own (already absent) row, not a
// rename. Returns the old row ID and true if a match is found.
func (t *Tracker) FindReplacement(schema, table string, newID cvr.RowID, currentKeyColumns []string, contents map[string]json.RawMessage) (cvr.RowID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tid := tableID{schema, table}
	current := make(map[string]struct{}, len(currentKeyColumns))
	for _, c := range currentKeyColumns {
		current[c] = struct{}{}
	}

	for _, set := range t.keyColumnSets[tid] {
		if sameSet(set, current) {
			continue
		}
		for col := range set {
			raw, ok := contents[col]
			if !ok {
				continue
			}
			if oldID, ok := t.index[columnValue{tableID: tid, column: col, value: string(raw)}]; ok && oldID != newID {
				return oldID, true
			}
		}
	}
	return cvr.RowID{}, false
}

// Forget removes any index entries pointing at id, called once a
// replacement has been resolved and the old-keyed record deleted so a
// later put cannot be matched against a row ID that no longer exists.
func (t *Tracker) Forget(schema, table string, id cvr.RowID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, v := range t.index {
		if k.schema == schema && k.table == table && v == id {
			delete(t.index, k)
		}
	}
}
