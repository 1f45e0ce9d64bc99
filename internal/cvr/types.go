// Package cvr holds the durable entity types of the Client View Record:
// the versioned catalog of which rows each client currently holds and
// which queries each client desires vs. has already received.
//
// This package is deliberately free of storage and transport concerns —
// internal/store persists these types, internal/updater mutates them, and
// internal/rowcache caches the row-record half of the model in memory.
package cvr

import (
	"encoding/json"

	"github.com/sourcetable/cvrsync/internal/version"
)

// Version is re-exported at the package boundary so callers of cvr don't
// need to import internal/version directly for the common case.
type Version = version.Version

// Instance is the singleton row per client group: the CVR's version,
// activity timestamp, upstream replica pointer, and write-ownership lease.
type Instance struct {
	ClientGroupID  string
	Version        Version
	LastActive     int64 // ms since epoch
	ReplicaVersion string
	Owner          string
	GrantedAt      int64 // ms since epoch
	ClientSchema   json.RawMessage
}

// ClientRecord is keyed by (clientGroupID, clientID).
type ClientRecord struct {
	ClientGroupID   string
	ClientID        string
	DesiredQueryIDs []string // ordered set of query hashes currently desired
}

// LMIDsQueryHash is the reserved hash of the internal "last mutation ids"
// query. It is not tracked per-client and never appears in DesiredQueryIDs
// alongside client-supplied query hashes in clientState.
const LMIDsQueryHash = "lmids"

// QueryRecord is keyed by (clientGroupID, queryHash). A client query
// carries either an AST or a (name, args) pair; the internal "lmids"
// query carries neither and is never tracked per-client.
type QueryRecord struct {
	ClientGroupID          string
	QueryHash              string
	Internal               bool
	AST                     json.RawMessage
	Name                    string
	Args                    json.RawMessage
	PatchVersion            *Version // nil until "desired -> got"
	TransformationHash      string
	TransformationVersion   *Version
	Deleted                 bool
	ClientState             map[string]ClientQueryState // clientID -> state
}

// ClientQueryState is the per-client view of a query record.
type ClientQueryState struct {
	Version       Version
	InactivatedAt *int64 // ms since epoch; nil while actively desired
	TTL           int64  // ms; negative means "no expiration"
}

// Desire is keyed by (clientGroupID, clientID, queryHash).
type Desire struct {
	ClientGroupID string
	ClientID      string
	QueryHash     string
	PatchVersion  Version
	Deleted       bool
	TTL           int64 // ms; negative = no expiration
	InactivatedAt *int64
}

// RowRecord is keyed by (clientGroupID, schema, table, rowKey). A nil
// RefCounts denotes a tombstone: the row was synced once and has since
// been deleted, and the record is kept only so a catching-up client can
// receive the delete.
type RowRecord struct {
	ClientGroupID string
	Schema        string
	Table         string
	RowKey        json.RawMessage // canonicalized per internal/store.CanonicalRowKey
	RowVersion    string
	PatchVersion  Version
	RefCounts     map[string]int // queryHash -> count; nil = tombstone
}

// IsTombstone reports whether the row record represents a past deletion.
func (r *RowRecord) IsTombstone() bool { return r.RefCounts == nil }

// RowID identifies a row record independent of its key contents, used as
// a map key throughout the row cache and updaters.
type RowID struct {
	Schema string
	Table  string
	RowKey string // canonical JSON form, see internal/store.CanonicalRowKey
}

// String returns a delimited form suitable as an ordset key; it is not
// meant to be parsed back into a RowID, only compared for ordering.
func (id RowID) String() string {
	return id.Schema + "\x00" + id.Table + "\x00" + id.RowKey
}

// PatchOp is the kind of a row or config patch emitted to clients.
type PatchOp int

const (
	// PatchPut announces that the client should have the given row, query,
	// or desire.
	PatchPut PatchOp = iota
	// PatchDel announces that the client should no longer have it.
	PatchDel
)

func (op PatchOp) String() string {
	if op == PatchPut {
		return "put"
	}
	return "del"
}

// RowPatch is a single row change, tagged with the version at which the
// client should apply it.
type RowPatch struct {
	Op         PatchOp
	RowID      RowID
	Row        *RowRecord // nil for PatchDel
	ToVersion  Version
}

// ConfigPatchKind distinguishes which kind of config entity a ConfigPatch
// carries.
type ConfigPatchKind int

const (
	ConfigPatchQuery ConfigPatchKind = iota
	ConfigPatchDesire
)

// ConfigPatch is a query-put/query-del or desire-put/desire-del patch
// emitted by the config-driven or query-driven updaters.
type ConfigPatch struct {
	Kind      ConfigPatchKind
	Op        PatchOp
	ClientID  string // set for ConfigPatchDesire
	QueryHash string
	ToVersion Version
}
