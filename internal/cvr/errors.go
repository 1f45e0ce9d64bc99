package cvr

import "fmt"

// ConcurrentModificationError is returned by Flush when another writer
// advanced instances.version before this flush's SELECT ... FOR UPDATE
// observed it. Fatal for the in-progress updater: the caller must reload
// the CVR and may reapply its logical operation.
type ConcurrentModificationError struct {
	ClientGroupID   string
	ExpectedVersion Version
	ActualVersion   Version
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("cvr: concurrent modification on client group %q: expected version %s, found %s",
		e.ClientGroupID, e.ExpectedVersion, e.ActualVersion)
}

// OwnershipError is returned when another task legitimately holds (or has
// taken) the write lease for a client group. The caller surfaces this to
// the client as a "rehomed" signal and tears down the local service for
// the group.
type OwnershipError struct {
	ClientGroupID string
	Owner         string
	GrantedAt     int64
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("cvr: client group %q is owned by task %q (granted at %d)",
		e.ClientGroupID, e.Owner, e.GrantedAt)
}

// RowsVersionBehindError indicates the row cache has not yet drained to
// instances.version. Transient: the loader retries with a bounded budget
// before surfacing ClientNotFoundError.
type RowsVersionBehindError struct {
	ClientGroupID string
	RowsVersion   Version
	InstanceVersion Version
}

func (e *RowsVersionBehindError) Error() string {
	return fmt.Sprintf("cvr: client group %q rows version %s behind instance version %s",
		e.ClientGroupID, e.RowsVersion, e.InstanceVersion)
}

// InvalidConnectionRequestError is permanent for the connection that
// triggered it: the client must reset its local state. Raised, for
// example, when a client's schema conflicts with the group's frozen
// schema.
type InvalidConnectionRequestError struct {
	Reason string
}

func (e *InvalidConnectionRequestError) Error() string {
	return fmt.Sprintf("cvr: invalid connection request: %s", e.Reason)
}

// ClientNotFoundError is surfaced at the external boundary when a load
// could not complete within the RowsVersionBehind retry budget.
type ClientNotFoundError struct {
	ClientGroupID string
	Cause         error
}

func (e *ClientNotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("cvr: client group %q not found: %v", e.ClientGroupID, e.Cause)
	}
	return fmt.Sprintf("cvr: client group %q not found", e.ClientGroupID)
}

func (e *ClientNotFoundError) Unwrap() error { return e.Cause }

// RehomeError is the client-visible form of OwnershipError: maxBackoffMs
// is always 0, signaling the client should reconnect immediately against
// the new owner rather than backing off.
type RehomeError struct {
	ClientGroupID string
}

func (e *RehomeError) Error() string {
	return fmt.Sprintf("cvr: client group %q was rehomed to another task", e.ClientGroupID)
}

// MaxBackoffMs is always 0 for a rehome: the client should retry
// immediately rather than apply exponential backoff.
func (e *RehomeError) MaxBackoffMs() int { return 0 }

// AsRehome converts an OwnershipError encountered by a store caller into
// the client-visible RehomeError.
func AsRehome(err *OwnershipError) *RehomeError {
	return &RehomeError{ClientGroupID: err.ClientGroupID}
}
