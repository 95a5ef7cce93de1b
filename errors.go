package murmur

import (
	"errors"
	"fmt"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// Sentinel errors for the reconciliation engine. Adapter-level and
// identity-level failures are recovered locally and never escape Ingest;
// only the initiating Send/Edit/Delete call returns a NetworkError to its
// caller.
var (
	// ErrStaleRecord marks an incoming snapshot older than the cached state.
	// Stale records are silently discarded; the sentinel exists for tests
	// and stats, not for propagation.
	ErrStaleRecord = errors.New("stale record")

	// ErrUnknownProvisional is reported (not returned) when Resolve is
	// called for a provisional id the resolver has never seen, e.g. a
	// duplicate acknowledgment after retirement.
	ErrUnknownProvisional = errors.New("unknown provisional id")

	// ErrSessionClosed is returned by session operations after Close.
	ErrSessionClosed = errors.New("conversation session closed")
)

// IdentityConflictError records a Resolve call that contradicts an earlier
// binding for the same provisional id. The last binding wins; the conflict
// is logged, never fatal.
type IdentityConflictError struct {
	ProvisionalID string
	BoundID       string
	IncomingID    string
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("identity conflict: %s already bound to %s, re-bound to %s",
		e.ProvisionalID, e.BoundID, e.IncomingID)
}

// MalformedRecordError wraps a payload an adapter could not normalize. The
// record is dropped and the batch continues.
type MalformedRecordError struct {
	Source string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed %s record: %s", e.Source, e.Reason)
}

// NetworkError wraps a failed send, edit or delete call. The affected
// message transitions to DeliveryFailed; retry is caller-driven.
type NetworkError struct {
	Op  string // "send", "edit", "delete", "history"
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is an error payload returned by the Murmur REST API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}
