// Package syncerr defines the error taxonomy shared by the sync engine
// components.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, syncerr.ErrInvalidCursor) {
//	    // Tell the client to resync from scratch
//	}
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned when the underlying durable store
	// cannot commit. Transient: the caller should retry the whole session,
	// never a partial one.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrInvalidCursor is returned when a client reports a last-known
	// sequence number beyond the log's current maximum. The client must
	// perform a full resync.
	ErrInvalidCursor = errors.New("invalid sync cursor")

	// ErrNonMonotonic is returned when a cursor advance would move a
	// client's acknowledged position backwards. This signals a client
	// replaying a stale position and must be surfaced, not silently
	// ignored, or future deltas would be skipped.
	ErrNonMonotonic = errors.New("non-monotonic cursor advance")

	// ErrVersionRace is returned by an append whose expected record
	// version no longer matches the stored one. Transient: the
	// coordinator re-runs conflict resolution against the fresh state.
	ErrVersionRace = errors.New("record version changed since read")

	// ErrConflictUnresolvable is returned when version races persist
	// past the bounded retry count for a single mutation.
	ErrConflictUnresolvable = errors.New("conflict unresolvable after retries")

	// ErrDuplicateCreate is returned when a create targets a record id
	// that already exists (duplicate offline creation). The caller must
	// re-key and resubmit under a new id.
	ErrDuplicateCreate = errors.New("duplicate create for existing record")

	// ErrMutationExpired is returned when a replayed mutation id is older
	// than the idempotency retention window. The caller must treat the
	// change as a fresh edit against current state.
	ErrMutationExpired = errors.New("mutation id past retention window")

	// ErrUnknownDevice is returned when a device token has no registered
	// client id.
	ErrUnknownDevice = errors.New("unknown device token")

	// ErrUnknownEntity is returned for payloads referencing an entity
	// type the schema registry does not know.
	ErrUnknownEntity = errors.New("unknown entity type")
)

// Unavailable wraps a storage driver error as ErrStorageUnavailable while
// keeping the driver error in the chain for logging.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// IsRetryable returns true if the error is likely to succeed on retry
// of the same session with the same inputs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Storage hiccups are transient; the idempotency guard makes the
	// retried push safe.
	if errors.Is(err, ErrStorageUnavailable) {
		return true
	}

	// Version races resolve once the competing session has committed.
	if errors.Is(err, ErrVersionRace) {
		return true
	}

	return false
}

// NeedsResync returns true if the error means the client's local view
// can no longer be reconciled incrementally and it must resync from
// sequence zero.
func NeedsResync(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrInvalidCursor) {
		return true
	}

	if errors.Is(err, ErrNonMonotonic) {
		return true
	}

	return false
}
