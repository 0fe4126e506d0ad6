package store

import (
	"errors"
	"fmt"

	"github.com/mailstate/mailstate/metrics"
)

var (
	// ErrRangeNotResolvable is returned when a range of sequence numbers cannot be
	// mapped to UIDs, e.g. a sequence number beyond the session's message count,
	// or an MSN range without an index to resolve it.
	ErrRangeNotResolvable = errors.New("range not resolvable")

	// ErrStoreUnavailable is returned when the database or content store fails.
	// The operation is aborted: nothing is committed and no change is dispatched.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrBusy is returned when a mailbox lock could not be acquired within the
	// configured lock timeout. The operation can be retried.
	ErrBusy = fmt.Errorf("%w: mailbox lock timeout", metrics.ErrBusy)

	ErrUnknownMailbox  = errors.New("unknown mailbox")
	ErrMailboxExists   = errors.New("mailbox already exists")
	ErrMailboxRemoved  = errors.New("mailbox has been removed")
	ErrMailboxName     = errors.New("invalid mailbox name")
	ErrInboxProtected  = errors.New("inbox cannot be renamed or removed")
	ErrClosed          = errors.New("store closed")
	ErrBadKeyword      = errors.New("invalid flag or keyword")
	ErrInvalidRange    = errors.New("invalid range")
	ErrContentRequired = errors.New("content store required")
)

// unavailable wraps err, an error from the database or content store, so it
// matches both ErrStoreUnavailable and err with errors.Is.
func unavailable(msg string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, msg, err)
}
