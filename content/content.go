// Package content stores message contents for the mailbox store, referenced by
// an opaque string.
//
// Two implementations are provided: Bolt keeps contents in a single bbolt
// database file, Maildir keeps one file per message in a maildir directory.
package content

import (
	"context"
	"errors"
	"io"

	"github.com/mailstate/mailstate/mlog"
)

var pkglog = mlog.New("content", nil)

// ErrNotFound is returned for a reference that is not (or no longer) present.
var ErrNotFound = errors.New("content not found")

// Store holds message contents. Implementations must be safe for concurrent
// use. A reference is written once and never modified, only removed.
type Store interface {
	// Put stores the data read from r under a new reference. The returned size is
	// the number of bytes stored.
	Put(ctx context.Context, r io.Reader) (ref string, size int64, err error)

	// Open returns a reader for the content of ref.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Remove removes the content of ref.
	Remove(ctx context.Context, ref string) error

	Close() error
}
