package store

import (
	"time"

	"github.com/mailstate/mailstate/msgrange"
)

// FetchFields selects which fields of a MessageResult are populated.
type FetchFields uint8

const (
	FetchUID          FetchFields = 1 << iota // Always populated.
	FetchFlags                                // Flags and keywords.
	FetchInternalDate                         // Received.
	FetchSize
	FetchContent // Reads from the content store.

	// FetchMeta is all fields except content.
	FetchMeta = FetchUID | FetchFlags | FetchInternalDate | FetchSize
	FetchAll  = FetchMeta | FetchContent
)

// MessageResult is a projection of a message with the requested fields. Fields
// that were not requested are left at their zero value.
type MessageResult struct {
	Fields FetchFields // Populated fields.

	UID UID
	MSN uint32 // Sequence number in the session, zero if not applicable.

	Flags    Flags
	Keywords []string
	Received time.Time
	Size     int64
	Content  []byte
}

// Has returns whether all fields in f are populated.
func (mr MessageResult) Has(f FetchFields) bool {
	return mr.Fields&f == f
}

// Result returns the projection of m with fields populated, except content.
func (m Message) Result(fields FetchFields) MessageResult {
	fields |= FetchUID
	fields &^= FetchContent
	mr := MessageResult{Fields: fields, UID: m.UID}
	if fields&FetchFlags != 0 {
		mr.Flags = m.Flags
		mr.Keywords = append([]string(nil), m.Keywords...)
	}
	if fields&FetchInternalDate != 0 {
		mr.Received = m.Received
	}
	if fields&FetchSize != 0 {
		mr.Size = m.Size
	}
	return mr
}

// Resolver maps a range of sequence numbers to a range of UIDs, according to
// the sequence numbers of a session. UID ranges are returned unchanged.
type Resolver interface {
	ResolveRange(r msgrange.Range) (msgrange.Range, error)
}
