package store

import (
	"time"
)

// UID is an IMAP UID, unique and permanent within a mailbox (for a given
// UIDValidity). Zero is never a valid UID.
type UID uint32

// NextUIDValidity is a singleton record in the database with the next UIDValidity
// to use for a newly created mailbox. A mailbox that is deleted and created again
// under the same name gets a new UIDValidity, so clients never mix up UIDs of the
// old and new mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// Mailbox is a collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64 // Stable, also across renames.

	// "Inbox" is the name for the special IMAP "INBOX". Slash separated
	// for hierarchy.
	Name string `bstore:"nonzero,unique"`

	// Set when the mailbox is created, never changes after.
	UIDValidity uint32

	// UID that will be assigned to the next message. Only ever increases. All
	// messages that were ever added to the mailbox have a lower UID.
	UIDNext UID

	// Keywords as used in messages. Storing a non-system keyword for a message
	// automatically adds it to this list. Used in the IMAP FLAGS response. Only
	// "atoms", stored in lower case.
	Keywords []string
}

// Message is a message in a mailbox. The contents are stored separately in a
// content store, referenced by ContentRef.
type Message struct {
	ID        int64
	UID       UID   `bstore:"nonzero"` // Assigned on append, never changes.
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,ref Mailbox"`

	Flags
	Keywords []string `bstore:"index"` // For keywords other than system flags or the basic well-known $-flags. Only in "atom" syntax, stored in lower case.

	Received   time.Time `bstore:"default now,index"` // Internal date.
	Size       int64
	ContentRef string `bstore:"nonzero"`
}

// ContentErase is a record for a message whose row was expunged but whose
// content may still be referenced by sessions that have not processed the
// expunge yet. The record is removed together with the content. Records left
// behind at shutdown are processed when the database is opened again.
type ContentErase struct {
	ID         int64
	ContentRef string `bstore:"nonzero,unique"`
}

// DBTypes are the types stored in the database.
var DBTypes = []any{NextUIDValidity{}, Mailbox{}, Message{}, ContentErase{}}

// clone returns a copy of m that shares no memory with m.
func (m Message) clone() Message {
	m.Keywords = append([]string(nil), m.Keywords...)
	return m
}
