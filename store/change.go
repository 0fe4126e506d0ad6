package store

import (
	"sync/atomic"
)

// Change is a committed modification of a mailbox, delivered to listeners by a
// Dispatcher. One of the Change* types in this package. Consumers use a type
// switch, and should panic on an unknown type.
type Change interface {
	isChange()
}

// ChangeAddUID is sent for a new message in a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	Flags     Flags    // System flags.
	Keywords  []string // Other flags.
}

// ChangeExpunge is sent for each message removed from a mailbox, in
// increasing UID order. Message is a snapshot of the message as it was just
// before removal.
//
// The content of the message is kept until every listener that received the
// change has called Done.
type ChangeExpunge struct {
	MailboxID int64
	Message   Message

	shared *eraseRef   // Set by the producer.
	ref    *expungeRef // Per listener, set by the dispatcher.
}

// ChangeFlags is sent for a message whose flags or keywords changed. Message
// has the new flags. Origin is the listener of the session that made the
// change, if any.
type ChangeFlags struct {
	MailboxID int64
	Message   Message
	Origin    Listener
}

// ChangeRenameMailbox is sent for a renamed mailbox. The mailbox keeps its ID,
// UIDValidity and UIDs.
type ChangeRenameMailbox struct {
	MailboxID int64
	OldName   string
	NewName   string
}

// ChangeRemoveMailbox is sent for a removed mailbox. No further changes are
// dispatched for it.
type ChangeRemoveMailbox struct {
	MailboxID int64
	Name      string
}

func (ChangeAddUID) isChange()        {}
func (ChangeExpunge) isChange()       {}
func (ChangeFlags) isChange()         {}
func (ChangeRenameMailbox) isChange() {}
func (ChangeRemoveMailbox) isChange() {}

// Done releases the reference of this listener to the content of the expunged
// message. Calling Done more than once, or on a change that was not delivered
// by a dispatcher, has no effect.
func (c ChangeExpunge) Done() {
	if c.ref != nil && c.ref.done.CompareAndSwap(false, true) {
		c.ref.shared.release()
	}
}

// eraseRef counts references to the content of an expunged message. When the
// last reference is released, erase is called.
type eraseRef struct {
	n     atomic.Int64
	erase func()
}

func newEraseRef(erase func()) *eraseRef {
	r := &eraseRef{erase: erase}
	r.n.Store(1) // Held by the producer until dispatched.
	return r
}

func (r *eraseRef) release() {
	if v := r.n.Add(-1); v == 0 {
		r.erase()
	} else if v < 0 {
		panic("negative reference count for expunged message")
	}
}

// expungeRef is the reference of a single listener.
type expungeRef struct {
	shared *eraseRef
	done   atomic.Bool
}

// Listener receives changes of a mailbox. Listeners are compared by identity,
// so implementations are typically pointer types.
//
// Deliver is called with the mailbox's exclusive lock held, after the change
// has been committed. It must not call back into the mailbox and should return
// quickly, typically by queueing the change.
type Listener interface {
	Deliver(ch Change) error
}

// copyChange returns a copy of ch that shares no slices with ch or other copies.
func copyChange(ch Change) Change {
	switch c := ch.(type) {
	case ChangeAddUID:
		c.Keywords = append([]string(nil), c.Keywords...)
		return c
	case ChangeExpunge:
		c.Message = c.Message.clone()
		c.ref = nil
		if c.shared != nil {
			c.ref = &expungeRef{shared: c.shared}
		}
		return c
	case ChangeFlags:
		c.Message = c.Message.clone()
		return c
	case ChangeRenameMailbox, ChangeRemoveMailbox:
		return c
	}
	panic("missing case for change")
}

func changeType(ch Change) string {
	switch ch.(type) {
	case ChangeAddUID:
		return "add"
	case ChangeExpunge:
		return "expunge"
	case ChangeFlags:
		return "flags"
	case ChangeRenameMailbox:
		return "rename"
	case ChangeRemoveMailbox:
		return "remove"
	}
	panic("missing case for change")
}
