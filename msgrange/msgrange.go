// Package msgrange describes sets of messages in a mailbox, by UID or by
// message sequence number (MSN).
//
// A Range is an immutable value. It carries no reference to mailbox state, an
// MSN-shaped range is resolved into UIDs later, against the sequence numbers of
// a specific session.
package msgrange

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
)

// Star is the open end of a range ("n:*"), or "the highest" for a single
// number ("*").
const Star int64 = -1

// ErrWrongKind is returned when asking a range for bounds of a shape it doesn't
// have, e.g. UID bounds of an MSN range.
var ErrWrongKind = errors.New("wrong range kind")

// ErrInvalid is returned when parsing a range that is not a valid sequence set.
var ErrInvalid = errors.New("invalid range")

// Kind is the shape of a Range.
type Kind uint8

const (
	KindAll Kind = iota
	KindUID
	KindUIDRange
	KindMSN
	KindMSNRange
)

func (k Kind) String() string {
	switch k {
	case KindAll:
		return "all"
	case KindUID:
		return "uid"
	case KindUIDRange:
		return "uidrange"
	case KindMSN:
		return "msn"
	case KindMSNRange:
		return "msnrange"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Range is a set of messages. The zero value selects all messages.
type Range struct {
	kind     Kind
	from, to int64
}

// All returns the range of all messages.
func All() Range {
	return Range{}
}

// OneUID returns the range of the single message with uid. Star selects the
// message with the highest UID.
func OneUID(uid int64) Range {
	return Range{KindUID, uid, uid}
}

// UIDRange returns the messages with UIDs from through to, inclusive. A to of
// Star leaves the range open.
func UIDRange(from, to int64) Range {
	return Range{KindUIDRange, from, to}
}

// OneMSN returns the range of the single message with sequence number msn. Star
// selects the last message.
func OneMSN(msn int64) Range {
	return Range{KindMSN, msn, msn}
}

// MSNRange returns the messages with sequence numbers from through to,
// inclusive. A to of Star leaves the range open.
func MSNRange(from, to int64) Range {
	return Range{KindMSNRange, from, to}
}

func (r Range) Kind() Kind {
	return r.kind
}

// IsMSN returns whether r must be resolved through sequence numbers.
func (r Range) IsMSN() bool {
	return r.kind == KindMSN || r.kind == KindMSNRange
}

// IsUID returns whether r is expressed in UIDs. All is neither.
func (r Range) IsUID() bool {
	return r.kind == KindUID || r.kind == KindUIDRange
}

// IsValid returns whether the bounds make sense for the shape.
func (r Range) IsValid() bool {
	switch r.kind {
	case KindAll:
		return true
	case KindUID, KindMSN:
		return r.from > 0 || r.from == Star
	case KindUIDRange, KindMSNRange:
		if r.from <= 0 {
			return false
		}
		return r.to == Star || r.from <= r.to
	}
	return false
}

// UIDFrom returns the first UID of a UID-shaped range.
func (r Range) UIDFrom() (int64, error) {
	if !r.IsUID() {
		return 0, fmt.Errorf("%w: uid bounds of %s range", ErrWrongKind, r.kind)
	}
	return r.from, nil
}

// UIDTo returns the last UID of a UID-shaped range, possibly Star.
func (r Range) UIDTo() (int64, error) {
	if !r.IsUID() {
		return 0, fmt.Errorf("%w: uid bounds of %s range", ErrWrongKind, r.kind)
	}
	return r.to, nil
}

// MSNFrom returns the first sequence number of an MSN-shaped range.
func (r Range) MSNFrom() (int64, error) {
	if !r.IsMSN() {
		return 0, fmt.Errorf("%w: msn bounds of %s range", ErrWrongKind, r.kind)
	}
	return r.from, nil
}

// MSNTo returns the last sequence number of an MSN-shaped range, possibly Star.
func (r Range) MSNTo() (int64, error) {
	if !r.IsMSN() {
		return 0, fmt.Errorf("%w: msn bounds of %s range", ErrWrongKind, r.kind)
	}
	return r.to, nil
}

func num(v int64) string {
	if v == Star {
		return "*"
	}
	return fmt.Sprintf("%d", v)
}

// String returns the range in IMAP sequence-set notation, or "ALL".
func (r Range) String() string {
	switch r.kind {
	case KindAll:
		return "ALL"
	case KindUID, KindMSN:
		return num(r.from)
	}
	return num(r.from) + ":" + num(r.to)
}

// FromSeqSet converts a sequence set as decoded by go-imap into ranges, of UIDs
// if uid is set, MSNs otherwise.
func FromSeqSet(set *imap.SeqSet, uid bool) ([]Range, error) {
	if set == nil || set.Empty() {
		return nil, fmt.Errorf("%w: empty sequence set", ErrInvalid)
	}
	one, span := OneMSN, MSNRange
	if uid {
		one, span = OneUID, UIDRange
	}
	l := make([]Range, 0, len(set.Set))
	for _, seq := range set.Set {
		// Zero is "*" in go-imap.
		start, stop := int64(seq.Start), int64(seq.Stop)
		switch {
		case start == 0 && stop == 0:
			l = append(l, one(Star))
		case start == stop:
			l = append(l, one(start))
		case stop == 0:
			l = append(l, span(start, Star))
		case start == 0:
			l = append(l, span(stop, Star))
		case start > stop:
			l = append(l, span(stop, start))
		default:
			l = append(l, span(start, stop))
		}
	}
	return l, nil
}

// Parse parses IMAP sequence-set syntax, e.g. "1,3:5,10:*". The empty string
// and "ALL" (any case) return All.
func Parse(s string, uid bool) ([]Range, error) {
	if s == "" || strings.EqualFold(s, "all") {
		return []Range{All()}, nil
	}
	set, err := imap.ParseSeqSet(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return FromSeqSet(set, uid)
}
