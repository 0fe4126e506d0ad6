package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/mjl-/bstore"
	"go.opentelemetry.io/otel/attribute"

	"github.com/mailstate/mailstate/mlog"
	"github.com/mailstate/mailstate/msgrange"
)

// FlagMode is how SetFlags applies flags and keywords to messages.
type FlagMode uint8

const (
	FlagsSet    FlagMode = iota // Replace all flags and keywords.
	FlagsAdd                    // Add flags and keywords.
	FlagsRemove                 // Clear flags, remove keywords.
)

func (m FlagMode) String() string {
	switch m {
	case FlagsSet:
		return "set"
	case FlagsAdd:
		return "add"
	case FlagsRemove:
		return "remove"
	}
	return fmt.Sprintf("flagmode(%d)", m)
}

// MailboxStore is the shared handle to a single mailbox, see Store.OpenMailbox.
// It is safe for concurrent use.
type MailboxStore struct {
	ID int64

	st   *Store
	lock *rwLock
	disp *Dispatcher
	log  mlog.Log

	// Guarded by st's mutex.
	refs    int
	name    string
	removed bool
}

// Name returns the current name of the mailbox.
func (h *MailboxStore) Name() string {
	h.st.Lock()
	defer h.st.Unlock()
	return h.name
}

// Dispatcher returns the dispatcher for changes of this mailbox.
func (h *MailboxStore) Dispatcher() *Dispatcher {
	return h.disp
}

// Close releases a reference to the handle.
func (h *MailboxStore) Close() error {
	h.st.Lock()
	defer h.st.Unlock()
	if h.refs <= 0 {
		return ErrClosed
	}
	h.refs--
	if h.refs == 0 && h.st.open[h.ID] == h {
		delete(h.st.open, h.ID)
	}
	return nil
}

// shared runs fn with the shared lock held.
func (h *MailboxStore) shared(ctx context.Context, fn func() error) error {
	if err := h.lock.rlock(ctx); err != nil {
		return err
	}
	defer h.lock.runlock()
	if err := h.check(); err != nil {
		return err
	}
	return fn()
}

// exclusive runs fn with the exclusive lock held.
func (h *MailboxStore) exclusive(ctx context.Context, fn func() error) error {
	if err := h.lock.lock(ctx); err != nil {
		return err
	}
	defer h.lock.unlock()
	if err := h.check(); err != nil {
		return err
	}
	return fn()
}

func (h *MailboxStore) check() error {
	h.st.Lock()
	defer h.st.Unlock()
	if h.st.closed {
		return ErrClosed
	} else if h.removed {
		return ErrMailboxRemoved
	}
	return nil
}

// xmailbox returns the current mailbox record.
func (h *MailboxStore) xmailbox(tx *bstore.Tx) (Mailbox, error) {
	mb := Mailbox{ID: h.ID}
	if err := tx.Get(&mb); err == bstore.ErrAbsent {
		return Mailbox{}, ErrMailboxRemoved
	} else if err != nil {
		return Mailbox{}, unavailable("get mailbox", err)
	}
	return mb, nil
}

func (h *MailboxStore) mailbox(ctx context.Context) (mb Mailbox, rerr error) {
	rerr = h.shared(ctx, func() error {
		return h.st.read(ctx, func(tx *bstore.Tx) error {
			var err error
			mb, err = h.xmailbox(tx)
			return err
		})
	})
	return
}

// UIDNext returns the UID the next appended message will get, without
// consuming it.
func (h *MailboxStore) UIDNext(ctx context.Context) (UID, error) {
	mb, err := h.mailbox(ctx)
	return mb.UIDNext, err
}

// UIDValidity returns the UIDValidity of the mailbox.
func (h *MailboxStore) UIDValidity(ctx context.Context) (uint32, error) {
	mb, err := h.mailbox(ctx)
	return mb.UIDValidity, err
}

// Keywords returns the keywords ever used in the mailbox.
func (h *MailboxStore) Keywords(ctx context.Context) ([]string, error) {
	mb, err := h.mailbox(ctx)
	return mb.Keywords, err
}

// MessageCount returns the number of messages in the mailbox.
func (h *MailboxStore) MessageCount(ctx context.Context) (n int, rerr error) {
	rerr = h.shared(ctx, func() error {
		return h.st.read(ctx, func(tx *bstore.Tx) error {
			if _, err := h.xmailbox(tx); err != nil {
				return err
			}
			var err error
			n, err = bstore.QueryTx[Message](tx).FilterNonzero(Message{MailboxID: h.ID}).Count()
			if err != nil {
				return unavailable("counting messages", err)
			}
			return nil
		})
	})
	return
}

// UIDs calls fn with the UIDs of all messages, ascending, while holding the
// shared lock. No changes are dispatched while fn runs, so a session can build
// its view of the mailbox without missing or double-counting changes.
func (h *MailboxStore) UIDs(ctx context.Context, fn func(uids []UID)) error {
	return h.shared(ctx, func() error {
		var uids []UID
		err := h.st.read(ctx, func(tx *bstore.Tx) error {
			if _, err := h.xmailbox(tx); err != nil {
				return err
			}
			q := bstore.QueryTx[Message](tx)
			q.FilterNonzero(Message{MailboxID: h.ID})
			q.SortAsc("UID")
			err := q.ForEach(func(m Message) error {
				uids = append(uids, m.UID)
				return nil
			})
			if err != nil {
				return unavailable("listing uids", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		fn(uids)
		return nil
	})
}

// resolve checks r and maps a range of sequence numbers to UIDs through res.
func resolve(res Resolver, r msgrange.Range) (msgrange.Range, error) {
	if !r.IsValid() {
		return r, fmt.Errorf("%w: %s", ErrInvalidRange, r)
	}
	if !r.IsMSN() {
		return r, nil
	}
	if res == nil {
		return r, fmt.Errorf("%w: no sequence numbers to resolve %s", ErrRangeNotResolvable, r)
	}
	ur, err := res.ResolveRange(r)
	if err != nil {
		return r, err
	}
	if ur.IsMSN() || !ur.IsValid() {
		return r, fmt.Errorf("%w: %s resolved to %s", ErrRangeNotResolvable, r, ur)
	}
	return ur, nil
}

// queryRange returns a query for the messages in UID-shaped or All range r,
// sorted by UID. The second return value is false if no message can match.
//
// As with IMAP, "n:*" matches the message with the highest UID also when n is
// higher than that UID.
func (h *MailboxStore) queryRange(tx *bstore.Tx, r msgrange.Range) (*bstore.Query[Message], bool, error) {
	q := bstore.QueryTx[Message](tx)
	q.FilterNonzero(Message{MailboxID: h.ID})
	q.SortAsc("UID")
	if r.Kind() == msgrange.KindAll {
		return q, true, nil
	}

	from, err := r.UIDFrom()
	if err != nil {
		return nil, false, err
	}
	to, err := r.UIDTo()
	if err != nil {
		return nil, false, err
	}
	if from == msgrange.Star || to == msgrange.Star {
		qh := bstore.QueryTx[Message](tx)
		qh.FilterNonzero(Message{MailboxID: h.ID})
		qh.SortDesc("UID")
		qh.Limit(1)
		last, err := qh.Get()
		if err == bstore.ErrAbsent {
			return nil, false, nil
		} else if err != nil {
			return nil, false, unavailable("highest uid", err)
		}
		to = int64(last.UID)
		if from == msgrange.Star || from > to {
			from = to
		}
	}
	if from > math.MaxUint32 {
		return nil, false, nil
	}
	to = min(to, math.MaxUint32)
	q.FilterGreaterEqual("UID", UID(from))
	q.FilterLessEqual("UID", UID(to))
	return q, true, nil
}

// Messages returns the messages in range r, ascending by UID, with the
// requested fields. Content is only read from the content store if requested.
// An MSN range is resolved through res.
func (h *MailboxStore) Messages(ctx context.Context, res Resolver, r msgrange.Range, fields FetchFields) (results []MessageResult, rerr error) {
	ctx, end := h.st.startOp(ctx, "messages", attribute.String("range", r.String()))
	defer func() { end(rerr) }()

	rerr = h.shared(ctx, func() error {
		ur, err := resolve(res, r)
		if err != nil {
			return err
		}
		var msgs []Message
		err = h.st.read(ctx, func(tx *bstore.Tx) error {
			if _, err := h.xmailbox(tx); err != nil {
				return err
			}
			q, ok, err := h.queryRange(tx, ur)
			if err != nil || !ok {
				return err
			}
			msgs, err = q.List()
			if err != nil {
				return unavailable("listing messages", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		results = make([]MessageResult, len(msgs))
		for i, m := range msgs {
			results[i] = m.Result(fields)
			if fields&FetchContent == 0 {
				continue
			}
			buf, err := h.readContent(ctx, m)
			if err != nil {
				return err
			}
			results[i].Content = buf
			results[i].Fields |= FetchContent
		}
		return nil
	})
	if rerr != nil {
		results = nil
	}
	return
}

// ReadContent reads the content of m. It can be used for a message from a
// ChangeExpunge that has not been released with Done.
func (h *MailboxStore) ReadContent(ctx context.Context, m Message) ([]byte, error) {
	return h.readContent(ctx, m)
}

func (h *MailboxStore) readContent(ctx context.Context, m Message) ([]byte, error) {
	rc, err := h.st.content.Open(ctx, m.ContentRef)
	if err != nil {
		return nil, unavailable("opening content", err)
	}
	defer func() {
		err := rc.Close()
		h.log.Check(err, "closing content", slog.Any("uid", m.UID))
	}()
	buf, err := io.ReadAll(rc)
	if err != nil {
		return nil, unavailable("reading content", err)
	}
	return buf, nil
}

// Append adds a message with the contents from r. The content is written to the
// content store before the mailbox is locked. The message is assigned the next
// UID, gets the Recent flag, and a ChangeAddUID is dispatched.
func (h *MailboxStore) Append(ctx context.Context, r io.Reader, received time.Time, flags Flags, keywords []string) (rm Message, rerr error) {
	keywords, err := checkKeywords(keywords)
	if err != nil {
		return Message{}, err
	}
	if received.IsZero() {
		received = time.Now()
	}
	flags.Recent = true

	ctx, end := h.st.startOp(ctx, "append")
	defer func() { end(rerr) }()
	log := h.log.WithContext(ctx)

	if err := h.check(); err != nil {
		return Message{}, err
	}
	ref, size, err := h.st.content.Put(ctx, r)
	if err != nil {
		return Message{}, unavailable("storing content", err)
	}
	// Content is removed again if the message isn't added.
	defer func() {
		if rerr != nil {
			err := h.st.content.Remove(context.Background(), ref)
			log.Check(err, "removing content after failed append", slog.String("ref", ref))
		}
	}()

	rerr = h.exclusive(ctx, func() error {
		err := h.st.write(ctx, func(tx *bstore.Tx) error {
			mb, err := h.xmailbox(tx)
			if err != nil {
				return err
			}
			rm = Message{
				UID:        mb.UIDNext,
				MailboxID:  mb.ID,
				Flags:      flags,
				Keywords:   keywords,
				Received:   received,
				Size:       size,
				ContentRef: ref,
			}
			mb.UIDNext++
			mb.Keywords, _ = MergeKeywords(mb.Keywords, keywords)
			if err := tx.Update(&mb); err != nil {
				return unavailable("updating mailbox", err)
			}
			if err := tx.Insert(&rm); err != nil {
				return unavailable("inserting message", err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Debug("message appended", slog.Any("uid", rm.UID), slog.Int64("size", size))
		h.disp.Dispatch(ChangeAddUID{MailboxID: h.ID, UID: rm.UID, Flags: rm.Flags, Keywords: rm.Keywords})
		return nil
	})
	if rerr != nil {
		return Message{}, rerr
	}
	return rm, nil
}

// SetFlags changes flags and keywords of the messages in range r according to
// mode, and returns all messages in the range with their current flags. A
// ChangeFlags with origin is dispatched for each message whose flags actually
// changed. The Recent flag is never changed.
func (h *MailboxStore) SetFlags(ctx context.Context, res Resolver, mode FlagMode, flags Flags, keywords []string, r msgrange.Range, origin Listener) (msgs []Message, rerr error) {
	keywords, err := checkKeywords(keywords)
	if err != nil {
		return nil, err
	}
	var mask Flags
	switch mode {
	case FlagsSet:
		mask = FlagsAll
	case FlagsAdd:
		mask = flags
	case FlagsRemove:
		mask = flags
		flags = Flags{}
	default:
		return nil, fmt.Errorf("unknown flag mode %d", mode)
	}

	ctx, end := h.st.startOp(ctx, "setflags", attribute.String("range", r.String()), attribute.String("mode", mode.String()))
	defer func() { end(rerr) }()
	log := h.log.WithContext(ctx)

	rerr = h.exclusive(ctx, func() error {
		ur, err := resolve(res, r)
		if err != nil {
			return err
		}
		var changed []Message
		err = h.st.write(ctx, func(tx *bstore.Tx) error {
			mb, err := h.xmailbox(tx)
			if err != nil {
				return err
			}
			q, ok, err := h.queryRange(tx, ur)
			if err != nil || !ok {
				return err
			}
			l, err := q.List()
			if err != nil {
				return unavailable("listing messages", err)
			}
			for _, m := range l {
				nflags := m.Flags.Set(mask, flags)
				var nkeywords []string
				switch mode {
				case FlagsSet:
					nkeywords = keywords
				case FlagsAdd:
					nkeywords, _ = MergeKeywords(m.Keywords, keywords)
				case FlagsRemove:
					nkeywords, _ = RemoveKeywords(m.Keywords, keywords)
				}
				if nflags == m.Flags && sameKeywords(nkeywords, m.Keywords) {
					msgs = append(msgs, m)
					continue
				}
				m.Flags = nflags
				m.Keywords = nkeywords
				if err := tx.Update(&m); err != nil {
					return unavailable("updating message", err)
				}
				msgs = append(msgs, m)
				changed = append(changed, m)
			}

			if mode != FlagsRemove && len(changed) > 0 {
				var kwchanged bool
				mb.Keywords, kwchanged = MergeKeywords(mb.Keywords, keywords)
				if kwchanged {
					if err := tx.Update(&mb); err != nil {
						return unavailable("updating mailbox keywords", err)
					}
				}
			}
			return nil
		})
		if err != nil {
			return err
		}

		log.Debug("flags changed", slog.Int("matched", len(msgs)), slog.Int("changed", len(changed)))
		for _, m := range changed {
			h.disp.Dispatch(ChangeFlags{MailboxID: h.ID, Message: m, Origin: origin})
		}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return msgs, nil
}

// Expunge removes the messages in range r that have the Deleted flag set, and
// returns them in ascending UID order. A ChangeExpunge is dispatched for each,
// in the same order. Their contents are erased when all listeners have
// released the change.
func (h *MailboxStore) Expunge(ctx context.Context, res Resolver, r msgrange.Range) (removed []Message, rerr error) {
	ctx, end := h.st.startOp(ctx, "expunge", attribute.String("range", r.String()))
	defer func() { end(rerr) }()
	log := h.log.WithContext(ctx)

	rerr = h.exclusive(ctx, func() error {
		ur, err := resolve(res, r)
		if err != nil {
			return err
		}
		err = h.st.write(ctx, func(tx *bstore.Tx) error {
			if _, err := h.xmailbox(tx); err != nil {
				return err
			}
			q, ok, err := h.queryRange(tx, ur)
			if err != nil || !ok {
				return err
			}
			q.FilterFn(func(m Message) bool { return m.Deleted })
			l, err := q.List()
			if err != nil {
				return unavailable("listing messages", err)
			}
			for _, m := range l {
				if err := tx.Delete(&m); err != nil {
					return unavailable("removing message", err)
				}
				if err := tx.Insert(&ContentErase{ContentRef: m.ContentRef}); err != nil {
					return unavailable("inserting content erase record", err)
				}
			}
			removed = l
			return nil
		})
		if err != nil {
			removed = nil
			return err
		}

		log.Debug("messages expunged", slog.Int("count", len(removed)))
		for _, m := range removed {
			ref := m.ContentRef
			shared := newEraseRef(func() { h.st.eraseContent(ref) })
			h.disp.Dispatch(ChangeExpunge{MailboxID: h.ID, Message: m, shared: shared})
		}
		return nil
	})
	if rerr != nil {
		return nil, rerr
	}
	return removed, nil
}
