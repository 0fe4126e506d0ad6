/*
Package session gives a protocol session its own view of a mailbox.

A Mailbox registers as listener with the shared store.MailboxStore and keeps
a private index of sequence numbers. Sequence numbers only change when the
session polls for expunges: an expunge by another session is queued, and the
expunged message keeps its sequence number in this session until
PollExpungeEvents with reset is called. Messages added to the mailbox are
appended to the index as they are delivered, so they get the next sequence
number without shifting existing ones.

Flag changes are queued per UID, keeping only the newest flags, and reported
by PollFlagEvents.

Lock order: the store's mailbox lock, then the dispatcher, then the mutex of
a Mailbox. A Mailbox never calls into the store while holding its mutex.
*/
package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/mailstate/mailstate/mlog"
	"github.com/mailstate/mailstate/msgrange"
	"github.com/mailstate/mailstate/store"
	"github.com/mailstate/mailstate/uidindex"
)

// DefaultMaxPending is the limit on pending flag changes and added messages
// used when Options.MaxPending is zero.
const DefaultMaxPending = 10000

var ErrClosed = errors.New("session mailbox closed")

// Options for Open.
type Options struct {
	// Maximum number of pending flag changes, and of pending added messages.
	// Flag changes beyond the limit are replaced by a snapshot of all flags at
	// the next PollFlagEvents.
	MaxPending int

	// Also queue flag changes made by this session.
	NotifySelf bool

	Log *slog.Logger
}

type state uint8

const (
	stateUnindexed state = iota
	stateIndexed
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUnindexed:
		return "unindexed"
	case stateIndexed:
		return "indexed"
	case stateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", s)
}

// Mailbox is a mailbox as seen by a single session. Its methods can be called
// concurrently, but are typically called by one session.
type Mailbox struct {
	log        mlog.Log
	h          *store.MailboxStore
	maxPending int
	notifySelf bool

	pending chan struct{} // Capacity 1.

	mu           sync.Mutex
	state        state
	name         string
	removed      bool
	index        *uidindex.Index
	flags        map[store.UID]store.ChangeFlags // Newest change per UID.
	flagOverflow bool
	expunges     []store.ChangeExpunge // Ascending by UID.
	added        []store.ChangeAddUID
}

// Open opens mailbox name in st for a session. The index of sequence numbers
// is built when first needed.
func Open(ctx context.Context, st *store.Store, name string, opts Options) (*Mailbox, error) {
	h, err := st.OpenMailbox(ctx, name)
	if err != nil {
		return nil, err
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	m := &Mailbox{
		log:        mlog.New("session", opts.Log).With(slog.Int64("mailboxid", h.ID)),
		h:          h,
		maxPending: opts.MaxPending,
		notifySelf: opts.NotifySelf,
		pending:    make(chan struct{}, 1),
		name:       h.Name(),
		flags:      map[store.UID]store.ChangeFlags{},
	}
	h.Dispatcher().AddListener(m)
	metricSessions.Inc()
	m.log.Debug("session mailbox opened", slog.String("mailbox", m.name))
	return m, nil
}

// Deliver implements store.Listener. Called by the dispatcher of the mailbox.
func (m *Mailbox) Deliver(ch store.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch c := ch.(type) {
	case store.ChangeAddUID:
		if m.state != stateIndexed {
			// Not indexed yet, the index will include the message when built.
			return nil
		}
		if err := m.index.Add(c.UID); err != nil {
			return fmt.Errorf("adding uid to index: %w", err)
		}
		if len(m.added) >= m.maxPending {
			metricOverflow.WithLabelValues("added").Inc()
		} else {
			m.added = append(m.added, c)
		}

	case store.ChangeExpunge:
		if m.state != stateIndexed {
			c.Done()
			return nil
		}
		if _, ok := m.index.MSN(c.Message.UID); !ok {
			c.Done()
			return fmt.Errorf("%w: expunge for uid %d", uidindex.ErrNotPresent, c.Message.UID)
		}
		i, found := slices.BinarySearchFunc(m.expunges, c.Message.UID, func(e store.ChangeExpunge, uid store.UID) int {
			return cmp.Compare(e.Message.UID, uid)
		})
		if found {
			c.Done()
			return nil
		}
		m.expunges = slices.Insert(m.expunges, i, c)

	case store.ChangeFlags:
		if m.state != stateIndexed {
			return nil
		}
		if c.Origin == store.Listener(m) && !m.notifySelf {
			return nil
		}
		if m.flagOverflow {
			return nil
		}
		if _, ok := m.flags[c.Message.UID]; !ok && len(m.flags) >= m.maxPending {
			m.log.Info("too many pending flag changes, will report snapshot", slog.Int("max", m.maxPending))
			metricOverflow.WithLabelValues("flags").Inc()
			m.flagOverflow = true
			m.flags = map[store.UID]store.ChangeFlags{}
			break
		}
		m.flags[c.Message.UID] = c

	case store.ChangeRenameMailbox:
		m.name = c.NewName

	case store.ChangeRemoveMailbox:
		m.removed = true

	default:
		panic(fmt.Sprintf("missing case for change %T", ch))
	}

	select {
	case m.pending <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns a channel that receives a value when a change has been
// delivered, for use while waiting for changes, e.g. during IMAP IDLE.
func (m *Mailbox) Pending() <-chan struct{} {
	return m.pending
}

// Name returns the current name of the mailbox, following renames.
func (m *Mailbox) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.name
}

// Removed returns whether the mailbox has been removed.
func (m *Mailbox) Removed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed
}

func (m *Mailbox) check() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateClosed {
		return ErrClosed
	} else if m.removed {
		return store.ErrMailboxRemoved
	}
	return nil
}

// ensureIndex builds the index from the UIDs in the store, if not done yet.
func (m *Mailbox) ensureIndex(ctx context.Context) error {
	if err := m.check(); err != nil {
		return err
	}
	m.mu.Lock()
	st := m.state
	m.mu.Unlock()
	if st == stateIndexed {
		return nil
	}

	var xerr error
	err := m.h.UIDs(ctx, func(uids []store.UID) {
		// Called with the store's shared lock held, so no change is delivered
		// until the index is in place.
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != stateUnindexed {
			return
		}
		x, err := uidindex.New(uids)
		if err != nil {
			xerr = err
			return
		}
		m.index = x
		m.state = stateIndexed
		m.log.Debug("session index built", slog.Int("messages", len(uids)))
	})
	if err == nil {
		err = xerr
	}
	return err
}

// ResolveRange implements store.Resolver with the current sequence numbers of
// this session.
func (m *Mailbox) ResolveRange(r msgrange.Range) (msgrange.Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIndexed {
		if !r.IsMSN() {
			return r, nil
		}
		return r, fmt.Errorf("%w: session %s", store.ErrRangeNotResolvable, m.state)
	}
	return m.index.ResolveRange(r)
}

// UIDValidity returns the UIDValidity of the mailbox.
func (m *Mailbox) UIDValidity(ctx context.Context) (uint32, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.h.UIDValidity(ctx)
}

// UIDNext returns the UID the next message in the mailbox will get.
func (m *Mailbox) UIDNext(ctx context.Context) (store.UID, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.h.UIDNext(ctx)
}

// MessageCount returns the number of messages currently in the store, which can
// differ from Count while changes are pending.
func (m *Mailbox) MessageCount(ctx context.Context) (int, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	return m.h.MessageCount(ctx)
}

// Count returns the number of messages known to this session, the highest
// sequence number. Messages appended by other sessions are counted as soon as
// they are delivered, which can be before PollAddedEvents reports them, so a
// caller announcing EXISTS should take the count from the same poll cycle.
func (m *Mailbox) Count(ctx context.Context) (int, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return 0, ErrClosed
	}
	return m.index.Len(), nil
}

// MSN returns the sequence number of uid in this session.
func (m *Mailbox) MSN(ctx context.Context, uid store.UID) (uint32, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return 0, ErrClosed
	}
	msn, ok := m.index.MSN(uid)
	if !ok {
		return 0, fmt.Errorf("%w: %d", uidindex.ErrNotPresent, uid)
	}
	return msn, nil
}

// UID returns the UID of sequence number msn in this session.
func (m *Mailbox) UID(ctx context.Context, msn uint32) (store.UID, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		return 0, ErrClosed
	}
	uid, ok := m.index.UID(msn)
	if !ok {
		return 0, fmt.Errorf("%w: msn %d, %d messages", store.ErrRangeNotResolvable, msn, m.index.Len())
	}
	return uid, nil
}

// attach sets the sequence numbers of results. Results for messages not in the
// index are dropped when drop is set, otherwise left at MSN zero.
func (m *Mailbox) attach(l []store.MessageResult, drop bool) []store.MessageResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil {
		if drop {
			return nil
		}
		return l
	}
	r := l[:0]
	for _, mr := range l {
		msn, ok := m.index.MSN(mr.UID)
		if !ok && drop {
			continue
		}
		mr.MSN = msn
		r = append(r, mr)
	}
	return r
}

// Append adds a message to the mailbox. The message is added to the index
// of this session, and reported by the next PollAddedEvents.
func (m *Mailbox) Append(ctx context.Context, r io.Reader, received time.Time, flags store.Flags, keywords []string) (store.MessageResult, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return store.MessageResult{}, err
	}
	msg, err := m.h.Append(ctx, r, received, flags, keywords)
	if err != nil {
		return store.MessageResult{}, err
	}
	l := m.attach([]store.MessageResult{msg.Result(store.FetchMeta)}, false)
	return l[0], nil
}

// Messages returns the messages in range r, with sequence numbers from this
// session. Messages expunged by another session but not yet polled with
// PollExpungeEvents are still returned, from their state at expunge, content
// included.
func (m *Mailbox) Messages(ctx context.Context, r msgrange.Range, fields store.FetchFields) ([]store.MessageResult, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return nil, err
	}
	r = m.pinStar(r)
	l, err := m.h.Messages(ctx, m, r, fields)
	if err != nil {
		return nil, err
	}
	l = m.attach(l, false)
	xl, err := m.expunged(ctx, r, fields)
	if err != nil || len(xl) == 0 {
		return l, err
	}
	l = append(l, xl...)
	slices.SortFunc(l, func(a, b store.MessageResult) int {
		return cmp.Compare(a.UID, b.UID)
	})
	return l, nil
}

// pinStar replaces a star in UID range r with the highest UID of this session,
// which can be a message expunged from the store but not yet polled. As with
// IMAP, "n:*" with n higher than that UID selects the message with that UID.
func (m *Mailbox) pinStar(r msgrange.Range) msgrange.Range {
	if !r.IsUID() {
		return r
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index == nil || m.index.Len() == 0 {
		return r
	}
	from, _ := r.UIDFrom()
	to, _ := r.UIDTo()
	if to != msgrange.Star {
		return r
	}
	last := int64(m.index.Last())
	if from == msgrange.Star || from > last {
		from = last
	}
	return msgrange.UIDRange(from, last)
}

// expunged returns the pending expunges in range r. Content is read with m.mu
// held, so a concurrent poll cannot release it meanwhile.
func (m *Mailbox) expunged(ctx context.Context, r msgrange.Range, fields store.FetchFields) ([]store.MessageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIndexed || len(m.expunges) == 0 {
		return nil, nil
	}
	ur, err := m.index.ResolveRange(r)
	if err != nil {
		return nil, err
	}
	from, to := int64(1), int64(m.index.Last())
	if ur.Kind() != msgrange.KindAll {
		from, _ = ur.UIDFrom()
		to, _ = ur.UIDTo()
	}

	var l []store.MessageResult
	for _, c := range m.expunges {
		uid := int64(c.Message.UID)
		if uid < from || uid > to {
			continue
		}
		mr := c.Message.Result(fields)
		mr.MSN, _ = m.index.MSN(c.Message.UID)
		if fields&store.FetchContent != 0 {
			buf, err := m.h.ReadContent(ctx, c.Message)
			if err != nil {
				return nil, err
			}
			mr.Content = buf
			mr.Fields |= store.FetchContent
		}
		l = append(l, mr)
	}
	return l, nil
}

// SetFlags changes flags and keywords of the messages in range r, and returns
// the messages with their current flags. Other sessions get the changes in
// their PollFlagEvents. This session only gets them with Options.NotifySelf.
func (m *Mailbox) SetFlags(ctx context.Context, mode store.FlagMode, flags store.Flags, keywords []string, r msgrange.Range) ([]store.MessageResult, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return nil, err
	}
	msgs, err := m.h.SetFlags(ctx, m, mode, flags, keywords, r, m)
	if err != nil {
		return nil, err
	}
	l := make([]store.MessageResult, len(msgs))
	for i, msg := range msgs {
		l[i] = msg.Result(store.FetchFlags)
	}
	return m.attach(l, false), nil
}

// Expunge removes the messages in range r that have the Deleted flag set. The
// removed messages are returned with their current sequence numbers, which
// remain valid until PollExpungeEvents with reset is called.
func (m *Mailbox) Expunge(ctx context.Context, r msgrange.Range) ([]store.MessageResult, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return nil, err
	}
	removed, err := m.h.Expunge(ctx, m, r)
	if err != nil {
		return nil, err
	}
	l := make([]store.MessageResult, len(removed))
	for i, msg := range removed {
		l[i] = msg.Result(store.FetchMeta)
	}
	return m.attach(l, false), nil
}

// PollFlagEvents returns the messages whose flags changed since the last poll
// with reset, with their newest flags, ordered by sequence number. Messages no
// longer in the index are left out. Without reset, the changes stay pending.
//
// If more changes were pending than allowed, the current flags of all messages
// are read from the store instead.
func (m *Mailbox) PollFlagEvents(ctx context.Context, reset bool) ([]store.MessageResult, error) {
	if err := m.ensureIndex(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.state != stateIndexed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	overflow := m.flagOverflow
	var l []store.MessageResult
	if !overflow {
		for _, c := range maps.Values(m.flags) {
			msn, ok := m.index.MSN(c.Message.UID)
			if !ok {
				continue
			}
			mr := c.Message.Result(store.FetchFlags)
			mr.MSN = msn
			l = append(l, mr)
		}
	}
	if reset {
		m.flagOverflow = false
		m.flags = map[store.UID]store.ChangeFlags{}
	}
	m.mu.Unlock()

	if overflow {
		var err error
		l, err = m.h.Messages(ctx, nil, msgrange.All(), store.FetchFlags)
		if err != nil {
			if reset {
				m.mu.Lock()
				m.flagOverflow = true
				m.mu.Unlock()
			}
			return nil, err
		}
		l = m.attach(l, true)
	}
	sort.Slice(l, func(i, j int) bool {
		return l[i].MSN < l[j].MSN
	})
	return l, nil
}

// PollExpungeEvents returns the messages expunged since the last poll with
// reset, in ascending UID order, each with the sequence number it has at the
// moment of its removal: when messages 1 and 2 are expunged, both are reported
// with sequence number 1, as in IMAP EXPUNGE responses.
//
// With reset, the messages are removed from the index, shifting sequence
// numbers of later messages. Without reset, nothing changes.
func (m *Mailbox) PollExpungeEvents(reset bool) []store.MessageResult {
	m.mu.Lock()
	if m.state != stateIndexed || len(m.expunges) == 0 {
		m.mu.Unlock()
		return nil
	}
	changes := m.expunges
	l := make([]store.MessageResult, 0, len(changes))
	for i, c := range changes {
		mr := c.Message.Result(store.FetchMeta)
		if reset {
			msn, err := m.index.Expunge(c.Message.UID)
			if err != nil {
				m.log.Errorx("removing expunged message from index", err, slog.Any("uid", c.Message.UID))
				continue
			}
			mr.MSN = msn
		} else {
			msn, ok := m.index.MSN(c.Message.UID)
			if !ok {
				continue
			}
			// Each earlier expunge has a lower UID, so is before this message.
			mr.MSN = msn - uint32(i)
		}
		l = append(l, mr)
	}
	if reset {
		m.expunges = nil
	}
	m.mu.Unlock()

	if reset {
		for _, c := range changes {
			c.Done()
		}
	}
	return l
}

// PollAddedEvents returns the messages added since the last poll with reset,
// with their sequence numbers. Added messages already expunged from the index
// are left out.
func (m *Mailbox) PollAddedEvents(reset bool) []store.MessageResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != stateIndexed {
		return nil
	}
	var l []store.MessageResult
	for _, c := range m.added {
		msn, ok := m.index.MSN(c.UID)
		if !ok {
			continue
		}
		l = append(l, store.MessageResult{
			Fields:   store.FetchUID | store.FetchFlags,
			UID:      c.UID,
			MSN:      msn,
			Flags:    c.Flags,
			Keywords: c.Keywords,
		})
	}
	if reset {
		m.added = nil
	}
	return l
}

// Close unregisters the session from the mailbox, releasing pending expunged
// messages, and closes the mailbox handle.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	if m.state == stateClosed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.state = stateClosed
	m.mu.Unlock()

	// Not holding our mutex, the dispatcher may be delivering to us.
	m.h.Dispatcher().RemoveListener(m)

	m.mu.Lock()
	changes := m.expunges
	m.expunges = nil
	m.index = nil
	m.flags = nil
	m.added = nil
	m.mu.Unlock()

	for _, c := range changes {
		c.Done()
	}
	metricSessions.Dec()
	m.log.Debug("session mailbox closed")
	return m.h.Close()
}
