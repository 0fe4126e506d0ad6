package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mailstate/mailstate/content"
	"github.com/mailstate/mailstate/msgrange"
	"github.com/mailstate/mailstate/store"
	"github.com/mailstate/mailstate/uidindex"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

func terr(t *testing.T, err, expect error) {
	t.Helper()
	if !errors.Is(err, expect) {
		t.Fatalf("got err %v, expected %v", err, expect)
	}
}

type testEnv struct {
	st      *store.Store
	content *content.Bolt
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	orig := store.InitialUIDValidity
	store.InitialUIDValidity = func() uint32 { return 100 }
	defer func() { store.InitialUIDValidity = orig }()

	dir := t.TempDir()
	cs, err := content.OpenBolt(filepath.Join(dir, "content.db"))
	tcheck(t, err, "open content")
	st, err := store.Open(ctxbg, filepath.Join(dir, "index.db"), store.Options{Content: cs, LockTimeout: time.Second})
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		err := st.Close()
		tcheck(t, err, "close store")
		err = cs.Close()
		tcheck(t, err, "close content")
	})
	return &testEnv{st, cs}
}

func (env *testEnv) open(t *testing.T, opts Options) *Mailbox {
	t.Helper()
	m, err := Open(ctxbg, env.st, "Inbox", opts)
	tcheck(t, err, "open session mailbox")
	t.Cleanup(func() {
		m.Close()
	})
	return m
}

func (env *testEnv) contentExists(t *testing.T, uid store.UID, ref string) bool {
	t.Helper()
	r, err := env.content.Open(ctxbg, ref)
	if errors.Is(err, content.ErrNotFound) {
		return false
	}
	tcheck(t, err, fmt.Sprintf("open content for uid %d", uid))
	r.Close()
	return true
}

func xappend(t *testing.T, m *Mailbox, body string) store.MessageResult {
	t.Helper()
	mr, err := m.Append(ctxbg, strings.NewReader(body), time.Time{}, store.Flags{}, nil)
	tcheck(t, err, "append")
	return mr
}

// xexpunge marks uid deleted and expunges it through m, and drains the
// expunge from m.
func xexpunge(t *testing.T, m *Mailbox, uid store.UID) {
	t.Helper()
	r := msgrange.OneUID(int64(uid))
	_, err := m.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Deleted: true}, nil, r)
	tcheck(t, err, "set deleted")
	l, err := m.Expunge(ctxbg, r)
	tcheck(t, err, "expunge")
	tcompare(t, len(l), 1)
	m.PollExpungeEvents(true)
}

func xmsn(t *testing.T, m *Mailbox, uid store.UID) uint32 {
	t.Helper()
	msn, err := m.MSN(ctxbg, uid)
	tcheck(t, err, "msn")
	return msn
}

func xcheck(t *testing.T, m *Mailbox) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index != nil {
		tcheck(t, m.index.Check(), "index check")
	}
}

func msns(l []store.MessageResult) []uint32 {
	var r []uint32
	for _, mr := range l {
		r = append(r, mr.MSN)
	}
	return r
}

func uids(l []store.MessageResult) []store.UID {
	var r []store.UID
	for _, mr := range l {
		r = append(r, mr.UID)
	}
	return r
}

// Expunge by another session is only visible after polling.
func TestExpungeScenario(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{})
	s2 := env.open(t, Options{})

	uv, err := s1.UIDValidity(ctxbg)
	tcheck(t, err, "uidvalidity")
	tcompare(t, uv, uint32(100))

	a := xappend(t, s2, "message a")
	tcompare(t, a.UID, store.UID(1))
	tcompare(t, a.MSN, uint32(1))
	n, err := s2.MessageCount(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, n, 1)
	b := xappend(t, s2, "message b")
	tcompare(t, b.UID, store.UID(2))
	tcompare(t, b.MSN, uint32(2))

	// S1 builds its index.
	tcompare(t, xmsn(t, s1, 1), uint32(1))
	tcompare(t, xmsn(t, s1, 2), uint32(2))

	xexpunge(t, s2, 1)
	tcompare(t, xmsn(t, s2, 2), uint32(1))

	// Not polled yet, S1 still has UID 1 at MSN 1.
	tcompare(t, xmsn(t, s1, 2), uint32(2))
	l, err := s1.Messages(ctxbg, msgrange.OneMSN(2), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{2})
	tcompare(t, msns(l), []uint32{2})
	cnt, err := s1.Count(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, cnt, 2)
	n, err = s1.MessageCount(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, n, 1)
	// Content is kept while S1 has not seen the expunge.
	tcompare(t, env.contentExists(t, 1, pendingRef(t, s1, 1)), true)
	ref := pendingRef(t, s1, 1)

	// Peek doesn't change anything.
	xl := s1.PollExpungeEvents(false)
	tcompare(t, uids(xl), []store.UID{1})
	tcompare(t, msns(xl), []uint32{1})
	tcompare(t, xmsn(t, s1, 2), uint32(2))

	xl = s1.PollExpungeEvents(true)
	tcompare(t, uids(xl), []store.UID{1})
	tcompare(t, msns(xl), []uint32{1})
	tcompare(t, xmsn(t, s1, 2), uint32(1))
	tcompare(t, len(s1.PollExpungeEvents(true)), 0)
	tcompare(t, env.contentExists(t, 1, ref), false)

	_, err = s1.MSN(ctxbg, 1)
	terr(t, err, uidindex.ErrNotPresent)
	xcheck(t, s1)
}

// Expunges drained in one poll are each reported with their sequence number
// after removal of the earlier ones, and peeking reports the same numbers.
func TestExpungeMultiple(t *testing.T) {
	test := func(n int, batches [][]store.UID, expUIDs []store.UID, expMSNs []uint32) {
		t.Helper()
		env := newEnv(t)
		s1 := env.open(t, Options{})
		s2 := env.open(t, Options{})
		for i := 0; i < n; i++ {
			xappend(t, s2, fmt.Sprintf("message %d", i+1))
		}
		cnt, err := s1.Count(ctxbg)
		tcheck(t, err, "count")
		tcompare(t, cnt, n)

		var expunged int
		for _, batch := range batches {
			for _, uid := range batch {
				_, err := s2.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Deleted: true}, nil, msgrange.OneUID(int64(uid)))
				tcheck(t, err, "set deleted")
			}
			l, err := s2.Expunge(ctxbg, msgrange.All())
			tcheck(t, err, "expunge")
			tcompare(t, len(l), len(batch))
			expunged += len(batch)
		}

		xl := s1.PollExpungeEvents(false)
		tcompare(t, uids(xl), expUIDs)
		tcompare(t, msns(xl), expMSNs)
		cnt, err = s1.Count(ctxbg)
		tcheck(t, err, "count")
		tcompare(t, cnt, n)

		xl = s1.PollExpungeEvents(true)
		tcompare(t, uids(xl), expUIDs)
		tcompare(t, msns(xl), expMSNs)
		cnt, err = s1.Count(ctxbg)
		tcheck(t, err, "count")
		tcompare(t, cnt, n-expunged)
		xcheck(t, s1)
	}

	// Delivered out of UID order, reported ascending.
	test(5, [][]store.UID{{4}, {2, 3}}, []store.UID{2, 3, 4}, []uint32{2, 2, 2})
	test(3, [][]store.UID{{1, 3}}, []store.UID{1, 3}, []uint32{1, 2})
	test(4, [][]store.UID{{4}, {1}}, []store.UID{1, 4}, []uint32{1, 3})

	env := newEnv(t)
	s1 := env.open(t, Options{})
	s2 := env.open(t, Options{})
	for i := 0; i < 5; i++ {
		xappend(t, s2, "m")
	}
	tcompare(t, xmsn(t, s1, 5), uint32(5))
	xexpunge(t, s2, 4)
	xexpunge(t, s2, 2)
	xexpunge(t, s2, 3)
	tcompare(t, msns(s1.PollExpungeEvents(true)), []uint32{2, 2, 2})
	tcompare(t, xmsn(t, s1, 5), uint32(2))
	tcompare(t, xmsn(t, s1, 1), uint32(1))
	xcheck(t, s1)
}

// A message expunged by another session can still be read, content included,
// until the expunge is polled.
func TestExpungedReadable(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{})
	s2 := env.open(t, Options{})
	xappend(t, s2, "message a")
	xappend(t, s2, "message b")
	tcompare(t, xmsn(t, s1, 2), uint32(2))
	xexpunge(t, s2, 2)

	l, err := s1.Messages(ctxbg, msgrange.OneMSN(2), store.FetchAll)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{2})
	tcompare(t, msns(l), []uint32{2})
	tcompare(t, l[0].Has(store.FetchAll), true)
	tcompare(t, string(l[0].Content), "message b")
	tcompare(t, l[0].Flags.Deleted, true)

	l, err = s1.Messages(ctxbg, msgrange.All(), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{1, 2})
	tcompare(t, msns(l), []uint32{1, 2})

	// The highest UID in this session is the expunged message.
	l, err = s1.Messages(ctxbg, msgrange.UIDRange(5, msgrange.Star), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{2})

	// The other session no longer has it.
	l, err = s2.Messages(ctxbg, msgrange.All(), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{1})

	ref := pendingRef(t, s1, 2)
	s1.PollExpungeEvents(true)
	tcompare(t, env.contentExists(t, 2, ref), false)
	l, err = s1.Messages(ctxbg, msgrange.UIDRange(5, msgrange.Star), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{1})
	_, err = s1.Messages(ctxbg, msgrange.OneMSN(2), store.FetchUID)
	terr(t, err, store.ErrRangeNotResolvable)
}

func pendingRef(t *testing.T, m *Mailbox, uid store.UID) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.expunges {
		if c.Message.UID == uid {
			return c.Message.ContentRef
		}
	}
	t.Fatalf("no pending expunge for uid %d", uid)
	return ""
}

// Flag changes are coalesced per UID.
func TestFlagScenario(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{})
	s2 := env.open(t, Options{})
	xappend(t, s2, "a")
	xappend(t, s2, "b")

	_, err := s1.Count(ctxbg)
	tcheck(t, err, "count")

	_, err = s2.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Seen: true, Flagged: true}, nil, msgrange.OneUID(2))
	tcheck(t, err, "setflags")
	_, err = s2.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Seen: true, Answered: true}, []string{"work"}, msgrange.OneUID(2))
	tcheck(t, err, "setflags")

	expect := []store.MessageResult{{
		Fields:   store.FetchUID | store.FetchFlags,
		UID:      2,
		MSN:      2,
		Flags:    store.Flags{Seen: true, Flagged: true, Answered: true, Recent: true},
		Keywords: []string{"work"},
	}}
	// Peeking is idempotent.
	for i := 0; i < 2; i++ {
		l, err := s1.PollFlagEvents(ctxbg, false)
		tcheck(t, err, "poll flags")
		tcompare(t, l, expect)
	}
	l, err := s1.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, l, expect)
	l, err = s1.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, len(l), 0)

	// Own changes are not reported back.
	l, err = s2.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, len(l), 0)
}

func TestNotifySelf(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{NotifySelf: true})
	xappend(t, s1, "a")
	xappend(t, s1, "b")

	_, err := s1.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Draft: true}, nil, msgrange.MSNRange(1, msgrange.Star))
	tcheck(t, err, "setflags")
	l, err := s1.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, uids(l), []store.UID{1, 2})
	tcompare(t, msns(l), []uint32{1, 2})
}

func TestAdded(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{})
	s2 := env.open(t, Options{})

	// Not indexed, nothing is queued, the index includes messages when built.
	xappend(t, s2, "a")
	tcompare(t, len(s1.PollAddedEvents(true)), 0)
	cnt, err := s1.Count(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, cnt, 1)

	select {
	case <-s1.Pending():
	default:
	}
	xappend(t, s2, "b")
	select {
	case <-s1.Pending():
	default:
		t.Fatalf("pending not signaled")
	}

	// Counted and resolvable before PollAddedEvents reports it.
	cnt, err = s1.Count(ctxbg)
	tcheck(t, err, "count")
	tcompare(t, cnt, 2)
	uid, err := s1.UID(ctxbg, 2)
	tcheck(t, err, "uid of new message")
	tcompare(t, uid, store.UID(2))
	l := s1.PollAddedEvents(false)
	tcompare(t, uids(l), []store.UID{2})
	tcompare(t, msns(l), []uint32{2})
	l = s1.PollAddedEvents(true)
	tcompare(t, len(l), 1)
	tcompare(t, len(s1.PollAddedEvents(true)), 0)

	// An added message expunged before it was polled for is left out.
	xappend(t, s2, "c")
	xexpunge(t, s2, 3)
	s1.PollExpungeEvents(true)
	tcompare(t, len(s1.PollAddedEvents(true)), 0)
}

func TestRanges(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{})
	for i := 0; i < 5; i++ {
		xappend(t, s1, "m")
	}
	xexpunge(t, s1, 2)

	l, err := s1.Messages(ctxbg, msgrange.MSNRange(2, 3), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{3, 4})
	tcompare(t, msns(l), []uint32{2, 3})

	l, err = s1.Messages(ctxbg, msgrange.OneMSN(msgrange.Star), store.FetchUID)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{5})
	tcompare(t, msns(l), []uint32{4})

	l, err = s1.Messages(ctxbg, msgrange.UIDRange(1, msgrange.Star), store.FetchUID|store.FetchContent)
	tcheck(t, err, "messages")
	tcompare(t, uids(l), []store.UID{1, 3, 4, 5})
	tcompare(t, string(l[0].Content), "m")

	_, err = s1.Messages(ctxbg, msgrange.OneMSN(5), store.FetchUID)
	terr(t, err, store.ErrRangeNotResolvable)
	_, err = s1.UID(ctxbg, 5)
	terr(t, err, store.ErrRangeNotResolvable)

	// Round trip.
	cnt, err := s1.Count(ctxbg)
	tcheck(t, err, "count")
	for msn := uint32(1); msn <= uint32(cnt); msn++ {
		uid, err := s1.UID(ctxbg, msn)
		tcheck(t, err, "uid")
		tcompare(t, xmsn(t, s1, uid), msn)
	}
}

func TestFlagOverflow(t *testing.T) {
	env := newEnv(t)
	s1 := env.open(t, Options{MaxPending: 2})
	s2 := env.open(t, Options{})
	for i := 0; i < 4; i++ {
		xappend(t, s2, "m")
	}
	_, err := s1.Count(ctxbg)
	tcheck(t, err, "count")

	before := testutil.ToFloat64(metricOverflow.WithLabelValues("flags"))
	for uid := 1; uid <= 3; uid++ {
		_, err := s2.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Seen: true}, nil, msgrange.OneUID(int64(uid)))
		tcheck(t, err, "setflags")
	}
	tcompare(t, testutil.ToFloat64(metricOverflow.WithLabelValues("flags"))-before, 1.0)

	// Snapshot of all messages.
	l, err := s1.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, uids(l), []store.UID{1, 2, 3, 4})
	tcompare(t, msns(l), []uint32{1, 2, 3, 4})
	tcompare(t, l[2].Flags.Seen, true)
	tcompare(t, l[3].Flags.Seen, false)

	// Back to individual changes.
	_, err = s2.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Seen: true}, nil, msgrange.OneUID(4))
	tcheck(t, err, "setflags")
	l, err = s1.PollFlagEvents(ctxbg, true)
	tcheck(t, err, "poll flags")
	tcompare(t, uids(l), []store.UID{4})
}

func TestRenameRemove(t *testing.T) {
	env := newEnv(t)
	_, err := env.st.MailboxCreate(ctxbg, "Work")
	tcheck(t, err, "create")
	s1, err := Open(ctxbg, env.st, "Work", Options{})
	tcheck(t, err, "open")
	defer s1.Close()
	xappend(t, s1, "m")

	err = env.st.MailboxRename(ctxbg, "Work", "Jobs")
	tcheck(t, err, "rename")
	tcompare(t, s1.Name(), "Jobs")
	xappend(t, s1, "m")

	err = env.st.MailboxDelete(ctxbg, "Jobs")
	tcheck(t, err, "delete")
	tcompare(t, s1.Removed(), true)
	_, err = s1.Messages(ctxbg, msgrange.All(), store.FetchUID)
	terr(t, err, store.ErrMailboxRemoved)
	_, err = s1.UIDNext(ctxbg)
	terr(t, err, store.ErrMailboxRemoved)
}

func TestClose(t *testing.T) {
	env := newEnv(t)
	s1, err := Open(ctxbg, env.st, "Inbox", Options{})
	tcheck(t, err, "open")
	s2 := env.open(t, Options{})
	mr := xappend(t, s2, "m")
	_, err = s1.Count(ctxbg)
	tcheck(t, err, "count")

	xexpunge(t, s2, mr.UID)
	ref := pendingRef(t, s1, mr.UID)
	tcompare(t, env.contentExists(t, mr.UID, ref), true)

	// Closing releases the pending expunge.
	err = s1.Close()
	tcheck(t, err, "close")
	tcompare(t, env.contentExists(t, mr.UID, ref), false)
	err = s1.Close()
	terr(t, err, ErrClosed)
	_, err = s1.Count(ctxbg)
	terr(t, err, ErrClosed)

	// No longer a listener.
	xappend(t, s2, "m")
	tcompare(t, len(s1.PollAddedEvents(true)), 0)

	_, err = Open(ctxbg, env.st, "Nope", Options{})
	terr(t, err, store.ErrUnknownMailbox)
}

// Concurrent sessions changing the mailbox all end up with the store's view
// after polling.
func TestConcurrent(t *testing.T) {
	env := newEnv(t)
	const nsessions = 4
	sessions := make([]*Mailbox, nsessions)
	for i := range sessions {
		sessions[i] = env.open(t, Options{})
		_, err := sessions[i].Count(ctxbg)
		tcheck(t, err, "count")
	}

	var wg sync.WaitGroup
	errc := make(chan error, nsessions)
	for i, m := range sessions {
		wg.Add(1)
		go func(m *Mailbox, seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for j := 0; j < 50; j++ {
				var err error
				switch rng.Intn(4) {
				case 0, 1:
					_, err = m.Append(ctxbg, strings.NewReader("m"), time.Time{}, store.Flags{}, nil)
				case 2:
					_, err = m.SetFlags(ctxbg, store.FlagsAdd, store.Flags{Deleted: true}, nil, msgrange.OneUID(int64(1+rng.Intn(100))))
				case 3:
					_, err = m.Expunge(ctxbg, msgrange.All())
					m.PollExpungeEvents(true)
				}
				if err != nil {
					errc <- err
					return
				}
				m.PollFlagEvents(ctxbg, true)
				m.PollAddedEvents(true)
			}
		}(m, int64(i))
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		tcheck(t, err, "concurrent operation")
	}

	n, err := sessions[0].MessageCount(ctxbg)
	tcheck(t, err, "message count")
	for _, m := range sessions {
		m.PollExpungeEvents(true)
		xcheck(t, m)
		cnt, err := m.Count(ctxbg)
		tcheck(t, err, "count")
		tcompare(t, cnt, n)
		l, err := m.Messages(ctxbg, msgrange.All(), store.FetchUID)
		tcheck(t, err, "messages")
		for i, mr := range l {
			tcompare(t, mr.MSN, uint32(i+1))
		}
	}
}
