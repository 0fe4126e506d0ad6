// Package uidindex maps between UIDs and message sequence numbers of a session.
//
// A session sees the messages of a mailbox numbered 1 to N in increasing UID
// order. Sequence numbers stay dense: an expunge shifts the numbers of all
// later messages down by one, an added message gets number N+1.
//
// The index keeps the UIDs it ever held in an ascending slice, with a Fenwick
// tree over the slots counting the ones still present. A prefix sum gives the
// sequence number of a UID, a descent over the tree gives the UID of a
// sequence number. Slots of expunged messages are compacted away once they
// are the majority.
package uidindex

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"

	"github.com/mailstate/mailstate/msgrange"
	"github.com/mailstate/mailstate/store"
)

var (
	ErrOutOfOrder = errors.New("uid not higher than all uids in index")
	ErrNotPresent = errors.New("uid not in index")
	ErrInvalid    = errors.New("invalid uid list")
)

// Index is not safe for concurrent use, callers synchronize.
type Index struct {
	uids    []store.UID // Ascending, including slots of expunged messages.
	present []bool      // Per slot.
	tree    []int32     // Fenwick tree, 1-based, len(uids)+1.
	n       int         // Present slots.
	highest store.UID   // Highest uid ever added, also if expunged.
}

// New returns an index for the messages with uids, which must be ascending,
// non-zero and without duplicates.
func New(uids []store.UID) (*Index, error) {
	x := &Index{}
	for i, uid := range uids {
		if uid == 0 {
			return nil, fmt.Errorf("%w: zero uid", ErrInvalid)
		} else if i > 0 && uid <= uids[i-1] {
			return nil, fmt.Errorf("%w: uid %d after %d", ErrInvalid, uid, uids[i-1])
		}
	}
	x.rebuild(append([]store.UID(nil), uids...))
	return x, nil
}

// rebuild resets the index to live uids, in linear time.
func (x *Index) rebuild(uids []store.UID) {
	x.uids = uids
	x.present = make([]bool, len(uids))
	x.tree = make([]int32, len(uids)+1)
	for i := range uids {
		x.present[i] = true
		p := i + 1
		x.tree[p]++
		if q := p + p&-p; q < len(x.tree) {
			x.tree[q] += x.tree[p]
		}
	}
	x.n = len(uids)
	if len(uids) > 0 && uids[len(uids)-1] > x.highest {
		x.highest = uids[len(uids)-1]
	}
}

// prefix returns the number of present slots among the first p.
func (x *Index) prefix(p int) int {
	var s int32
	for ; p > 0; p -= p & -p {
		s += x.tree[p]
	}
	return int(s)
}

func (x *Index) update(p int, delta int32) {
	for ; p < len(x.tree); p += p & -p {
		x.tree[p] += delta
	}
}

// slot returns the slot of uid, or -1.
func (x *Index) slot(uid store.UID) int {
	i := sort.Search(len(x.uids), func(i int) bool { return x.uids[i] >= uid })
	if i < len(x.uids) && x.uids[i] == uid && x.present[i] {
		return i
	}
	return -1
}

// Len returns the number of messages, the highest sequence number.
func (x *Index) Len() int {
	return x.n
}

// Last returns the UID of the last message, or 0 if the index is empty.
func (x *Index) Last() store.UID {
	if x.n == 0 {
		return 0
	}
	uid, _ := x.UID(uint32(x.n))
	return uid
}

// UIDs returns the UIDs of all messages, ascending.
func (x *Index) UIDs() []store.UID {
	l := make([]store.UID, 0, x.n)
	for i, uid := range x.uids {
		if x.present[i] {
			l = append(l, uid)
		}
	}
	return l
}

// MSN returns the sequence number of uid.
func (x *Index) MSN(uid store.UID) (uint32, bool) {
	i := x.slot(uid)
	if i < 0 {
		return 0, false
	}
	return uint32(x.prefix(i + 1)), true
}

// UID returns the UID with sequence number msn.
func (x *Index) UID(msn uint32) (store.UID, bool) {
	if msn == 0 || int64(msn) > int64(x.n) {
		return 0, false
	}
	k := int32(msn)
	p := 0
	for step := 1 << (bits.Len(uint(len(x.tree)-1)) - 1); step > 0; step >>= 1 {
		if q := p + step; q < len(x.tree) && x.tree[q] < k {
			p = q
			k -= x.tree[q]
		}
	}
	// p is the last slot with prefix count below msn, so the next slot holds it.
	return x.uids[p], true
}

// Add appends a new message with uid, which must be higher than every uid the
// index has held.
func (x *Index) Add(uid store.UID) error {
	if uid == 0 || uid <= x.highest {
		return fmt.Errorf("%w: uid %d, highest %d", ErrOutOfOrder, uid, x.highest)
	}
	x.uids = append(x.uids, uid)
	x.present = append(x.present, true)
	p := len(x.uids)
	// The new node covers slots (p-lowbit(p), p], all but the last already present.
	v := int32(1 + x.prefix(p-1) - x.prefix(p-p&-p))
	x.tree = append(x.tree, v)
	x.n++
	x.highest = uid
	return nil
}

// Expunge removes uid and returns the sequence number it had. Sequence numbers
// of later messages shift down by one.
func (x *Index) Expunge(uid store.UID) (uint32, error) {
	i := x.slot(uid)
	if i < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNotPresent, uid)
	}
	msn := uint32(x.prefix(i + 1))
	x.present[i] = false
	x.update(i+1, -1)
	x.n--

	if dead := len(x.uids) - x.n; dead > 32 && dead > x.n {
		x.rebuild(x.UIDs())
	}
	return msn, nil
}

// ResolveRange implements store.Resolver. UID ranges and All are returned as
// is. A range of sequence numbers is returned as the UID range from the UID of
// its first to the UID of its last message. Sequence numbers beyond Len result
// in an error wrapping store.ErrRangeNotResolvable.
func (x *Index) ResolveRange(r msgrange.Range) (msgrange.Range, error) {
	if !r.IsMSN() {
		return r, nil
	}
	if x.n == 0 {
		return r, fmt.Errorf("%w: %s, no messages", store.ErrRangeNotResolvable, r)
	}
	from, err := r.MSNFrom()
	if err != nil {
		return r, err
	}
	to, err := r.MSNTo()
	if err != nil {
		return r, err
	}
	if from == msgrange.Star {
		from = int64(x.n)
	}
	if to == msgrange.Star {
		to = int64(x.n)
	}
	if from > int64(x.n) || to > int64(x.n) {
		return r, fmt.Errorf("%w: %s, %d messages", store.ErrRangeNotResolvable, r, x.n)
	}
	fuid, _ := x.UID(uint32(from))
	if r.Kind() == msgrange.KindMSN {
		return msgrange.OneUID(int64(fuid)), nil
	}
	tuid, _ := x.UID(uint32(to))
	return msgrange.UIDRange(int64(fuid), int64(tuid)), nil
}

// Check verifies the internal consistency of the index: ascending UIDs, the
// tree matching the present slots, and sequence numbers being dense.
func (x *Index) Check() error {
	if len(x.present) != len(x.uids) || len(x.tree) != len(x.uids)+1 {
		return fmt.Errorf("inconsistent lengths: %d uids, %d present, %d tree", len(x.uids), len(x.present), len(x.tree))
	}
	var n int
	for i, uid := range x.uids {
		if uid == 0 || i > 0 && uid <= x.uids[i-1] {
			return fmt.Errorf("uids not ascending at slot %d", i)
		}
		if uid > x.highest {
			return fmt.Errorf("uid %d above highest %d", uid, x.highest)
		}
		if x.present[i] {
			n++
		}
		if p := x.prefix(i + 1); p != n {
			return fmt.Errorf("prefix count %d at slot %d, expected %d", p, i, n)
		}
	}
	if n != x.n {
		return fmt.Errorf("count %d, expected %d", x.n, n)
	}
	for msn := 1; msn <= n; msn++ {
		uid, ok := x.UID(uint32(msn))
		if !ok {
			return fmt.Errorf("no uid for msn %d", msn)
		}
		if m, ok := x.MSN(uid); !ok || m != uint32(msn) {
			return fmt.Errorf("msn %d maps to uid %d, which maps to msn %d", msn, uid, m)
		}
	}
	return nil
}
