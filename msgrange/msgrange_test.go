package msgrange

import (
	"errors"
	"reflect"
	"testing"

	"github.com/emersion/go-imap"
)

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

func TestValid(t *testing.T) {
	valid := []Range{
		{},
		All(),
		OneUID(1),
		OneUID(Star),
		UIDRange(1, 1),
		UIDRange(2, 10),
		UIDRange(5, Star),
		OneMSN(3),
		OneMSN(Star),
		MSNRange(1, Star),
		MSNRange(1, 2),
	}
	for _, r := range valid {
		if !r.IsValid() {
			t.Fatalf("%s (%s) should be valid", r, r.Kind())
		}
	}

	invalid := []Range{
		OneUID(0),
		OneUID(-2),
		UIDRange(0, 3),
		UIDRange(3, 2),
		UIDRange(Star, 3),
		OneMSN(0),
		MSNRange(2, 1),
		MSNRange(0, Star),
		{kind: 99},
	}
	for _, r := range invalid {
		if r.IsValid() {
			t.Fatalf("%s (%s) should be invalid", r, r.Kind())
		}
	}
}

func TestAccessors(t *testing.T) {
	r := UIDRange(3, Star)
	from, err := r.UIDFrom()
	tcompare(t, err, nil)
	tcompare(t, from, int64(3))
	to, err := r.UIDTo()
	tcompare(t, err, nil)
	tcompare(t, to, Star)

	// Singles report from == to.
	from, _ = OneMSN(4).MSNFrom()
	to, _ = OneMSN(4).MSNTo()
	tcompare(t, []int64{from, to}, []int64{4, 4})

	if _, err := MSNRange(1, 2).UIDFrom(); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("uid bounds of msn range: got err %v, expected ErrWrongKind", err)
	}
	if _, err := OneUID(1).MSNTo(); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("msn bounds of uid: got err %v, expected ErrWrongKind", err)
	}
	if _, err := All().UIDTo(); !errors.Is(err, ErrWrongKind) {
		t.Fatalf("uid bounds of all: got err %v, expected ErrWrongKind", err)
	}

	tcompare(t, All().IsMSN() || All().IsUID(), false)
	tcompare(t, OneMSN(1).IsMSN(), true)
	tcompare(t, UIDRange(1, 2).IsUID(), true)
}

func TestString(t *testing.T) {
	tcompare(t, All().String(), "ALL")
	tcompare(t, OneUID(5).String(), "5")
	tcompare(t, OneMSN(Star).String(), "*")
	tcompare(t, MSNRange(1, Star).String(), "1:*")
	tcompare(t, UIDRange(2, 9).String(), "2:9")
}

func TestParse(t *testing.T) {
	l, err := Parse("1,3:5,7:*", true)
	tcompare(t, err, nil)
	tcompare(t, l, []Range{OneUID(1), UIDRange(3, 5), UIDRange(7, Star)})

	single := map[string]Range{
		"*":   OneUID(Star),
		"*:2": UIDRange(2, Star),
		"9:8": UIDRange(8, 9),
		"6:6": OneUID(6),
	}
	for s, exp := range single {
		l, err := Parse(s, true)
		tcompare(t, err, nil)
		tcompare(t, l, []Range{exp})
	}

	l, err = Parse("2:4", false)
	tcompare(t, err, nil)
	tcompare(t, l, []Range{MSNRange(2, 4)})

	l, err = Parse("all", false)
	tcompare(t, err, nil)
	tcompare(t, l, []Range{All()})

	for _, s := range []string{"x", "1:", "0", "1,,2"} {
		if _, err := Parse(s, true); !errors.Is(err, ErrInvalid) {
			t.Fatalf("parse %q: got err %v, expected ErrInvalid", s, err)
		}
	}

	if _, err := FromSeqSet(&imap.SeqSet{}, true); !errors.Is(err, ErrInvalid) {
		t.Fatalf("empty seqset: got err %v, expected ErrInvalid", err)
	}

	var set imap.SeqSet
	set.AddRange(10, 12)
	l, err = FromSeqSet(&set, false)
	tcompare(t, err, nil)
	tcompare(t, l, []Range{MSNRange(10, 12)})
}
