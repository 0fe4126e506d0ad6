package store

import (
	"fmt"
	"slices"
	"strings"

	"github.com/emersion/go-imap"
)

// Flags for a mail message.
type Flags struct {
	Seen      bool
	Answered  bool
	Flagged   bool
	Forwarded bool
	Junk      bool
	Notjunk   bool
	Deleted   bool
	Draft     bool
	Phishing  bool
	MDNSent   bool

	// Set by the server on new messages, cannot be changed by clients.
	Recent bool
}

// FlagsAll is all client-settable flags set, for use as mask.
var FlagsAll = Flags{true, true, true, true, true, true, true, true, true, true, false}

// Set returns a copy of f, with each flag that is true in mask set to the
// value from flags.
func (f Flags) Set(mask, flags Flags) Flags {
	set := func(d *bool, m, v bool) {
		if m {
			*d = v
		}
	}
	r := f
	set(&r.Seen, mask.Seen, flags.Seen)
	set(&r.Answered, mask.Answered, flags.Answered)
	set(&r.Flagged, mask.Flagged, flags.Flagged)
	set(&r.Forwarded, mask.Forwarded, flags.Forwarded)
	set(&r.Junk, mask.Junk, flags.Junk)
	set(&r.Notjunk, mask.Notjunk, flags.Notjunk)
	set(&r.Deleted, mask.Deleted, flags.Deleted)
	set(&r.Draft, mask.Draft, flags.Draft)
	set(&r.Phishing, mask.Phishing, flags.Phishing)
	set(&r.MDNSent, mask.MDNSent, flags.MDNSent)
	return r
}

var systemFlags = map[string]func(f *Flags){
	strings.ToLower(imap.SeenFlag):     func(f *Flags) { f.Seen = true },
	strings.ToLower(imap.AnsweredFlag): func(f *Flags) { f.Answered = true },
	strings.ToLower(imap.FlaggedFlag):  func(f *Flags) { f.Flagged = true },
	strings.ToLower(imap.DeletedFlag):  func(f *Flags) { f.Deleted = true },
	strings.ToLower(imap.DraftFlag):    func(f *Flags) { f.Draft = true },
	"$forwarded":                       func(f *Flags) { f.Forwarded = true },
	"$junk":                            func(f *Flags) { f.Junk = true },
	"$notjunk":                         func(f *Flags) { f.Notjunk = true },
	"$phishing":                        func(f *Flags) { f.Phishing = true },
	"$mdnsent":                         func(f *Flags) { f.MDNSent = true },
}

// ParseFlags parses flag strings as they appear in IMAP commands into system
// flags and lower-case keywords. The well-known $-flags are also returned as
// system flags. \Recent cannot be set by clients and results in an error, as do
// other unknown backslash flags and keywords with invalid characters.
func ParseFlags(l []string) (flags Flags, keywords []string, rerr error) {
	for _, s := range l {
		t := strings.ToLower(s)
		if fn, ok := systemFlags[t]; ok {
			fn(&flags)
		} else if t == strings.ToLower(imap.RecentFlag) {
			return Flags{}, nil, fmt.Errorf("%w: cannot set %s", ErrBadKeyword, imap.RecentFlag)
		} else if strings.HasPrefix(t, `\`) {
			return Flags{}, nil, fmt.Errorf("%w: unknown system flag %q", ErrBadKeyword, s)
		} else if !ValidLowercaseKeyword(t) {
			return Flags{}, nil, fmt.Errorf("%w: invalid keyword %q", ErrBadKeyword, s)
		} else if !slices.Contains(keywords, t) {
			keywords = append(keywords, t)
		}
	}
	return
}

// FlagList returns the IMAP flag strings for flags and keywords, system flags
// first.
func FlagList(fl Flags, keywords []string) []string {
	var l []string
	flag := func(v bool, s string) {
		if v {
			l = append(l, s)
		}
	}
	flag(fl.Seen, imap.SeenFlag)
	flag(fl.Answered, imap.AnsweredFlag)
	flag(fl.Flagged, imap.FlaggedFlag)
	flag(fl.Deleted, imap.DeletedFlag)
	flag(fl.Draft, imap.DraftFlag)
	flag(fl.Recent, imap.RecentFlag)
	flag(fl.Forwarded, `$Forwarded`)
	flag(fl.Junk, `$Junk`)
	flag(fl.Notjunk, `$NotJunk`)
	flag(fl.Phishing, `$Phishing`)
	flag(fl.MDNSent, `$MDNSent`)
	return append(l, keywords...)
}

// RemoveKeywords removes keywords from l, returning a new slice. Should only be
// used with lower-case keywords, not with system flags like \Seen.
func RemoveKeywords(l, remove []string) ([]string, bool) {
	var changed bool
	var r []string
	for _, k := range l {
		if slices.Contains(remove, k) {
			changed = true
		} else {
			r = append(r, k)
		}
	}
	return r, changed
}

// MergeKeywords adds keywords from add into l, returning a new slice along
// with whether it added any keyword. Keywords are only added if they aren't
// already present. Should only be used with lower-case keywords, not with system
// flags like \Seen.
func MergeKeywords(l, add []string) ([]string, bool) {
	var changed bool
	r := append([]string(nil), l...)
	for _, k := range add {
		if !slices.Contains(r, k) {
			r = append(r, k)
			changed = true
		}
	}
	return r, changed
}

// ValidLowercaseKeyword returns whether s is a valid, lower-case, keyword.
func ValidLowercaseKeyword(s string) bool {
	for _, c := range s {
		if c >= 'a' && c <= 'z' {
			continue
		}
		const atomspecials = `(){%*"\]`
		if c <= ' ' || c > 0x7e || c >= 'A' && c <= 'Z' || strings.ContainsRune(atomspecials, c) {
			return false
		}
	}
	return len(s) > 0
}

// checkKeywords returns lower-cased keywords, or an error for an invalid one.
func checkKeywords(l []string) ([]string, error) {
	var r []string
	for _, k := range l {
		k = strings.ToLower(k)
		if _, ok := systemFlags[k]; ok || !ValidLowercaseKeyword(k) {
			return nil, fmt.Errorf("%w: %q", ErrBadKeyword, k)
		}
		if !slices.Contains(r, k) {
			r = append(r, k)
		}
	}
	return r, nil
}

// sameKeywords returns whether a and b have the same keywords, in any order.
func sameKeywords(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for _, k := range a {
		if !slices.Contains(b, k) {
			return false
		}
	}
	return true
}
