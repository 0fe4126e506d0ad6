package mlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLevels(t *testing.T) {
	defer SetConfig(Config())

	var b bytes.Buffer
	logger := NewLogger(&b)
	store := New("store", logger)
	session := New("session", logger)

	SetConfig(map[string]slog.Level{"": LevelError, "store": LevelDebug})

	store.Debug("visible", slog.Int("n", 1))
	session.Debug("hidden")
	session.Print("always")
	s := b.String()
	if !strings.Contains(s, "l=debug m=visible pkg=store n=1") {
		t.Fatalf("missing debug line for store: %q", s)
	}
	if strings.Contains(s, "hidden") {
		t.Fatalf("debug line for session logged: %q", s)
	}
	if !strings.Contains(s, "l=print m=always pkg=session") {
		t.Fatalf("missing print line: %q", s)
	}
}

func TestErrAndCid(t *testing.T) {
	defer SetConfig(Config())
	SetConfig(map[string]slog.Level{"": LevelInfo})

	var b bytes.Buffer
	log := New("session", NewLogger(&b))
	ctx := context.WithValue(context.Background(), CidKey, int64(255))
	log.WithContext(ctx).Infox("poll", errors.New("bad thing"), slog.String("mailbox", "Inbox"))
	log.Check(nil, "nothing")

	s := b.String()
	if !strings.Contains(s, `m=poll pkg=session cid=ff err="bad thing" mailbox=Inbox`) {
		t.Fatalf("unexpected line %q", s)
	}
	if strings.Count(s, "\n") != 1 {
		t.Fatalf("expected single line, got %q", s)
	}
}
