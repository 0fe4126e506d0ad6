package content

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	defer func() {
		err := s.Close()
		tcheck(t, err, "close")
	}()

	const body = "Subject: test\r\n\r\nhi\r\n"
	ref, size, err := s.Put(ctxbg, strings.NewReader(body))
	tcheck(t, err, "put")
	if size != int64(len(body)) {
		t.Fatalf("got size %d, expected %d", size, len(body))
	}

	ref2, _, err := s.Put(ctxbg, strings.NewReader("other"))
	tcheck(t, err, "put second")
	if ref == ref2 {
		t.Fatalf("duplicate reference %q", ref)
	}

	r, err := s.Open(ctxbg, ref)
	tcheck(t, err, "open")
	buf, err := io.ReadAll(r)
	tcheck(t, err, "read")
	err = r.Close()
	tcheck(t, err, "close reader")
	if string(buf) != body {
		t.Fatalf("got %q, expected %q", buf, body)
	}

	err = s.Remove(ctxbg, ref)
	tcheck(t, err, "remove")
	if _, err := s.Open(ctxbg, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("open after remove: got err %v, expected ErrNotFound", err)
	}
	if err := s.Remove(ctxbg, ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove: got err %v, expected ErrNotFound", err)
	}

	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	if _, _, err := s.Put(ctx, strings.NewReader("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("put with canceled context: got err %v", err)
	}
}

func TestBolt(t *testing.T) {
	b, err := OpenBolt(filepath.Join(t.TempDir(), "sub", "content.db"))
	tcheck(t, err, "open bolt")
	testStore(t, b)
}

func TestMaildir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("maildir not supported on windows")
	}
	m, err := OpenMaildir(filepath.Join(t.TempDir(), "content"))
	tcheck(t, err, "open maildir")
	testStore(t, m)
}
