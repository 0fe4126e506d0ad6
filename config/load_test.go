package config

import (
	"bytes"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/mailstate/mailstate/mlog"
)

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

func writeConf(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "mailstate.conf")
	err := os.WriteFile(p, []byte(s), 0o600)
	tcheck(t, err, "write config")
	return p
}

func TestLoad(t *testing.T) {
	p := writeConf(t, `DataDir: data
LogLevel: info
PackageLogLevels:
	store: debug
LockTimeout: 2s
Content:
	Type: maildir
	Path: content
`)
	c, errs := Load(p)
	if len(errs) > 0 {
		t.Fatalf("load: %v", errs)
	}
	tcompare(t, c.LockTimeout, 2*time.Second)
	tcompare(t, c.MaxPending, DefaultMaxPending)
	tcompare(t, c.InitialMailboxes, []string{"Inbox"})
	tcompare(t, c.Log[""], mlog.LevelInfo)
	tcompare(t, c.Log["store"], mlog.LevelDebug)
	tcompare(t, c.DataDirPath("content"), filepath.Join(filepath.Dir(p), "data", "content"))
	tcompare(t, c.DataDirPath("/abs/content"), "/abs/content")
}

func TestLoadErrors(t *testing.T) {
	p := writeConf(t, `DataDir: .
LogLevel: loud
PackageLogLevels:
	store: chatty
MaxPending: -1
Content:
	Type: s3
	Path:
InitialMailboxes:
	- Inbox
	- Inbox
	- /Bad
`)
	_, errs := Load(p)
	// Log level, package log level, max pending, content type, content path, duplicate and bad mailbox.
	if len(errs) != 7 {
		t.Fatalf("got %d errors, expected 7: %v", len(errs), errs)
	}

	_, errs = Load(filepath.Join(t.TempDir(), "missing.conf"))
	if len(errs) != 1 {
		t.Fatalf("expected error for missing file, got %v", errs)
	}
}

func TestDescribe(t *testing.T) {
	var b bytes.Buffer
	err := Describe(&b)
	tcheck(t, err, "describe")
	s := b.String()
	for _, w := range []string{"DataDir:", "LockTimeout:", "Content:", "MetricsAddress:"} {
		if !strings.Contains(s, w) {
			t.Fatalf("describe output missing %q", w)
		}
	}

	// The annotated example must itself be a valid config.
	p := writeConf(t, s)
	_, errs := Load(p)
	if len(errs) > 0 {
		t.Fatalf("loading described config: %v", errs)
	}
}
