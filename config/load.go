package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/mjl-/sconf"

	"github.com/mailstate/mailstate/mlog"
)

// Load parses and checks the config file at p. All problems found are returned,
// not just the first.
func Load(p string) (c *Config, errs []error) {
	c = &Config{
		Static: Static{
			DataDir: ".",
		},
		File: p,
	}

	f, err := os.Open(p)
	if err != nil {
		return nil, []error{fmt.Errorf("open config file: %v", err)}
	}
	defer f.Close()
	if err := sconf.Parse(f, &c.Static); err != nil {
		return nil, []error{fmt.Errorf("parsing %s%v", p, err)}
	}
	if xerrs := prepare(c); len(xerrs) > 0 {
		return nil, xerrs
	}
	return c, nil
}

func prepare(c *Config) (errs []error) {
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if logLevel, ok := mlog.Levels[c.LogLevel]; ok {
		c.Log = map[string]slog.Level{"": logLevel}
	} else {
		addErrorf("invalid log level %q", c.LogLevel)
		c.Log = map[string]slog.Level{}
	}
	for pkg, s := range c.PackageLogLevels {
		if logLevel, ok := mlog.Levels[s]; ok {
			c.Log[pkg] = logLevel
		} else {
			addErrorf("invalid package log level %q", s)
		}
	}

	if c.LockTimeout < 0 {
		addErrorf("negative lock timeout %v", c.LockTimeout)
	} else if c.LockTimeout == 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxPending < 0 {
		addErrorf("negative max pending %d", c.MaxPending)
	} else if c.MaxPending == 0 {
		c.MaxPending = DefaultMaxPending
	}

	switch c.Content.Type {
	case "bolt", "maildir":
	default:
		addErrorf("unknown content store type %q, must be bolt or maildir", c.Content.Type)
	}
	if c.Content.Path == "" {
		addErrorf("missing content store path")
	}

	seen := map[string]bool{}
	for _, name := range c.InitialMailboxes {
		if name == "" || strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
			addErrorf("invalid initial mailbox name %q", name)
		} else if seen[name] {
			addErrorf("duplicate initial mailbox %q", name)
		}
		seen[name] = true
	}
	if len(c.InitialMailboxes) == 0 {
		c.InitialMailboxes = []string{"Inbox"}
	}
	return
}

// DataDirPath returns f interpreted relative to the data directory, which is
// itself relative to the directory of the config file. Absolute f is returned
// unchanged.
func (c *Config) DataDirPath(f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	dataDir := c.DataDir
	if !filepath.IsAbs(dataDir) {
		dataDir = filepath.Join(filepath.Dir(c.File), dataDir)
	}
	return filepath.Join(dataDir, f)
}

// Describe writes an annotated example config file to w.
func Describe(w io.Writer) error {
	c := Static{
		DataDir:  "data",
		LogLevel: "info",
		PackageLogLevels: map[string]string{
			"store": "debug",
		},
		LockTimeout:      DefaultLockTimeout,
		MaxPending:       DefaultMaxPending,
		Content:          Content{Type: "bolt", Path: "content.db"},
		InitialMailboxes: []string{"Inbox", "Sent", "Trash"},
		MetricsAddress:   "localhost:8010",
	}
	return sconf.Describe(w, &c)
}
