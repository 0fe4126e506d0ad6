package config

import (
	"log/slog"
	"time"
)

// Defaults for optional fields left out of the config file.
const (
	DefaultLockTimeout = 5 * time.Second
	DefaultMaxPending  = 10000
)

// Static is a parsed form of the mailstate.conf configuration file, before
// converting it into a Config after additional processing.
type Static struct {
	DataDir          string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nDirectory where the mailbox database is stored. If this is a relative path, it is relative to the directory of mailstate.conf."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package (e.g. store, session, uidindex, content, metrics)."`
	LockTimeout      time.Duration     `sconf:"optional" sconf-doc:"Maximum time an operation waits for a mailbox lock before failing with a busy error, e.g. 5s. Default 5s."`
	MaxPending       int               `sconf:"optional" sconf-doc:"Maximum number of pending flag and new-message notifications kept per session. When exceeded, the session's next flag poll returns the current flags of all its messages instead. Default 10000."`
	NotifySelf       bool              `sconf:"optional" sconf-doc:"Also queue flag change notifications for the session that made the change. By default, a session is not notified about its own flag changes, it already has the result."`
	Content          Content           `sconf-doc:"Where message contents are stored."`
	InitialMailboxes []string          `sconf:"optional" sconf-doc:"Mailboxes created when the database is initialized. Default: Inbox."`
	MetricsAddress   string            `sconf:"optional" sconf-doc:"Address to serve prometheus metrics on at /metrics, e.g. localhost:8010. If empty, metrics are not served."`
}

// Content configures the content store holding message bodies.
type Content struct {
	Type string `sconf-doc:"Type of content store: bolt (single database file) or maildir (one file per message)."`
	Path string `sconf-doc:"Path of the bolt database file or maildir directory. If relative, it is relative to DataDir."`
}

// Config is the processed static configuration.
type Config struct {
	Static

	// Path of the config file, for resolving relative paths.
	File string

	// Log levels per package, from LogLevel and PackageLogLevels. The empty package
	// is the default level.
	Log map[string]slog.Level
}
