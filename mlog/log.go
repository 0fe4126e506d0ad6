// Package mlog provides logging on top of slog.Logger, with log levels
// configurable per originating package.
//
// Each package has a package-level Log, created with New, that adds field "pkg".
// Logging messages should be constant, variable data goes in attributes. That
// keeps the logs easy to process, e.g. for building metrics from log lines.
//
// The log level configuration is application-global: SetConfig atomically
// replaces the levels used by all loggers created through this package. The
// empty package name holds the default level.
//
// Log levels are the slog levels, with trace below debug, and "print" above
// error. Print is always logged.
package mlog

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var noctx = context.Background()

const (
	LevelPrint = slog.Level(12) // Printed regardless of configured log level.
	LevelError = slog.LevelError
	LevelInfo  = slog.LevelInfo
	LevelDebug = slog.LevelDebug
	LevelTrace = slog.Level(-8)
)

// Levels maps configuration strings to levels.
var Levels = map[string]slog.Level{
	"print": LevelPrint,
	"error": LevelError,
	"info":  LevelInfo,
	"debug": LevelDebug,
	"trace": LevelTrace,
}

// LevelStrings maps levels back to their configuration strings.
var LevelStrings = map[slog.Level]string{
	LevelPrint: "print",
	LevelError: "error",
	LevelInfo:  "info",
	LevelDebug: "debug",
	LevelTrace: "trace",
}

// Holds a map[string]slog.Level, mapping a package (field pkg in logs) to a log
// level. The empty string is the default/fallback log level.
var config atomic.Pointer[map[string]slog.Level]

func init() {
	SetConfig(map[string]slog.Level{"": LevelError})
}

// SetConfig atomically sets the new log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(&c)
}

// Config returns the currently active log levels. Must not be modified.
func Config() map[string]slog.Level {
	return *config.Load()
}

type key string

// CidKey can be used with context.WithValue to store a "cid" in a context, for
// logging. A cid identifies a session or operation.
var CidKey key = "cid"

// Log is a logger with the level filtering of this package.
type Log struct {
	*slog.Logger
}

var defaultLogger = NewLogger(os.Stderr)

// New returns a Log that adds field "pkg" to all logged lines. If logger is nil,
// logging goes to stderr with the levels configured with SetConfig.
func New(pkg string, logger *slog.Logger) Log {
	if logger == nil {
		logger = defaultLogger
	}
	return Log{logger.With(slog.String("pkg", pkg))}
}

// WithCid adds a field "cid".
func (l Log) WithCid(cid int64) Log {
	return l.With(slog.Int64("cid", cid))
}

// WithContext adds cid from context, if present. A context is passed between
// packages far more often than a Log, so the cid is typically taken from it at
// the start of an exported function.
func (l Log) WithContext(ctx context.Context) Log {
	cidv := ctx.Value(CidKey)
	if cidv == nil {
		return l
	}
	cid := cidv.(int64)
	return l.WithCid(cid)
}

// With returns a Log that adds attrs to each logged line.
func (l Log) With(attrs ...slog.Attr) Log {
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return Log{l.Logger.With(args...)}
}

// Check logs an error if err is not nil. Intended for logging errors that are
// good to know, but would not influence program flow.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.Errorx(msg, err, attrs...)
	}
}

func (l Log) Print(msg string, attrs ...slog.Attr) {
	l.Logx(LevelPrint, msg, nil, attrs...)
}

func (l Log) Printx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelPrint, msg, err, attrs...)
}

func (l Log) Error(msg string, attrs ...slog.Attr) {
	l.Logx(LevelError, msg, nil, attrs...)
}

func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelError, msg, err, attrs...)
}

func (l Log) Info(msg string, attrs ...slog.Attr) {
	l.Logx(LevelInfo, msg, nil, attrs...)
}

func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelInfo, msg, err, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) {
	l.Logx(LevelDebug, msg, nil, attrs...)
}

func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.Logx(LevelDebug, msg, err, attrs...)
}

func (l Log) Trace(msg string, attrs ...slog.Attr) {
	l.Logx(LevelTrace, msg, nil, attrs...)
}

// Logx logs msg at level, with err as attribute "err" if not nil.
func (l Log) Logx(level slog.Level, msg string, err error, attrs ...slog.Attr) {
	if !l.Logger.Enabled(noctx, level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.String("err", err.Error())}, attrs...)
	}
	l.Logger.LogAttrs(noctx, level, msg, attrs...)
}

// NewLogger returns a slog.Logger writing logfmt-like lines to w, filtered by
// the levels set with SetConfig, based on the "pkg" attribute.
func NewLogger(w io.Writer) *slog.Logger {
	return slog.New(&handler{w: w, mu: &sync.Mutex{}})
}

type handler struct {
	w      io.Writer
	mu     *sync.Mutex // Shared between handlers writing to w.
	pkgs   []string    // From "pkg" attributes, most specific last.
	prefix string      // Group prefix for attributes.
	attrs  []byte      // Preformatted attributes added with WithAttrs.
}

var _ slog.Handler = (*handler)(nil)

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool {
	if level >= LevelPrint {
		return true
	}
	cl := Config()
	for i := len(h.pkgs) - 1; i >= 0; i-- {
		if v, ok := cl[h.pkgs[i]]; ok {
			return level >= v
		}
	}
	v, ok := cl[""]
	return ok && level >= v
}

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	b := &bytes.Buffer{}
	if !r.Time.IsZero() {
		b.WriteString("t=")
		b.WriteString(r.Time.Format(time.RFC3339Nano))
		b.WriteByte(' ')
	}
	level, ok := LevelStrings[r.Level]
	if !ok {
		level = strings.ToLower(r.Level.String())
	}
	fmt.Fprintf(b, "l=%s m=%s", level, logfmtValue(r.Message))
	b.Write(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		writeAttr(b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	// Single write, so concurrent lines do not interleave.
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(b.Bytes())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.pkgs = append([]string(nil), h.pkgs...)
	b := bytes.NewBuffer(append([]byte(nil), h.attrs...))
	for _, a := range attrs {
		if a.Key == "pkg" && h.prefix == "" {
			nh.pkgs = append(nh.pkgs, a.Value.String())
		}
		writeAttr(b, h.prefix, a)
	}
	nh.attrs = b.Bytes()
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	nh := *h
	nh.prefix = h.prefix + name + "."
	return &nh
}

func writeAttr(b *bytes.Buffer, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			writeAttr(b, p, ga)
		}
		return
	}
	var s string
	switch a.Value.Kind() {
	case slog.KindString:
		s = a.Value.String()
	case slog.KindInt64:
		if a.Key == "cid" {
			s = fmt.Sprintf("%x", a.Value.Int64())
		} else {
			s = strconv.FormatInt(a.Value.Int64(), 10)
		}
	case slog.KindTime:
		s = a.Value.Time().Format(time.RFC3339Nano)
	default:
		s = fmt.Sprintf("%v", a.Value.Any())
	}
	fmt.Fprintf(b, " %s%s=%s", prefix, a.Key, logfmtValue(s))
}

// escape logfmt string if required, otherwise return original string.
func logfmtValue(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}
