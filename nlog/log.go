// Package nlog provides leveled logging on top of log/slog, with levels
// configurable per originating package and extra levels for protocol traces.
//
// Protocol packages keep a package-level logger name ("pkg" attribute) and log
// variable data in attributes, keeping messages constant. The trace levels are
// below slog.LevelDebug: LevelTrace logs protocol data, LevelTraceauth is used
// while credentials are on the wire and logs "***" unless explicitly enabled,
// LevelTracedata likewise for bulk article data.
package nlog

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const (
	LevelTrace     slog.Level = -8
	LevelTraceauth slog.Level = -12
	LevelTracedata slog.Level = -16
)

// Levels maps names as used in configuration to slog levels.
var Levels = map[string]slog.Level{
	"error":     slog.LevelError,
	"warn":      slog.LevelWarn,
	"info":      slog.LevelInfo,
	"debug":     slog.LevelDebug,
	"trace":     LevelTrace,
	"traceauth": LevelTraceauth,
	"tracedata": LevelTracedata,
}

// Config maps a package name to its log level. The empty string is the
// default. Set atomically, shared by all Log instances.
var config atomic.Value

func init() {
	config.Store(map[string]slog.Level{"": slog.LevelError})
}

// SetConfig atomically replaces the log levels used by all Log instances.
func SetConfig(c map[string]slog.Level) {
	config.Store(c)
}

// Log wraps an slog.Logger for a package, adding error-accepting variants and
// protocol tracing.
type Log struct {
	Logger *slog.Logger
	pkg    string
}

// New returns a logger for pkg. If elog is nil, a logger writing logfmt-like
// lines to stderr is used, honoring the per-package levels set with SetConfig.
func New(pkg string, elog *slog.Logger) Log {
	if elog == nil {
		elog = slog.New(&handler{})
	}
	return Log{elog.With(slog.String("pkg", pkg)), pkg}
}

// With returns a Log logging attrs with each line.
func (l Log) With(attrs ...slog.Attr) Log {
	nl := l
	nl.Logger = slog.New(l.Logger.Handler().WithAttrs(attrs))
	return nl
}

// WithFunc calls fn for each logged line, adding its attributes.
func (l Log) WithFunc(fn func() []slog.Attr) Log {
	nl := l
	nl.Logger = slog.New(funcHandler{l.Logger.Handler(), fn})
	return nl
}

func (l Log) enabled(level slog.Level) bool {
	c := config.Load().(map[string]slog.Level)
	v, ok := c[l.pkg]
	if !ok {
		v = c[""]
	}
	return level >= v
}

func (l Log) log(level slog.Level, msg string, err error, attrs []slog.Attr) {
	if !l.enabled(level) {
		return
	}
	if err != nil {
		attrs = append([]slog.Attr{slog.Any("err", err)}, attrs...)
	}
	l.Logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (l Log) Debug(msg string, attrs ...slog.Attr) { l.log(slog.LevelDebug, msg, nil, attrs) }
func (l Log) Debugx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelDebug, msg, err, attrs)
}
func (l Log) Info(msg string, attrs ...slog.Attr) { l.log(slog.LevelInfo, msg, nil, attrs) }
func (l Log) Infox(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelInfo, msg, err, attrs)
}
func (l Log) Error(msg string, attrs ...slog.Attr) { l.log(slog.LevelError, msg, nil, attrs) }
func (l Log) Errorx(msg string, err error, attrs ...slog.Attr) {
	l.log(slog.LevelError, msg, err, attrs)
}

// Check logs an error at error level if err is not nil. Convenient for
// deferred cleanup calls.
func (l Log) Check(err error, msg string, attrs ...slog.Attr) {
	if err != nil {
		l.log(slog.LevelError, msg, err, attrs)
	}
}

// Trace logs protocol data at a trace level. Data for the auth and bulk-data
// levels is masked when only plain trace is enabled.
func (l Log) Trace(level slog.Level, prefix string, data []byte) {
	if l.enabled(level) {
		l.log(level, prefix+string(data), nil, nil)
		return
	}
	if !l.enabled(LevelTrace) {
		return
	}
	switch level {
	case LevelTraceauth:
		l.log(LevelTrace, prefix+"***", nil, nil)
	case LevelTracedata:
		l.log(LevelTrace, prefix+"...", nil, nil)
	}
}

type funcHandler struct {
	slog.Handler
	fn func() []slog.Attr
}

func (h funcHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(h.fn()...)
	return h.Handler.Handle(ctx, r)
}

// handler writes single-line records to stderr. Level filtering already
// happened in Log, so Enabled always reports true.
type handler struct {
	attrs []slog.Attr
}

func (h *handler) Enabled(ctx context.Context, level slog.Level) bool { return true }

func (h *handler) Handle(ctx context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Time.Format(time.RFC3339))
	b.WriteString(" l=")
	b.WriteString(levelString(r.Level))
	b.WriteString(" m=")
	b.WriteString(value(r.Message))
	write := func(a slog.Attr) bool {
		b.WriteString(" ")
		b.WriteString(a.Key)
		b.WriteString("=")
		b.WriteString(value(a.Value.String()))
		return true
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(write)
	b.WriteString("\n")
	_, err := os.Stderr.WriteString(b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &handler{append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *handler) WithGroup(name string) slog.Handler { return h }

func levelString(l slog.Level) string {
	for s, v := range Levels {
		if v == l {
			return s
		}
	}
	return l.String()
}

func value(s string) string {
	for _, c := range s {
		if c == '"' || c == '\\' || c <= ' ' || c == '=' || c >= 0x7f {
			return strconv.Quote(s)
		}
	}
	return s
}
