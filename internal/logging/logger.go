package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NoisyFragments lists message fragments that are written to the session
// log file but never mirrored to the console.
var NoisyFragments = []string{
	"##################################################",
	"uploading content to storage",
	"connection pool is full",
}

// NewLogger creates a structured logger writing to w. Production uses
// JSON at info level; development uses human-readable text at debug.
func NewLogger(w io.Writer, production bool) *slog.Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if production {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// SessionOptions configures a session logger.
type SessionOptions struct {
	// Production switches the log file to JSON.
	Production bool
	Level      slog.Level
	// Dir receives the session log file. Created if missing.
	Dir string
	// Console mirrors the log. Defaults to stderr.
	Console io.Writer
	// Now is used for the log file name. Defaults to time.Now.
	Now func() time.Time
}

// NewSessionLogger returns a logger that always writes to a fresh log file
// in opts.Dir and mirrors records at the same level to the console, minus
// messages matching NoisyFragments. The returned close func flushes and
// closes the log file; the second return value is the file path.
func NewSessionLogger(opts SessionOptions) (*slog.Logger, string, func() error, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, "", nil, fmt.Errorf("creating log directory: %w", err)
	}

	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}

	path := filepath.Join(opts.Dir, fmt.Sprintf("dirsync_%s.log", now().Format("20060102_150405")))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, "", nil, fmt.Errorf("opening log file: %w", err)
	}

	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}

	var fileHandler slog.Handler
	if opts.Production {
		fileHandler = slog.NewJSONHandler(f, handlerOpts)
	} else {
		fileHandler = slog.NewTextHandler(f, handlerOpts)
	}

	consoleHandler := &filterHandler{
		next:      slog.NewTextHandler(console, &slog.HandlerOptions{Level: opts.Level, ReplaceAttr: dropTime}),
		fragments: NoisyFragments,
	}

	logger := slog.New(&fanoutHandler{handlers: []slog.Handler{fileHandler, consoleHandler}})

	return logger, path, f.Close, nil
}

// ParseLevel converts a level name such as "info" or "DEBUG" to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(s)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}

	return level, nil
}

// dropTime removes the timestamp from console output; the file keeps it.
func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}

	return a
}

// filterHandler drops records whose message contains any of fragments.
type filterHandler struct {
	next      slog.Handler
	fragments []string
}

func (h *filterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *filterHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, frag := range h.fragments {
		if strings.Contains(r.Message, frag) {
			return nil
		}
	}

	return h.next.Handle(ctx, r)
}

func (h *filterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &filterHandler{next: h.next.WithAttrs(attrs), fragments: h.fragments}
}

func (h *filterHandler) WithGroup(name string) slog.Handler {
	return &filterHandler{next: h.next.WithGroup(name), fragments: h.fragments}
}

// fanoutHandler sends each record to every handler that accepts its level.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (h *fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (h *fanoutHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error

	for _, hh := range h.handlers {
		if !hh.Enabled(ctx, r.Level) {
			continue
		}

		if err := hh.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (h *fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithAttrs(attrs)
	}

	return &fanoutHandler{handlers: next}
}

func (h *fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		next[i] = hh.WithGroup(name)
	}

	return &fanoutHandler{handlers: next}
}
