package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	AddSource   bool
	Audit       AuditConfig
}

// AuditConfig controls the business audit stream (queries, agent edits, feed
// publications). It is written as JSON lines to a size-rotated file.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type state struct {
	app     *slog.Logger
	audit   *slog.Logger
	closers []io.Closer
}

var (
	current atomic.Pointer[state]
	initMu  sync.Mutex
)

// Init configures the global loggers. Calling it again replaces the previous
// configuration and closes the files it opened.
func Init(cfg Config) error {
	initMu.Lock()
	defer initMu.Unlock()

	next := &state{}
	handler, closers, err := buildHandler(cfg)
	if err != nil {
		return err
	}
	next.closers = append(next.closers, closers...)
	next.app = slog.New(handler)
	next.audit = next.app

	if cfg.Audit.Enabled {
		writer, err := newRotatingWriter(cfg.Audit)
		if err != nil {
			closeAll(next.closers)
			return err
		}
		next.closers = append(next.closers, writer)
		next.audit = slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})).
			With(slog.String("stream", "audit"))
	}

	if prev := current.Swap(next); prev != nil {
		closeAll(prev.closers)
	}
	return nil
}

func buildHandler(cfg Config) (slog.Handler, []io.Closer, error) {
	var (
		writers []io.Writer
		closers []io.Closer
	)
	for _, out := range cfg.OutputPaths {
		w, c, err := openWriter(out)
		if err != nil {
			closeAll(closers)
			return nil, nil, err
		}
		writers = append(writers, w)
		if c != nil {
			closers = append(closers, c)
		}
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: cfg.AddSource}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), closers, nil
	}
	return slog.NewJSONHandler(writer, opts), closers, nil
}

func openWriter(path string) (io.Writer, io.Closer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "", "stdout":
		return os.Stdout, nil, nil
	case "stderr":
		return os.Stderr, nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return file, file, nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func load() *state {
	if s := current.Load(); s != nil {
		return s
	}
	_ = Init(Config{})
	return current.Load()
}

// L returns the application logger.
func L() *slog.Logger {
	return load().app
}

// Audit returns the audit logger. Without an audit file it is the
// application logger.
func Audit() *slog.Logger {
	return load().audit
}

// Named returns a child logger tagged with the component name.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync closes every file opened by Init.
func Sync() error {
	initMu.Lock()
	defer initMu.Unlock()
	s := current.Load()
	if s == nil {
		return nil
	}
	err := closeAll(s.closers)
	s.closers = nil
	return err
}

func closeAll(closers []io.Closer) error {
	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}

type ctxKey struct{}

// WithContext stores a request scoped logger in ctx.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stored by WithContext, or L().
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}
