// Package log sets up the process-wide slog logger used by pobserve.
package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

var (
	logger  = slog.Default()
	logFile *os.File
)

// Options configures the logger.
type Options struct {
	// Verbose enables debug and info output on stderr.
	Verbose bool
	// JSONFormat switches stderr output to JSON.
	JSONFormat bool
	// File, when set, also receives every record as JSON, whatever the
	// stderr level.
	File string
	// Stderr defaults to os.Stderr.
	Stderr io.Writer
}

// Init installs the logger as slog's default.
func Init(opts Options) error {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	level := slog.LevelWarn
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	if opts.JSONFormat {
		handlers = append(handlers, slog.NewJSONHandler(stderr, handlerOpts))
	} else {
		handlers = append(handlers, slog.NewTextHandler(stderr, handlerOpts))
	}

	Close()
	if opts.File != "" {
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	if len(handlers) == 1 {
		logger = slog.New(handlers[0])
	} else {
		logger = slog.New(&multiHandler{handlers: handlers})
	}
	slog.SetDefault(logger)
	return nil
}

// Close closes the log file, if any.
func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Logger returns the configured logger.
func Logger() *slog.Logger {
	return logger
}

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, h := range m.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			return err
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: out}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		out[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: out}
}
