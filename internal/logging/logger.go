// Package logging provides structured logging, per-run task log files, and
// stderr classification for go-autorun.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Options selects the handler built by New.
type Options struct {
	// Format is "json" (default) or "text".
	Format string

	// Level is "debug", "info" (default), "warn" or "error".
	Level string

	// Verbose forces debug level and adds source locations.
	Verbose bool

	// Writer defaults to os.Stderr.
	Writer io.Writer
}

// New creates a structured logger. Duration attributes are rendered in
// Go notation ("1m30s") in both formats.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := parseLevel(opts.Level)
	if opts.Verbose {
		level = slog.LevelDebug
	}
	hopts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   opts.Verbose,
		ReplaceAttr: replaceDuration,
	}

	if strings.EqualFold(opts.Format, "text") {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

// NewLogger creates the process logger on stderr.
func NewLogger(format, level string, verbose bool) *slog.Logger {
	return New(Options{Format: format, Level: level, Verbose: verbose})
}

// NewLoggerWithWriter creates a logger that writes to w. A nil w discards.
func NewLoggerWithWriter(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = io.Discard
	}
	return New(Options{Format: format, Level: level, Writer: w})
}

// replaceDuration renders time.Duration values as strings; the JSON
// handler would otherwise emit nanoseconds.
func replaceDuration(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindDuration {
		return slog.String(a.Key, a.Value.Duration().Round(time.Millisecond).String())
	}
	return a
}

// parseLevel converts a string level to slog.Level.
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

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
