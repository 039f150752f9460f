// Package logger builds the structured loggers used by the engine, the CLI and the server.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// New creates a *slog.Logger. Text output is the default; JSON and pretty
// (charmbracelet/log) handlers are selected by options, JSON winning over pretty.
func New(opts ...Option) *slog.Logger {
	cfg := &config{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(cfg)
	}

	var w io.Writer = os.Stderr
	switch len(cfg.writers) {
	case 0:
	case 1:
		w = cfg.writers[0]
	default:
		w = io.MultiWriter(cfg.writers...)
	}

	handlerOpts := &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.source}

	var handler slog.Handler
	switch {
	case cfg.json:
		handler = slog.NewJSONHandler(w, handlerOpts)
	case cfg.pretty:
		handler = charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(cfg.level),
			ReportTimestamp: true,
			ReportCaller:    cfg.source,
		})
	default:
		handler = slog.NewTextHandler(w, handlerOpts)
	}

	return slog.New(handler)
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ParseLevel maps a level name to a slog level. Unknown names map to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// FromSettings builds a logger from the LOG_LEVEL / LOG_FORMAT settings.
// Format is one of "text", "json" or "pretty".
func FromSettings(level, format string, w io.Writer) *slog.Logger {
	opts := []Option{WithLevel(ParseLevel(level))}
	if w != nil {
		opts = append(opts, WithWriter(w))
	}
	switch strings.ToLower(format) {
	case "json":
		opts = append(opts, WithJSON(true))
	case "pretty":
		opts = append(opts, WithPretty(true))
	}
	return New(opts...)
}
