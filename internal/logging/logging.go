// Package logging builds the slog loggers shared by the relay components.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys. Components log through these so that text and JSON output
// can be filtered the same way.
const (
	KeyComponent  = "component"
	KeyPeerID     = "peer_id"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyError      = "error"
	KeyBytes      = "bytes"
	KeyCount      = "count"
	KeyDuration   = "duration"
)

// Options selects the handler.
type Options struct {
	// Level is debug, info, warn or error.
	Level string

	// Format is text or json.
	Format string

	// Writer defaults to stderr.
	Writer io.Writer

	// AddSource adds file:line. It is switched on for debug level.
	AddSource bool
}

// New returns a logger for opts.
func New(opts Options) *slog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{
		Level:     level,
		AddSource: opts.AddSource || level == slog.LevelDebug,
	}

	if strings.EqualFold(opts.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, hopts))
	}
	return slog.New(slog.NewTextHandler(w, hopts))
}

// NewLogger is New with stderr output.
func NewLogger(level, format string) *slog.Logger {
	return New(Options{Level: level, Format: format})
}

// NewLoggerWithWriter is New writing to w.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	return New(Options{Level: level, Format: format, Writer: w})
}

// Component tags logger with a component name. A nil logger discards.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = NopLogger()
	}
	return logger.With(KeyComponent, name)
}

// ParseLevel maps a level name to slog.Level; anything unknown is info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NopLogger discards everything.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
