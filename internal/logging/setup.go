// Package logging wires log/slog for the whole process: one handler on
// stderr, a runtime-adjustable level, and a bridge that folds stdlib log
// output from dependencies into the same stream.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level controls the process log level at runtime.
var Level slog.LevelVar

// Setup installs the default logger from LOG_LEVEL (debug, info, warn,
// error) and LOG_FORMAT (json, text). Unset or unrecognized values fall
// back to info and json.
func Setup() {
	Configure(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// Configure installs the default logger with explicit settings. Split out
// from Setup so tests can point the handler at a buffer.
func Configure(level, format string, w io.Writer) {
	Level.Set(ParseLevel(level))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		handler = slog.NewTextHandler(w, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Dependencies that log through the stdlib land in the same stream.
	// slog stamps its own timestamps, so the stdlib prefix is dropped.
	log.SetFlags(0)
	log.SetOutput(stdlogBridge{logger: logger})
}

// ParseLevel maps a level name to slog.Level; unknown names mean info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// stdlogBridge forwards stdlib log lines to slog at info level.
type stdlogBridge struct {
	logger *slog.Logger
}

func (b stdlogBridge) Write(p []byte) (int, error) {
	b.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
