// Package logger configures the process-wide slog default.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel parses a level string, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Setup installs a text handler on stderr at the given level as the slog
// default and returns the logger.
func Setup(levelStr string) *slog.Logger {
	l := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(levelStr),
	}))
	slog.SetDefault(l)
	return l
}
