// Package slogger configures the process-wide slog logger.
//
// Call Init() at the start of main(). LOG_LEVEL selects the level ("debug",
// "info", "warn", "error"; default "info") and LOG_FORMAT=json switches from
// text to JSON output. Legacy log.Print* calls are routed through the same
// handler.
package slogger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// level holds the dynamic log level so it can be queried at runtime.
var level *slog.LevelVar

// Init configures the default logger on stdout from LOG_LEVEL and LOG_FORMAT.
func Init() {
	slog.SetDefault(New(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT")))
}

// New builds a logger writing to w and records its level for Level.
func New(w io.Writer, lvl, format string) *slog.Logger {
	level = &slog.LevelVar{}
	level.Set(parseLevel(lvl))

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Level returns the current slog.Level.
func Level() slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

// IsDebug returns true when the current log level is debug or lower.
func IsDebug() bool {
	return Level() <= slog.LevelDebug
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
