// Package logging configures the process-wide structured logger for the
// voice backend. Call events are high volume, so the handler is picked once
// at startup and every component derives a child logger from it.
package logging

import (
	"log/slog"
	"os"
)

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger builds the root logger. Format "text" is meant for local demo
// runs; anything else gets the JSON handler with source locations for
// production log pipelines.
func InitLogger(level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: format != "text",
	}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// NewComponentLogger derives a child logger tagged with the component name,
// so one call's events can be filtered per subsystem.
func NewComponentLogger(base *slog.Logger, component string) *slog.Logger {
	return base.With(
		slog.String("component", component),
	)
}
