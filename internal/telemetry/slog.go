package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// SetupLogger installs the process-wide slog default from the logging section
// of the configuration. format "json" selects a JSONHandler, anything else a
// TextHandler; level accepts debug/info/warn/error (case-insensitive) and
// falls back to info. Services receive slog.Default() at construction, so
// this must run before any of them are built.
func SetupLogger(format, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialised", "format", format, "level", lvl.String())
}
