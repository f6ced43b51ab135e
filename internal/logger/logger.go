// Package logger initializes the process-wide slog logger. All records pass
// through the secret-redaction filter before reaching the sink.
package logger

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cachibotio/cachibot/internal/redact"
)

// L is the process logger. Call Init before use.
var L = slog.Default()

// Init configures the process logger with the given level and format
// ("text" or "json") and installs it as the slog default.
func Init(level, format string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(strings.TrimSpace(format)) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	L = slog.New(redact.NewHandler(handler))
	slog.SetDefault(L)
}
