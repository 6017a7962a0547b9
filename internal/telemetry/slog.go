package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configured level name ("debug", "info", "warn", "error",
// case-insensitive) to a slog.Level. Unknown names resolve to info.
func ParseLevel(level string) slog.Level {
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

// NewHandler builds the slog handler used by the service.
//
// format: "json"  → JSONHandler (machine readable; recommended for production)
//
//	anything else → TextHandler (human readable; suitable for local development)
func NewHandler(w io.Writer, format, level string) slog.Handler {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug, // include file:line only when debugging
	}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// OutputWriter resolves the logging.output setting. Only "stderr" is special;
// everything else logs to stdout.
func OutputWriter(output string) io.Writer {
	if strings.ToLower(output) == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// SetupLogger installs the configured logger as the slog default so every
// slog.Info/Warn/Error call in the service uses it without carrying a
// *slog.Logger around.
func SetupLogger(format, level string) {
	SetupLoggerTo(os.Stdout, format, level)
}

// SetupLoggerTo is SetupLogger writing to w.
func SetupLoggerTo(w io.Writer, format, level string) {
	slog.SetDefault(slog.New(NewHandler(w, format, level)))
	slog.Info("logger initialised", "format", format, "level", ParseLevel(level).String())
}
