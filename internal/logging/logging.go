package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup installs a text slog handler as the process default and returns it.
// verbose forces debug level and adds source locations.
func Setup(level string, verbose bool) *slog.Logger {
	return setup(os.Stderr, level, verbose)
}

func setup(w io.Writer, level string, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromString(level)}
	if verbose {
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	}
	logger := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
	return logger
}

func levelFromString(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "debug":
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}
