package telemetry

import (
	"io"
	"log/slog"
	"os"
)

// ConfigureLogging installs the process-wide slog logger. Debug enables
// source locations; jsonOutput switches from the text handler to JSON.
func ConfigureLogging(debug, jsonOutput bool, attrs ...any) *slog.Logger {
	logger := NewLogger(os.Stderr, debug, jsonOutput).With(attrs...)
	slog.SetDefault(logger)
	slog.Debug("debug logging enabled")
	return logger
}

// NewLogger builds a logger writing to w without touching the default.
func NewLogger(w io.Writer, debug, jsonOutput bool) *slog.Logger {
	opts := slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts = slog.HandlerOptions{Level: slog.LevelDebug, AddSource: true}
	}

	var handler slog.Handler
	if jsonOutput {
		handler = slog.NewJSONHandler(w, &opts)
	} else {
		handler = slog.NewTextHandler(w, &opts)
	}
	return slog.New(handler)
}
