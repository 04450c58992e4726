package main

import (
	"log/slog"
	"strings"

	"github.com/vyvo/pkgbuild/backend/pkg/buildstore"
)

// teeLogger sends builder log records to the process logger and, rendered
// as text lines, to the build's log stream.
type teeLogger struct {
	base   *slog.Logger
	stream *slog.Logger
}

func (s *server) buildLogger(build buildstore.Build) *teeLogger {
	w := &buildLogWriter{server: s, id: build.ID}
	stream := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{ReplaceAttr: dropTime}))
	return &teeLogger{
		base:   s.Logger.With("build", build.ID),
		stream: stream,
	}
}

func (l *teeLogger) Info(msg string, args ...any) {
	l.base.Info(msg, args...)
	l.stream.Info(msg, args...)
}

func (l *teeLogger) Warn(msg string, args ...any) {
	l.base.Warn(msg, args...)
	l.stream.Warn(msg, args...)
}

func (l *teeLogger) Error(msg string, args ...any) {
	l.base.Error(msg, args...)
	l.stream.Error(msg, args...)
}

type buildLogWriter struct {
	server *server
	id     string
}

// Write receives exactly one rendered record per call.
func (w *buildLogWriter) Write(p []byte) (int, error) {
	w.server.appendLog(w.id, strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func dropTime(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.TimeKey {
		return slog.Attr{}
	}
	return a
}
