// Package logging builds the structured logger shared by every bildir
// component. Logs are JSON lines written to a file or stderr.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Log levels accepted in configuration.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// New returns a JSON logger writing to logPath, or to stderr when logPath
// is empty. The returned closer releases the log file.
// Parent directories are created if they don't exist.
func New(logPath, level string) (*slog.Logger, io.Closer, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	if logPath == "" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return slog.New(slog.NewJSONHandler(f, opts)), f, nil
}

// ParseLevel converts a configured level to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn, "warning":
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WithSession returns a child logger tagged with a session name.
func WithSession(l *slog.Logger, session string) *slog.Logger {
	return l.With(slog.String("session", session))
}

// WithOrchestrator returns a child logger tagged with an orchestrator id.
func WithOrchestrator(l *slog.Logger, id string) *slog.Logger {
	return l.With(slog.String("orchestrator_id", id))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
