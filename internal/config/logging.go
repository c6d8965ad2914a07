package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	slogmulti "github.com/samber/slog-multi"
)

const serviceName = "asyncchat"

// Debug records carry their source position.
func handlerOptions(level slog.Level) *slog.HandlerOptions {
	return &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
}

// NewLogger returns the process logger. Text always goes to stderr. When
// logFile is set, records are also appended to it as JSON tagged with the
// service name, so serve and worker processes can share one file. The
// returned func closes the file.
func NewLogger(logFile string, level slog.Level) (*slog.Logger, func() error, error) {
	if logFile == "" {
		return slog.New(slog.NewTextHandler(os.Stderr, handlerOptions(level))), func() error { return nil }, nil
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return NewFanoutLogger(os.Stderr, f, level), f.Close, nil
}

// NewFanoutLogger writes every record as text to text and as JSON to jsonOut.
func NewFanoutLogger(text, jsonOut io.Writer, level slog.Level) *slog.Logger {
	opts := handlerOptions(level)
	jsonHandler := slog.NewJSONHandler(jsonOut, opts).WithAttrs([]slog.Attr{slog.String("service", serviceName)})
	return slog.New(slogmulti.Fanout(slog.NewTextHandler(text, opts), jsonHandler))
}
