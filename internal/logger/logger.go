// Package logger provides the process-wide structured logger.
//
// It wraps log/slog with a package-level API so callers never thread a
// logger instance through constructors. Output format (text or json),
// level, and destination are reconfigurable at startup via Init.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, json
	Output string // stdout, stderr, or a file path
}

var (
	mu       sync.RWMutex
	output   io.Writer = os.Stderr
	levelVar           = new(slog.LevelVar)
	slogger            = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
)

// Init applies the configuration to the process-wide logger.
// Unset fields keep their current values.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file %q: %w", cfg.Output, err)
		}
		output = f
	}

	if cfg.Level != "" {
		lvl, err := parseLevel(cfg.Level)
		if err != nil {
			return err
		}
		levelVar.Set(lvl)
	}

	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.ToLower(cfg.Format) == "json" {
		slogger = slog.New(slog.NewJSONHandler(output, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(output, opts))
	}
	return nil
}

// InitWithWriter points the logger at an arbitrary writer.
// Primarily useful for tests.
func InitWithWriter(w io.Writer, level, format string) {
	mu.Lock()
	defer mu.Unlock()

	output = w
	if level != "" {
		if lvl, err := parseLevel(level); err == nil {
			levelVar.Set(lvl)
		}
	}
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.ToLower(format) == "json" {
		slogger = slog.New(slog.NewJSONHandler(w, opts))
	} else {
		slogger = slog.New(slog.NewTextHandler(w, opts))
	}
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func get() *slog.Logger {
	mu.RLock()
	l := slogger
	mu.RUnlock()
	return l
}

// Debug logs at debug level with structured fields.
// Usage: Debug("message", "key1", value1, "key2", value2)
func Debug(msg string, args ...any) { get().Debug(msg, args...) }

// Info logs at info level with structured fields.
func Info(msg string, args ...any) { get().Info(msg, args...) }

// Warn logs at warn level with structured fields.
func Warn(msg string, args ...any) { get().Warn(msg, args...) }

// Error logs at error level with structured fields.
func Error(msg string, args ...any) { get().Error(msg, args...) }
