// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing users to plug any
// structured logger. It also offers a RuntimeLogger with contextual helpers
// (session, turn) and domain specific helpers for tool and backend calls.
package logging

import (
	"io"
	"log/slog"
	"os"
	"time"
)

// Logger defines the minimal logging interface consumed by the runtime.
// Users can provide their own implementation or use the built-in adapters.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogAdapter wraps *slog.Logger to implement the Logger interface.
type SlogAdapter struct {
	*slog.Logger
}

// Debug logs a debug message.
func (s *SlogAdapter) Debug(msg string, args ...any) { s.Logger.Debug(msg, args...) }

// Info logs an informational message.
func (s *SlogAdapter) Info(msg string, args ...any) { s.Logger.Info(msg, args...) }

// Warn logs a warning message.
func (s *SlogAdapter) Warn(msg string, args ...any) { s.Logger.Warn(msg, args...) }

// Error logs an error message.
func (s *SlogAdapter) Error(msg string, args ...any) { s.Logger.Error(msg, args...) }

// NewSlogAdapter creates a Logger from *slog.Logger.
func NewSlogAdapter(logger *slog.Logger) Logger {
	return &SlogAdapter{Logger: logger}
}

// NewDefaultSlogLogger creates a Logger using slog.Default().
func NewDefaultSlogLogger() Logger {
	return NewSlogAdapter(slog.Default())
}

// Config configures construction of a RuntimeLogger.
type Config struct {
	Level     slog.Level
	Format    string // json or text
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns a baseline JSON info level configuration.
func DefaultConfig() *Config {
	return &Config{Level: slog.LevelInfo, Format: "json", Output: os.Stdout}
}

// RuntimeLogger wraps slog.Logger adding contextual cloning helpers and
// domain convenience methods. It is cheap to copy via With* methods.
type RuntimeLogger struct {
	logger *slog.Logger
}

// NewLogger builds a RuntimeLogger from a config (or defaults if nil).
func NewLogger(cfg *Config) *RuntimeLogger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return &RuntimeLogger{logger: slog.New(handler)}
}

// WithSession attaches a session identifier to every subsequent log entry.
func (l *RuntimeLogger) WithSession(sessionID string) *RuntimeLogger {
	return &RuntimeLogger{logger: l.logger.With(slog.String("session_id", sessionID))}
}

// WithTurn attaches a turn identifier to every subsequent log entry.
func (l *RuntimeLogger) WithTurn(turnID string) *RuntimeLogger {
	return &RuntimeLogger{logger: l.logger.With(slog.String("turn_id", turnID))}
}

// Debug logs at debug level.
func (l *RuntimeLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }

// Info logs at info level.
func (l *RuntimeLogger) Info(msg string, args ...any) { l.logger.Info(msg, args...) }

// Warn logs at warn level.
func (l *RuntimeLogger) Warn(msg string, args ...any) { l.logger.Warn(msg, args...) }

// Error logs at error level.
func (l *RuntimeLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// LogToolCall records execution details for a tool invocation.
func (l *RuntimeLogger) LogToolCall(tool string, dur time.Duration, err error) {
	args := []any{
		slog.String("tool_name", tool),
		slog.Duration("duration", dur),
		slog.Bool("success", err == nil),
	}
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
		l.logger.Error("tool execution failed", args...)
		return
	}
	l.logger.Info("tool execution completed", args...)
}

// LogBackendCall records model backend call latency, token usage and outcome.
func (l *RuntimeLogger) LogBackendCall(model string, tokens int, dur time.Duration, err error) {
	args := []any{
		slog.String("model", model),
		slog.Int("token_count", tokens),
		slog.Duration("duration", dur),
		slog.Bool("success", err == nil),
	}
	if err != nil {
		args = append(args, slog.String("error", err.Error()))
		l.logger.Error("backend call failed", args...)
		return
	}
	l.logger.Info("backend call completed", args...)
}

// NoOpLogger discards all log messages. Useful for testing or when logging
// is disabled.
type NoOpLogger struct{}

// Debug logs a debug message.
func (NoOpLogger) Debug(string, ...any) {}

// Info logs an informational message.
func (NoOpLogger) Info(string, ...any) {}

// Warn logs a warning message.
func (NoOpLogger) Warn(string, ...any) {}

// Error logs an error message.
func (NoOpLogger) Error(string, ...any) {}
