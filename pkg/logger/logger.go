package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type Logger struct {
	*slog.Logger
}

var isDebug = os.Getenv("DEBUG")

// Options controls the verbosity of a Logger.
type Options struct {
	Debug bool
	Quiet bool
}

// New creates a Logger writing human-readable lines to w. DEBUG=1 in the
// environment enables debug output with source locations.
func New(w io.Writer, opts Options) *Logger {
	level := slog.LevelInfo
	switch {
	case opts.Debug || isDebug == "1":
		level = slog.LevelDebug
	case opts.Quiet:
		level = slog.LevelWarn
	}
	h := NewHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug && isDebug == "1",
	})
	return &Logger{Logger: slog.New(h)}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// withError enhances log attributes with error details if present
func withError(err error, attrs []slog.Attr) []slog.Attr {
	if err == nil {
		return attrs
	}
	return append(attrs, slog.String("error", err.Error()))
}

// Info logs a message at INFO level without context
func (l *Logger) Info(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, msg, attrs...)
}

// InfoContext logs a message at INFO level with context
func (l *Logger) InfoContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// Warn logs a message at WARN level without context
func (l *Logger) Warn(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelWarn, msg, attrs...)
}

// WarnContext logs a message at WARN level with context
func (l *Logger) WarnContext(ctx context.Context, msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(ctx, slog.LevelWarn, msg, attrs...)
}

// Error logs a message at ERROR level with error details without context
func (l *Logger) Error(msg string, err error, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelError, msg, withError(err, attrs)...)
}

// Debug logs a message at DEBUG level without context
func (l *Logger) Debug(msg string, attrs ...slog.Attr) {
	l.Logger.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
}

// With creates a new Logger with the given attributes that will be included in all log messages
func (l *Logger) With(attrs ...slog.Attr) *Logger {
	args := make([]any, 0, len(attrs))
	for _, a := range attrs {
		args = append(args, a)
	}
	return &Logger{Logger: l.Logger.With(args...)}
}
