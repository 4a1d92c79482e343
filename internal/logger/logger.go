// Package logger provides the structured logger used across the SDK core.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime/debug"
	"time"

	"github.com/lmittmann/tint"
)

// Logger wraps slog.Logger with the contextual fields the core attaches
// to nearly every call site (distinct id, journey id, campaign id).
type Logger struct {
	*slog.Logger
}

// New creates a new logger. format "json" renders structured JSON lines
// (production); anything else renders colorized console output via tint
// (development / REPL usage).
func New(level, format string) *Logger {
	var handler slog.Handler

	logLevel := parseLevel(level)

	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      logLevel,
			TimeFormat: time.TimeOnly,
			AddSource:  false,
		})
	}

	return &Logger{Logger: slog.New(handler)}
}

// Nop returns a logger that discards everything, for tests that don't care.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))}
}

// WithContext attaches a trace id carried on ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if traceID := ctx.Value(traceIDKey{}); traceID != nil {
		return &Logger{Logger: l.With("trace_id", traceID)}
	}
	return l
}

// WithFields returns a logger with additional static fields attached.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &Logger{Logger: l.With(args...)}
}

// WithDistinctID adds distinct_id to the logger context.
func (l *Logger) WithDistinctID(distinctID string) *Logger {
	return &Logger{Logger: l.With("distinct_id", distinctID)}
}

// WithJourneyID adds journey_id to the logger context.
func (l *Logger) WithJourneyID(journeyID string) *Logger {
	return &Logger{Logger: l.With("journey_id", journeyID)}
}

// WithCampaignID adds campaign_id to the logger context.
func (l *Logger) WithCampaignID(campaignID string) *Logger {
	return &Logger{Logger: l.With("campaign_id", campaignID)}
}

// Error logs an error and attaches a stack trace, matching Error's
// semantics for every other subsystem in the core.
func (l *Logger) Error(msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.Error(msg, args...)
}

// ErrorContext logs an error with context and a stack trace.
func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	args = append(args, "stack", string(debug.Stack()))
	l.Logger.ErrorContext(ctx, msg, args...)
}

type traceIDKey struct{}

// WithTraceID stores a trace id on the context for later retrieval by WithContext.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
