// Package logger provides structured logging using log/slog.
// It sets up a JSON handler with service-level context, optional file
// rotation, and trace ID propagation through context.Context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Options configures Setup.
type Options struct {
	Service string
	Level   slog.Level
	RunID   string // attached to every record when set

	// File enables rotating file output next to stdout.
	File       string
	MaxSizeMB  int // default 50
	MaxBackups int // default 5
	MaxAgeDays int // default 14
}

// Init creates and returns a structured logger for the given service.
// The logger outputs JSON to stdout with the service name embedded.
func Init(service string, level slog.Level) *slog.Logger {
	l, _ := Setup(Options{Service: service, Level: level})
	return l
}

// Setup builds the logger described by opts and installs it as the default
// for both log/slog and the standard log package. The returned closer
// releases the log file, if any.
func Setup(opts Options) (*slog.Logger, io.Closer) {
	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}

	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 50),
			MaxBackups: orDefault(opts.MaxBackups, 5),
			MaxAge:     orDefault(opts.MaxAgeDays, 14),
			Compress:   true,
		}
		out = io.MultiWriter(os.Stdout, lj)
		closer = lj
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: opts.Level,
	})

	logger := slog.New(handler).With(
		slog.String("service", opts.Service),
	)
	if opts.RunID != "" {
		logger = logger.With(slog.String("run_id", opts.RunID))
	}

	// Set as default so log/slog.Info() and log.Printf() share the output
	slog.SetDefault(logger)

	return logger, closer
}

// ParseLevel maps "debug", "info", "warn" and "error" to slog levels.
// Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// NewRunID returns a random identifier for one process run.
func NewRunID() string {
	return uuid.NewString()
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID creates a trace ID for one unit of work, e.g. a
// historical poll: "{prefix}-{uuid}".
func GenerateTraceID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// LogWithTrace returns slog attributes including the trace ID from context.
// Usage: slog.Info("msg", logger.LogWithTrace(ctx)...)
func LogWithTrace(ctx context.Context) []any {
	tid := TraceID(ctx)
	if tid == "" {
		return nil
	}
	return []any{slog.String("trace_id", tid)}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
