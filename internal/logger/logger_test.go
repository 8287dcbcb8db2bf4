package logger

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestSetup_WritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "smawatch.log")
	l, closer := Setup(Options{Service: "smawatch", Level: slog.LevelDebug, RunID: "run-42", File: path})
	l.Info("hello", slog.String("interval", "5min"))
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	for _, want := range []string{`"msg":"hello"`, `"service":"smawatch"`, `"run_id":"run-42"`, `"interval":"5min"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log file missing %s: %s", want, out)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"noise": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	// No trace ID set
	if tid := TraceID(ctx); tid != "" {
		t.Errorf("expected empty trace id, got %q", tid)
	}

	// Set and retrieve
	ctx = WithTraceID(ctx, "test-trace-123")
	if tid := TraceID(ctx); tid != "test-trace-123" {
		t.Errorf("expected 'test-trace-123', got %q", tid)
	}
}

func TestGenerateTraceID(t *testing.T) {
	tid := GenerateTraceID("poll")
	if !strings.HasPrefix(tid, "poll-") {
		t.Fatalf("expected trace id to start with 'poll-', got %s", tid)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(tid, "poll-")); err != nil {
		t.Errorf("suffix is not a uuid: %v", err)
	}
	if GenerateTraceID("poll") == tid {
		t.Error("trace ids should be unique")
	}
	if _, err := uuid.Parse(NewRunID()); err != nil {
		t.Errorf("run id is not a uuid: %v", err)
	}
}

func TestLogWithTrace(t *testing.T) {
	ctx := context.Background()

	// No trace ID
	attrs := LogWithTrace(ctx)
	if attrs != nil {
		t.Errorf("expected nil attrs when no trace id, got %v", attrs)
	}

	ctx = WithTraceID(ctx, "abc-123")
	attrs = LogWithTrace(ctx)
	if len(attrs) == 0 {
		t.Fatal("expected non-empty attrs with trace id set")
	}
}
