package logging

import (
	"context"
	"os"
	"testing"
)

func TestNewDefaultsInvalidLevel(t *testing.T) {
	l := New("idempotency", "not-a-level", "json")
	if l.GetLevel().String() != "info" {
		t.Errorf("level = %s, want info", l.GetLevel())
	}
}

func TestNewFromEnvDefaults(t *testing.T) {
	os.Unsetenv("LOG_LEVEL")
	os.Unsetenv("LOG_FORMAT")

	l := NewFromEnv("idempotency")
	if l.GetLevel().String() != "info" {
		t.Errorf("level = %s, want info", l.GetLevel())
	}
}

func TestWithContextAttachesTraceID(t *testing.T) {
	l := New("idempotency", "debug", "text")
	ctx := context.WithValue(context.Background(), TraceIDKey, "trace-123")

	entry := l.WithContext(ctx)
	if entry.Data["trace_id"] != "trace-123" {
		t.Errorf("trace_id = %v, want trace-123", entry.Data["trace_id"])
	}
	if entry.Data["service"] != "idempotency" {
		t.Errorf("service = %v, want idempotency", entry.Data["service"])
	}
}

func TestWithContextGeneratesTraceIDWhenAbsent(t *testing.T) {
	l := New("idempotency", "debug", "text")

	first := l.WithContext(context.Background())
	second := l.WithContext(context.Background())

	id1, _ := first.Data["trace_id"].(string)
	id2, _ := second.Data["trace_id"].(string)
	if id1 == "" || id2 == "" {
		t.Fatalf("trace_id not generated: %q, %q", id1, id2)
	}
	if id1 == id2 {
		t.Errorf("expected distinct generated trace IDs, got %q twice", id1)
	}
}

func TestContextWithTraceIDPropagates(t *testing.T) {
	l := New("idempotency", "debug", "text")

	ctx := ContextWithTraceID(context.Background(), "trace-abc")
	entry := l.WithContext(ctx)
	if entry.Data["trace_id"] != "trace-abc" {
		t.Errorf("trace_id = %v, want trace-abc", entry.Data["trace_id"])
	}

	generated := ContextWithTraceID(context.Background(), "")
	if generated.Value(TraceIDKey) == "" {
		t.Error("ContextWithTraceID with empty id should generate one")
	}
}
