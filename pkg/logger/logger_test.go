package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	return out
}

func sampledContext(t *testing.T) context.Context {
	t.Helper()
	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestNewWithWriter_ServiceField(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("identity-service", "info", &buf)
	l.Info("hello")

	out := decodeLine(t, &buf)
	if got := out["service"]; got != "identity-service" {
		t.Errorf("service = %v, want %q", got, "identity-service")
	}
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "warn", &buf)
	l.Info("dropped")

	if buf.Len() != 0 {
		t.Errorf("info line written at warn level: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWithContext_CorrelationID(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := WithCorrelationID(context.Background(), "req-123")
	WithContext(ctx, l).Info("hello")

	out := decodeLine(t, &buf)
	if got := out["correlation_id"]; got != "req-123" {
		t.Errorf("correlation_id = %v, want %q", got, "req-123")
	}
}

func TestWithContext_NoOptionalFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	WithContext(context.Background(), l).Info("bare")

	out := decodeLine(t, &buf)
	for _, key := range []string{"correlation_id", "user_id", "provider", "trace_id", "span_id"} {
		if _, ok := out[key]; ok {
			t.Errorf("%s should not be present when absent from context", key)
		}
	}
}

func TestWithContext_AllFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := sampledContext(t)
	ctx = WithCorrelationID(ctx, "corr-all")
	ctx = WithUserID(ctx, "user-all")
	ctx = WithProvider(ctx, "github")

	WithContext(ctx, l).Info("all fields")

	out := decodeLine(t, &buf)
	want := map[string]string{
		"correlation_id": "corr-all",
		"user_id":        "user-all",
		"provider":       "github",
		"trace_id":       "4bf92f3577b34da6a3ce929d0e0e4736",
		"span_id":        "00f067aa0ba902b7",
	}
	for key, value := range want {
		if got := out[key]; got != value {
			t.Errorf("%s = %v, want %q", key, got, value)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if got := CorrelationIDFromContext(ctx); got != "" {
		t.Errorf("CorrelationIDFromContext = %q, want empty", got)
	}
	if got := UserIDFromContext(ctx); got != "" {
		t.Errorf("UserIDFromContext = %q, want empty", got)
	}
	if got := ProviderFromContext(ctx); got != "" {
		t.Errorf("ProviderFromContext = %q, want empty", got)
	}
}

func TestFromContext_WithLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter("test", "info", &buf)

	ctx := NewContext(context.Background(), l)
	if got := FromContext(ctx); got != l {
		t.Error("FromContext should return the logger stored via NewContext")
	}
}

func TestFromContext_WithoutLogger(t *testing.T) {
	if got := FromContext(context.Background()); got != slog.Default() {
		t.Error("FromContext should fall back to slog.Default()")
	}
}
