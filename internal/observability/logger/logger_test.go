package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONWithTraceContext(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: "info", Format: "json", ServiceName: "opencrm", Output: &buf})

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	l.DebugContext(ctx, "hidden")
	l.InfoContext(ctx, "record created", TenantID("t1"), Entity("accounts"))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "record created", line["msg"])
	assert.Equal(t, "opencrm", line["service"])
	assert.Equal(t, "t1", line["tenant_id"])
	assert.Equal(t, "accounts", line["entity"])
	assert.Equal(t, traceID.String(), line["trace_id"])
	assert.Equal(t, spanID.String(), line["span_id"])
}

func TestFanoutHandler(t *testing.T) {
	var a, b bytes.Buffer
	h := NewFanoutHandler(
		slog.NewTextHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	)
	l := slog.New(h).With(Component("test"))

	l.Info("only first")
	assert.Contains(t, a.String(), "only first")
	assert.Empty(t, b.String())

	l.Error("both", Error(nil))
	assert.Contains(t, a.String(), "component=test")
	assert.Contains(t, b.String(), "both")
}
