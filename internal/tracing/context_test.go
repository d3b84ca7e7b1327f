package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewTraceID(t *testing.T) {
	id1 := NewTraceID()
	id2 := NewTraceID()

	if id1 == "" {
		t.Error("NewTraceID returned empty string")
	}
	if id1 == id2 {
		t.Error("NewTraceID returned duplicate IDs")
	}
}

func TestNewRequestContextKeepsTrace(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = NewRequestContext(ctx)

	if got := GetTraceID(ctx); got != "trace-1" {
		t.Errorf("Expected trace ID trace-1, got %s", got)
	}
	if GetRequestID(ctx) == "" {
		t.Error("Expected a request ID")
	}

	fresh := NewRequestContext(context.Background())
	if GetTraceID(fresh) == "" {
		t.Error("Expected a new trace ID")
	}
}

func TestDetachDropsCancellation(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	parent = WithLane(WithTraceID(parent, "trace-2"), "reinforce")
	cancel()

	detached := Detach(parent)
	if detached.Err() != nil {
		t.Errorf("Detached context should not be cancelled, got %v", detached.Err())
	}
	if GetTraceID(detached) != "trace-2" || GetLane(detached) != "reinforce" {
		t.Errorf("Detached context lost tracing values: %+v", FromContext(detached))
	}
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithRequestID(WithTraceID(context.Background(), "trace-3"), "req-1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"trace-3"`) || !strings.Contains(out, `"request_id":"req-1"`) {
		t.Errorf("Expected tracing fields in log output, got %s", out)
	}

	buf.Reset()
	plain := LoggerFromContext(context.Background(), base)
	plain.Info().Msg("plain")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("Unexpected trace_id in %s", buf.String())
	}
}

func TestStartSpanSetsTraceID(t *testing.T) {
	if err := InitOpenTelemetry("memgate-test"); err != nil {
		t.Fatalf("InitOpenTelemetry failed: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "test", "span")
	defer span.End()

	if GetTraceID(ctx) == "" {
		t.Error("Expected StartSpan to record a trace ID")
	}
}
