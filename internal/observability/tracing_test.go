package observability

import (
	"context"
	"errors"
	"testing"
)

func TestNewTracerWithoutEndpoint(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "zenflux-test"})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer == nil {
		t.Fatal("NewTracer() returned nil")
	}

	ctx, span := tracer.TraceTurn(context.Background(), "sess-1", "user-1")
	defer span.End()
	if span.IsRecording() {
		t.Error("span without an endpoint should be non-recording")
	}
	if got := TraceID(ctx); got != "" {
		t.Errorf("TraceID() = %q, want empty for non-recording span", got)
	}
}

func TestNilTracerIsSafe(t *testing.T) {
	var tracer *Tracer

	ctx, span := tracer.TraceTool(context.Background(), "web_search")
	span.End()
	if ctx == nil {
		t.Fatal("TraceTool on nil tracer returned nil context")
	}

	_, round := tracer.TraceModelRound(context.Background(), "sess-1")
	tracer.RecordError(round, errors.New("stream cut"))
	round.End()
}

func TestRecordErrorIgnoresNil(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "zenflux-test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "noop")
	tracer.RecordError(span, nil)
	span.End()
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	if got := TraceID(context.Background()); got != "" {
		t.Errorf("TraceID() = %q, want empty without an active span", got)
	}
}
