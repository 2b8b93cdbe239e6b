package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestCorrelationIDEmptyOutsideSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Fatalf("CorrelationID = %q, want empty", got)
	}
}

func TestCorrelationIDIsTraceID(t *testing.T) {
	installTracer(t)

	ctx, span := StartSpan(context.Background(), "cascade.Resolve")
	defer span.End()

	want := span.SpanContext().TraceID().String()
	if got := CorrelationID(ctx); got != want {
		t.Fatalf("CorrelationID = %q, want %q", got, want)
	}
}

func TestStartSpanExportsNamedSpan(t *testing.T) {
	exp := installTracer(t)

	_, span := StartSpan(context.Background(), "cascade.Resolve")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "cascade.Resolve" {
		t.Fatalf("span name = %q", spans[0].Name)
	}
}

func TestLoggerTagsLinesWithTrace(t *testing.T) {
	installTracer(t)

	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx, span := StartSpan(context.Background(), "turn.deliver")
	defer span.End()

	Logger(ctx).Info("answer delivered")

	line := buf.String()
	if !strings.Contains(line, CorrelationID(ctx)) {
		t.Fatalf("log line %q is missing the trace ID", line)
	}
	if !strings.Contains(line, "span_id") {
		t.Fatalf("log line %q is missing the span ID", line)
	}
}

func TestLoggerFallsBackWithoutSpan(t *testing.T) {
	if got := Logger(context.Background()); got != slog.Default() {
		t.Fatal("expected the default logger outside a span")
	}
}
