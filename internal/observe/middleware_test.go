package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTracer swaps the global tracer provider for one backed by an
// in-memory exporter and restores it on cleanup. Tests using it must not
// run in parallel.
func installTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
}

func requestDurations(t *testing.T, rm metricdata.ResourceMetrics) metricdata.Histogram[float64] {
	t.Helper()
	entry := findMetric(rm, "aurelia.http.request.duration")
	if entry == nil {
		t.Fatal("request duration histogram not collected")
	}
	hist, ok := entry.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("request duration data type = %T", entry.Data)
	}
	return hist
}

func TestMiddlewareSetsCorrelationHeader(t *testing.T) {
	m, _ := newTestMetrics(t)
	installTracer(t)

	var inRequest string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inRequest = CorrelationID(r.Context())
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	got := rec.Header().Get("X-Correlation-ID")
	if got == "" {
		t.Fatal("X-Correlation-ID header missing")
	}
	if got != inRequest {
		t.Fatalf("header %q does not match the request's trace %q", got, inRequest)
	}
}

func TestMiddlewareNamesSpanAfterRoute(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	h := Middleware(m)(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /ws" {
		t.Fatalf("span name = %q", spans[0].Name)
	}
}

func TestMiddlewareRecordsLatencyByRoute(t *testing.T) {
	m, reader := newTestMetrics(t)
	installTracer(t)

	h := Middleware(m)(okHandler())
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))

	hist := requestDurations(t, collect(t, reader))
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Fatalf("count = %d, want 1", dp.Count)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("path")); !ok || v.AsString() != "/ws" {
		t.Fatalf("path attribute = %v", v)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("method")); !ok || v.AsString() != http.MethodGet {
		t.Fatalf("method attribute = %v", v)
	}
}

func TestMiddlewareLeavesProbesUntraced(t *testing.T) {
	m, reader := newTestMetrics(t)
	exp := installTracer(t)

	h := Middleware(m)(okHandler())
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if n := len(exp.GetSpans()); n != 0 {
		t.Fatalf("probe requests produced %d spans", n)
	}

	// Latency is still sampled for every probe.
	hist := requestDurations(t, collect(t, reader))
	if len(hist.DataPoints) != 3 {
		t.Fatalf("data points = %d, want 3", len(hist.DataPoints))
	}
}

func TestMiddlewareRecordsResponseStatus(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such session", http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	var status int64
	for _, kv := range spans[0].Attributes {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	if status != http.StatusNotFound {
		t.Fatalf("span status attribute = %d, want %d", status, http.StatusNotFound)
	}
}

func TestMiddlewareContinuesClientTrace(t *testing.T) {
	m, _ := newTestMetrics(t)
	exp := installTracer(t)

	h := Middleware(m)(okHandler())
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	h.ServeHTTP(httptest.NewRecorder(), req)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if got := spans[0].SpanContext.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace ID = %q, want the client's", got)
	}
}
