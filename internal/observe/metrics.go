// Package observe provides application-wide observability primitives for
// Aurelia: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// scopeName is the instrumentation scope shared by Aurelia's metric
// instruments and spans.
const scopeName = "github.com/aurelia-voice/aurelia"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TierDuration tracks per-tier inference latency. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	TierDuration metric.Float64Histogram

	// TurnDuration tracks utterance-to-answer latency. Use with attribute:
	//   attribute.String("outcome", ...)
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// TierRequests counts cascade tier attempts. Use with attributes:
	//   attribute.String("tier", ...), attribute.String("status", ...)
	// where status is one of "success", "failure", "timeout", "skipped".
	TierRequests metric.Int64Counter

	// CacheLookups counts response cache lookups. Use with attribute:
	//   attribute.String("result", ...) — "exact", "similar" or "miss".
	CacheLookups metric.Int64Counter

	// RateLimitDecisions counts limiter verdicts. Use with attributes:
	//   attribute.String("class", ...), attribute.String("decision", ...)
	RateLimitDecisions metric.Int64Counter

	// StaleDrops counts answers discarded because their generation was no
	// longer current.
	StaleDrops metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(scopeName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TierDuration, err = m.Float64Histogram("aurelia.tier.duration",
		metric.WithDescription("Latency of one inference tier attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("aurelia.turn.duration",
		metric.WithDescription("Latency from captured utterance to ready answer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TierRequests, err = m.Int64Counter("aurelia.tier.requests",
		metric.WithDescription("Total cascade tier attempts by tier and status."),
	); err != nil {
		return nil, err
	}
	if met.CacheLookups, err = m.Int64Counter("aurelia.cache.lookups",
		metric.WithDescription("Total response cache lookups by result kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimitDecisions, err = m.Int64Counter("aurelia.ratelimit.decisions",
		metric.WithDescription("Total rate limiter verdicts by class and decision."),
	); err != nil {
		return nil, err
	}
	if met.StaleDrops, err = m.Int64Counter("aurelia.answers.stale_drops",
		metric.WithDescription("Answers discarded because their generation was superseded."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aurelia.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aurelia.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTierAttempt records one cascade tier attempt with its latency.
func (m *Metrics) RecordTierAttempt(ctx context.Context, tier, status string, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("status", status),
	)
	m.TierRequests.Add(ctx, 1, attrs)
	m.TierDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTierSkip records a tier skipped by the rate-limit gate. Skips have
// no meaningful latency, so only the request counter moves.
func (m *Metrics) RecordTierSkip(ctx context.Context, tier string) {
	m.TierRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tier", tier),
			attribute.String("status", "skipped"),
		),
	)
}

// RecordCacheLookup records one response cache lookup by result kind.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	m.CacheLookups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("result", result)),
	)
}

// RecordRateLimitDecision records one limiter verdict.
func (m *Metrics) RecordRateLimitDecision(ctx context.Context, class string, allowed bool) {
	decision := "reject"
	if allowed {
		decision = "allow"
	}
	m.RateLimitDecisions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("decision", decision),
		),
	)
}
