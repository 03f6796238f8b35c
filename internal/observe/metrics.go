// Package observe provides application-wide observability primitives for
// voxmux: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all voxmux metrics.
const meterName = "github.com/voxmux/voxmux"

// Metrics holds all OpenTelemetry metric instruments for the gateway.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TTFB tracks time from commit confirmation to the first lane B audio
	// chunk, the latency the arbitration layer exists to hide.
	TTFB metric.Float64Histogram

	// HTTPRequestDuration tracks ops-endpoint request processing time. Use
	// with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Commits counts audio commit requests. Use with attribute:
	//   attribute.String("outcome", "committed"|"skipped"|"rejected")
	Commits metric.Int64Counter

	// LaneTransitions counts arbitration state transitions. Use with
	// attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	LaneTransitions metric.Int64Counter

	// PolicyDecisions counts policy evaluations. Use with attribute:
	//   attribute.String("outcome", ...)
	PolicyDecisions metric.Int64Counter

	// ReflexPlays counts lane A reflex playbacks.
	ReflexPlays metric.Int64Counter

	// FallbackPlays counts fallback phrase playbacks. Use with attribute:
	//   attribute.String("mode", ...)
	FallbackPlays metric.Int64Counter

	// --- Error counters ---

	// AuditWriteFailures counts audit events that failed to persist. Use
	// with attribute:
	//   attribute.String("sink", "sqlite"|"jsonl")
	AuditWriteFailures metric.Int64Counter

	// ProviderErrors counts upstream provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// ttfbBuckets defines histogram bucket boundaries (in seconds) centred on
// the reflex handover window. The default preempt threshold sits at 300 ms,
// so the resolution is finest there.
var ttfbBuckets = []float64{
	0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.4, 0.5, 0.75, 1, 1.5, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TTFB, err = m.Float64Histogram("voxmux.ttfb.duration",
		metric.WithDescription("Time from commit confirmation to first lane B audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ttfbBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxmux.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Commits, err = m.Int64Counter("voxmux.commits",
		metric.WithDescription("Total audio commit requests by outcome."),
	); err != nil {
		return nil, err
	}
	if met.LaneTransitions, err = m.Int64Counter("voxmux.lane.transitions",
		metric.WithDescription("Total arbitration state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.PolicyDecisions, err = m.Int64Counter("voxmux.policy.decisions",
		metric.WithDescription("Total policy evaluations by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ReflexPlays, err = m.Int64Counter("voxmux.reflex.plays",
		metric.WithDescription("Total lane A reflex playbacks."),
	); err != nil {
		return nil, err
	}
	if met.FallbackPlays, err = m.Int64Counter("voxmux.fallback.plays",
		metric.WithDescription("Total fallback phrase playbacks by mode."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.AuditWriteFailures, err = m.Int64Counter("voxmux.audit.write_failures",
		metric.WithDescription("Total audit events that failed to persist, by sink."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxmux.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxmux.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordCommit records one commit request with its outcome.
func (m *Metrics) RecordCommit(ctx context.Context, outcome string) {
	m.Commits.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordTTFB records one commit-to-first-audio latency sample.
func (m *Metrics) RecordTTFB(ctx context.Context, d time.Duration) {
	m.TTFB.Record(ctx, d.Seconds())
}

// RecordLaneTransition records one arbitration state transition.
func (m *Metrics) RecordLaneTransition(ctx context.Context, from, to string) {
	m.LaneTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordPolicyDecision records one policy evaluation with its outcome.
func (m *Metrics) RecordPolicyDecision(ctx context.Context, outcome string) {
	m.PolicyDecisions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordReflexPlay records one lane A reflex playback.
func (m *Metrics) RecordReflexPlay(ctx context.Context) {
	m.ReflexPlays.Add(ctx, 1)
}

// RecordFallbackPlay records one fallback playback with its resolved mode.
func (m *Metrics) RecordFallbackPlay(ctx context.Context, mode string) {
	m.FallbackPlays.Add(ctx, 1,
		metric.WithAttributes(attribute.String("mode", mode)),
	)
}

// RecordAuditWriteFailure records one failed audit persist for the given
// sink.
func (m *Metrics) RecordAuditWriteFailure(ctx context.Context, sink string) {
	m.AuditWriteFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("sink", sink)),
	)
}

// RecordProviderError records one upstream provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
