// Package observe provides application-wide observability primitives for
// turnlog: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all turnlog metrics.
const meterName = "github.com/MrWong99/turnlog"

// Stage names used with [Metrics.StageLatency].
const (
	StageEndOfUtterance = "end_of_utterance"
	StageTranscription  = "transcription"
	StageLLMTTFT        = "llm_ttft"
	StageTTSTTFB        = "tts_ttfb"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Turn metrics ---

	// TurnLatency records the total latency of every finalized turn.
	TurnLatency metric.Float64Histogram

	// StageLatency records the components of finalized turns. Use with
	// attribute.String("stage", ...).
	StageLatency metric.Float64Histogram

	// TurnsFinalized counts turns whose row reached the sink.
	TurnsFinalized metric.Int64Counter

	// FragmentsDropped counts discarded metric events. Use with
	// attribute.String("reason", ...).
	FragmentsDropped metric.Int64Counter

	// SinkErrors counts failed row appends. Rows counted here are lost.
	SinkErrors metric.Int64Counter

	// PendingTurns tracks turns that have fragments but are not yet complete.
	PendingTurns metric.Int64UpDownCounter

	// --- Provider metrics ---

	// LLMDuration tracks full LLM completion latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks full text-to-speech synthesis latency.
	TTSDuration metric.Float64Histogram

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running agent sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of remote participants in the room.
	ActiveParticipants metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TurnLatency, err = m.Float64Histogram("turnlog.turn.total_latency",
		metric.WithDescription("Sum of end-of-utterance, transcription, LLM TTFT and TTS TTFB per finalized turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageLatency, err = m.Float64Histogram("turnlog.stage.latency",
		metric.WithDescription("Latency components of finalized turns by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("turnlog.llm.duration",
		metric.WithDescription("Latency of full LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("turnlog.tts.duration",
		metric.WithDescription("Latency of full text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.TurnsFinalized, err = m.Int64Counter("turnlog.turns.finalized",
		metric.WithDescription("Total turns written to the sink."),
	); err != nil {
		return nil, err
	}
	if met.FragmentsDropped, err = m.Int64Counter("turnlog.fragments.dropped",
		metric.WithDescription("Total metric events discarded by reason."),
	); err != nil {
		return nil, err
	}
	if met.SinkErrors, err = m.Int64Counter("turnlog.sink.errors",
		metric.WithDescription("Total failed row appends."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("turnlog.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("turnlog.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PendingTurns, err = m.Int64UpDownCounter("turnlog.turns.pending",
		metric.WithDescription("Number of turns waiting for their remaining fragments."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("turnlog.active_sessions",
		metric.WithDescription("Number of running agent sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("turnlog.active_participants",
		metric.WithDescription("Number of remote participants in the room."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnlog.http.request.duration",
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

// RecordStage records one latency component of a finalized turn.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageLatency.Record(ctx, seconds, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordDropped records a discarded metric event.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.FragmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSinkError records a failed row append for the named sink.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
