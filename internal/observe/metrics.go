// Package observe provides application-wide observability primitives for
// Supportline: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Supportline metrics.
const meterName = "github.com/MrWong99/supportline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ResponseDuration tracks the round trip from sending a generation
	// request to the end of its stream.
	ResponseDuration metric.Float64Histogram

	// FirstTokenDuration tracks the time from sending a generation request
	// to its first non-empty token.
	FirstTokenDuration metric.Float64Histogram

	// --- Counters ---

	// Responses counts generated responses. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Responses metric.Int64Counter

	// TranscriptEvents counts transcripts received from the STT session. Use
	// with attribute:
	//   attribute.String("kind", "partial"|"final")
	TranscriptEvents metric.Int64Counter

	// AudioFrames counts frames handled by the relay. Use with attribute:
	//   attribute.String("result", "sent"|"silent"|"dropped")
	AudioFrames metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of running pipelines (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streamed generation latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ResponseDuration, err = m.Float64Histogram("supportline.response.duration",
		metric.WithDescription("Round-trip latency of a streamed response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenDuration, err = m.Float64Histogram("supportline.response.first_token",
		metric.WithDescription("Latency until the first token of a streamed response."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Responses, err = m.Int64Counter("supportline.responses",
		metric.WithDescription("Total generated responses by status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEvents, err = m.Int64Counter("supportline.transcripts",
		metric.WithDescription("Total transcripts received by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioFrames, err = m.Int64Counter("supportline.audio.frames",
		metric.WithDescription("Total audio frames handled by the relay by result."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("supportline.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("supportline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("supportline.active_sessions",
		metric.WithDescription("Number of running pipelines."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("supportline.http.request.duration",
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

// RecordResponse records one finished response: its status, its round-trip
// latency and, when a token arrived, the first-token latency. Durations are
// in seconds.
func (m *Metrics) RecordResponse(ctx context.Context, status string, total, firstToken float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Responses.Add(ctx, 1, attrs)
	m.ResponseDuration.Record(ctx, total, attrs)
	if firstToken > 0 {
		m.FirstTokenDuration.Record(ctx, firstToken)
	}
}

// RecordTranscript counts one transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	m.TranscriptEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordAudioFrame counts one frame handled by the relay.
func (m *Metrics) RecordAudioFrame(ctx context.Context, result string) {
	m.AudioFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
