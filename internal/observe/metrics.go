// Package observe provides application-wide observability primitives for
// dictum: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all dictum metrics.
const meterName = "github.com/MrWong99/dictum"

// Recording outcomes used with [Metrics.RecordRecording].
const (
	OutcomeComplete  = "complete"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. The underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ChunkDuration tracks the time spent segmenting one audio chunk,
	// including classifier inference.
	ChunkDuration metric.Float64Histogram

	// STTDuration tracks transcription latency.
	STTDuration metric.Float64Histogram

	// PolishDuration tracks LLM polish latency.
	PolishDuration metric.Float64Histogram

	// --- Segmentation counters ---

	// ClassifierErrors counts chunks whose classifier call failed and were
	// treated as non-speech.
	ClassifierErrors metric.Int64Counter

	// GatedChunks counts chunks skipped by the energy gate.
	GatedChunks metric.Int64Counter

	// SegmentsClosed counts speech segments closed by hangover or at the end
	// of a recording. Use with attribute:
	//   attribute.String("reason", "hangover"|"finalize")
	SegmentsClosed metric.Int64Counter

	// AutoStops counts recordings stopped by the auto-stop policy.
	AutoStops metric.Int64Counter

	// --- Pipeline counters ---

	// Recordings counts finished recordings. Use with attribute:
	//   attribute.String("outcome", ...)
	Recordings metric.Int64Counter

	// PolishWarnings counts recordings whose polish step failed and fell back
	// to the raw transcript.
	PolishWarnings metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveRecordings tracks whether a recording is in progress (0 or 1).
	ActiveRecordings metric.Int64UpDownCounter

	// CaptureClients tracks connected capture WebSocket clients.
	CaptureClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// provider round trips.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// chunkBuckets covers per-chunk segmentation, which must stay far below the
// 256 ms chunk period.
var chunkBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChunkDuration, err = m.Float64Histogram("dictum.segment.chunk.duration",
		metric.WithDescription("Time spent segmenting one audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(chunkBuckets...),
	); err != nil {
		return nil, err
	}
	if met.STTDuration, err = m.Float64Histogram("dictum.stt.duration",
		metric.WithDescription("Latency of transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PolishDuration, err = m.Float64Histogram("dictum.polish.duration",
		metric.WithDescription("Latency of transcript polishing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Segmentation counters.
	if met.ClassifierErrors, err = m.Int64Counter("dictum.segment.classifier_errors",
		metric.WithDescription("Chunks whose voice activity inference failed."),
	); err != nil {
		return nil, err
	}
	if met.GatedChunks, err = m.Int64Counter("dictum.segment.gated_chunks",
		metric.WithDescription("Chunks skipped by the energy gate."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsClosed, err = m.Int64Counter("dictum.segment.closed",
		metric.WithDescription("Speech segments closed, by reason."),
	); err != nil {
		return nil, err
	}
	if met.AutoStops, err = m.Int64Counter("dictum.pipeline.auto_stops",
		metric.WithDescription("Recordings stopped automatically after trailing silence."),
	); err != nil {
		return nil, err
	}

	// Pipeline counters.
	if met.Recordings, err = m.Int64Counter("dictum.pipeline.recordings",
		metric.WithDescription("Finished recordings by outcome."),
	); err != nil {
		return nil, err
	}
	if met.PolishWarnings, err = m.Int64Counter("dictum.pipeline.polish_warnings",
		metric.WithDescription("Recordings completed without polish because polishing failed."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("dictum.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("dictum.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRecordings, err = m.Int64UpDownCounter("dictum.active_recordings",
		metric.WithDescription("Number of recordings in progress."),
	); err != nil {
		return nil, err
	}
	if met.CaptureClients, err = m.Int64UpDownCounter("dictum.capture_clients",
		metric.WithDescription("Number of connected capture clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dictum.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordRecording records a finished recording with its outcome.
func (m *Metrics) RecordRecording(ctx context.Context, outcome string) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSegmentClosed records a closed speech segment and why it closed.
func (m *Metrics) RecordSegmentClosed(ctx context.Context, reason string) {
	m.SegmentsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
