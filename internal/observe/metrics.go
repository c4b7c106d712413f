// Package observe provides observability primitives for the ASR worker
// service: OpenTelemetry metrics, tracing helpers, structured logging, and
// the HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// via the Prometheus bridge set up by [InitProvider], so they remain
// scrapeable at the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all service metrics.
const meterName = "github.com/speechrelay/asrworkerd"

// Metrics holds all OpenTelemetry metric instruments for the service.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// TranscribeDuration tracks end-to-end utterance transcription latency,
	// from decoded audio to final text.
	TranscribeDuration metric.Float64Histogram

	// DecodeDuration tracks audio decode latency (base64, format detection,
	// Opus/WAV decoding, resampling).
	DecodeDuration metric.Float64Histogram

	// VADDuration tracks streaming voice-activity-detection latency.
	VADDuration metric.Float64Histogram

	// --- Counters ---

	// UtteranceRequests counts /utterance requests. Use with attribute:
	//   attribute.String("status", ...)
	UtteranceRequests metric.Int64Counter

	// GateRejections counts utterances rejected by the audio quality gate.
	// Use with attribute: attribute.String("reason", ...)
	GateRejections metric.Int64Counter

	// FilteredTranscripts counts transcripts suppressed by the
	// hallucination filter or emptied by deduplication.
	FilteredTranscripts metric.Int64Counter

	// WorkerRestarts counts ASR worker process restarts.
	WorkerRestarts metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// meter creates the observable instruments registered after construction,
	// such as the queue depth gauge.
	meter metric.Meter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech-recognition latencies: VAD runs in milliseconds, a full Whisper
// decode of a 30s utterance can take several seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("asrworkerd.transcribe.duration",
		metric.WithDescription("End-to-end utterance transcription latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DecodeDuration, err = m.Float64Histogram("asrworkerd.decode.duration",
		metric.WithDescription("Audio decode and resample latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.VADDuration, err = m.Float64Histogram("asrworkerd.vad.duration",
		metric.WithDescription("Voice activity detection latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.UtteranceRequests, err = m.Int64Counter("asrworkerd.utterance.requests",
		metric.WithDescription("Total utterance requests by status."),
	); err != nil {
		return nil, err
	}
	if met.GateRejections, err = m.Int64Counter("asrworkerd.gate.rejections",
		metric.WithDescription("Utterances rejected by the audio quality gate, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FilteredTranscripts, err = m.Int64Counter("asrworkerd.transcripts.filtered",
		metric.WithDescription("Transcripts suppressed by hallucination filtering or deduplication."),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("asrworkerd.worker.restarts",
		metric.WithDescription("ASR worker process restarts."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asrworkerd.http.request.duration",
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

// RecordUtterance records an utterance request counter increment with its
// final status ("ok", "rejected", "queue_full", "timeout", "error", ...).
func (m *Metrics) RecordUtterance(ctx context.Context, status string) {
	m.UtteranceRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RegisterQueueDepth registers an observable gauge that reports the worker
// queue occupancy. depth is called on every metrics collection, so it must
// be safe for concurrent use and must not block.
func (m *Metrics) RegisterQueueDepth(depth func() int64) error {
	gauge, err := m.meter.Int64ObservableGauge("asrworkerd.queue.depth",
		metric.WithDescription("Current ASR job queue occupancy."),
	)
	if err != nil {
		return err
	}
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, depth())
		return nil
	}, gauge)
	return err
}

// RecordGateRejection records a quality-gate rejection with its reason.
func (m *Metrics) RecordGateRejection(ctx context.Context, reason string) {
	m.GateRejections.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}
