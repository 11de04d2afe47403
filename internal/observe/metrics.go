// Package observe provides application-wide observability primitives for
// livestudio: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all livestudio metrics.
const meterName = "github.com/studiogen/livestudio"

// Drop stages reported with [Metrics.FramesDropped].
const (
	StageCapture   = "capture"
	StageTransport = "transport"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TransportOpenDuration tracks how long Provider.Open takes, handshake
	// included. Use with attribute.String("provider", ...).
	TransportOpenDuration metric.Float64Histogram

	// ChunkDecodeDuration tracks inbound audio chunk decode and conversion.
	ChunkDecodeDuration metric.Float64Histogram

	// PlaybackLead tracks how far ahead of the output clock each chunk was
	// scheduled, in seconds.
	PlaybackLead metric.Float64Histogram

	// --- Counters ---

	// FramesCaptured counts frames produced by the capture encoder.
	FramesCaptured metric.Int64Counter

	// FramesSent counts frames written to the transport.
	FramesSent metric.Int64Counter

	// FramesDropped counts discarded outbound frames. Use with
	// attribute.String("stage", StageCapture|StageTransport).
	FramesDropped metric.Int64Counter

	// ChunksScheduled counts audio chunks placed on the output clock.
	ChunksScheduled metric.Int64Counter

	// PlaybackFlushes counts barge-in flushes. Use with
	// attribute.String("reason", ...).
	PlaybackFlushes metric.Int64Counter

	// SessionTransitions counts state machine transitions. Use with
	// attribute.String("from", ...), attribute.String("to", ...).
	SessionTransitions metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts transport failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of non-idle sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time audio latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TransportOpenDuration, err = m.Float64Histogram("livestudio.transport.open.duration",
		metric.WithDescription("Latency of opening a live transport session, handshake included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunkDecodeDuration, err = m.Float64Histogram("livestudio.chunk.decode.duration",
		metric.WithDescription("Latency of decoding one inbound audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLead, err = m.Float64Histogram("livestudio.playback.lead",
		metric.WithDescription("Distance between the output clock and a chunk's scheduled start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("livestudio.frames.captured",
		metric.WithDescription("Total audio frames produced by the capture encoder."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("livestudio.frames.sent",
		metric.WithDescription("Total audio frames written to the transport."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("livestudio.frames.dropped",
		metric.WithDescription("Total outbound audio frames dropped by stage."),
	); err != nil {
		return nil, err
	}
	if met.ChunksScheduled, err = m.Int64Counter("livestudio.chunks.scheduled",
		metric.WithDescription("Total inbound audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("livestudio.playback.flushes",
		metric.WithDescription("Total playback flushes by reason."),
	); err != nil {
		return nil, err
	}
	if met.SessionTransitions, err = m.Int64Counter("livestudio.session.transitions",
		metric.WithDescription("Total session state transitions by source and target state."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("livestudio.provider.errors",
		metric.WithDescription("Total transport errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livestudio.active_sessions",
		metric.WithDescription("Number of sessions that are not idle."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livestudio.http.request.duration",
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

// RecordTransportOpen records the open latency for provider.
func (m *Metrics) RecordTransportOpen(ctx context.Context, provider string, d time.Duration) {
	m.TransportOpenDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordFrameDropped increments the dropped-frame counter for stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string, n int64) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordChunkScheduled counts one scheduled chunk and its lead over the
// output clock.
func (m *Metrics) RecordChunkScheduled(ctx context.Context, lead time.Duration) {
	m.ChunksScheduled.Add(ctx, 1)
	m.PlaybackLead.Record(ctx, lead.Seconds())
}

// RecordFlush counts one playback flush.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.PlaybackFlushes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransition counts one state machine transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.SessionTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
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
