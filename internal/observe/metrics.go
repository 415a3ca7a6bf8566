// Package observe provides application-wide observability primitives for
// Helisild: OpenTelemetry metrics, tracing, and HTTP middleware that ties
// them together.
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

// meterName is the instrumentation scope name used for all Helisild metrics.
const meterName = "github.com/tartuvoice/helisild"

// Metrics holds all OpenTelemetry metric instruments for the bridge.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Wire protocol ---

	// FramesEncoded counts frames written to the sidecar. Use with attribute:
	//   attribute.String("type", ...)
	FramesEncoded metric.Int64Counter

	// FramesDecoded counts frames read from the sidecar. Use with attribute:
	//   attribute.String("type", ...)
	FramesDecoded metric.Int64Counter

	// DecodeErrors counts malformed frames that tore the connection down.
	DecodeErrors metric.Int64Counter

	// UnknownMessages counts well-formed frames with an unrecognised type.
	UnknownMessages metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// SessionsStarted counts sessions started since process launch.
	SessionsStarted metric.Int64Counter

	// --- Speech ---

	// SpeechRequests counts play requests handed to the sidecar.
	SpeechRequests metric.Int64Counter

	// SpeechErrors counts play requests that failed and were skipped.
	SpeechErrors metric.Int64Counter

	// SpeechDuration tracks how long each speech request took to hand off.
	SpeechDuration metric.Float64Histogram

	// SpeechQueueDepth tracks buffered utterances awaiting playback across
	// all sessions.
	SpeechQueueDepth metric.Int64UpDownCounter

	// BargeIns counts queue-clearing interruptions by a speaking user.
	BargeIns metric.Int64Counter

	// FinalTranscripts counts final transcripts forwarded to the agent.
	FinalTranscripts metric.Int64Counter

	// --- Supervision ---

	// SidecarRestarts counts automatic sidecar respawns.
	SidecarRestarts metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// speech hand-off latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Wire protocol counters.
	if met.FramesEncoded, err = m.Int64Counter("helisild.frames.encoded",
		metric.WithDescription("Total frames written to the sidecar by message type."),
	); err != nil {
		return nil, err
	}
	if met.FramesDecoded, err = m.Int64Counter("helisild.frames.decoded",
		metric.WithDescription("Total frames read from the sidecar by message type."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("helisild.decode.errors",
		metric.WithDescription("Total malformed frames that tore the sidecar connection down."),
	); err != nil {
		return nil, err
	}
	if met.UnknownMessages, err = m.Int64Counter("helisild.messages.unknown",
		metric.WithDescription("Total well-formed frames dropped for having an unknown type."),
	); err != nil {
		return nil, err
	}

	// Session instruments.
	if met.ActiveSessions, err = m.Int64UpDownCounter("helisild.sessions.active",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionsStarted, err = m.Int64Counter("helisild.sessions.started",
		metric.WithDescription("Total voice sessions started."),
	); err != nil {
		return nil, err
	}

	// Speech instruments.
	if met.SpeechRequests, err = m.Int64Counter("helisild.speech.requests",
		metric.WithDescription("Total speech requests handed to the sidecar."),
	); err != nil {
		return nil, err
	}
	if met.SpeechErrors, err = m.Int64Counter("helisild.speech.errors",
		metric.WithDescription("Total speech requests that failed and were skipped."),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("helisild.speech.duration",
		metric.WithDescription("Latency of speech request hand-off."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechQueueDepth, err = m.Int64UpDownCounter("helisild.speech.queue.depth",
		metric.WithDescription("Buffered utterances awaiting playback across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("helisild.bargein.count",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.FinalTranscripts, err = m.Int64Counter("helisild.transcripts.final",
		metric.WithDescription("Total final transcripts forwarded to the agent."),
	); err != nil {
		return nil, err
	}

	// Supervision.
	if met.SidecarRestarts, err = m.Int64Counter("helisild.sidecar.restarts",
		metric.WithDescription("Total automatic sidecar respawns."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("helisild.http.request.duration",
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

// RecordFrameEncoded records one frame written to the sidecar.
func (m *Metrics) RecordFrameEncoded(ctx context.Context, msgType string) {
	m.FramesEncoded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordFrameDecoded records one frame read from the sidecar.
func (m *Metrics) RecordFrameDecoded(ctx context.Context, msgType string) {
	m.FramesDecoded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordSpeech records one completed speech request. Failed requests count
// against both the request and error counters.
func (m *Metrics) RecordSpeech(ctx context.Context, d time.Duration, err error) {
	m.SpeechRequests.Add(ctx, 1)
	m.SpeechDuration.Record(ctx, d.Seconds())
	if err != nil {
		m.SpeechErrors.Add(ctx, 1)
	}
}

// RecordSessionStarted records a session start and bumps the active gauge.
func (m *Metrics) RecordSessionStarted(ctx context.Context) {
	m.SessionsStarted.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
}

// RecordSessionStopped drops the active session gauge.
func (m *Metrics) RecordSessionStopped(ctx context.Context) {
	m.ActiveSessions.Add(ctx, -1)
}

// RecordDecodeError records one malformed frame.
func (m *Metrics) RecordDecodeError(ctx context.Context) {
	m.DecodeErrors.Add(ctx, 1)
}

// RecordUnknownMessage records one dropped frame of unrecognised type.
func (m *Metrics) RecordUnknownMessage(ctx context.Context, msgType string) {
	m.UnknownMessages.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}

// RecordQueueDepth adjusts the buffered-utterance gauge by delta.
func (m *Metrics) RecordQueueDepth(ctx context.Context, delta int) {
	m.SpeechQueueDepth.Add(ctx, int64(delta))
}

// RecordBargeIn records one queue-clearing interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordFinalTranscript records one final transcript forwarded to the agent.
func (m *Metrics) RecordFinalTranscript(ctx context.Context) {
	m.FinalTranscripts.Add(ctx, 1)
}

// RecordSidecarRestart records one automatic sidecar respawn.
func (m *Metrics) RecordSidecarRestart(ctx context.Context) {
	m.SidecarRestarts.Add(ctx, 1)
}
