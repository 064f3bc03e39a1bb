// Package observe provides the observability primitives for leadvox:
// OpenTelemetry metrics, tracing, trace-aware logging and the HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter bridge set up by [InitProvider]. Tests should use
// [NewMetrics] with their own [metric.MeterProvider] instead of
// [DefaultMetrics] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/leadvox"

// Stage names used as metric attributes and in latency reports.
const (
	StageRecognition    = "recognition"
	StageReasoning      = "reasoning"
	StageSynthesisStart = "synthesis_start"
	StageTotal          = "turn_total"
)

// Metrics holds all OpenTelemetry instruments of the process. The underlying
// OTel types handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	RecognitionDuration    metric.Float64Histogram
	ReasoningDuration      metric.Float64Histogram
	SynthesisStartDuration metric.Float64Histogram
	TurnDuration           metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// LatencyExceeded counts stages over budget. Attribute: stage.
	LatencyExceeded metric.Int64Counter

	BargeIns metric.Int64Counter

	// Turns counts completed conversation turns. Attribute: speaker.
	Turns metric.Int64Counter

	// DroppedFrames counts inbound frames evicted from the capture ring.
	DroppedFrames metric.Int64Counter

	// --- Gauges ---

	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// stageBuckets are in seconds and bracket the per-stage turn budgets.
var stageBuckets = []float64{
	0.01, 0.025, 0.05, 0.08, 0.1, 0.18, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates all instruments from mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(name, desc string) (metric.Float64Histogram, error) {
		return m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(stageBuckets...),
		)
	}
	if met.RecognitionDuration, err = hist("leadvox.recognition.duration",
		"Time from caller speech end to final transcript."); err != nil {
		return nil, err
	}
	if met.ReasoningDuration, err = hist("leadvox.reasoning.duration",
		"Latency of dialogue reasoning."); err != nil {
		return nil, err
	}
	if met.SynthesisStartDuration, err = hist("leadvox.synthesis_start.duration",
		"Time from synthesis request to first audio frame."); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = hist("leadvox.turn_total.duration",
		"Time from caller speech end to agent audio start."); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("leadvox.provider.requests",
		metric.WithDescription("Total provider requests by provider, kind and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("leadvox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.LatencyExceeded, err = m.Int64Counter("leadvox.latency_exceeded",
		metric.WithDescription("Turn stages that exceeded their latency budget."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("leadvox.barge_ins",
		metric.WithDescription("Agent turns interrupted by the caller."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("leadvox.turns",
		metric.WithDescription("Completed conversation turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("leadvox.dropped_frames",
		metric.WithDescription("Inbound audio frames dropped by the capture ring."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("leadvox.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("leadvox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide [Metrics] built from
// [otel.GetMeterProvider] on first call. Panics if instrument creation fails.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordStage records a stage duration on the matching histogram. Unknown
// stages are ignored.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	var h metric.Float64Histogram
	switch stage {
	case StageRecognition:
		h = m.RecognitionDuration
	case StageReasoning:
		h = m.ReasoningDuration
	case StageSynthesisStart:
		h = m.SynthesisStartDuration
	case StageTotal:
		h = m.TurnDuration
	default:
		return
	}
	h.Record(ctx, d.Seconds())
}

// RecordLatencyExceeded counts one over-budget stage.
func (m *Metrics) RecordLatencyExceeded(ctx context.Context, stage string) {
	m.LatencyExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordTurn counts one completed turn.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordBargeIn counts one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	m.BargeIns.Add(ctx, 1)
}

// RecordDroppedFrames counts n evicted inbound frames.
func (m *Metrics) RecordDroppedFrames(ctx context.Context, n int64) {
	if n > 0 {
		m.DroppedFrames.Add(ctx, n)
	}
}
