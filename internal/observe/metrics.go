// Package observe provides the companion's observability primitives:
// OpenTelemetry metrics, tracing, trace-aware logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped
// through the Prometheus exporter installed by [InitProvider]. A
// package-level [DefaultMetrics] instance serves production code; tests use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope of every companion instrument.
const meterName = "github.com/MrWong99/companion"

// Connect outcomes recorded on [Metrics.SessionConnects].
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// Metrics holds all instruments. The OTel types handle their own
// synchronisation.
type Metrics struct {
	// --- Session lifecycle ---

	// SessionConnects counts Connect attempts. Attribute: outcome.
	SessionConnects metric.Int64Counter

	// ConnectDuration is the time from Connect to the remote opened event.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions is 1 while a session is connected.
	ActiveSessions metric.Int64UpDownCounter

	// --- Media ---

	// AudioFramesSent counts PCM16 frames handed to the remote channel.
	AudioFramesSent metric.Int64Counter

	// AudioFramesDropped counts captured buffers that never left. Attribute:
	// reason (muted, overflow, send).
	AudioFramesDropped metric.Int64Counter

	// PlaybackSegments counts inbound audio segments scheduled for output.
	PlaybackSegments metric.Int64Counter

	// PlaybackInterruptions counts interruption signals that cleared
	// queued audio.
	PlaybackInterruptions metric.Int64Counter

	// VideoFramesSent counts JPEG frames handed to the remote channel.
	// Attribute: mode.
	VideoFramesSent metric.Int64Counter

	// --- Errors and tools ---

	// Errors counts classified errors. Attributes: kind, scope.
	Errors metric.Int64Counter

	// ToolCalls counts tool executions. Attributes: tool, outcome.
	ToolCalls metric.Int64Counter

	// ToolExecutionDuration tracks tool execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// BreakerTransitions counts provider circuit breaker state changes.
	// Attributes: provider, state.
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server latency. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for connect and tool
// latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionConnects, err = m.Int64Counter("companion.session.connects",
		metric.WithDescription("Session connect attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("companion.session.connect.duration",
		metric.WithDescription("Time from connect until the remote channel opened."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("companion.session.active",
		metric.WithDescription("Number of connected sessions."),
	); err != nil {
		return nil, err
	}

	if met.AudioFramesSent, err = m.Int64Counter("companion.audio.frames.sent",
		metric.WithDescription("Audio frames sent to the remote channel."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesDropped, err = m.Int64Counter("companion.audio.frames.dropped",
		metric.WithDescription("Captured audio buffers dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackSegments, err = m.Int64Counter("companion.playback.segments",
		metric.WithDescription("Inbound audio segments scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackInterruptions, err = m.Int64Counter("companion.playback.interruptions",
		metric.WithDescription("Interruptions that cleared scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.VideoFramesSent, err = m.Int64Counter("companion.video.frames.sent",
		metric.WithDescription("Video frames sent to the remote channel by mode."),
	); err != nil {
		return nil, err
	}

	if met.Errors, err = m.Int64Counter("companion.errors",
		metric.WithDescription("Classified errors by kind and scope."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("companion.toolcalls",
		metric.WithDescription("Tool executions by tool name and outcome."),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("companion.tool_execution.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("companion.provider.breaker.transitions",
		metric.WithDescription("Provider circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("companion.http.request.duration",
		metric.WithDescription("Status server latency by method and path."),
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

// DefaultMetrics returns the package-level [Metrics], created on first call
// from [otel.GetMeterProvider]. Call [InitProvider] before the first use so
// the instruments bind to the Prometheus exporter.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnect records one Connect attempt. d is only recorded for
// successful attempts.
func (m *Metrics) RecordConnect(ctx context.Context, outcome string, d time.Duration) {
	m.SessionConnects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	if outcome == OutcomeOK {
		m.ConnectDuration.Record(ctx, d.Seconds())
	}
}

// RecordDrop records one dropped audio buffer.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.AudioFramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordError records one classified error.
func (m *Metrics) RecordError(ctx context.Context, kind, scope string) {
	m.Errors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("scope", scope),
		),
	)
}

// RecordToolCall records one tool execution.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, outcome string, d time.Duration) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("outcome", outcome),
		),
	)
	m.ToolExecutionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("tool", tool)))
}

// RecordBreakerState records a provider circuit breaker entering state.
func (m *Metrics) RecordBreakerState(ctx context.Context, provider, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("state", state),
		),
	)
}
