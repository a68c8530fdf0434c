// Package observe provides application-wide observability primitives for
// pngtuberbot: OpenTelemetry metrics, tracing, trace-aware logging and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so metrics can be scraped via
// the /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
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

// meterName is the instrumentation scope name used for all pngtuberbot metrics.
const meterName = "github.com/MrWong99/pngtuberbot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Overlay sink ---

	// CommandDuration tracks overlay sink call latency. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("layer", ...)
	CommandDuration metric.Float64Histogram

	// OverlayCommands counts executed overlay commands. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("layer", ...), attribute.String("status", ...)
	OverlayCommands metric.Int64Counter

	// BreakerTransitions counts sink circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("breaker", ...), attribute.String("from", ...), attribute.String("to", ...)
	BreakerTransitions metric.Int64Counter

	// SinkReconnects counts successful OBS reconnects.
	SinkReconnects metric.Int64Counter

	// --- Voice session ---

	// SpeakingTransitions counts detector transitions. Use with attribute:
	//   attribute.String("state", "started"|"stopped")
	SpeakingTransitions metric.Int64Counter

	// SessionResets counts voice session resets. Use with attribute:
	//   attribute.String("reason", ...)
	SessionResets metric.Int64Counter

	// DroppedFrames counts frame events dropped because the event loop fell
	// behind.
	DroppedFrames metric.Int64Counter

	// TrackedParticipants reports the number of participants currently
	// present in the voice channel.
	TrackedParticipants metric.Int64Gauge

	// --- Configuration ---

	// ConfigReloads counts hot reloads. Use with attribute:
	//   attribute.String("status", "applied"|"restart_required")
	ConfigReloads metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// commandBuckets defines histogram bucket boundaries (in seconds) for local
// WebSocket round trips.
var commandBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CommandDuration, err = m.Float64Histogram("pngtuberbot.overlay.command.duration",
		metric.WithDescription("Latency of overlay sink calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(commandBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.OverlayCommands, err = m.Int64Counter("pngtuberbot.overlay.commands",
		metric.WithDescription("Total overlay commands by kind, layer and status."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("pngtuberbot.sink.breaker.transitions",
		metric.WithDescription("Total sink circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.SinkReconnects, err = m.Int64Counter("pngtuberbot.sink.reconnects",
		metric.WithDescription("Total successful OBS reconnects."),
	); err != nil {
		return nil, err
	}
	if met.SpeakingTransitions, err = m.Int64Counter("pngtuberbot.speaking.transitions",
		metric.WithDescription("Total speaking transitions by state."),
	); err != nil {
		return nil, err
	}
	if met.SessionResets, err = m.Int64Counter("pngtuberbot.session.resets",
		metric.WithDescription("Total voice session resets by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("pngtuberbot.frames.dropped",
		metric.WithDescription("Total frame events dropped under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ConfigReloads, err = m.Int64Counter("pngtuberbot.config.reloads",
		metric.WithDescription("Total configuration reloads by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.TrackedParticipants, err = m.Int64Gauge("pngtuberbot.participants.present",
		metric.WithDescription("Number of participants present in the voice channel."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pngtuberbot.http.request.duration",
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

// RecordOverlayCommand records the outcome and latency of one sink call.
func (m *Metrics) RecordOverlayCommand(ctx context.Context, kind, layer string, err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.OverlayCommands.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("layer", layer),
			attribute.String("status", status),
		),
	)
	m.CommandDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("layer", layer),
		),
	)
}

// RecordSpeakingTransition counts one detector transition.
func (m *Metrics) RecordSpeakingTransition(ctx context.Context, speaking bool) {
	state := "stopped"
	if speaking {
		state = "started"
	}
	m.SpeakingTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordSessionReset counts one voice session reset.
func (m *Metrics) RecordSessionReset(ctx context.Context, reason string) {
	m.SessionResets.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordBreakerTransition counts one circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, from, to string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("breaker", name),
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordConfigReload counts one configuration reload.
func (m *Metrics) RecordConfigReload(ctx context.Context, status string) {
	m.ConfigReloads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
