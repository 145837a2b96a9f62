// Package observe provides application-wide observability primitives for
// Dwarpal: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Dwarpal metrics.
const meterName = "github.com/dwarpal/dwarpal"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...) — perception, intelligence, decision, action
	StageDuration metric.Float64Histogram

	// PipelineDuration tracks end-to-end ring-to-action latency.
	PipelineDuration metric.Float64Histogram

	// --- Counters ---

	// RingsReceived counts accepted ring events.
	RingsReceived metric.Int64Counter

	// PipelineCompletions counts terminal pipeline outcomes. Use with attributes:
	//   attribute.String("status", ...), attribute.String("final_action", ...)
	PipelineCompletions metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// WeaponAlerts counts weapon detections.
	WeaponAlerts metric.Int64Counter

	// BackPressureRejections counts ring events rejected because a session's
	// queue was full.
	BackPressureRejections metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions currently holding a
	// pipeline slot.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedTasks tracks the number of tasks waiting across all session queues.
	QueuedTasks metric.Int64UpDownCounter

	// WSSubscribers tracks the number of connected WebSocket clients.
	WSSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-backed pipeline stages.
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
	if met.StageDuration, err = m.Float64Histogram("dwarpal.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage by stage name."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PipelineDuration, err = m.Float64Histogram("dwarpal.pipeline.duration",
		metric.WithDescription("End-to-end ring-to-action latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.RingsReceived, err = m.Int64Counter("dwarpal.rings.received",
		metric.WithDescription("Total accepted ring events."),
	); err != nil {
		return nil, err
	}
	if met.PipelineCompletions, err = m.Int64Counter("dwarpal.pipeline.completions",
		metric.WithDescription("Total terminal pipeline outcomes by status and final action."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("dwarpal.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.WeaponAlerts, err = m.Int64Counter("dwarpal.weapon.alerts",
		metric.WithDescription("Total weapon detections."),
	); err != nil {
		return nil, err
	}
	if met.BackPressureRejections, err = m.Int64Counter("dwarpal.backpressure.rejections",
		metric.WithDescription("Total ring events rejected because the session queue was full."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("dwarpal.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("dwarpal.active_sessions",
		metric.WithDescription("Number of sessions currently holding a pipeline slot."),
	); err != nil {
		return nil, err
	}
	if met.QueuedTasks, err = m.Int64UpDownCounter("dwarpal.queued_tasks",
		metric.WithDescription("Number of tasks waiting across all session queues."),
	); err != nil {
		return nil, err
	}
	if met.WSSubscribers, err = m.Int64UpDownCounter("dwarpal.ws_subscribers",
		metric.WithDescription("Number of connected WebSocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("dwarpal.http.request.duration",
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

// RecordStage records one pipeline stage duration.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
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

// RecordCompletion records one terminal pipeline outcome.
func (m *Metrics) RecordCompletion(ctx context.Context, status, finalAction string) {
	m.PipelineCompletions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("final_action", finalAction),
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
