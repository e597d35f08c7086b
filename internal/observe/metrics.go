// Package observe provides application-wide observability primitives for
// stagehand: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all stagehand metrics.
const meterName = "github.com/brightloom/stagehand"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DispatchCreateRoomDuration tracks dispatch controller room-creation
	// latency, including retries.
	DispatchCreateRoomDuration metric.Float64Histogram

	// ContextAssembleDuration tracks total context-assembler latency.
	ContextAssembleDuration metric.Float64Histogram

	// TurnStoreRecordDuration tracks the atomic two-row turn write latency.
	TurnStoreRecordDuration metric.Float64Histogram

	// GatewayEmbedDuration tracks embedding gateway call latency.
	GatewayEmbedDuration metric.Float64Histogram

	// GatewayRerankDuration tracks rerank gateway call latency.
	GatewayRerankDuration metric.Float64Histogram

	// --- Counters ---

	// StageDegradations counts context-assembler stages that returned an
	// empty contribution. Use with attribute: attribute.String("stage", ...)
	StageDegradations metric.Int64Counter

	// ErrorKinds counts errors by the stageerr.Kind classification. Use with
	// attribute: attribute.String("kind", ...)
	ErrorKinds metric.Int64Counter

	// DispatchesTotal counts dispatch attempts. Use with attributes:
	//   attribute.String("tenant_id", ...), attribute.String("status", ...)
	DispatchesTotal metric.Int64Counter

	// --- Gauges ---

	// ActiveWorkers tracks the number of currently serving workers.
	ActiveWorkers metric.Int64UpDownCounter

	// ActiveConversations tracks the number of conversations with an
	// in-flight or recently active turn.
	ActiveConversations metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds), sized for
// the soft stage deadlines of the context assembler (150ms-1200ms) and
// dispatch retries (up to a few seconds).
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
	if met.DispatchCreateRoomDuration, err = m.Float64Histogram("stagehand.dispatch.create_room",
		metric.WithDescription("Latency of dispatch controller room creation, including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ContextAssembleDuration, err = m.Float64Histogram("stagehand.context.assemble",
		metric.WithDescription("Latency of the context assembler's full pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnStoreRecordDuration, err = m.Float64Histogram("stagehand.turnstore.record_turn",
		metric.WithDescription("Latency of the atomic two-row turn write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayEmbedDuration, err = m.Float64Histogram("stagehand.gateway.embed",
		metric.WithDescription("Latency of embedding gateway calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GatewayRerankDuration, err = m.Float64Histogram("stagehand.gateway.rerank",
		metric.WithDescription("Latency of rerank gateway calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.StageDegradations, err = m.Int64Counter("stagehand.context.stage_degradations",
		metric.WithDescription("Total context-assembler stages that returned an empty contribution, by stage."),
	); err != nil {
		return nil, err
	}
	if met.ErrorKinds, err = m.Int64Counter("stagehand.errors",
		metric.WithDescription("Total errors by stageerr.Kind classification."),
	); err != nil {
		return nil, err
	}
	if met.DispatchesTotal, err = m.Int64Counter("stagehand.dispatch.total",
		metric.WithDescription("Total dispatch attempts by tenant and outcome status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveWorkers, err = m.Int64UpDownCounter("stagehand.active_workers",
		metric.WithDescription("Number of currently serving workers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConversations, err = m.Int64UpDownCounter("stagehand.active_conversations",
		metric.WithDescription("Number of conversations with a recently active turn."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("stagehand.http.request.duration",
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

// RecordStageDegradation is a convenience method that records a
// context-assembler stage degradation counter increment.
func (m *Metrics) RecordStageDegradation(ctx context.Context, stage string) {
	m.StageDegradations.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordErrorKind is a convenience method that records an error-kind counter
// increment.
func (m *Metrics) RecordErrorKind(ctx context.Context, kind string) {
	m.ErrorKinds.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDispatch is a convenience method that records a dispatch attempt
// counter increment with the standard attribute set.
func (m *Metrics) RecordDispatch(ctx context.Context, tenantID, status string) {
	m.DispatchesTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("status", status),
		),
	)
}
