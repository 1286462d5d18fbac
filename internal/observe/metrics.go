// Package observe provides observability primitives for facelive:
// OpenTelemetry metrics exported to Prometheus, tracing and trace-aware
// logging.
//
// Tests should use [NewMetrics] with their own [metric.MeterProvider] to
// avoid cross-test pollution; production code uses [DefaultMetrics].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "github.com/dudu/facelive"

// Metrics holds the OpenTelemetry instruments for the application. All
// fields are safe for concurrent use.
type Metrics struct {
	// FramesCaptured counts frames read from the camera.
	FramesCaptured metric.Int64Counter

	// FramesPresented counts frames shown on the sink.
	FramesPresented metric.Int64Counter

	// FramesDropped counts frames evicted from a full queue. Use with
	//   attribute.String("queue", ...)
	FramesDropped metric.Int64Counter

	// FramesLate counts frames the present stage refused as out of order.
	FramesLate metric.Int64Counter

	// SwapFailures counts faces passed through because they could not be
	// aligned.
	SwapFailures metric.Int64Counter

	// ReferenceUpdates counts reference changes. Use with
	//   attribute.String("status", "ok"|"error")
	ReferenceUpdates metric.Int64Counter

	// StageDuration tracks per-frame work in each stage. Use with
	//   attribute.String("stage", ...)
	StageDuration metric.Float64Histogram

	// FrameLatency tracks capture-to-present latency.
	FrameLatency metric.Float64Histogram

	// FacesTracked is the number of faces in the latest located frame.
	FacesTracked metric.Int64Gauge

	// QueueOccupancy is the number of frames waiting in a queue. Use with
	//   attribute.String("queue", ...)
	QueueOccupancy metric.Int64Gauge
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// per-frame work at video rates.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.02, 0.033, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesCaptured, err = m.Int64Counter("facelive.frames.captured",
		metric.WithDescription("Frames read from the capture source."),
	); err != nil {
		return nil, err
	}
	if met.FramesPresented, err = m.Int64Counter("facelive.frames.presented",
		metric.WithDescription("Frames shown on the display sink."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("facelive.frames.dropped",
		metric.WithDescription("Frames evicted from a full stage queue, by queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesLate, err = m.Int64Counter("facelive.frames.late",
		metric.WithDescription("Frames discarded because a newer frame was already presented."),
	); err != nil {
		return nil, err
	}
	if met.SwapFailures, err = m.Int64Counter("facelive.swap.failures",
		metric.WithDescription("Faces passed through unswapped after an alignment failure."),
	); err != nil {
		return nil, err
	}
	if met.ReferenceUpdates, err = m.Int64Counter("facelive.reference.updates",
		metric.WithDescription("Reference face changes by status."),
	); err != nil {
		return nil, err
	}

	if met.StageDuration, err = m.Float64Histogram("facelive.stage.duration",
		metric.WithDescription("Per-frame processing time of a pipeline stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FrameLatency, err = m.Float64Histogram("facelive.frame.latency",
		metric.WithDescription("Time from capture to presentation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.FacesTracked, err = m.Int64Gauge("facelive.faces.tracked",
		metric.WithDescription("Faces located in the most recent frame."),
	); err != nil {
		return nil, err
	}
	if met.QueueOccupancy, err = m.Int64Gauge("facelive.queue.occupancy",
		metric.WithDescription("Frames waiting in a stage queue."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a lazily-initialised [Metrics] using the global
// OTel MeterProvider. Call [Setup] first so the instruments export.
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

// RecordStage records the duration of one stage step.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordDrop counts n frames dropped from queue.
func (m *Metrics) RecordDrop(ctx context.Context, queue string, n int64) {
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordOccupancy records the current length of queue.
func (m *Metrics) RecordOccupancy(ctx context.Context, queue string, n int) {
	m.QueueOccupancy.Record(ctx, int64(n),
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}

// RecordReferenceUpdate counts a reference change attempt.
func (m *Metrics) RecordReferenceUpdate(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReferenceUpdates.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
