package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const serviceName = "facelive"

// Resource attribute keys describing how a facelive process runs.
const (
	BackendKey    = attribute.Key("facelive.inference.backend")
	SerializedKey = attribute.Key("facelive.inference.serialized")
	DeviceKey     = attribute.Key("facelive.capture.device")
)

// Telemetry describes the running process for exported metrics and spans.
type Telemetry struct {
	Version    string
	Backend    string
	Serialized bool
	Device     string

	// Spans are recorded but dropped when SpanExporter is nil.
	SpanExporter sdktrace.SpanExporter
}

// Resource builds the OTel resource for t. Host and process details come
// from the detectors; OTEL_RESOURCE_ATTRIBUTES may add more.
func (t Telemetry) Resource(ctx context.Context) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		BackendKey.String(t.Backend),
		SerializedKey.Bool(t.Serialized),
		DeviceKey.String(t.Device),
	}
	if t.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(t.Version))
	}
	return resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithProcessPID(),
		resource.WithProcessRuntimeVersion(),
		resource.WithFromEnv(),
		resource.WithAttributes(attrs...),
	)
}

// Setup registers a Prometheus-backed MeterProvider and a TracerProvider as
// the OTel globals. The returned function flushes and closes both.
func Setup(ctx context.Context, t Telemetry) (func(context.Context) error, error) {
	// A detector failure still leaves a usable partial resource.
	res, err := t.Resource(ctx)
	if err != nil && res == nil {
		return nil, err
	}

	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	meters := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp))

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if t.SpanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(t.SpanExporter))
	}
	tracers := sdktrace.NewTracerProvider(traceOpts...)

	otel.SetMeterProvider(meters)
	otel.SetTracerProvider(tracers)
	return func(ctx context.Context) error {
		return errors.Join(meters.Shutdown(ctx), tracers.Shutdown(ctx))
	}, nil
}
