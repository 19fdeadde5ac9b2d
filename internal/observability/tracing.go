package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps an OTel tracer. Spans cover a dispatch request and each tool
// execution inside it. With an empty endpoint it is a no-op.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// TraceConfig configures the OTLP exporter.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Defaults to "valet".
	ServiceName string

	// ServiceVersion tags every span.
	ServiceVersion string

	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint string

	// SamplingRate in [0,1]. Zero means sample everything.
	SamplingRate float64

	// Insecure disables TLS on the OTLP connection.
	Insecure bool
}

// NewTracer builds a Tracer and its shutdown func. Exporter construction
// failures fall back to a no-op tracer rather than blocking startup.
func NewTracer(config TraceConfig) (*Tracer, func(context.Context) error) {
	if config.ServiceName == "" {
		config.ServiceName = "valet"
	}

	noop := func(context.Context) error { return nil }
	if config.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		return &Tracer{tracer: otel.Tracer(config.ServiceName)}, noop
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case config.SamplingRate <= 0 || config.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(config.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)

	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	t := &Tracer{
		provider: provider,
		tracer:   provider.Tracer(config.ServiceName),
	}
	return t, provider.Shutdown
}

// Start opens a span. Callers must End it.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if len(attrs) > 0 {
		return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	}
	return t.tracer.Start(ctx, name)
}

// RecordError marks span failed with err. Nil errors are ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
