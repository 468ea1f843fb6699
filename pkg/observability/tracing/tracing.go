// Package tracing installs the process-wide OpenTelemetry tracer provider.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/synaptica-ai/trialmatch/pkg/common/logger"
)

type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

// NewProvider builds a provider that samples sampleRatio of root spans and
// keeps the parent's decision otherwise.
func NewProvider(service string, sampleRatio float64, opts ...sdktrace.TracerProviderOption) *sdktrace.TracerProvider {
	res := resource.NewSchemaless(attribute.String("service.name", service))
	opts = append([]sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	}, opts...)
	return sdktrace.NewTracerProvider(opts...)
}

// Setup exports spans over OTLP/HTTP to endpoint. An empty endpoint leaves the
// global no-op provider in place.
func Setup(ctx context.Context, service, endpoint string, sampleRatio float64) (Shutdown, error) {
	if endpoint == "" {
		logger.Log.Info("Tracing disabled, no OTLP endpoint configured")
		return noop, nil
	}
	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, fmt.Errorf("create otlp exporter: %w", err)
	}
	provider := NewProvider(service, sampleRatio, sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	logger.Log.WithFields(map[string]interface{}{
		"endpoint":     endpoint,
		"sample_ratio": sampleRatio,
	}).Info("Tracing enabled")
	return provider.Shutdown, nil
}
