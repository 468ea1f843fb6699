package tracing

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), "trialmatch", "", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
}

func TestProviderSamplesByRatio(t *testing.T) {
	for ratio, want := range map[float64]int{0: 0, 1: 1} {
		recorder := tracetest.NewSpanRecorder()
		provider := NewProvider("trialmatch", ratio, sdktrace.WithSpanProcessor(recorder))
		_, span := provider.Tracer("test").Start(context.Background(), "root")
		span.End()
		if got := len(recorder.Ended()); got != want {
			t.Fatalf("ratio %v: expected %d recorded spans, got %d", ratio, want, got)
		}
		_ = provider.Shutdown(context.Background())
	}
}
