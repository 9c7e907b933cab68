// ABOUTME: Tests for tracing setup
// ABOUTME: Uses an in-memory span recorder instead of an OTLP collector

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/2389/parley-gateway/internal/config"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{}, "test", nil)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewProvider_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	cfg := config.TelemetryConfig{ServiceName: "parley-test", SampleRatio: 1}

	tp, err := newProvider(context.Background(), cfg, "v0", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	prev := otel.GetTracerProvider()
	install(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := otel.Tracer("test").Start(context.Background(), "conversation.submit")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "conversation.submit", spans[0].Name())

	var service string
	for _, kv := range spans[0].Resource().Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "parley-test", service)
}

func TestNewProvider_ZeroRatioDropsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp, err := newProvider(context.Background(), config.TelemetryConfig{ServiceName: "x"}, "v0", sdktrace.WithSpanProcessor(recorder))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "dropped")
	span.End()
	assert.Empty(t, recorder.Ended())
}
