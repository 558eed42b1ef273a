package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "cngd", "")
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))

	_, span := StartSpan(context.Background(), "noop")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestStartSpanExports(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exporter := tracetest.NewInMemoryExporter()
	provider := install(exporter, "cngd-test")
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	_, span := StartSpan(context.Background(), "cng.decode")
	span.SetAttributes(attribute.Int("cng.level", 20))
	span.End()
	require.NoError(t, provider.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "cng.decode", spans[0].Name)
	assert.Contains(t, spans[0].Attributes, attribute.Int("cng.level", 20))
	assert.Contains(t, spans[0].Resource.Attributes(), attribute.String("service.name", "cngd-test"))
}
