package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogExporterWritesSpans(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(zap.New(core))))

	_, span := tp.Tracer("test").Start(context.Background(), "stage scraping")
	span.SetAttributes(attribute.String("product.id", "p1"))
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))

	entries := logs.FilterMessage("span finished").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "stage scraping", fields["span"])
	require.Equal(t, "p1", fields["product.id"])
}

func TestInitTracerProviderSetsGlobal(t *testing.T) {
	tp, err := InitTracerProvider(context.Background(), Config{SampleRatio: 5}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	require.Same(t, tp, otel.GetTracerProvider())
}
