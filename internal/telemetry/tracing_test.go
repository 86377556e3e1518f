package telemetry

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prime-checker/internal/config"
)

func TestTraceRoundTripThroughCarrier(t *testing.T) {
	_, err := SetupTracing(context.Background(), config.OTELConfig{}, "test")
	require.NoError(t, err)

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ctx, span := tp.Tracer("test").Start(context.Background(), "submit")
	defer span.End()

	carrier := InjectTrace(ctx)
	require.NotEmpty(t, carrier["traceparent"])

	remote := ExtractTrace(context.Background(), carrier)
	assert.Equal(t, span.SpanContext().TraceID().String(), TraceID(remote))
}

func TestTraceIDEmptyWithoutSpan(t *testing.T) {
	assert.Equal(t, "", TraceID(context.Background()))
	assert.Nil(t, InjectTrace(context.Background()))
	assert.Equal(t, context.Background(), ExtractTrace(context.Background(), nil))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, parseLevel(" warning "))
	assert.Equal(t, zerolog.InfoLevel, parseLevel("verbose"))
}
