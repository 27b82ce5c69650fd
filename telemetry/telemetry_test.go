//go:build unit

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestInitNilConfig(t *testing.T) {
	t.Parallel()

	tl, err := Init(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)
	assert.Nil(t, tl)
}

func TestInitDisabled(t *testing.T) {
	tl, err := Init(context.Background(), &Config{EnableTelemetry: false})
	require.NoError(t, err)
	require.NotNil(t, tl)
	assert.NotNil(t, tl.TracerProvider)

	tl.Shutdown(context.Background())
}

func TestHandleSpanErrorNilSafe(t *testing.T) {
	t.Parallel()

	HandleSpanError(nil, "msg", assert.AnError)

	provider := sdktrace.NewTracerProvider()

	_, span := provider.Tracer("test").Start(context.Background(), "op")
	HandleSpanError(span, "msg", nil)
	HandleSpanError(span, "msg", assert.AnError)
	span.End()
}

func TestBrokerTraceContextRoundTrip(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(provider)

	tl, err := Init(context.Background(), &Config{EnableTelemetry: false})
	require.NoError(t, err)

	defer tl.Shutdown(context.Background())

	ctx, span := provider.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectBrokerTraceContext(ctx)
	require.NotEmpty(t, headers)
	assert.Contains(t, headers, "Traceparent")

	restored := ExtractBrokerTraceContext(context.Background(), headers)
	assert.Equal(t, TraceIDFromContext(ctx), TraceIDFromContext(restored))
}

func TestTraceIDFromContextNoSpan(t *testing.T) {
	t.Parallel()

	assert.Empty(t, TraceIDFromContext(context.Background()))
}
