// Package telemetry wires OpenTelemetry tracing for the outbox relay and
// exposes helpers for span error handling and trace propagation across
// message broker boundaries.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	liblog "github.com/harborline/lib-outbox/log"
)

var ErrNilTelemetryConfig = errors.New("telemetry config cannot be nil")

// Config describes the traced service and its OTLP collector.
type Config struct {
	ServiceName       string
	ServiceVersion    string
	DeploymentEnv     string
	CollectorEndpoint string
	EnableTelemetry   bool
	Logger            liblog.Logger
}

// Telemetry holds the initialized tracer provider and its shutdown hook.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	shutdown       func(ctx context.Context)
}

// Init builds a tracer provider from cfg, registers it globally along with
// the W3C trace context propagator, and returns a handle for shutdown. When
// telemetry is disabled the provider exports nothing but spans still flow,
// so instrumented code needs no branches.
func Init(ctx context.Context, cfg *Config) (*Telemetry, error) {
	if cfg == nil {
		return nil, ErrNilTelemetryConfig
	}

	logger := cfg.Logger
	if logger == nil {
		logger = liblog.NewNop()
	}

	if ctx == nil {
		ctx = context.Background()
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.EnableTelemetry {
		logger.Log(ctx, liblog.LevelWarn, "telemetry disabled")

		provider := sdktrace.NewTracerProvider()
		otel.SetTracerProvider(provider)

		return &Telemetry{
			TracerProvider: provider,
			shutdown:       func(context.Context) {},
		}, nil
	}

	resource := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.DeploymentEnv),
	)

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.CollectorEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource),
	)
	otel.SetTracerProvider(provider)

	logger.Log(ctx, liblog.LevelInfo, "telemetry initialized",
		liblog.String("collector_endpoint", cfg.CollectorEndpoint),
	)

	return &Telemetry{
		TracerProvider: provider,
		shutdown: func(shutdownCtx context.Context) {
			if err := provider.Shutdown(shutdownCtx); err != nil {
				logger.Log(shutdownCtx, liblog.LevelError, "failed to shut down tracer provider", liblog.Err(err))
			}
		},
	}, nil
}

// Shutdown flushes pending spans and releases exporter resources.
func (tl *Telemetry) Shutdown(ctx context.Context) {
	if tl == nil || tl.shutdown == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	tl.shutdown(ctx)
}

// HandleSpanError sets the status of the span to error and records the error.
func HandleSpanError(span trace.Span, message string, err error) {
	if span == nil || err == nil {
		return
	}

	span.SetStatus(codes.Error, message+": "+err.Error())
	span.RecordError(err)
}

// InjectBrokerTraceContext captures the active trace context as string
// headers suitable for message broker metadata.
func InjectBrokerTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := make(map[string]string, len(carrier))

	for key, values := range carrier {
		if len(values) > 0 {
			headers[key] = values[0]
		}
	}

	return headers
}

// ExtractBrokerTraceContext restores a trace context previously injected
// into broker headers, enabling trace continuity across the broker hop.
func ExtractBrokerTraceContext(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	carrier := propagation.HeaderCarrier{}
	for key, value := range headers {
		carrier.Set(key, value)
	}

	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// TraceIDFromContext returns the active trace ID, or empty when no valid
// span is present.
func TraceIDFromContext(ctx context.Context) string {
	spanContext := trace.SpanFromContext(ctx).SpanContext()
	if !spanContext.IsValid() {
		return ""
	}

	return spanContext.TraceID().String()
}
