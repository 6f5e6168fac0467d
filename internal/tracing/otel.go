package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// OtelConfig configures the optional OTLP span mirror. A disabled or
// misconfigured config falls back to a no-op tracer — the Collector must
// never fail a trace write because telemetry export is unavailable.
type OtelConfig struct {
	Enabled     bool
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// otelTracer wraps an OpenTelemetry tracer the Collector mirrors its own
// spans into, one per traced message, grounded on the gateway's
// observability.Tracer Start/RecordError convention.
type otelTracer struct {
	tracer trace.Tracer
}

// newOtelTracer builds the span mirror, or a no-op if telemetry is disabled.
// Returns a shutdown func that flushes the exporter on process exit.
func newOtelTracer(cfg OtelConfig) (*otelTracer, func(context.Context) error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled || cfg.Endpoint == "" {
		return &otelTracer{tracer: otel.Tracer("automagik-omni")}, noop
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	if err != nil {
		slog.Warn("tracing: otel exporter unavailable, spans will not be exported", "error", err)
		return &otelTracer{tracer: otel.Tracer("automagik-omni")}, noop
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "automagik-omni"
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		res = resource.Default()
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)

	return &otelTracer{tracer: provider.Tracer(serviceName)}, provider.Shutdown
}

// startMessageSpan opens a span for one traced message's lifetime, tagged
// with the same identifying fields as the MessageTrace row it mirrors.
func (t *otelTracer) startMessageSpan(ctx context.Context, traceID string, seed TraceSeed) trace.Span {
	_, span := t.tracer.Start(ctx, "message."+seed.ChannelType, trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("omni.trace_id", traceID),
			attribute.String("omni.instance", seed.InstanceName),
			attribute.String("omni.channel_type", seed.ChannelType),
			attribute.String("omni.session_name", seed.SessionName),
			attribute.String("omni.message_type", string(seed.MessageType)),
		))
	return span
}

func (t *otelTracer) endMessageSpan(span trace.Span, status string, errMessage string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("omni.status", status))
	if errMessage != "" {
		span.SetStatus(codes.Error, errMessage)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
