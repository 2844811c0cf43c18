// Package tracing wires OpenTelemetry span export: Setup installs the
// exporter-backed provider and Start opens a span. cmd/gateway.go calls
// Setup; no package calls Start yet, so processGroupMessages, agent runs
// and scheduler ticks emit no spans. It is ambient infrastructure:
// carried regardless of which functional features are in scope, the way
// the teacher carries its own tracing package through every build.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config mirrors config.TelemetryConfig without importing internal/config,
// keeping this package a leaf.
type Config struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
}

const tracerName = "github.com/nextlevelbuilder/groupwatch"

// Setup installs a global TracerProvider. When cfg.Enabled is false or no
// endpoint is configured, it leaves otel's default no-op provider in
// place, so every Start call downstream is a zero-cost no-op.
func Setup(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	var opts []otlptracehttp.Option
	opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "groupwatch"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Start begins a span named name on the global tracer, tagging it with
// attrs. Callers defer span.End().
func Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
