package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and stops the global tracer provider.
type Shutdown func(context.Context) error

// InitTracer builds and installs the global TracerProvider per cfg's
// resolved exporter configuration and protocol, the way the teacher's
// (now superseded) coretelemetry.InitTracer wired an exporter ahead of
// serving traffic. cfg.TracesExporter selects "otlp" (grpc or http,
// chosen by protocol), "console" (stdouttrace, dev-only), or "none" (a
// tracer provider with no exporter — spans are created and discarded).
func InitTracer(ctx context.Context, cfg ExporterConfig, protocol, serviceName, serviceVersion string) (Shutdown, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
			attribute.String("deployment.environment.name", string(cfg.Mode)),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("building resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	switch cfg.TracesExporter {
	case "none":
		// No exporter: spans are created, sampled, and dropped at End.
	case "console":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("building stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	default:
		exp, err := newOTLPTraceExporter(ctx, cfg, protocol)
		if err != nil {
			return nil, fmt.Errorf("building otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newOTLPTraceExporter(ctx context.Context, cfg ExporterConfig, protocol string) (sdktrace.SpanExporter, error) {
	endpoint, insecure := splitEndpoint(cfg.TracesEndpoint)
	if protocol == "grpc" {
		grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithHeaders(cfg.Headers))
		}
		client := otlptracegrpc.NewClient(grpcOpts...)
		return otlptrace.New(ctx, client)
	}

	httpOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		httpOpts = append(httpOpts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		httpOpts = append(httpOpts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	client := otlptracehttp.NewClient(httpOpts...)
	return otlptrace.New(ctx, client)
}

// splitEndpoint strips a scheme from a base/per-signal endpoint URL (the
// otlp exporters take bare host:port) and reports whether it was "http"
// (i.e. should dial insecure, no TLS).
func splitEndpoint(raw string) (endpoint string, insecure bool) {
	switch {
	case len(raw) >= 7 && raw[:7] == "http://":
		return raw[7:], true
	case len(raw) >= 8 && raw[:8] == "https://":
		return raw[8:], false
	default:
		return raw, true
	}
}
