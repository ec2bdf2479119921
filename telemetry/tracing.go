// Package telemetry installs the global OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lovelumine/rnaqueue/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Init configures tracing and returns the provider's shutdown function.
// Stdout spans go to w.
func Init(ctx context.Context, cfg config.TelemetryConfig, w io.Writer) (func(context.Context) error, error) {
	exporterName := strings.ToLower(strings.TrimSpace(cfg.Exporter))
	if exporterName == "" || exporterName == "none" {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := buildExporter(ctx, exporterName, cfg.Endpoint, w)
	if err != nil {
		return nil, err
	}
	service := cfg.ServiceName
	if service == "" {
		service = "rnaqueue"
	}
	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", service)))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func buildExporter(ctx context.Context, name, endpoint string, w io.Writer) (sdktrace.SpanExporter, error) {
	switch name {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithWriter(w))
	case "otlp":
		if endpoint == "" {
			endpoint = "http://localhost:4318"
		}
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
		if strings.HasPrefix(endpoint, "http://") {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptracehttp.New(ctx, opts...)
	}
	return nil, fmt.Errorf("unknown trace exporter %q", name)
}
