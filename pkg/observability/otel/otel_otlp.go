//go:build otelotlp

package otelobs

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"fraudshield/pkg/logging"
)

// InitTracer configures an OTLP/HTTP trace exporter and installs a global
// TracerProvider. The endpoint comes from OTEL_EXPORTER_OTLP_ENDPOINT; when
// unset, tracing stays disabled and the returned shutdown is a no-op.
func InitTracer(serviceName string) func() {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return func() {}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		logging.Errorf("otel: exporter init failed: %v", err)
		return func() {}
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		logging.Errorf("otel: resource init failed: %v", err)
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	logging.Infof("otel: tracing enabled service=%s endpoint=%s", serviceName, endpoint)

	return func() {
		shctx, shcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shcancel()
		if err := tp.Shutdown(shctx); err != nil {
			logging.Errorf("otel: shutdown: %v", err)
		}
	}
}
