//go:build otelotlp

package otelobs

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// WrapHTTPHandler instruments an http.Handler with OpenTelemetry server
// spans and W3C trace-context propagation.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return otelhttp.NewHandler(h, serviceName)
}

// WrapHTTPTransport instruments an outbound transport so downstream calls
// (model service, Redis-adjacent HTTP hooks) carry trace context.
func WrapHTTPTransport(rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return otelhttp.NewTransport(rt)
}
