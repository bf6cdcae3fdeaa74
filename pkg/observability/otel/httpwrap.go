//go:build !otelotlp

package otelobs

import "net/http"

// WrapHTTPHandler is a no-op unless built with -tags otelotlp.
func WrapHTTPHandler(serviceName string, h http.Handler) http.Handler { return h }

// WrapHTTPTransport is a no-op unless built with -tags otelotlp.
func WrapHTTPTransport(rt http.RoundTripper) http.RoundTripper { return rt }

// InitTracer is a no-op unless built with -tags otelotlp. The returned
// shutdown func is safe to call.
func InitTracer(serviceName string) func() { return func() {} }
