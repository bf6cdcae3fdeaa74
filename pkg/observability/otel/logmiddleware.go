package otelobs

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"fraudshield/pkg/logging"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPTraceLogMiddleware logs one line per request with method, path,
// status, duration, and the trace/span IDs when a span is active.
func HTTPTraceLogMiddleware(serviceName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		dur := time.Since(start)

		sc := trace.SpanContextFromContext(r.Context())
		if sc.IsValid() {
			logging.Infof("%s %s %s status=%d dur_ms=%.2f trace_id=%s span_id=%s",
				serviceName, r.Method, r.URL.Path, rec.status,
				float64(dur.Microseconds())/1000.0, sc.TraceID(), sc.SpanID())
			return
		}
		logging.Infof("%s %s %s status=%d dur_ms=%.2f",
			serviceName, r.Method, r.URL.Path, rec.status,
			float64(dur.Microseconds())/1000.0)
	})
}
