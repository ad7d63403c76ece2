// Package telemetry provides OpenTelemetry instrumentation for the sync server.
package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetricsMeterName is the name used for the HTTP metrics meter.
const HTTPMetricsMeterName = "github.com/tallyhq/tally-sync-server/http"

// HTTPMetrics holds the OpenTelemetry instruments for HTTP metrics.
// A nil *HTTPMetrics is valid and turns every method into a no-op.
type HTTPMetrics struct {
	requestDuration metric.Float64Histogram
	requestsTotal   metric.Int64Counter
	activeRequests  metric.Int64UpDownCounter
}

// NewHTTPMetrics builds the HTTP instruments on the given meter provider.
// A nil provider yields a nil instance, which disables recording.
func NewHTTPMetrics(provider metric.MeterProvider) (*HTTPMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(HTTPMetricsMeterName)
	m := &HTTPMetrics{}

	var err error
	if m.requestDuration, err = meter.Float64Histogram(
		"tally_sync_http_request_duration_seconds",
		metric.WithDescription("Duration of HTTP requests in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.requestsTotal, err = meter.Int64Counter(
		"tally_sync_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}
	if m.activeRequests, err = meter.Int64UpDownCounter(
		"tally_sync_http_active_requests",
		metric.WithDescription("Number of currently in-flight HTTP requests"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

// Middleware records duration, count, and in-flight gauges for each request.
// On a nil receiver the handler chain is left untouched.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The request context may be cancelled once ServeHTTP returns, so
		// capture it up front for the deferred recording.
		ctx := r.Context()
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		m.activeRequests.Add(ctx, 1)
		defer func() {
			m.activeRequests.Add(ctx, -1)
			m.record(ctx, r, ww.Status(), time.Since(start))
		}()

		next.ServeHTTP(ww, r)
	})
}

func (m *HTTPMetrics) record(ctx context.Context, r *http.Request, status int, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", r.Method),
		attribute.String("route", routePattern(r)),
		attribute.String("status_code", strconv.Itoa(status)),
	)
	m.requestDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.requestsTotal.Add(ctx, 1, attrs)
}

// routePattern labels the request with the chi pattern
// ("/api/v0/sync/runs/{runID}") rather than the concrete URL, keeping metric
// cardinality bounded. Unrouted requests all collapse into one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return "unknown_route"
}

// MetricsMiddleware builds the instruments and returns them as a ready-to-use
// chi middleware. With a nil provider the returned middleware is a pass-through.
func MetricsMiddleware(provider metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	metrics, err := NewHTTPMetrics(provider)
	if err != nil {
		return nil, err
	}
	return metrics.Middleware, nil
}
