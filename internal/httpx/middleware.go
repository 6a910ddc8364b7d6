package httpx

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Middleware returns middleware that opens a server span named operation for
// every request, using the global providers.
func Middleware(operation string) func(http.Handler) http.Handler {
	return MiddlewareWithProviders(operation, nil, nil, nil)
}

// MiddlewareWithProviders is Middleware with explicit providers. Nil values
// fall back to the global ones.
func MiddlewareWithProviders(
	operation string,
	tp trace.TracerProvider,
	mp metric.MeterProvider,
	prop propagation.TextMapPropagator,
) func(http.Handler) http.Handler {
	opts := providerOptions(tp, mp, prop)

	return func(next http.Handler) http.Handler {
		return otelhttp.NewMiddleware(operation, opts...)(next)
	}
}
