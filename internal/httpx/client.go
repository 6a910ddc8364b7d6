// Package httpx builds OpenTelemetry-instrumented HTTP clients for the device
// registry and middleware for the status server.
package httpx

import (
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type clientConfig struct {
	timeout             time.Duration
	dialTimeout         time.Duration
	maxIdleConnsPerHost int
	maxConnsPerHost     int
	base                http.RoundTripper

	tp   trace.TracerProvider
	mp   metric.MeterProvider
	prop propagation.TextMapPropagator
}

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

// WithTimeout sets the overall request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithDialTimeout sets the TCP dial timeout.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.dialTimeout = d }
}

// WithMaxIdleConnsPerHost sets the idle connections kept per host. Registry
// calls from thousands of actors go to one host, so the stdlib default of 2
// is too low.
func WithMaxIdleConnsPerHost(n int) ClientOption {
	return func(c *clientConfig) { c.maxIdleConnsPerHost = n }
}

// WithMaxConnsPerHost caps the total connections per host.
func WithMaxConnsPerHost(n int) ClientOption {
	return func(c *clientConfig) { c.maxConnsPerHost = n }
}

// WithTransport replaces the base transport. Transport-level options are
// ignored when rt is not an *http.Transport.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(c *clientConfig) { c.base = rt }
}

// WithProviders sets explicit telemetry providers. Nil values fall back to
// the global ones.
func WithProviders(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) ClientOption {
	return func(c *clientConfig) {
		c.tp, c.mp, c.prop = tp, mp, prop
	}
}

// NewClient creates an http.Client whose requests are traced.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(cfg)
	}

	return &http.Client{
		Transport: otelhttp.NewTransport(buildTransport(cfg), providerOptions(cfg.tp, cfg.mp, cfg.prop)...),
		Timeout:   cfg.timeout,
	}
}

func buildTransport(c *clientConfig) http.RoundTripper {
	t, ok := c.base.(*http.Transport)
	if !ok {
		return c.base
	}
	transport := t.Clone()

	if c.dialTimeout > 0 {
		transport.DialContext = (&net.Dialer{
			Timeout:   c.dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	if c.maxIdleConnsPerHost > 0 {
		transport.MaxIdleConnsPerHost = c.maxIdleConnsPerHost
	}
	if c.maxConnsPerHost > 0 {
		transport.MaxConnsPerHost = c.maxConnsPerHost
	}

	return transport
}

func providerOptions(tp trace.TracerProvider, mp metric.MeterProvider, prop propagation.TextMapPropagator) []otelhttp.Option {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}

	return []otelhttp.Option{
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithMeterProvider(mp),
		otelhttp.WithPropagators(prop),
	}
}
