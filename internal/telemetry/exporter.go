package telemetry

import (
	"cmp"
	"context"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type exporterKind string

const (
	kindOTLP    exporterKind = "otlp"
	kindConsole exporterKind = "console"
	kindNone    exporterKind = "none"
)

func parseKind(s string) exporterKind {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "console", "stdout":
		return kindConsole
	case "none", "nop", "noop":
		return kindNone
	default:
		return kindOTLP
	}
}

// destination is where one signal is exported, after the signal section
// has been merged over the shared OTLP section.
type destination struct {
	kind     exporterKind
	http     bool
	address  string
	headers  map[string]string
	timeout  time.Duration
	gzip     bool
	insecure bool
}

func resolveDestination(cfg *Config, signal *SignalConfig) destination {
	d := destination{
		kind:     kindOTLP,
		address:  "localhost:4317",
		timeout:  10 * time.Second,
		insecure: true,
	}

	if o := cfg.OTLP; o != nil {
		d.http = o.Protocol == "http/protobuf" || o.Protocol == "http"
		d.address = cmp.Or(o.Endpoint, d.address)
		if o.Timeout > 0 {
			d.timeout = o.Timeout
		}
		d.headers = o.Headers
		d.gzip = o.Compression == "gzip"
		d.insecure = o.IsInsecure()
	}
	if signal != nil {
		d.kind = parseKind(signal.Exporter)
		d.address = cmp.Or(signal.Endpoint, d.address)
	}

	return d
}

// fullURL reports whether address is an http(s) URL rather than host:port.
func (d destination) fullURL() bool {
	u, err := url.Parse(d.address)
	if err != nil {
		return false
	}
	s := strings.ToLower(u.Scheme)

	return s == "http" || s == "https"
}

// otlpOptions lists the option constructors shared by the OTLP exporter
// packages. URL is nil for gRPC clients.
type otlpOptions[T any] struct {
	Endpoint func(string) T
	URL      func(string) T
	Headers  func(map[string]string) T
	Timeout  func(time.Duration) T
	Insecure func() T
	Gzip     T
}

func (o otlpOptions[T]) build(d destination) []T {
	opts := make([]T, 0, 5)
	if o.URL != nil && d.fullURL() {
		opts = append(opts, o.URL(d.address))
	} else {
		opts = append(opts, o.Endpoint(d.address))
	}
	if len(d.headers) > 0 {
		opts = append(opts, o.Headers(d.headers))
	}
	if d.timeout > 0 {
		opts = append(opts, o.Timeout(d.timeout))
	}
	if d.insecure {
		opts = append(opts, o.Insecure())
	}
	if d.gzip {
		opts = append(opts, o.Gzip)
	}

	return opts
}

// traceExporter returns nil when traces are exported nowhere.
func traceExporter(ctx context.Context, cfg *Config) (sdktrace.SpanExporter, error) {
	d := resolveDestination(cfg, cfg.Traces)
	switch {
	case d.kind == kindNone:
		return nil, nil
	case d.kind == kindConsole:
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case d.http:
		return otlptrace.New(ctx, otlptracehttp.NewClient(otlpOptions[otlptracehttp.Option]{
			Endpoint: otlptracehttp.WithEndpoint,
			URL:      otlptracehttp.WithEndpointURL,
			Headers:  otlptracehttp.WithHeaders,
			Timeout:  otlptracehttp.WithTimeout,
			Insecure: otlptracehttp.WithInsecure,
			Gzip:     otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		}.build(d)...))
	default:
		return otlptrace.New(ctx, otlptracegrpc.NewClient(otlpOptions[otlptracegrpc.Option]{
			Endpoint: otlptracegrpc.WithEndpoint,
			Headers:  otlptracegrpc.WithHeaders,
			Timeout:  otlptracegrpc.WithTimeout,
			Insecure: otlptracegrpc.WithInsecure,
			Gzip:     otlptracegrpc.WithCompressor("gzip"),
		}.build(d)...))
	}
}

// metricExporter returns nil when metrics are exported nowhere.
func metricExporter(ctx context.Context, cfg *Config) (sdkmetric.Exporter, error) {
	d := resolveDestination(cfg, cfg.Metrics)
	switch {
	case d.kind == kindNone:
		return nil, nil
	case d.kind == kindConsole:
		return stdoutmetric.New(stdoutmetric.WithPrettyPrint())
	case d.http:
		return otlpmetrichttp.New(ctx, otlpOptions[otlpmetrichttp.Option]{
			Endpoint: otlpmetrichttp.WithEndpoint,
			URL:      otlpmetrichttp.WithEndpointURL,
			Headers:  otlpmetrichttp.WithHeaders,
			Timeout:  otlpmetrichttp.WithTimeout,
			Insecure: otlpmetrichttp.WithInsecure,
			Gzip:     otlpmetrichttp.WithCompression(otlpmetrichttp.GzipCompression),
		}.build(d)...)
	default:
		return otlpmetricgrpc.New(ctx, otlpOptions[otlpmetricgrpc.Option]{
			Endpoint: otlpmetricgrpc.WithEndpoint,
			Headers:  otlpmetricgrpc.WithHeaders,
			Timeout:  otlpmetricgrpc.WithTimeout,
			Insecure: otlpmetricgrpc.WithInsecure,
			Gzip:     otlpmetricgrpc.WithCompressor("gzip"),
		}.build(d)...)
	}
}

// logExporter returns nil when logs are exported nowhere.
func logExporter(ctx context.Context, cfg *Config) (sdklog.Exporter, error) {
	d := resolveDestination(cfg, cfg.Logs)
	switch {
	case d.kind == kindNone:
		return nil, nil
	case d.kind == kindConsole:
		return stdoutlog.New(stdoutlog.WithPrettyPrint())
	case d.http:
		return otlploghttp.New(ctx, otlpOptions[otlploghttp.Option]{
			Endpoint: otlploghttp.WithEndpoint,
			URL:      otlploghttp.WithEndpointURL,
			Headers:  otlploghttp.WithHeaders,
			Timeout:  otlploghttp.WithTimeout,
			Insecure: otlploghttp.WithInsecure,
			Gzip:     otlploghttp.WithCompression(otlploghttp.GzipCompression),
		}.build(d)...)
	default:
		return otlploggrpc.New(ctx, otlpOptions[otlploggrpc.Option]{
			Endpoint: otlploggrpc.WithEndpoint,
			Headers:  otlploggrpc.WithHeaders,
			Timeout:  otlploggrpc.WithTimeout,
			Insecure: otlploggrpc.WithInsecure,
			Gzip:     otlploggrpc.WithCompressor("gzip"),
		}.build(d)...)
	}
}
