// Package telemetry bootstraps the OpenTelemetry providers and the simulator
// metric instruments.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/arloliu/devicesim/internal/tracker"
)

// ScopeName is the instrumentation scope of simulator tracers and meters.
const ScopeName = "github.com/arloliu/devicesim"

// ErrDisabled is returned when telemetry is disabled.
var ErrDisabled = errors.New("devicesim: telemetry is disabled")

// Providers holds the providers that were enabled. Disabled signals are nil.
type Providers struct {
	Tracer *sdktrace.TracerProvider
	Meter  *sdkmetric.MeterProvider
	Logger *sdklog.LoggerProvider
}

// New builds the enabled providers, installs them as the OTel globals and
// points the step tracker at the tracer. It returns ErrDisabled when
// telemetry is off.
func New(ctx context.Context, cfg *Config) (*Providers, error) {
	if !cfg.IsEnabled() {
		return nil, ErrDisabled
	}

	res, err := buildResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &Providers{}
	if cfg.TracesEnabled() {
		exp, err := traceExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("build trace exporter: %w", err)
		}
		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplerRatio))),
		}
		if exp != nil {
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
		p.Tracer = sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(p.Tracer)
		tracker.Set(p.Tracer.Tracer(ScopeName), tracker.PrefixNamer("device."))
	}

	if cfg.MetricsEnabled() {
		exp, err := metricExporter(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("build metric exporter: %w", err)
		}
		interval := defaultMetricInterval
		if cfg.Metrics != nil && cfg.Metrics.Interval > 0 {
			interval = cfg.Metrics.Interval
		}
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		if exp != nil {
			opts = append(opts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval))))
		}
		p.Meter = sdkmetric.NewMeterProvider(opts...)
		otel.SetMeterProvider(p.Meter)
	}

	if cfg.LogsEnabled() {
		exp, err := logExporter(ctx, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("build log exporter: %w", err)
		}
		opts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
		if exp != nil {
			opts = append(opts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exp)))
		}
		p.Logger = sdklog.NewLoggerProvider(opts...)
		global.SetLoggerProvider(p.Logger)
	}

	otel.SetTextMapPropagator(buildPropagator(cfg))

	return p, nil
}

// Shutdown flushes and stops every provider.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.Tracer != nil {
		errs = append(errs, p.Tracer.Shutdown(ctx))
		tracker.Reset()
	}
	if p.Meter != nil {
		errs = append(errs, p.Meter.Shutdown(ctx))
	}
	if p.Logger != nil {
		errs = append(errs, p.Logger.Shutdown(ctx))
	}

	return errors.Join(errs...)
}

func buildResource(ctx context.Context, cfg *Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "devicesim"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(cfg.Version),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		if k != "" {
			attrs = append(attrs, attribute.String(k, v))
		}
	}

	res, err := resource.New(ctx, resource.WithSchemaURL(semconv.SchemaURL), resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return res, nil
}

func buildPropagator(cfg *Config) propagation.TextMapPropagator {
	var props []propagation.TextMapPropagator
	if cfg.hasPropagator("tracecontext") {
		props = append(props, propagation.TraceContext{})
	}
	if cfg.hasPropagator("baggage") {
		props = append(props, propagation.Baggage{})
	}

	return propagation.NewCompositeTextMapPropagator(props...)
}
