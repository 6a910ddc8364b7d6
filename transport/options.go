package transport

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/devicesim/internal/tracker"
)

const instrumentationName = "devicesim/transport"

type options struct {
	tracerName    string
	prop          propagation.TextMapPropagator
	subjectPrefix string
}

func defaultOptions() options {
	return options{
		tracerName:    instrumentationName,
		subjectPrefix: "devicesim",
	}
}

// Option configures the publisher and the client factory.
type Option func(*options)

// WithTracerName sets a custom tracer name.
func WithTracerName(name string) Option {
	return func(o *options) {
		o.tracerName = name
	}
}

// WithPropagator sets the propagator used to inject headers.
// If not set, the global propagator is used.
func WithPropagator(prop propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.prop = prop
	}
}

// WithSubjectPrefix sets the first token of telemetry subjects.
// Default is "devicesim".
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.subjectPrefix = prefix
		}
	}
}

func applyOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// getTracer prefers an explicit tracer name, then the process-wide step
// tracer, then the provider.
func getTracer(tp trace.TracerProvider, opts options) trace.Tracer {
	if opts.tracerName == instrumentationName {
		if t := tracker.Tracer(); t != nil && tp == nil {
			return t
		}
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return tp.Tracer(opts.tracerName)
}

func getPropagator(opts options) propagation.TextMapPropagator {
	if opts.prop != nil {
		return opts.prop
	}

	return otel.GetTextMapPropagator()
}
