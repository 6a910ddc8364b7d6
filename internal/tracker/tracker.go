// Package tracker holds the process-wide tracer used for device step spans.
package tracker

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the simulator.
const (
	AttrSimulationID = attribute.Key("devicesim.simulation.id")
	AttrDeviceID     = attribute.Key("devicesim.device.id")
	AttrStep         = attribute.Key("devicesim.step")
	AttrPartitionID  = attribute.Key("devicesim.partition.id")
)

// Namer determines how span names are formatted.
type Namer interface {
	Name(string) string
}

type defaultNamer struct{}

func (defaultNamer) Name(s string) string { return s }

// PrefixNamer prepends a fixed prefix, e.g. "device." + "connect".
type PrefixNamer string

func (p PrefixNamer) Name(s string) string { return string(p) + s }

type state struct {
	tracer trace.Tracer
	namer  Namer
}

var global atomic.Pointer[state]

func init() {
	global.Store(&state{namer: defaultNamer{}})
}

// Set updates the global tracing state.
// If n is nil, defaultNamer is used.
func Set(t trace.Tracer, n Namer) {
	if n == nil {
		n = defaultNamer{}
	}
	global.Store(&state{tracer: t, namer: n})
}

// Reset clears the tracer so spans become no-ops.
func Reset() {
	global.Store(&state{namer: defaultNamer{}})
}

// Start begins a new span using the global tracer and namer.
// If no tracer is configured, it returns the current span from context (no-op).
func Start(ctx context.Context, operation string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	s := global.Load()
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, s.namer.Name(operation), opts...)
}

// StartStep begins an internal span for one device step.
func StartStep(ctx context.Context, step, simulationID, deviceID string) (context.Context, trace.Span) {
	return Start(ctx, step,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			AttrStep.String(step),
			AttrSimulationID.String(simulationID),
			AttrDeviceID.String(deviceID),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Tracer returns the configured global tracer, or nil if not set.
func Tracer() trace.Tracer {
	return global.Load().tracer
}
