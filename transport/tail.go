package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is a device message read back from the telemetry stream.
type Telemetry struct {
	Subject      string
	SimulationID string
	DeviceID     string
	Schema       string
	Protocol     string
	Created      time.Time
	Payload      []byte
}

// TelemetryHandler processes one message. ctx carries the process span,
// a child of the device's publish span.
type TelemetryHandler func(ctx context.Context, t Telemetry)

// Tail consumes new telemetry of the stream matching filter with an ordered
// consumer and calls h for each message. It blocks until ctx is done.
//
// Panics if js or h is nil.
func Tail(ctx context.Context, js jetstream.JetStream, stream, filter string, h TelemetryHandler, opts ...Option) error {
	if js == nil || h == nil {
		panic("devicesim/transport: JetStream and handler must not be nil")
	}

	cons, err := js.OrderedConsumer(ctx, stream, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", stream, err)
	}

	o := applyOptions(opts)
	cc, err := cons.Consume(telemetryHandler(stream, getTracer(nil, o), getPropagator(o), h))
	if err != nil {
		return fmt.Errorf("tail %s: %w", stream, err)
	}
	defer cc.Stop()

	<-ctx.Done()

	return nil
}

// telemetryHandler decodes messages under a consumer span continuing the
// trace found in the headers.
func telemetryHandler(
	stream string,
	tracer trace.Tracer,
	prop propagation.TextMapPropagator,
	h TelemetryHandler,
) jetstream.MessageHandler {
	return func(msg jetstream.Msg) {
		ctx := Extract(context.Background(), msg.Headers(), prop)

		consumer := ""
		if md, err := msg.Metadata(); err == nil && md != nil {
			consumer = md.Consumer
		}

		ctx, span := tracer.Start(ctx, opTypeProcess+" "+stream,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(processAttributes(stream, consumer, msg.Subject(), len(msg.Data()))...),
		)
		defer func() {
			if r := recover(); r != nil {
				span.RecordError(fmt.Errorf("panic: %v", r))
				span.SetStatus(codes.Error, "panic in handler")
				span.End()
				panic(r)
			}
			span.End()
		}()

		t := Telemetry{Subject: msg.Subject(), Payload: msg.Data()}
		t.SimulationID, t.DeviceID = DeviceFromContext(ctx)
		if hdr := msg.Headers(); hdr != nil {
			t.Schema = hdr.Get(HeaderMessageSchema)
			t.Protocol = hdr.Get(HeaderProtocol)
			t.Created, _ = time.Parse(time.RFC3339Nano, hdr.Get(HeaderCreated))
		}

		h(ctx, t)
	}
}
