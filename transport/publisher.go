// Package transport delivers simulated device traffic over NATS JetStream.
// Telemetry messages are published with producer spans and W3C trace
// context in the headers; device twins live in a storage engine.
package transport

import (
	"context"
	"strconv"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MsgPublisher is the subset of jetstream.JetStream the publisher needs.
type MsgPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

var _ MsgPublisher = (jetstream.JetStream)(nil)

// Publisher wraps JetStream publishes with OpenTelemetry tracing.
type Publisher struct {
	js     MsgPublisher
	tracer trace.Tracer
	prop   propagation.TextMapPropagator
}

// NewPublisher creates a Publisher using the global providers.
func NewPublisher(js MsgPublisher, opts ...Option) *Publisher {
	return NewPublisherWithProviders(js, nil, nil, opts...)
}

// NewPublisherWithProviders creates a Publisher with explicit providers.
// If tp is nil, the global TracerProvider is used. If prop is nil, the
// WithPropagator option or the global propagator is used.
//
// Panics if js is nil.
func NewPublisherWithProviders(
	js MsgPublisher,
	tp trace.TracerProvider,
	prop propagation.TextMapPropagator,
	opts ...Option,
) *Publisher {
	if js == nil {
		panic("devicesim/transport: JetStream must not be nil")
	}
	o := applyOptions(opts)
	if prop != nil {
		o.prop = prop
	}

	return &Publisher{
		js:     js,
		tracer: getTracer(tp, o),
		prop:   getPropagator(o),
	}
}

// PublishMsg publishes msg under a producer span and injects the trace
// context and baggage into its headers.
func (p *Publisher) PublishMsg(
	ctx context.Context,
	msg *nats.Msg,
	opts ...jetstream.PublishOpt,
) (*jetstream.PubAck, error) {
	subject := msg.Subject

	ctx, span := p.tracer.Start(ctx, opTypePublish+" "+subject,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(publishAttributes(subject, "", len(msg.Data))...),
	)
	defer span.End()

	if msg.Header == nil {
		msg.Header = make(nats.Header)
	}
	p.prop.Inject(ctx, headerCarrier(msg.Header))

	ack, err := p.js.PublishMsg(ctx, msg, opts...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	if ack != nil {
		span.SetAttributes(attribute.String(attrMessagingMessageID, strconv.FormatUint(ack.Sequence, 10)))
	}

	return ack, nil
}
