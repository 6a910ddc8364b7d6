package transport

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
)

// fakeMsg serves a published message back as a consumed one.
type fakeMsg struct {
	jetstream.Msg
	msg *nats.Msg
}

func (m fakeMsg) Headers() nats.Header { return m.msg.Header }
func (m fakeMsg) Subject() string      { return m.msg.Subject }
func (m fakeMsg) Data() []byte         { return m.msg.Data }

func (m fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{Stream: "TELEMETRY", Consumer: "tail"}, nil
}

func TestTail_NilPanics(t *testing.T) {
	assert.Panics(t, func() { _ = Tail(context.Background(), nil, "S", ">", func(context.Context, Telemetry) {}) })
}

func TestTelemetryHandler_ContinuesDeviceTrace(t *testing.T) {
	f := newClientFixture(t, fakeConn{up: true})
	ctx := context.Background()
	client, err := f.factory.NewClient("1", f.device, model.ProtocolAMQP)
	require.NoError(t, err)
	require.NoError(t, client.Connect(ctx))
	created := time.Date(2026, 4, 2, 10, 30, 0, 0, time.UTC)
	require.NoError(t, client.SendMessage(ctx, registry.Message{Schema: "truck;v1", Payload: []byte(`{"speed":3}`), Created: created}))
	published := f.js.published()
	require.Len(t, published, 1)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	var (
		got     Telemetry
		spanCtx trace.SpanContext
	)
	handle := telemetryHandler("TELEMETRY", tp.Tracer("test"), testProp, func(ctx context.Context, tm Telemetry) {
		got = tm
		spanCtx = trace.SpanContextFromContext(ctx)
	})

	handle(fakeMsg{msg: published[0]})

	assert.Equal(t, "fleet.1.truck_0.telemetry", got.Subject)
	assert.Equal(t, "1", got.SimulationID)
	assert.Equal(t, "truck.0", got.DeviceID)
	assert.Equal(t, "truck;v1", got.Schema)
	assert.Equal(t, "amqp", got.Protocol)
	assert.True(t, created.Equal(got.Created))
	assert.JSONEq(t, `{"speed":3}`, string(got.Payload))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "process TELEMETRY", spans[0].Name)
	assert.Equal(t, trace.SpanKindConsumer, spans[0].SpanKind)
	assert.True(t, spans[0].Parent.IsValid(), "process span continues the publish trace")
	assert.Equal(t, spans[0].SpanContext.TraceID(), spanCtx.TraceID())
}

func TestTelemetryHandler_PanicEndsSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	handle := telemetryHandler("TELEMETRY", tp.Tracer("test"), testProp, func(context.Context, Telemetry) {
		panic("boom")
	})

	assert.Panics(t, func() { handle(fakeMsg{msg: &nats.Msg{Subject: "s", Data: []byte("x")}}) })

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "panic in handler", spans[0].Status.Description)
}
