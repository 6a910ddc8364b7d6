package transport

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/baggage"
	"go.opentelemetry.io/otel/propagation"
)

// Baggage keys carried with every telemetry message.
const (
	BaggageSimulationID = "simulation.id"
	BaggageDeviceID     = "device.id"
)

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string {
	vals := nats.Header(c).Values(key)
	if len(vals) > 0 {
		return vals[0]
	}

	return ""
}

func (c headerCarrier) Set(key, value string) {
	nats.Header(c).Set(key, value)
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}

// Extract reads trace context and baggage from message headers.
func Extract(ctx context.Context, header nats.Header, prop propagation.TextMapPropagator) context.Context {
	if header == nil {
		return ctx
	}

	return prop.Extract(ctx, headerCarrier(header))
}

// WithDevice adds the simulation and device ids to the context baggage.
func WithDevice(ctx context.Context, simulationID, deviceID string) (context.Context, error) {
	bag := baggage.FromContext(ctx)
	for k, v := range map[string]string{BaggageSimulationID: simulationID, BaggageDeviceID: deviceID} {
		member, err := baggage.NewMemberRaw(k, v)
		if err != nil {
			return ctx, fmt.Errorf("create baggage member %s: %w", k, err)
		}
		if bag, err = bag.SetMember(member); err != nil {
			return ctx, fmt.Errorf("set baggage member %s: %w", k, err)
		}
	}

	return baggage.ContextWithBaggage(ctx, bag), nil
}

// DeviceFromContext returns the ids set by WithDevice.
func DeviceFromContext(ctx context.Context) (simulationID, deviceID string) {
	bag := baggage.FromContext(ctx)

	return bag.Member(BaggageSimulationID).Value(), bag.Member(BaggageDeviceID).Value()
}
