package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/arloliu/devicesim/model"
)

const defaultMetricInterval = 60 * time.Second

// StatsFunc returns the current counters of the running simulation, or
// ok=false when nothing is running.
type StatsFunc func() (stats model.Statistics, ok bool)

// RegisterGauges registers observable gauges that report the simulator
// counters on every collection. Unregister the returned registration on
// shutdown.
func RegisterGauges(meter metric.Meter, stats StatsFunc) (metric.Registration, error) {
	active, err := meter.Int64ObservableGauge("devicesim.devices.active",
		metric.WithDescription("Device actors connected and running"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	messages, err := meter.Int64ObservableGauge("devicesim.messages.total",
		metric.WithDescription("Telemetry messages sent"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	failedMessages, err := meter.Int64ObservableGauge("devicesim.messages.failed",
		metric.WithDescription("Telemetry messages that failed"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	failedConnections, err := meter.Int64ObservableGauge("devicesim.connections.failed",
		metric.WithDescription("Device connection attempts that failed"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	failedProperties, err := meter.Int64ObservableGauge("devicesim.properties.failed",
		metric.WithDescription("Reported property updates that failed"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}
	simErrors, err := meter.Int64ObservableGauge("devicesim.simulation.errors",
		metric.WithDescription("Simulation errors"))
	if err != nil {
		return nil, fmt.Errorf("register gauge: %w", err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s, ok := stats()
		if !ok {
			return nil
		}
		attrs := metric.WithAttributes(attribute.String("simulation.id", s.SimulationID))
		o.ObserveInt64(active, s.ActiveDevices, attrs)
		o.ObserveInt64(messages, s.TotalMessages, attrs)
		o.ObserveInt64(failedMessages, s.FailedMessages, attrs)
		o.ObserveInt64(failedConnections, s.FailedDeviceConnections, attrs)
		o.ObserveInt64(failedProperties, s.FailedDevicePropertiesUpdates, attrs)
		o.ObserveInt64(simErrors, s.SimulationErrors, attrs)

		return nil
	}, active, messages, failedMessages, failedConnections, failedProperties, simErrors)
}
