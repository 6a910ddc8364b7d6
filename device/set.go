package device

import (
	"fmt"
	"strconv"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
)

// Set is the bundle of actors simulating one device.
type Set struct {
	// Key identifies the device inside the actor tables, "<modelID>#<index>".
	Key        string
	DeviceID   string
	ModelID    string
	State      *StateActor
	Connection *ConnectionActor
	Properties *PropertiesActor
	// Telemetry holds one actor per message with a non-zero interval. It is
	// empty when Replay is set.
	Telemetry []*TelemetryActor
	Replay    *ReplayActor
}

// DeviceKey returns the actor table key of the index-th device of a model.
func DeviceKey(modelID string, index int) string {
	return modelID + "#" + strconv.Itoa(index)
}

// TelemetryKey returns the actor table key of one telemetry message.
func TelemetryKey(deviceKey string, msgIndex int) string {
	return deviceKey + "#" + strconv.Itoa(msgIndex)
}

// Builder creates actor sets sharing one simulation's dependencies and loop
// budgets.
type Builder struct {
	Deps           Deps
	ConnectionLoop *ratelimit.ConnectionLoopSettings
	PropertiesLoop *ratelimit.PropertiesLoopSettings
	// Replay replaces generated telemetry when non-empty.
	Replay     []ReplayEntry
	ReplayLoop bool
}

// Build sets up every actor of one device.
func (b *Builder) Build(key, deviceID string, m *model.DeviceModel) (*Set, error) {
	s := &Set{Key: key, DeviceID: deviceID, ModelID: m.ID}

	s.State = NewStateActor(b.Deps)
	if err := s.State.Setup(deviceID, m); err != nil {
		return nil, fmt.Errorf("state actor %s: %w", deviceID, err)
	}

	s.Connection = NewConnectionActor(b.Deps)
	if err := s.Connection.Setup(deviceID, m, s.State, b.ConnectionLoop); err != nil {
		return nil, err
	}

	s.Properties = NewPropertiesActor(b.Deps)
	if err := s.Properties.Setup(deviceID, m, s.State, s.Connection, b.PropertiesLoop); err != nil {
		return nil, fmt.Errorf("properties actor %s: %w", deviceID, err)
	}

	if len(b.Replay) > 0 {
		s.Replay = NewReplayActor(b.Deps)
		if err := s.Replay.Setup(deviceID, b.Replay, b.ReplayLoop, s.Connection); err != nil {
			return nil, fmt.Errorf("replay actor %s: %w", deviceID, err)
		}

		return s, nil
	}

	for _, msg := range m.Telemetry {
		if msg.Interval <= 0 {
			continue
		}
		t := NewTelemetryActor(b.Deps)
		if err := t.Setup(deviceID, msg, s.State, s.Connection); err != nil {
			return nil, fmt.Errorf("telemetry actor %s: %w", deviceID, err)
		}
		s.Telemetry = append(s.Telemetry, t)
	}

	return s, nil
}

// TelemetryKeys returns the table keys of the telemetry actors, aligned
// with Telemetry.
func (s *Set) TelemetryKeys() []string {
	keys := make([]string, len(s.Telemetry))
	for i := range s.Telemetry {
		keys[i] = TelemetryKey(s.Key, i)
	}

	return keys
}

// Stop stops every actor of the set.
func (s *Set) Stop() {
	s.State.Stop()
	for _, t := range s.Telemetry {
		t.Stop()
	}
	if s.Replay != nil {
		s.Replay.Stop()
	}
	s.Properties.Stop()
	s.Connection.Stop()
}

// Delete stops the message actors and starts the device delete chain. The
// state and connection actors keep running until the chain completes.
func (s *Set) Delete() {
	for _, t := range s.Telemetry {
		t.Stop()
	}
	if s.Replay != nil {
		s.Replay.Stop()
	}
	s.Properties.Stop()
	s.Connection.Delete()
}

// AddTo adds the set's counters to stats.
func (s *Set) AddTo(stats *model.Statistics) {
	if s.Connection.Connected() {
		stats.ActiveDevices++
	}
	stats.FailedDeviceConnections += s.Connection.FailedDeviceConnectionsCount()
	stats.FailedDevicePropertiesUpdates += s.Properties.FailedTwinUpdatesCount()
	for _, t := range s.Telemetry {
		stats.TotalMessages += t.TotalMessagesCount()
		stats.FailedMessages += t.FailedMessagesCount()
	}
	if s.Replay != nil {
		stats.TotalMessages += s.Replay.TotalMessagesCount()
		stats.FailedMessages += s.Replay.FailedMessagesCount()
	}
}
