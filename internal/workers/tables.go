// Package workers drives device actors: the actor tables shared by every
// simulation of a process, and the loop goroutines that run each actor kind.
package workers

import (
	"github.com/arloliu/devicesim/device"
	"github.com/arloliu/devicesim/internal/actormap"
)

// Tables holds one table per actor kind, keyed by simulation id then actor key.
type Tables struct {
	State      *actormap.Map[*device.StateActor]
	Connection *actormap.Map[*device.ConnectionActor]
	Telemetry  *actormap.Map[*device.TelemetryActor]
	Properties *actormap.Map[*device.PropertiesActor]
	Replay     *actormap.Map[*device.ReplayActor]
}

// NewTables returns empty tables.
func NewTables() *Tables {
	return &Tables{
		State:      actormap.New[*device.StateActor](),
		Connection: actormap.New[*device.ConnectionActor](),
		Telemetry:  actormap.New[*device.TelemetryActor](),
		Properties: actormap.New[*device.PropertiesActor](),
		Replay:     actormap.New[*device.ReplayActor](),
	}
}

// Add registers every actor of s. It returns false, adding nothing, when a
// device with the same key is already registered.
func (t *Tables) Add(simulationID string, s *device.Set) bool {
	if !t.Connection.Add(simulationID, s.Key, s.Connection) {
		return false
	}
	t.State.Add(simulationID, s.Key, s.State)
	t.Properties.Add(simulationID, s.Key, s.Properties)
	for i, key := range s.TelemetryKeys() {
		t.Telemetry.Add(simulationID, key, s.Telemetry[i])
	}
	if s.Replay != nil {
		t.Replay.Add(simulationID, s.Key, s.Replay)
	}

	return true
}

// RemoveMessageActors removes the actors that stop first when a device is
// deleted, leaving state and connection in place for the delete chain.
func (t *Tables) RemoveMessageActors(simulationID string, s *device.Set) {
	for _, key := range s.TelemetryKeys() {
		t.Telemetry.Remove(simulationID, key)
	}
	t.Replay.Remove(simulationID, s.Key)
	t.Properties.Remove(simulationID, s.Key)
}

// Remove unregisters every actor of s.
func (t *Tables) Remove(simulationID string, s *device.Set) {
	t.RemoveMessageActors(simulationID, s)
	t.State.Remove(simulationID, s.Key)
	t.Connection.Remove(simulationID, s.Key)
}

// RemoveSimulation unregisters every actor of a simulation.
func (t *Tables) RemoveSimulation(simulationID string) {
	t.State.RemoveSimulation(simulationID)
	t.Connection.RemoveSimulation(simulationID)
	t.Telemetry.RemoveSimulation(simulationID)
	t.Properties.RemoveSimulation(simulationID)
	t.Replay.RemoveSimulation(simulationID)
}
