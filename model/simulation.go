package model

import (
	"slices"
	"time"
)

// SimulationID is the well-known id of the single simulation a deployment runs.
const SimulationID = "1"

// RateLimits are the cluster-wide quotas a simulation must respect.
type RateLimits struct {
	RegistryOperationsPerMinute int `yaml:"registryOperationsPerMinute" json:"registryOperationsPerMinute"`
	TwinReadsPerSecond          int `yaml:"twinReadsPerSecond" json:"twinReadsPerSecond"`
	TwinWritesPerSecond         int `yaml:"twinWritesPerSecond" json:"twinWritesPerSecond"`
	DeviceMessagesPerSecond     int `yaml:"deviceMessagesPerSecond" json:"deviceMessagesPerSecond"`
	ConnectionsPerSecond        int `yaml:"connectionsPerSecond" json:"connectionsPerSecond"`
	// DeviceMessagesPerDay caps the messages sent by the whole cluster in a day.
	// Zero disables the cap.
	DeviceMessagesPerDay int `yaml:"deviceMessagesPerDay" json:"deviceMessagesPerDay"`
}

const (
	DefaultRegistryOperationsPerMinute = 100
	DefaultTwinReadsPerSecond          = 10
	DefaultTwinWritesPerSecond         = 10
	DefaultDeviceMessagesPerSecond     = 120
	DefaultConnectionsPerSecond        = 120
)

// WithDefaults returns a copy where unset quotas use the default values.
func (r RateLimits) WithDefaults() RateLimits {
	if r.RegistryOperationsPerMinute <= 0 {
		r.RegistryOperationsPerMinute = DefaultRegistryOperationsPerMinute
	}
	if r.TwinReadsPerSecond <= 0 {
		r.TwinReadsPerSecond = DefaultTwinReadsPerSecond
	}
	if r.TwinWritesPerSecond <= 0 {
		r.TwinWritesPerSecond = DefaultTwinWritesPerSecond
	}
	if r.DeviceMessagesPerSecond <= 0 {
		r.DeviceMessagesPerSecond = DefaultDeviceMessagesPerSecond
	}
	if r.ConnectionsPerSecond <= 0 {
		r.ConnectionsPerSecond = DefaultConnectionsPerSecond
	}
	if r.DeviceMessagesPerDay < 0 {
		r.DeviceMessagesPerDay = 0
	}

	return r
}

// DeviceModelRef selects a device model and how many devices to build from it.
type DeviceModelRef struct {
	ID       string    `yaml:"id" json:"id"`
	Count    int       `yaml:"count" json:"count"`
	Override *Override `yaml:"override,omitempty" json:"override,omitempty"`
}

// CustomDevice is a device added explicitly to a simulation.
type CustomDevice struct {
	DeviceID string `yaml:"deviceId" json:"deviceId"`
	ModelID  string `yaml:"modelId" json:"modelId"`
}

// Simulation is the run configuration read by the agent on every tick.
type Simulation struct {
	ID                      string           `json:"id"`
	ETag                    string           `json:"eTag,omitempty"`
	Enabled                 bool             `json:"enabled"`
	StartTime               time.Time        `json:"startTime,omitzero"`
	EndTime                 time.Time        `json:"endTime,omitzero"`
	DeviceModels            []DeviceModelRef `json:"deviceModels"`
	CustomDevices           []CustomDevice   `json:"customDevices,omitempty"`
	// DeletedDevices lists generated devices removed from the simulation.
	DeletedDevices          []string         `json:"deletedDevices,omitempty"`
	RateLimits              RateLimits       `json:"rateLimits"`
	ReplayFileID            string           `json:"replayFileId,omitempty"`
	ReplayLoop              bool             `json:"replayLoop,omitempty"`
	PartitioningComplete    bool             `json:"partitioningComplete"`
	DevicesCreationComplete bool             `json:"devicesCreationComplete"`
	DeleteDevicesOnStop     bool             `json:"deleteDevicesOnStop,omitempty"`
	Created                 time.Time        `json:"created,omitzero"`
	Modified                time.Time        `json:"modified,omitzero"`
}

// ShouldBeRunning reports whether the simulation is enabled and now is inside
// its time window. Zero start or end times leave that side open.
func (s *Simulation) ShouldBeRunning(now time.Time) bool {
	if s == nil || !s.Enabled {
		return false
	}
	if !s.StartTime.IsZero() && now.Before(s.StartTime) {
		return false
	}
	if !s.EndTime.IsZero() && !now.Before(s.EndTime) {
		return false
	}

	return true
}

// DeviceCount returns the number of devices the simulation describes.
func (s *Simulation) DeviceCount() int {
	n := 0
	for _, ids := range s.DeviceIDs() {
		n += len(ids)
	}

	return n
}

// DeviceIDs returns the device ids of the simulation grouped by model id.
// Generated ids follow the "<modelID>.<index>" pattern.
func (s *Simulation) DeviceIDs() map[string][]string {
	out := make(map[string][]string, len(s.DeviceModels))
	for _, ref := range s.DeviceModels {
		for i := range ref.Count {
			id := GenerateDeviceID(ref.ID, i)
			if slices.Contains(s.DeletedDevices, id) {
				continue
			}
			out[ref.ID] = append(out[ref.ID], id)
		}
	}
	for _, d := range s.CustomDevices {
		out[d.ModelID] = append(out[d.ModelID], d.DeviceID)
	}

	return out
}

// ModelRef returns the reference for the given model id, or nil.
func (s *Simulation) ModelRef(modelID string) *DeviceModelRef {
	for i := range s.DeviceModels {
		if s.DeviceModels[i].ID == modelID {
			return &s.DeviceModels[i]
		}
	}

	return nil
}

// ReplayFile is a recorded message sequence stored in the replay files
// collection. Content is CSV, one "type,offsetMillis,messageSchema,payload"
// line per message.
type ReplayFile struct {
	ID      string    `json:"id"`
	ETag    string    `json:"eTag,omitempty"`
	Name    string    `json:"name"`
	Content string    `json:"content"`
	Created time.Time `json:"created,omitzero"`
}
