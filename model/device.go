package model

import (
	"strconv"
	"time"
)

// Twin holds the property documents of a device.
type Twin struct {
	Tags               map[string]string `json:"tags,omitempty"`
	ReportedProperties map[string]any    `json:"reportedProperties,omitempty"`
	DesiredProperties  map[string]any    `json:"desiredProperties,omitempty"`
}

// Device is a registry record: identity, credentials and twin.
type Device struct {
	ID             string    `json:"id"`
	ETag           string    `json:"eTag,omitempty"`
	AuthPrimaryKey string    `json:"authPrimaryKey"`
	HostName       string    `json:"hostName,omitempty"`
	Enabled        bool      `json:"enabled"`
	Twin           Twin      `json:"twin"`
	Created        time.Time `json:"created,omitzero"`
}

// SimulatedDevice is the record kept in the simulated devices collection for
// every device that reached the connected state.
type SimulatedDevice struct {
	DeviceID     string    `json:"deviceId"`
	SimulationID string    `json:"simulationId"`
	ModelID      string    `json:"modelId"`
	Device       *Device   `json:"device,omitempty"`
	Added        time.Time `json:"added"`
}

// GenerateDeviceID builds the id of the n-th device created from a model.
func GenerateDeviceID(modelID string, n int) string {
	return modelID + "." + strconv.Itoa(n)
}

// SimulatedDeviceKey is the storage key of a device in a simulation.
func SimulatedDeviceKey(simulationID, deviceID string) string {
	return simulationID + "." + deviceID
}
