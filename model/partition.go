package model

import "time"

// Partition is a leasable bucket of a simulation's devices.
type Partition struct {
	ID           string              `json:"id"`
	ETag         string              `json:"eTag,omitempty"`
	SimulationID string              `json:"simulationId"`
	Size         int                 `json:"size"`
	Devices      map[string][]string `json:"devices"` // model id -> device ids
	// NodeID is empty when no node owns the partition.
	NodeID          string    `json:"nodeId,omitempty"`
	LeaseExpiration time.Time `json:"leaseExpiration,omitzero"`
}

// IsLeasedBy reports whether the node holds a lease that is still valid.
func (p *Partition) IsLeasedBy(nodeID string, now time.Time) bool {
	return p.NodeID == nodeID && now.Before(p.LeaseExpiration)
}

// IsAvailable reports whether any node may lease the partition.
func (p *Partition) IsAvailable(now time.Time) bool {
	return p.NodeID == "" || !now.Before(p.LeaseExpiration)
}

// DeviceIDs flattens the partition devices.
func (p *Partition) DeviceIDs() []string {
	ids := make([]string, 0, p.Size)
	for _, list := range p.Devices {
		ids = append(ids, list...)
	}

	return ids
}

// Node is a cluster member.
type Node struct {
	ID       string    `json:"id"`
	ETag     string    `json:"eTag,omitempty"`
	LastSeen time.Time `json:"lastSeen"`
}

// MasterLock is the record that designates the cluster master.
type MasterLock struct {
	NodeID     string    `json:"nodeId"`
	ETag       string    `json:"eTag,omitempty"`
	Expiration time.Time `json:"expiration"`
}

// Statistics is the per-node snapshot of a simulation's counters.
type Statistics struct {
	SimulationID                  string    `json:"simulationId"`
	NodeID                        string    `json:"nodeId"`
	ActiveDevices                 int64     `json:"activeDevices"`
	TotalMessages                 int64     `json:"totalMessages"`
	FailedMessages                int64     `json:"failedMessages"`
	FailedDeviceConnections       int64     `json:"failedDeviceConnections"`
	FailedDevicePropertiesUpdates int64     `json:"failedDevicePropertiesUpdates"`
	SimulationErrors              int64     `json:"simulationErrors"`
	Updated                       time.Time `json:"updated"`
}

// Add sums the counters of other into s.
func (s *Statistics) Add(other Statistics) {
	s.ActiveDevices += other.ActiveDevices
	s.TotalMessages += other.TotalMessages
	s.FailedMessages += other.FailedMessages
	s.FailedDeviceConnections += other.FailedDeviceConnections
	s.FailedDevicePropertiesUpdates += other.FailedDevicePropertiesUpdates
	s.SimulationErrors += other.SimulationErrors
}
