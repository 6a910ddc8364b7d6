package workers

import (
	"fmt"
	"sync"

	"github.com/arloliu/devicesim/device"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

// Devices tracks the actor sets of one simulation and keeps them registered
// in the shared tables. Deleted devices stay registered until their delete
// chain completes.
type Devices struct {
	simulationID string
	tables       *Tables

	mu        sync.Mutex
	sets      map[string]*device.Set // device id -> set
	deleting  map[string]*device.Set
	nextIndex map[string]int
}

// NewDevices returns an empty tracker for one simulation.
func NewDevices(simulationID string, tables *Tables) *Devices {
	return &Devices{
		simulationID: simulationID,
		tables:       tables,
		sets:         make(map[string]*device.Set),
		deleting:     make(map[string]*device.Set),
		nextIndex:    make(map[string]int),
	}
}

// SimulationID returns the simulation the devices belong to.
func (d *Devices) SimulationID() string {
	return d.simulationID
}

// Add builds and registers the actors of a device. Set keys number the
// devices of a model in the order they are added. Adding a device already
// tracked does nothing.
func (d *Devices) Add(b *device.Builder, deviceID string, m *model.DeviceModel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sets[deviceID]; ok {
		return nil
	}
	index := d.nextIndex[m.ID]
	s, err := b.Build(device.DeviceKey(m.ID, index), deviceID, m)
	if err != nil {
		return err
	}
	if !d.tables.Add(d.simulationID, s) {
		return fmt.Errorf("device key %s: %w", s.Key, storage.ErrConflict)
	}
	d.nextIndex[m.ID] = index + 1
	d.sets[deviceID] = s

	return nil
}

// Has reports whether the device is tracked and not being deleted.
func (d *Devices) Has(deviceID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, ok := d.sets[deviceID]

	return ok
}

// Delete starts the delete chain of the given devices and returns how many
// were found.
func (d *Devices) Delete(deviceIDs ...string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, id := range deviceIDs {
		s, ok := d.sets[id]
		if !ok {
			continue
		}
		d.tables.RemoveMessageActors(d.simulationID, s)
		s.Delete()
		delete(d.sets, id)
		d.deleting[id] = s
		n++
	}

	return n
}

// DeleteAll starts the delete chain of every device.
func (d *Devices) DeleteAll() int {
	d.mu.Lock()
	ids := make([]string, 0, len(d.sets))
	for id := range d.sets {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	return d.Delete(ids...)
}

// Reap unregisters the devices whose delete chain completed and returns
// their ids.
func (d *Devices) Reap() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	var done []string
	for id, s := range d.deleting {
		if s.Connection.IsDeleted() {
			d.tables.Remove(d.simulationID, s)
			delete(d.deleting, id)
			done = append(done, id)
		}
	}

	return done
}

// PendingDeletes returns the delete chains still running.
func (d *Devices) PendingDeletes() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, s := range d.deleting {
		if !s.Connection.IsDeleted() {
			n++
		}
	}

	return n
}

// Remove stops and unregisters the given devices without deleting them
// from the registry, and returns their sets.
func (d *Devices) Remove(deviceIDs ...string) []*device.Set {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*device.Set
	for _, id := range deviceIDs {
		s, ok := d.sets[id]
		if !ok {
			s, ok = d.deleting[id]
		}
		if !ok {
			continue
		}
		s.Stop()
		d.tables.Remove(d.simulationID, s)
		delete(d.sets, id)
		delete(d.deleting, id)
		out = append(out, s)
	}

	return out
}

// StopAll stops and unregisters every device, deletions in progress
// included, and returns the stopped sets.
func (d *Devices) StopAll() []*device.Set {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*device.Set, 0, len(d.sets)+len(d.deleting))
	for _, s := range d.sets {
		out = append(out, s)
	}
	for _, s := range d.deleting {
		out = append(out, s)
	}
	for _, s := range out {
		s.Stop()
		d.tables.Remove(d.simulationID, s)
	}
	clear(d.sets)
	clear(d.deleting)

	return out
}

// Len returns the tracked devices, deletions in progress excluded.
func (d *Devices) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.sets)
}

// AddTo adds the counters of every tracked device to stats.
func (d *Devices) AddTo(stats *model.Statistics) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, s := range d.sets {
		s.AddTo(stats)
	}
	for _, s := range d.deleting {
		s.AddTo(stats)
	}
}
