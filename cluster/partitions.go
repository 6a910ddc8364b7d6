package cluster

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

// errDevicesChanged aborts marking a simulation partitioned when its device
// list changed while the partitions were written.
var errDevicesChanged = errors.New("devicesim: simulation devices changed during partitioning")

// SimulationUpdater applies a read-modify-write to a stored simulation.
// *simulations.Service satisfies it.
type SimulationUpdater interface {
	Update(ctx context.Context, id string, fn func(*model.Simulation) error) (*model.Simulation, error)
}

// Partitions stores device partitions and their leases.
type Partitions struct {
	store  storage.Engine
	sims   SimulationUpdater
	cfg    Config
	log    zerolog.Logger
	now    func() time.Time
	nodeID string
}

// NewPartitions creates the partition store of the local node.
//
// Panics if store or sims is nil.
func NewPartitions(store storage.Engine, sims SimulationUpdater, cfg Config, logger zerolog.Logger, opts ...Option) *Partitions {
	if store == nil || sims == nil {
		panic("devicesim/cluster: store and simulation updater must not be nil")
	}
	cfg = cfg.withDefaults()
	o := applyOptions(opts)

	return &Partitions{
		store:  store,
		sims:   sims,
		cfg:    cfg,
		log:    logger.With().Str("node_id", cfg.NodeID).Logger(),
		now:    o.now,
		nodeID: cfg.NodeID,
	}
}

// PartitionID returns the id of the n-th partition of a simulation.
func PartitionID(simulationID string, n int) string {
	return simulationID + "." + strconv.Itoa(n)
}

// Split divides devices into partitions of at most size devices. Models
// are taken in id order and devices in list order; the last partition
// holds the remainder.
func Split(devices map[string][]string, size int) []map[string][]string {
	var (
		out     []map[string][]string
		current map[string][]string
		n       int
	)
	for _, modelID := range slices.Sorted(maps.Keys(devices)) {
		for _, id := range devices[modelID] {
			if current == nil || n == size {
				current = make(map[string][]string)
				out = append(out, current)
				n = 0
			}
			current[modelID] = append(current[modelID], id)
			n++
		}
	}

	return out
}

// Create replaces the partitions of sim with a fresh split of its devices
// and marks the simulation partitioned. It does nothing when the
// simulation is already partitioned. Only the master calls Create.
func (p *Partitions) Create(ctx context.Context, sim *model.Simulation) error {
	if sim.PartitioningComplete {
		return nil
	}
	if err := p.DeleteAll(ctx, sim.ID); err != nil {
		return err
	}

	devices := sim.DeviceIDs()
	chunks := Split(devices, p.cfg.PartitionSize)
	for i, chunk := range chunks {
		part := newPartition(PartitionID(sim.ID, i), sim.ID, chunk)
		if _, err := storage.UpsertJSON(ctx, p.store, storage.Partitions, part.ID, part, ""); err != nil {
			return fmt.Errorf("create partition %s: %w", part.ID, err)
		}
	}

	_, err := p.sims.Update(ctx, sim.ID, func(current *model.Simulation) error {
		if !maps.EqualFunc(current.DeviceIDs(), devices, slices.Equal[[]string]) {
			return errDevicesChanged
		}
		current.PartitioningComplete = true

		return nil
	})
	if err != nil {
		return fmt.Errorf("mark simulation %s partitioned: %w", sim.ID, err)
	}
	p.log.Info().
		Str("simulation_id", sim.ID).
		Int("partitions", len(chunks)).
		Int("devices", sim.DeviceCount()).
		Msg("simulation partitioned")

	return nil
}

// CreateForDevices stores a new unassigned partition holding devices added
// to a partitioned simulation.
func (p *Partitions) CreateForDevices(ctx context.Context, simulationID string, devices map[string][]string) (*model.Partition, error) {
	existing, err := p.GetAll(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(existing))
	for _, part := range existing {
		taken[part.ID] = true
	}
	n := len(existing)
	for taken[PartitionID(simulationID, n)] {
		n++
	}

	part := newPartition(PartitionID(simulationID, n), simulationID, devices)
	etag, err := storage.CreateJSON(ctx, p.store, storage.Partitions, part.ID, part)
	if err != nil {
		return nil, fmt.Errorf("create partition %s: %w", part.ID, err)
	}
	part.ETag = etag

	return part, nil
}

// RemoveDevices drops devices from every partition of a simulation. The
// node holding a changed partition notices on its next lease renewal.
func (p *Partitions) RemoveDevices(ctx context.Context, simulationID string, deviceIDs []string) error {
	parts, err := p.GetAll(ctx, simulationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, part := range parts {
		if !removeDevices(part, deviceIDs) {
			continue
		}
		if err := p.write(ctx, part); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// GetAll returns the partitions of a simulation sorted by id.
func (p *Partitions) GetAll(ctx context.Context, simulationID string) ([]*model.Partition, error) {
	recs, err := p.store.List(ctx, storage.Partitions)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}
	var out []*model.Partition
	for _, rec := range recs {
		var part model.Partition
		if err := storage.Decode(rec, &part); err != nil {
			p.log.Warn().Err(err).Msg("skipping unreadable partition")
			continue
		}
		if part.SimulationID != simulationID {
			continue
		}
		part.ETag = rec.ETag
		out = append(out, &part)
	}
	slices.SortFunc(out, func(a, b *model.Partition) int { return compareIDs(a.ID, b.ID) })

	return out, nil
}

// GetUnassigned returns the partitions of a simulation no node holds a
// valid lease on.
func (p *Partitions) GetUnassigned(ctx context.Context, simulationID string) ([]*model.Partition, error) {
	parts, err := p.GetAll(ctx, simulationID)
	if err != nil {
		return nil, err
	}
	now := p.now()

	return slices.DeleteFunc(parts, func(part *model.Partition) bool {
		return !part.IsAvailable(now)
	}), nil
}

// TryToAssign leases an available partition to the local node. It returns
// the leased partition, or ok=false when the partition is gone or another
// node got it first.
func (p *Partitions) TryToAssign(ctx context.Context, id string) (*model.Partition, bool, error) {
	part, err := p.get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !part.IsAvailable(p.now()) && part.NodeID != p.nodeID {
		return nil, false, nil
	}

	return p.lease(ctx, part)
}

// TryToKeep renews the local node's lease. It returns the current
// partition, or ok=false when the lease was lost or the partition is gone.
func (p *Partitions) TryToKeep(ctx context.Context, id string) (*model.Partition, bool, error) {
	part, err := p.get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if part.NodeID != p.nodeID {
		return nil, false, nil
	}

	return p.lease(ctx, part)
}

// Release gives up the local node's lease. Partitions held by other nodes
// or already gone are ignored.
func (p *Partitions) Release(ctx context.Context, id string) error {
	part, err := p.get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if part.NodeID != p.nodeID {
		return nil
	}
	part.NodeID = ""
	part.LeaseExpiration = time.Time{}
	err = p.write(ctx, part)
	if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}

	return err
}

// DeleteAll removes every partition of a simulation.
func (p *Partitions) DeleteAll(ctx context.Context, simulationID string) error {
	parts, err := p.GetAll(ctx, simulationID)
	if err != nil {
		return err
	}
	var errs []error
	for _, part := range parts {
		err := p.store.Delete(ctx, storage.Partitions, part.ID, "")
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete partition %s: %w", part.ID, err))
		}
	}

	return errors.Join(errs...)
}

func (p *Partitions) lease(ctx context.Context, part *model.Partition) (*model.Partition, bool, error) {
	part.NodeID = p.nodeID
	part.LeaseExpiration = p.now().UTC().Add(p.cfg.PartitionLease)
	err := p.write(ctx, part)
	switch {
	case err == nil:
		return part, true, nil
	case errors.Is(err, storage.ErrConflict), errors.Is(err, storage.ErrNotFound):
		return nil, false, nil
	default:
		return nil, false, err
	}
}

func (p *Partitions) get(ctx context.Context, id string) (*model.Partition, error) {
	var part model.Partition
	etag, err := storage.GetJSON(ctx, p.store, storage.Partitions, id, &part)
	if err != nil {
		return nil, fmt.Errorf("get partition %s: %w", id, err)
	}
	part.ETag = etag

	return &part, nil
}

// write stores part conditionally on its ETag and refreshes the ETag.
func (p *Partitions) write(ctx context.Context, part *model.Partition) error {
	etag := part.ETag
	part.ETag = ""
	newETag, err := storage.UpsertJSON(ctx, p.store, storage.Partitions, part.ID, part, etag)
	if err != nil {
		part.ETag = etag
		return fmt.Errorf("write partition %s: %w", part.ID, err)
	}
	part.ETag = newETag

	return nil
}

func newPartition(id, simulationID string, devices map[string][]string) *model.Partition {
	size := 0
	for _, ids := range devices {
		size += len(ids)
	}

	return &model.Partition{ID: id, SimulationID: simulationID, Size: size, Devices: devices}
}

func removeDevices(part *model.Partition, deviceIDs []string) bool {
	changed := false
	for modelID, ids := range part.Devices {
		kept := slices.DeleteFunc(slices.Clone(ids), func(id string) bool {
			return slices.Contains(deviceIDs, id)
		})
		if len(kept) == len(ids) {
			continue
		}
		changed = true
		part.Size -= len(ids) - len(kept)
		if len(kept) == 0 {
			delete(part.Devices, modelID)
		} else {
			part.Devices[modelID] = kept
		}
	}

	return changed
}

// compareIDs orders "<sim>.<n>" ids numerically on n.
func compareIDs(a, b string) int {
	return cmp.Or(cmp.Compare(len(a), len(b)), strings.Compare(a, b))
}
