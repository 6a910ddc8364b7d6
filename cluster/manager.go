package cluster

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/device"
	"github.com/arloliu/devicesim/internal/workers"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/storage"
)

// ModelLookup resolves device model ids. *devicemodels.Catalog satisfies it.
type ModelLookup interface {
	Get(ctx context.Context, id string) (*model.DeviceModel, error)
}

// ManagerDeps are the collaborators of a SimulationManager.
type ManagerDeps struct {
	Partitions *Partitions
	Nodes      *Nodes
	// Tables are shared with the worker loops of the process.
	Tables   *workers.Tables
	Models   ModelLookup
	Registry registry.Registry
	Clients  registry.ClientFactory
	Store    storage.Engine
	Logger   zerolog.Logger
	// TwinTagging and StepTimeout are passed to the device actors.
	TwinTagging bool
	StepTimeout time.Duration
}

// binding is the simulation a manager was initialized with.
type binding struct {
	sim     *model.Simulation
	limiter *ratelimit.Limiter
	builder *device.Builder
	devices *workers.Devices
}

// SimulationManager runs the local node's share of a simulation: the
// devices of the partitions it holds a lease on.
type SimulationManager struct {
	cfg  Config
	deps ManagerDeps
	log  zerolog.Logger
	now  func() time.Time

	bound atomic.Pointer[binding]

	mu          sync.Mutex
	assigned    map[string]*model.Partition
	devModels   map[string]*model.DeviceModel
	clusterSize int

	simErrors atomic.Int64
}

// NewSimulationManager creates a manager that must be Init before use.
//
// Panics if a required dependency is nil.
func NewSimulationManager(cfg Config, deps ManagerDeps, opts ...Option) *SimulationManager {
	if deps.Partitions == nil || deps.Nodes == nil || deps.Tables == nil || deps.Models == nil ||
		deps.Registry == nil || deps.Clients == nil || deps.Store == nil {
		panic("devicesim/cluster: manager dependencies must not be nil")
	}
	cfg = cfg.withDefaults()
	cfg.NodeID = deps.Nodes.ID()
	o := applyOptions(opts)

	return &SimulationManager{
		cfg:         cfg,
		deps:        deps,
		log:         deps.Logger.With().Str("node_id", cfg.NodeID).Logger(),
		now:         o.now,
		assigned:    make(map[string]*model.Partition),
		devModels:   make(map[string]*model.DeviceModel),
		clusterSize: 1,
	}
}

// Init binds the manager to sim. Calling Init again for the same simulation
// only refreshes the stored copy; assigned partitions and actors are kept.
func (m *SimulationManager) Init(_ context.Context, sim *model.Simulation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b := m.bound.Load(); b != nil && b.sim.ID == sim.ID {
		m.bound.Store(&binding{sim: sim, limiter: b.limiter, builder: b.builder, devices: b.devices})
		return nil
	}

	limiter := ratelimit.New(sim.RateLimits, ratelimit.WithClock(m.now))
	limiter.ChangeClusterSize(m.clusterSize)
	log := m.log.With().Str("simulation_id", sim.ID).Logger()
	builder := &device.Builder{
		Deps: device.Deps{
			SimulationID: sim.ID,
			Registry:     m.deps.Registry,
			Clients:      m.deps.Clients,
			Store:        m.deps.Store,
			Limiter:      limiter,
			Logger:       log,
			Now:          m.now,
			TwinTagging:  m.deps.TwinTagging,
			StepTimeout:  m.deps.StepTimeout,
		},
		ConnectionLoop: ratelimit.NewConnectionLoopSettings(limiter),
		PropertiesLoop: ratelimit.NewPropertiesLoopSettings(limiter),
	}
	m.bound.Store(&binding{
		sim:     sim,
		limiter: limiter,
		builder: builder,
		devices: workers.NewDevices(sim.ID, m.deps.Tables),
	})
	clear(m.assigned)
	clear(m.devModels)
	log.Info().Msg("simulation manager initialized")

	return nil
}

// AssignNewPartitions leases available partitions in random order and
// creates the actors of their devices, until the node runs
// MaxDevicesPerNode devices.
func (m *SimulationManager) AssignNewPartitions(ctx context.Context) error {
	b := m.bound.Load()
	if b == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	parts, err := m.deps.Partitions.GetAll(ctx, b.sim.ID)
	if err != nil {
		return err
	}
	now := m.now()
	parts = slices.DeleteFunc(parts, func(p *model.Partition) bool {
		_, held := m.assigned[p.ID]
		return held || !(p.IsAvailable(now) || p.NodeID == m.cfg.NodeID)
	})
	rand.Shuffle(len(parts), func(i, j int) { parts[i], parts[j] = parts[j], parts[i] })

	for _, p := range parts {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if b.devices.Len() >= m.cfg.MaxDevicesPerNode {
			m.log.Debug().Int("devices", b.devices.Len()).Msg("node is full, not taking more partitions")
			break
		}
		leased, ok, err := m.deps.Partitions.TryToAssign(ctx, p.ID)
		if err != nil {
			m.log.Warn().Err(err).Str("partition_id", p.ID).Msg("partition assignment failed")
			continue
		}
		if !ok {
			continue
		}
		if err := m.createActors(ctx, b, leased.Devices); err != nil {
			m.simErrors.Add(1)
			m.log.Error().Err(err).Str("partition_id", p.ID).Msg("creating partition actors, releasing it")
			b.devices.Remove(leased.DeviceIDs()...)
			if rerr := m.deps.Partitions.Release(ctx, p.ID); rerr != nil {
				m.log.Warn().Err(rerr).Str("partition_id", p.ID).Msg("releasing partition")
			}

			continue
		}
		m.assigned[leased.ID] = leased
		m.log.Info().Str("partition_id", leased.ID).Int("devices", leased.Size).Msg("partition assigned")
	}

	return nil
}

// createActors builds the actors of the given devices. A model that does
// not exist is skipped; any other error is returned.
func (m *SimulationManager) createActors(ctx context.Context, b *binding, devices map[string][]string) error {
	for _, modelID := range slices.Sorted(maps.Keys(devices)) {
		dm, err := m.model(ctx, b.sim, modelID)
		if errors.Is(err, model.ErrNotFound) {
			m.log.Warn().Err(err).Str("model_id", modelID).Msg("skipping devices of unknown model")
			continue
		}
		if err != nil {
			return err
		}
		for _, id := range devices[modelID] {
			if err := b.devices.Add(b.builder, id, dm); err != nil {
				return fmt.Errorf("device %s: %w", id, err)
			}
		}
	}

	return nil
}

// model must be called with mu held.
func (m *SimulationManager) model(ctx context.Context, sim *model.Simulation, id string) (*model.DeviceModel, error) {
	if dm, ok := m.devModels[id]; ok {
		return dm, nil
	}
	dm, err := m.deps.Models.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref := sim.ModelRef(id); ref != nil {
		dm = dm.WithOverride(ref.Override)
	}
	m.devModels[id] = dm

	return dm, nil
}

// HoldAssignedPartitions renews the leases of the held partitions. A lost
// or vanished partition has its actors torn down. Devices removed from a
// held partition are deleted; devices added to it get actors.
func (m *SimulationManager) HoldAssignedPartitions(ctx context.Context) error {
	b := m.bound.Load()
	if b == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range slices.Sorted(maps.Keys(m.assigned)) {
		held := m.assigned[id]
		current, ok, err := m.deps.Partitions.TryToKeep(ctx, id)
		if err != nil {
			m.log.Warn().Err(err).Str("partition_id", id).Msg("lease renewal failed")
			continue
		}
		if !ok {
			removed := b.devices.Remove(held.DeviceIDs()...)
			delete(m.assigned, id)
			m.log.Warn().Str("partition_id", id).Int("devices", len(removed)).Msg("partition lost, actors removed")

			continue
		}

		was := held.DeviceIDs()
		now := current.DeviceIDs()
		gone := slices.DeleteFunc(slices.Clone(was), func(d string) bool { return slices.Contains(now, d) })
		if len(gone) > 0 {
			b.devices.Delete(gone...)
		}
		if err := m.createActors(ctx, b, current.Devices); err != nil {
			m.simErrors.Add(1)
			m.log.Error().Err(err).Str("partition_id", id).Msg("creating actors of added devices")
		}
		m.assigned[id] = current
	}

	return nil
}

// ReleasePartitions gives up every held lease so other nodes can take the
// partitions right away. The actors are left to TearDown.
func (m *SimulationManager) ReleasePartitions(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for id := range m.assigned {
		if err := m.deps.Partitions.Release(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// UpdateThrottlingLimits resizes the rate limits when the number of live
// nodes changed.
func (m *SimulationManager) UpdateThrottlingLimits(ctx context.Context) error {
	ids, err := m.deps.Nodes.GetSortedIDList(ctx)
	if err != nil {
		return err
	}
	n := max(1, len(ids))

	m.mu.Lock()
	defer m.mu.Unlock()

	if n == m.clusterSize {
		return nil
	}
	m.log.Info().Int("from", m.clusterSize).Int("to", n).Msg("cluster size changed")
	m.clusterSize = n
	if b := m.bound.Load(); b != nil {
		b.limiter.ChangeClusterSize(n)
	}

	return nil
}

// ClusterSize returns the node count the rate limits are divided by.
func (m *SimulationManager) ClusterSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.clusterSize
}

// TearDown stops and removes every actor of the simulation and forgets the
// held partitions. It never fails; panics are logged.
func (m *SimulationManager) TearDown() {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Msg("tearing down simulation")
		}
	}()

	b := m.bound.Load()
	if b == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sets := b.devices.StopAll()
	for _, s := range sets {
		s.Connection.Wait()
	}
	m.deps.Tables.RemoveSimulation(b.sim.ID)
	clear(m.assigned)
	m.log.Info().Str("simulation_id", b.sim.ID).Int("devices", len(sets)).Msg("simulation torn down")
}

// AssignedPartitions returns the ids of the held partitions, sorted.
func (m *SimulationManager) AssignedPartitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.assigned))
}

// DeviceCount returns the devices simulated by this node.
func (m *SimulationManager) DeviceCount() int {
	if b := m.bound.Load(); b != nil {
		return b.devices.Len()
	}

	return 0
}

// Statistics returns the counters of this node's actors.
func (m *SimulationManager) Statistics() model.Statistics {
	stats := model.Statistics{
		NodeID:           m.cfg.NodeID,
		SimulationErrors: m.simErrors.Load(),
		Updated:          m.now().UTC(),
	}
	if b := m.bound.Load(); b != nil {
		stats.SimulationID = b.sim.ID
		b.devices.AddTo(&stats)
	}

	return stats
}

// SaveStatistics stores this node's counters. Errors are logged.
func (m *SimulationManager) SaveStatistics(ctx context.Context) {
	stats := m.Statistics()
	if stats.SimulationID == "" {
		return
	}
	key := stats.SimulationID + "." + stats.NodeID
	if _, err := storage.UpsertJSON(ctx, m.deps.Store, storage.Statistics, key, &stats, ""); err != nil {
		m.log.Warn().Err(err).Msg("saving statistics")
	}
}

// PrintStats logs this node's counters.
func (m *SimulationManager) PrintStats() {
	s := m.Statistics()
	m.log.Info().
		Str("simulation_id", s.SimulationID).
		Int("partitions", len(m.AssignedPartitions())).
		Int64("active_devices", s.ActiveDevices).
		Int64("total_messages", s.TotalMessages).
		Int64("failed_messages", s.FailedMessages).
		Int64("failed_connections", s.FailedDeviceConnections).
		Int64("failed_twin_updates", s.FailedDevicePropertiesUpdates).
		Int64("simulation_errors", s.SimulationErrors).
		Msg("simulation statistics")
}

// NewConnectionLoop refills the connection loop budgets and unregisters
// the devices whose deletion completed. The connection loop calls it
// before every pass.
func (m *SimulationManager) NewConnectionLoop() {
	b := m.bound.Load()
	if b == nil {
		return
	}
	b.builder.ConnectionLoop.NewLoop()
	for _, id := range b.devices.Reap() {
		m.log.Debug().Str("device_id", id).Msg("device deleted")
	}
}

// NewPropertiesLoop refills the properties loop budget.
func (m *SimulationManager) NewPropertiesLoop() {
	if b := m.bound.Load(); b != nil {
		b.builder.PropertiesLoop.NewLoop()
	}
}
