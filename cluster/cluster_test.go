package cluster

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/devicesim/internal/workers"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/simulations"
	"github.com/arloliu/devicesim/storage"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.t = c.t.Add(d)
}

type fakeModels map[string]*model.DeviceModel

func (f fakeModels) Get(_ context.Context, id string) (*model.DeviceModel, error) {
	m, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("device model %s: %w", id, model.ErrNotFound)
	}

	return m.Clone(), nil
}

var testModels = fakeModels{
	"truck": {
		ID:       "truck",
		Protocol: model.ProtocolMQTT,
		Telemetry: []model.TelemetryMessage{
			{Interval: model.Duration(time.Second), MessageTemplate: `{}`, MessageSchema: "truck;v1"},
		},
	},
}

// node bundles the components one process runs.
type node struct {
	nodes      *Nodes
	partitions *Partitions
	manager    *SimulationManager
	tables     *workers.Tables
}

type fixture struct {
	store storage.Engine
	sims  *simulations.Service
	hub   *registry.Memory
	clock *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clock := newTestClock()
	store := storage.NewMemory()

	return &fixture{
		store: store,
		sims:  simulations.New(store, testModels, zerolog.Nop(), simulations.WithClock(clock.Now)),
		hub:   registry.NewMemory("secret", "hub"),
		clock: clock,
	}
}

func (f *fixture) insert(t *testing.T, count int) *model.Simulation {
	t.Helper()

	sim, err := f.sims.Insert(context.Background(), &model.Simulation{
		Enabled:      true,
		DeviceModels: []model.DeviceModelRef{{ID: "truck", Count: count}},
		RateLimits:   model.RateLimits{}.WithDefaults(),
	})
	require.NoError(t, err)

	return sim
}

func (f *fixture) node(t *testing.T, id string, cfg Config) *node {
	t.Helper()

	cfg.NodeID = id
	nodes := NewNodes(f.store, cfg, zerolog.Nop(), WithClock(f.clock.Now))
	parts := NewPartitions(f.store, f.sims, cfg, zerolog.Nop(), WithClock(f.clock.Now))
	tables := workers.NewTables()
	m := NewSimulationManager(cfg, ManagerDeps{
		Partitions: parts,
		Nodes:      nodes,
		Tables:     tables,
		Models:     testModels,
		Registry:   f.hub,
		Clients:    f.hub,
		Store:      f.store,
		Logger:     zerolog.Nop(),
	}, WithClock(f.clock.Now))
	t.Cleanup(m.TearDown)

	return &node{nodes: nodes, partitions: parts, manager: m, tables: tables}
}

func TestSplit(t *testing.T) {
	devices := map[string][]string{
		"b": {"b.0", "b.1"},
		"a": {"a.0", "a.1", "a.2"},
	}

	parts := Split(devices, 2)

	require.Len(t, parts, 3)
	assert.Equal(t, map[string][]string{"a": {"a.0", "a.1"}}, parts[0])
	assert.Equal(t, map[string][]string{"a": {"a.2"}, "b": {"b.0"}}, parts[1])
	assert.Equal(t, map[string][]string{"b": {"b.1"}}, parts[2])
	assert.Empty(t, Split(nil, 2))
}

func TestPartitionID_Order(t *testing.T) {
	ids := []string{PartitionID("s", 10), PartitionID("s", 2), PartitionID("s", 1)}
	assert.Negative(t, compareIDs(ids[2], ids[1]))
	assert.Negative(t, compareIDs(ids[1], ids[0]))
	assert.Zero(t, compareIDs(ids[0], ids[0]))
}

func TestNodes_KeepAliveAndStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.node(t, "node-a", Config{NodeTTL: time.Minute})
	b := f.node(t, "node-b", Config{NodeTTL: time.Minute})

	require.NoError(t, a.nodes.KeepAlive(ctx))
	require.NoError(t, b.nodes.KeepAlive(ctx))
	ids, err := a.nodes.GetSortedIDList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-a", "node-b"}, ids)

	f.clock.Advance(40 * time.Second)
	require.NoError(t, b.nodes.KeepAlive(ctx))
	f.clock.Advance(40 * time.Second)

	ids, err = b.nodes.GetSortedIDList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node-b"}, ids)

	require.NoError(t, b.nodes.RemoveStaleNodes(ctx))
	recs, err := f.store.List(ctx, storage.Nodes)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "node-b", recs[0].Key)
}

func TestNodes_SelfElectToMaster(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.node(t, "node-a", Config{MasterLockDuration: time.Minute})
	b := f.node(t, "node-b", Config{MasterLockDuration: time.Minute})

	ok, err := a.nodes.SelfElectToMaster(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.nodes.SelfElectToMaster(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "lock is held")

	ok, err = a.nodes.SelfElectToMaster(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "master renews its own lock")

	f.clock.Advance(2 * time.Minute)
	ok, err = b.nodes.SelfElectToMaster(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock is taken over")

	ok, err = a.nodes.SelfElectToMaster(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPartitions_Create(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 5)
	n := f.node(t, "node-a", Config{PartitionSize: 2})

	require.NoError(t, n.partitions.Create(ctx, sim))

	parts, err := n.partitions.GetAll(ctx, sim.ID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, []int{2, 2, 1}, []int{parts[0].Size, parts[1].Size, parts[2].Size})
	assert.Equal(t, PartitionID(sim.ID, 0), parts[0].ID)

	stored, err := f.sims.Get(ctx, sim.ID)
	require.NoError(t, err)
	assert.True(t, stored.PartitioningComplete)

	require.NoError(t, n.partitions.Create(ctx, stored))
	again, err := n.partitions.GetAll(ctx, sim.ID)
	require.NoError(t, err)
	assert.Len(t, again, 3)
}

func TestPartitions_CreateAbortsWhenDevicesChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 3)
	n := f.node(t, "node-a", Config{PartitionSize: 2})

	_, err := f.sims.DeleteDevices(ctx, sim.ID, []string{"truck.0"})
	require.NoError(t, err)

	err = n.partitions.Create(ctx, sim)
	require.ErrorIs(t, err, errDevicesChanged)

	stored, err := f.sims.Get(ctx, sim.ID)
	require.NoError(t, err)
	assert.False(t, stored.PartitioningComplete)
}

func TestPartitions_LeaseExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 2)
	cfg := Config{PartitionSize: 10, PartitionLease: time.Minute}
	a := f.node(t, "node-a", cfg)
	b := f.node(t, "node-b", cfg)
	require.NoError(t, a.partitions.Create(ctx, sim))
	id := PartitionID(sim.ID, 0)

	part, ok, err := a.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-a", part.NodeID)

	_, ok, err = b.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "lease is valid")

	unassigned, err := b.partitions.GetUnassigned(ctx, sim.ID)
	require.NoError(t, err)
	assert.Empty(t, unassigned)

	f.clock.Advance(2 * time.Minute)
	part, ok, err = b.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "node-b", part.NodeID)

	_, ok, err = a.partitions.TryToKeep(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "lease moved to node-b")

	_, ok, err = b.partitions.TryToKeep(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPartitions_Release(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 2)
	a := f.node(t, "node-a", Config{})
	b := f.node(t, "node-b", Config{})
	require.NoError(t, a.partitions.Create(ctx, sim))
	id := PartitionID(sim.ID, 0)

	_, ok, err := a.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, b.partitions.Release(ctx, id), "releasing a foreign lease is ignored")
	_, ok, err = b.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.partitions.Release(ctx, id))
	_, ok, err = b.partitions.TryToAssign(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, a.partitions.Release(ctx, "missing"))
}

func TestPartitions_AddAndRemoveDevices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 3)
	n := f.node(t, "node-a", Config{PartitionSize: 2})
	require.NoError(t, n.partitions.Create(ctx, sim))

	part, err := n.partitions.CreateForDevices(ctx, sim.ID, map[string][]string{"truck": {"extra"}})
	require.NoError(t, err)
	assert.Equal(t, PartitionID(sim.ID, 2), part.ID)
	assert.Equal(t, 1, part.Size)

	require.NoError(t, n.partitions.RemoveDevices(ctx, sim.ID, []string{"truck.0", "extra"}))

	parts, err := n.partitions.GetAll(ctx, sim.ID)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Equal(t, map[string][]string{"truck": {"truck.1"}}, parts[0].Devices)
	assert.Equal(t, 1, parts[0].Size)
	assert.Empty(t, parts[2].Devices)
	assert.Zero(t, parts[2].Size)
}

func TestNewSimulationManager_NilDependencyPanics(t *testing.T) {
	assert.Panics(t, func() { NewSimulationManager(Config{}, ManagerDeps{}) })
}

func TestManager_AssignsPartitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 5)
	n := f.node(t, "node-a", Config{PartitionSize: 2})
	require.NoError(t, n.partitions.Create(ctx, sim))

	require.NoError(t, n.manager.Init(ctx, sim))
	require.NoError(t, n.manager.AssignNewPartitions(ctx))

	assert.Equal(t, 5, n.manager.DeviceCount())
	assert.Equal(t, 5, n.tables.Connection.Len())
	assert.Len(t, n.manager.AssignedPartitions(), 3)

	stats := n.manager.Statistics()
	assert.Equal(t, sim.ID, stats.SimulationID)
	assert.Equal(t, "node-a", stats.NodeID)
}

func TestManager_UninitializedIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	n := f.node(t, "node-a", Config{})

	require.NoError(t, n.manager.AssignNewPartitions(ctx))
	require.NoError(t, n.manager.HoldAssignedPartitions(ctx))
	n.manager.NewConnectionLoop()
	n.manager.NewPropertiesLoop()
	n.manager.SaveStatistics(ctx)
	assert.Zero(t, n.manager.DeviceCount())
}

func TestManager_MaxDevicesPerNode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 10)
	a := f.node(t, "node-a", Config{PartitionSize: 2, MaxDevicesPerNode: 3})
	b := f.node(t, "node-b", Config{PartitionSize: 2, MaxDevicesPerNode: 100})
	require.NoError(t, a.partitions.Create(ctx, sim))

	require.NoError(t, a.manager.Init(ctx, sim))
	require.NoError(t, a.manager.AssignNewPartitions(ctx))
	assert.Equal(t, 4, a.manager.DeviceCount(), "stops after crossing the cap")
	assert.Len(t, a.manager.AssignedPartitions(), 2)

	require.NoError(t, b.manager.Init(ctx, sim))
	require.NoError(t, b.manager.AssignNewPartitions(ctx))
	assert.Equal(t, 6, b.manager.DeviceCount(), "the rest goes to the other node")
}

func TestManager_LeaseLossRemovesActors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 4)
	cfg := Config{PartitionSize: 2, PartitionLease: time.Minute}
	a := f.node(t, "node-a", cfg)
	b := f.node(t, "node-b", cfg)
	require.NoError(t, a.partitions.Create(ctx, sim))

	require.NoError(t, a.manager.Init(ctx, sim))
	require.NoError(t, a.manager.AssignNewPartitions(ctx))
	require.Equal(t, 4, a.manager.DeviceCount())

	f.clock.Advance(2 * time.Minute)
	require.NoError(t, b.manager.Init(ctx, sim))
	require.NoError(t, b.manager.AssignNewPartitions(ctx))
	require.Equal(t, 4, b.manager.DeviceCount())

	require.NoError(t, a.manager.HoldAssignedPartitions(ctx))
	assert.Zero(t, a.manager.DeviceCount())
	assert.Zero(t, a.tables.Connection.Len())
	assert.Zero(t, a.tables.Telemetry.Len())
	assert.Empty(t, a.manager.AssignedPartitions())

	require.NoError(t, b.manager.HoldAssignedPartitions(ctx))
	assert.Equal(t, 4, b.manager.DeviceCount())
}

func TestManager_HoldAppliesPartitionChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 3)
	n := f.node(t, "node-a", Config{PartitionSize: 10})
	require.NoError(t, n.partitions.Create(ctx, sim))
	require.NoError(t, n.manager.Init(ctx, sim))
	require.NoError(t, n.manager.AssignNewPartitions(ctx))
	require.Equal(t, 3, n.manager.DeviceCount())

	require.NoError(t, n.partitions.RemoveDevices(ctx, sim.ID, []string{"truck.1"}))
	require.NoError(t, n.manager.HoldAssignedPartitions(ctx))
	assert.Equal(t, 2, n.manager.DeviceCount())

	_, err := n.partitions.CreateForDevices(ctx, sim.ID, map[string][]string{"truck": {"extra"}})
	require.NoError(t, err)
	require.NoError(t, n.manager.AssignNewPartitions(ctx))
	assert.Equal(t, 3, n.manager.DeviceCount())
	assert.Len(t, n.manager.AssignedPartitions(), 2)
}

func TestManager_TearDownThenReassign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 5)
	n := f.node(t, "node-a", Config{PartitionSize: 2})
	require.NoError(t, n.partitions.Create(ctx, sim))
	require.NoError(t, n.manager.Init(ctx, sim))
	require.NoError(t, n.manager.AssignNewPartitions(ctx))
	require.Equal(t, 5, n.manager.DeviceCount())

	n.manager.TearDown()
	assert.Zero(t, n.manager.DeviceCount())
	assert.Zero(t, n.tables.Connection.Len())
	assert.Empty(t, n.manager.AssignedPartitions())

	require.NoError(t, n.manager.AssignNewPartitions(ctx))
	assert.Equal(t, 5, n.manager.DeviceCount(), "own leases are taken back")
	assert.Equal(t, 5, n.tables.Connection.Len())
}

func TestManager_UpdateThrottlingLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 1)
	a := f.node(t, "node-a", Config{})
	require.NoError(t, a.manager.Init(ctx, sim))
	limiter := a.manager.bound.Load().limiter

	require.NoError(t, a.nodes.KeepAlive(ctx))
	require.NoError(t, a.manager.UpdateThrottlingLimits(ctx))
	assert.Equal(t, 1, a.manager.ClusterSize())
	single := limiter.RegistryOperationsPerMinute()

	for _, id := range []string{"node-b", "node-c"} {
		require.NoError(t, f.node(t, id, Config{}).nodes.KeepAlive(ctx))
	}
	require.NoError(t, a.manager.UpdateThrottlingLimits(ctx))

	assert.Equal(t, 3, a.manager.ClusterSize())
	assert.Equal(t, 3, limiter.ClusterSize())
	assert.Less(t, limiter.RegistryOperationsPerMinute(), single)
}

func TestManager_SaveStatistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sim := f.insert(t, 2)
	n := f.node(t, "node-a", Config{})
	require.NoError(t, n.partitions.Create(ctx, sim))
	require.NoError(t, n.manager.Init(ctx, sim))
	require.NoError(t, n.manager.AssignNewPartitions(ctx))

	n.manager.SaveStatistics(ctx)

	var stats model.Statistics
	_, err := storage.GetJSON(ctx, f.store, storage.Statistics, sim.ID+".node-a", &stats)
	require.NoError(t, err)
	assert.Equal(t, "node-a", stats.NodeID)
	assert.Equal(t, sim.ID, stats.SimulationID)
}
