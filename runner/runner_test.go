package runner

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
	"github.com/arloliu/devicesim/storage"
)

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
		Simulation: model.StateSimulation{
			Interval:     model.Duration(10 * time.Millisecond),
			InitialState: map[string]any{"speed": 10.0},
		},
		Telemetry: []model.TelemetryMessage{
			{Interval: model.Duration(10 * time.Millisecond), MessageTemplate: `{"speed":${speed}}`, MessageSchema: "truck;v1"},
			{Interval: model.Duration(10 * time.Millisecond), MessageTemplate: `{}`, MessageSchema: "truck-ping;v1"},
		},
	},
	"chiller": {
		ID:       "chiller",
		Protocol: model.ProtocolAMQP,
		Telemetry: []model.TelemetryMessage{
			{Interval: model.Duration(10 * time.Millisecond), MessageTemplate: `{}`, MessageSchema: "chiller;v1"},
		},
	},
}

var fastLimits = model.RateLimits{
	RegistryOperationsPerMinute: 60000,
	TwinReadsPerSecond:          1000,
	TwinWritesPerSecond:         1000,
	DeviceMessagesPerSecond:     1000,
	ConnectionsPerSecond:        1000,
}

func fastConfig() Config {
	return Config{
		Loops: workers.Config{
			StateLoop:      5 * time.Millisecond,
			ConnectionLoop: 5 * time.Millisecond,
			TelemetryLoop:  5 * time.Millisecond,
			PropertiesLoop: 5 * time.Millisecond,
			ReplayLoop:     5 * time.Millisecond,
			TelemetryLoops: 2,
		},
		BulkCreateTimeout: time.Second,
		DeleteTimeout:     5 * time.Second,
		StepTimeout:       time.Second,
	}
}

func newRunner(t *testing.T, reg registry.Registry, clients registry.ClientFactory, store storage.Engine) *SimulationRunner {
	t.Helper()

	r := New(fastConfig(), testModels, reg, clients, store, zerolog.Nop())
	t.Cleanup(r.Stop)

	return r
}

func truckSimulation(count int) *model.Simulation {
	return &model.Simulation{
		ID:           model.SimulationID,
		Enabled:      true,
		DeviceModels: []model.DeviceModelRef{{ID: "truck", Count: count}},
		RateLimits:   fastLimits,
	}
}

func TestNew_NilDependencyPanics(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	assert.Panics(t, func() { New(Config{}, nil, hub, hub, storage.NewMemory(), zerolog.Nop()) })
	assert.Panics(t, func() { New(Config{}, testModels, hub, hub, nil, zerolog.Nop()) })
}

func TestRunner_BuildsActors(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())

	require.NoError(t, r.Start(context.Background(), truckSimulation(3)))
	require.True(t, r.IsRunning())

	assert.Equal(t, 3, r.tables.State.Len())
	assert.Equal(t, 3, r.tables.Connection.Len())
	assert.Equal(t, 3, r.tables.Properties.Len())
	assert.Equal(t, 6, r.tables.Telemetry.Len())
	assert.Equal(t, 0, r.tables.Replay.Len())
	assert.Equal(t, []string{"truck#0", "truck#1", "truck#2"}, r.tables.Connection.Keys(model.SimulationID))
	assert.Equal(t, 3, hub.Count(), "devices are bulk created")
}

func TestRunner_ConcurrentStart(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())
	sim := truckSimulation(3)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(func() {
			assert.NoError(t, r.Start(context.Background(), sim))
		})
	}
	wg.Wait()

	assert.Equal(t, 3, r.DeviceCount())
	assert.Equal(t, 3, r.tables.Connection.Len())
	assert.Equal(t, 6, r.tables.Telemetry.Len())
}

func TestRunner_StopIsSafe(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())

	assert.NotPanics(t, r.Stop, "never started")

	require.NoError(t, r.Start(context.Background(), truckSimulation(2)))
	r.Stop()
	assert.False(t, r.IsRunning())
	assert.NotPanics(t, r.Stop, "stopped twice")
	assert.Zero(t, r.DeviceCount())

	// A stopped runner starts again.
	require.NoError(t, r.Start(context.Background(), truckSimulation(2)))
	assert.Equal(t, 2, r.DeviceCount())
}

func TestRunner_SimulatesDevices(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())

	require.NoError(t, r.Start(context.Background(), truckSimulation(3)))

	require.Eventually(t, func() bool { return r.ActiveDevicesCount() == 3 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return r.TotalMessagesCount() >= 6 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, r.FailedDeviceConnectionsCount())
	assert.Zero(t, r.SimulationErrorsCount())

	stats := r.Statistics()
	assert.Equal(t, model.SimulationID, stats.SimulationID)
	assert.EqualValues(t, 3, stats.ActiveDevices)

	r.Stop()
	assert.Zero(t, hub.Connected(), "stop disconnects every client")
}

type slowBulk struct {
	*registry.Memory
}

func (slowBulk) CreateList(ctx context.Context, _ []string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunner_BulkCreateTimeout(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	cfg := fastConfig()
	cfg.BulkCreateTimeout = 20 * time.Millisecond
	r := New(cfg, testModels, slowBulk{hub}, hub, storage.NewMemory(), zerolog.Nop())

	err := r.Start(context.Background(), truckSimulation(3))
	require.ErrorIs(t, err, model.ErrTimeout)
	assert.False(t, r.IsRunning())
	assert.EqualValues(t, 1, r.SimulationErrorsCount())
}

type failingBulk struct {
	*registry.Memory
}

func (failingBulk) CreateList(context.Context, []string) error {
	return fmt.Errorf("bulk: %w", model.ErrExternalDependency)
}

func TestRunner_BulkCreateFallsBack(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, failingBulk{hub}, hub, storage.NewMemory())

	require.NoError(t, r.Start(context.Background(), truckSimulation(2)))
	assert.False(t, r.builder.Deps.BulkCreated)
	require.Eventually(t, func() bool { return r.ActiveDevicesCount() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, hub.Count(), "devices registered one by one")
}

func TestRunner_SkipsUnknownModels(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())
	sim := truckSimulation(2)
	sim.DeviceModels = append(sim.DeviceModels, model.DeviceModelRef{ID: "ghost", Count: 5})

	require.NoError(t, r.Start(context.Background(), sim))
	assert.Equal(t, 2, r.DeviceCount())
}

func TestRunner_AppliesOverrides(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())
	sim := truckSimulation(1)
	zero := model.Duration(0)
	sim.DeviceModels[0].Override = &model.Override{
		Telemetry: []model.TelemetryOverride{{Interval: &zero}},
	}

	require.NoError(t, r.Start(context.Background(), sim))
	assert.Equal(t, 1, r.tables.Telemetry.Len(), "zero interval message has no actor")
	assert.Equal(t, model.Duration(10*time.Millisecond), testModels["truck"].Telemetry[0].Interval)
}

func TestRunner_Replay(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	store := storage.NewMemory()
	ctx := context.Background()
	_, err := storage.CreateJSON(ctx, store, storage.ReplayFiles, "rec-1", &model.ReplayFile{
		ID:      "rec-1",
		Content: "telemetry,0,truck;v1,{\"speed\":1}\ntelemetry,10,truck;v1,{\"speed\":2}\n",
	})
	require.NoError(t, err)

	r := newRunner(t, hub, hub, store)
	sim := truckSimulation(2)
	sim.ReplayFileID = "rec-1"

	require.NoError(t, r.Start(ctx, sim))
	assert.Equal(t, 0, r.tables.Telemetry.Len())
	assert.Equal(t, 2, r.tables.Replay.Len())
	require.Eventually(t, func() bool { return r.TotalMessagesCount() == 4 }, 5*time.Second, 10*time.Millisecond)
}

func TestRunner_MissingReplayFile(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())
	sim := truckSimulation(1)
	sim.ReplayFileID = "missing"

	require.ErrorIs(t, r.Start(context.Background(), sim), model.ErrNotFound)
	assert.False(t, r.IsRunning())
}

func TestRunner_AddAndDeleteDevices(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	r := newRunner(t, hub, hub, storage.NewMemory())
	ctx := context.Background()

	require.ErrorIs(t, r.AddDevice(ctx, "x", "truck"), ErrNotRunning)
	require.ErrorIs(t, r.DeleteDevices([]string{"x"}), ErrNotRunning)

	require.NoError(t, r.Start(ctx, truckSimulation(2)))
	require.NoError(t, r.AddDevice(ctx, "my-chiller", "chiller"))
	require.NoError(t, r.AddDevice(ctx, "my-chiller", "chiller"))
	require.ErrorIs(t, r.AddDevice(ctx, "x", "ghost"), model.ErrNotFound)
	assert.Equal(t, 3, r.DeviceCount())
	assert.Equal(t, []string{"chiller#0", "truck#0", "truck#1"}, r.tables.Connection.Keys(model.SimulationID))

	require.Eventually(t, func() bool { return r.ActiveDevicesCount() == 3 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, r.DeleteDevices([]string{"my-chiller", "unknown"}))
	assert.Equal(t, 2, r.DeviceCount())
	require.Eventually(t, func() bool {
		return r.tables.Connection.Len() == 2
	}, 5*time.Second, 10*time.Millisecond, "deleted device is reaped once the chain completes")
	assert.Equal(t, 2, hub.Count())
}

func TestRunner_DeleteDevicesOnStop(t *testing.T) {
	hub := registry.NewMemory("secret", "hub")
	store := storage.NewMemory()
	r := newRunner(t, hub, hub, store)
	sim := truckSimulation(3)
	sim.DeleteDevicesOnStop = true

	require.NoError(t, r.Start(context.Background(), sim))
	require.Eventually(t, func() bool { return r.ActiveDevicesCount() == 3 }, 5*time.Second, 10*time.Millisecond)

	r.Stop()
	assert.Zero(t, hub.Count())
	recs, err := store.List(context.Background(), storage.SimulatedDevices)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
