package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var fastLimits = model.RateLimits{
	RegistryOperationsPerMinute: 60000,
	TwinReadsPerSecond:          1000,
	TwinWritesPerSecond:         1000,
	DeviceMessagesPerSecond:     1000,
	ConnectionsPerSecond:        1000,
}

type fixture struct {
	clock   *fakeClock
	hub     *registry.Memory
	store   *storage.Memory
	limiter *ratelimit.Limiter
	loop    *ratelimit.ConnectionLoopSettings
	props   *ratelimit.PropertiesLoopSettings
	deps    Deps
}

func newFixture(t *testing.T, limits model.RateLimits, mutate ...func(*Deps)) *fixture {
	t.Helper()

	clock := newFakeClock()
	limiter := ratelimit.New(limits, ratelimit.WithClock(clock.Now))
	hub := registry.NewMemory("secret", "hub.local")
	f := &fixture{
		clock:   clock,
		hub:     hub,
		store:   storage.NewMemory(),
		limiter: limiter,
		loop:    ratelimit.NewConnectionLoopSettings(limiter),
		props:   ratelimit.NewPropertiesLoopSettings(limiter),
	}
	f.deps = Deps{
		SimulationID: "1",
		Registry:     hub,
		Clients:      hub,
		Store:        f.store,
		Limiter:      limiter,
		Logger:       zerolog.Nop(),
		Now:          clock.Now,
	}
	for _, m := range mutate {
		m(&f.deps)
	}

	return f
}

func (f *fixture) newActor(t *testing.T, deviceID string) *ConnectionActor {
	t.Helper()

	m := truckModel()
	state := NewStateActor(f.deps)
	require.NoError(t, state.Setup(deviceID, m))
	a := NewConnectionActor(f.deps)
	require.NoError(t, a.Setup(deviceID, m, state, f.loop))

	return a
}

// drive runs the actor, one step at a time, until it reaches want.
func (f *fixture) drive(t *testing.T, a *ConnectionActor, want Status) {
	t.Helper()

	for range 100 {
		if a.Status() == want {
			return
		}
		f.clock.Advance(time.Second)
		f.loop.NewLoop()
		a.Run(context.Background())
		a.Wait()
	}
	require.Equal(t, want, a.Status())
}

func truckModel() *model.DeviceModel {
	return &model.DeviceModel{
		ID:       "truck",
		Name:     "Truck",
		Protocol: model.ProtocolMQTT,
		Simulation: model.StateSimulation{
			InitialState: map[string]any{"speed": 10.0, "online": false},
			Interval:     model.Duration(time.Second),
			Scripts: []model.Script{{
				Type:   "internal",
				Path:   "Math.Increasing",
				Params: map[string]any{"speed": map[string]any{"min": 0, "max": 100, "step": 5}},
			}},
		},
		Properties: map[string]any{"Type": "Truck"},
		Telemetry: []model.TelemetryMessage{
			{Interval: model.Duration(10 * time.Second), MessageTemplate: `{"speed":${speed}}`, MessageSchema: "truck;v1"},
		},
	}
}

func TestConnectionActor_SetupTwice(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")

	err := a.Setup("truck.0", truckModel(), nil, f.loop)
	require.ErrorIs(t, err, model.ErrAlreadyInitialized)
	assert.Equal(t, ReadyToStart, a.Status())
}

func TestConnectionActor_RunBeforeSetupIsNoop(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := NewConnectionActor(f.deps)

	a.Run(context.Background())
	a.Wait()
	assert.Equal(t, None, a.Status())
}

func TestConnectionActor_ConnectsNewDevice(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")

	f.drive(t, a, Done)

	assert.True(t, a.Connected())
	require.NotNil(t, a.Client())
	require.NotNil(t, a.Device())
	assert.Equal(t, 1, f.hub.Count())
	assert.EqualValues(t, 1, f.hub.Connected())
	assert.Zero(t, a.FailedDeviceConnectionsCount())

	var sd model.SimulatedDevice
	_, err := storage.GetJSON(context.Background(), f.store, storage.SimulatedDevices,
		model.SimulatedDeviceKey("1", "truck.0"), &sd)
	require.NoError(t, err)
	assert.Equal(t, "truck", sd.ModelID)
	assert.Equal(t, a.Device().AuthPrimaryKey, sd.Device.AuthPrimaryKey)
}

func TestConnectionActor_BulkCreatedSkipsFetch(t *testing.T) {
	f := newFixture(t, fastLimits, func(d *Deps) { d.BulkCreated = true })
	require.NoError(t, f.hub.CreateList(context.Background(), []string{"truck.0"}))
	a := f.newActor(t, "truck.0")

	f.clock.Advance(time.Second)
	a.Run(context.Background())
	assert.Equal(t, ReadyToSetupCredentials, a.Status())

	f.drive(t, a, Done)
	assert.Zero(t, a.FailedFetchCount())
	assert.Zero(t, a.FailedRegistrationsCount())
}

func TestConnectionActor_StaleStoreCredentialsRefetch(t *testing.T) {
	f := newFixture(t, fastLimits)
	ctx := context.Background()
	_, err := f.hub.Create(ctx, "truck.0")
	require.NoError(t, err)
	_, err = storage.CreateJSON(ctx, f.store, storage.SimulatedDevices, model.SimulatedDeviceKey("1", "truck.0"),
		model.SimulatedDevice{DeviceID: "truck.0", Device: &model.Device{ID: "truck.0", AuthPrimaryKey: "stale"}})
	require.NoError(t, err)

	a := f.newActor(t, "truck.0")
	f.drive(t, a, Done)

	assert.EqualValues(t, 1, a.FailedDeviceConnectionsCount())
	assert.Equal(t, registry.DeriveKey("secret", "truck.0"), a.Device().AuthPrimaryKey)
}

func TestConnectionActor_TwinTagging(t *testing.T) {
	f := newFixture(t, fastLimits, func(d *Deps) { d.TwinTagging = true })
	a := f.newActor(t, "truck.0")

	f.drive(t, a, Done)

	device, err := f.hub.Get(context.Background(), "truck.0")
	require.NoError(t, err)
	assert.Equal(t, "Y", device.Twin.Tags["IsSimulated"])
	assert.Equal(t, "1", device.Twin.Tags["SimulationId"])
	assert.Equal(t, "truck", device.Twin.Tags["DeviceModel"])
}

func TestConnectionActor_WaitsForWhenToRun(t *testing.T) {
	f := newFixture(t, model.RateLimits{RegistryOperationsPerMinute: 100})
	a := f.newActor(t, "truck.0")
	ctx := context.Background()

	// Use the free slot so the next registry operation waits 600ms.
	require.Zero(t, f.limiter.PauseForNextRegistryOperation())

	a.Run(ctx)
	require.Equal(t, ReadyToFetch, a.Status())

	a.Run(ctx)
	a.Wait()
	assert.Equal(t, ReadyToFetch, a.Status())

	f.clock.Advance(time.Second)
	a.Run(ctx)
	a.Wait()
	assert.Equal(t, ReadyToRegister, a.Status())
}

func TestConnectionActor_ExhaustedBudgetDefersEvent(t *testing.T) {
	// 25 registry operations per minute leave one fetch per loop.
	f := newFixture(t, model.RateLimits{RegistryOperationsPerMinute: 25})
	a := f.newActor(t, "truck.0")
	ctx := context.Background()

	require.True(t, f.loop.TryTakeFetch())

	a.Run(ctx)
	assert.Equal(t, ReadyToStart, a.Status())
	assert.Zero(t, f.loop.SchedulableFetches())

	a.Run(ctx)
	assert.Equal(t, ReadyToStart, a.Status())
	assert.Zero(t, f.loop.SchedulableFetches())

	f.loop.NewLoop()
	a.Run(ctx)
	assert.Equal(t, ReadyToFetch, a.Status())
	assert.Zero(t, f.loop.SchedulableFetches())
}

func TestConnectionActor_ExhaustedBudgetDefersFailure(t *testing.T) {
	tests := []struct {
		name   string
		from   Status
		event  Event
		want   Status
		budget func(*ratelimit.ConnectionLoopSettings) int64
		count  func(*ConnectionActor) int64
	}{
		{"fetch failed", Fetching, FetchFailed, ReadyToFetch,
			(*ratelimit.ConnectionLoopSettings).SchedulableFetches, (*ConnectionActor).FailedFetchCount},
		{"auth failed", Connecting, AuthFailed, ReadyToFetch,
			(*ratelimit.ConnectionLoopSettings).SchedulableFetches, (*ConnectionActor).FailedDeviceConnectionsCount},
		{"registration failed", Registering, RegistrationFailed, ReadyToRegister,
			(*ratelimit.ConnectionLoopSettings).SchedulableRegistrations, (*ConnectionActor).FailedRegistrationsCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, model.RateLimits{RegistryOperationsPerMinute: 25})
			a := f.newActor(t, "truck.0")
			a.status = tt.from
			for f.loop.TryTakeFetch() {
			}
			for f.loop.TryTakeRegistration() {
			}

			require.NoError(t, a.HandleEvent(tt.event))
			assert.Equal(t, tt.from, a.Status())
			assert.Zero(t, tt.budget(f.loop))
			assert.Zero(t, tt.count(a))
			assert.False(t, a.fetchFromRegistry)

			f.loop.NewLoop()
			full := tt.budget(f.loop)
			a.Run(context.Background())
			assert.Equal(t, tt.want, a.Status())
			assert.Equal(t, full-1, tt.budget(f.loop))
			assert.EqualValues(t, 1, tt.count(a))
		})
	}
}

func TestConnectionActor_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		from  Status
		event Event
		want  Status
		check func(t *testing.T, a *ConnectionActor)
	}{
		{"fetch failed retries fetch", Fetching, FetchFailed, ReadyToFetch, func(t *testing.T, a *ConnectionActor) {
			assert.EqualValues(t, 1, a.FailedFetchCount())
		}},
		{"not found registers", Fetching, DeviceNotFound, ReadyToRegister, nil},
		{"fetched connects", Fetching, FetchCompleted, ReadyToConnect, nil},
		{"registration failed retries", Registering, RegistrationFailed, ReadyToRegister, func(t *testing.T, a *ConnectionActor) {
			assert.EqualValues(t, 1, a.FailedRegistrationsCount())
		}},
		{"registered connects without tagging", Registering, DeviceRegistered, ReadyToConnect, nil},
		{"tagging failed retries", TaggingDeviceTwin, DeviceTwinTaggingFailed, ReadyToTagDeviceTwin, func(t *testing.T, a *ConnectionActor) {
			assert.EqualValues(t, 1, a.FailedTwinTaggingsCount())
		}},
		{"connection failed retries", Connecting, ConnectionFailed, ReadyToConnect, func(t *testing.T, a *ConnectionActor) {
			assert.EqualValues(t, 1, a.FailedDeviceConnectionsCount())
		}},
		{"auth failed refetches", Connecting, AuthFailed, ReadyToFetch, func(t *testing.T, a *ConnectionActor) {
			assert.EqualValues(t, 1, a.FailedDeviceConnectionsCount())
			assert.True(t, a.fetchFromRegistry)
		}},
		{"connected adds to store", Connecting, Connected, ReadyToAddToStore, func(t *testing.T, a *ConnectionActor) {
			assert.True(t, a.Connected())
		}},
		{"add to store failed retries", AddingToStore, AddToStoreFailed, ReadyToAddToStore, nil},
		{"added is done", AddingToStore, AddToStoreCompleted, Done, nil},
		{"broken client disconnects", Done, TelemetryClientBroken, ReadyToDisconnect, func(t *testing.T, a *ConnectionActor) {
			assert.False(t, a.Connected())
		}},
		{"disconnected reconnects", Disconnecting, Disconnected, ReadyToConnect, nil},
		{"delete from store failed retries", DeletingFromStore, DeleteFromStoreFailed, ReadyToDeleteFromStore, nil},
		{"deleted from store deregisters", DeletingFromStore, DeleteFromStoreCompleted, ReadyToDeregister, nil},
		{"deregistration failed retries", Deregistering, DeregistrationFailed, ReadyToDeregister, nil},
		{"deregistered is deleted", Deregistering, DeviceDeregistered, Deleted, nil},
		{"stale event ignored", Done, FetchFailed, Done, func(t *testing.T, a *ConnectionActor) {
			assert.Zero(t, a.FailedFetchCount())
		}},
		{"stopped ignores events", Stopped, Connected, Stopped, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, fastLimits)
			a := f.newActor(t, "truck.0")
			a.status = tt.from

			require.NoError(t, a.HandleEvent(tt.event))
			assert.Equal(t, tt.want, a.Status())
			if tt.check != nil {
				tt.check(t, a)
			}
		})
	}
}

func TestConnectionActor_InvalidEvent(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")

	require.ErrorIs(t, a.HandleEvent(Event(99)), model.ErrInvalidEvent)
	require.ErrorIs(t, a.HandleEvent(Event(-1)), model.ErrInvalidEvent)
	assert.Equal(t, ReadyToStart, a.Status())
}

func TestConnectionActor_DeleteChain(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")
	f.drive(t, a, Done)

	a.Delete()
	assert.Equal(t, ReadyToDisconnect, a.Status())
	f.drive(t, a, Deleted)

	assert.True(t, a.IsDeleted())
	assert.False(t, a.Connected())
	assert.Nil(t, a.Client())
	assert.Zero(t, f.hub.Count())
	assert.Zero(t, f.hub.Connected())
	_, err := f.store.Get(context.Background(), storage.SimulatedDevices, model.SimulatedDeviceKey("1", "truck.0"))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConnectionActor_DeleteDuringStep(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")
	a.status = Connecting

	a.Delete()
	assert.Equal(t, Connecting, a.Status())

	require.NoError(t, a.HandleEvent(Connected))
	assert.Equal(t, ReadyToDisconnect, a.Status())
	assert.True(t, a.Connected())
}

func TestConnectionActor_DeleteWithDeferredEvent(t *testing.T) {
	// 25 registry operations per minute leave one fetch per loop.
	f := newFixture(t, model.RateLimits{RegistryOperationsPerMinute: 25})
	a := f.newActor(t, "truck.0")
	a.status = Fetching
	for f.loop.TryTakeFetch() {
	}

	require.NoError(t, a.HandleEvent(FetchFailed))
	require.Equal(t, Fetching, a.Status())

	a.Delete()
	assert.Equal(t, ReadyToDisconnect, a.Status())
	f.drive(t, a, Deleted)
	assert.Zero(t, a.FailedFetchCount())
}

func TestConnectionActor_BrokenClientDuringStep(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")
	a.status = AddingToStore
	a.connected = true

	require.NoError(t, a.HandleEvent(TelemetryClientBroken))
	assert.Equal(t, AddingToStore, a.Status(), "the running step reports back first")
	assert.False(t, a.Connected())

	// Run starts nothing while the step is in flight.
	a.Run(context.Background())
	a.Wait()
	assert.Equal(t, AddingToStore, a.Status())

	require.NoError(t, a.HandleEvent(AddToStoreCompleted))
	assert.Equal(t, ReadyToDisconnect, a.Status())

	a.status = Disconnecting
	require.NoError(t, a.HandleEvent(Disconnected))
	assert.Equal(t, ReadyToConnect, a.Status())
	assert.False(t, a.reconnect)
}

func TestConnectionActor_Stop(t *testing.T) {
	f := newFixture(t, fastLimits)
	a := f.newActor(t, "truck.0")
	f.drive(t, a, Done)
	require.EqualValues(t, 1, f.hub.Connected())

	a.Stop()
	a.Stop()

	assert.Equal(t, Stopped, a.Status())
	assert.False(t, a.Connected())
	assert.Zero(t, f.hub.Connected())

	require.NoError(t, a.HandleEvent(TelemetryClientBroken))
	a.Run(context.Background())
	a.Wait()
	assert.Equal(t, Stopped, a.Status())
}

func TestConnectionActor_StopNeverStarted(t *testing.T) {
	f := newFixture(t, fastLimits)

	assert.NotPanics(t, func() { NewConnectionActor(f.deps).Stop() })
}
