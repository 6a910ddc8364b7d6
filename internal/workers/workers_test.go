package workers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/devicesim/device"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/storage"
)

func TestChunk(t *testing.T) {
	items := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}

	tests := []struct {
		name string
		i, n int
		want []int
	}{
		{"single loop", 0, 1, items},
		{"first of three", 0, 3, []int{0, 1, 2}},
		{"second of three", 1, 3, []int{3, 4, 5}},
		{"last of three", 2, 3, []int{6, 7, 8, 9}},
		{"more loops than items", 3, 20, []int{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Chunk(items, tt.i, tt.n))
		})
	}
}

func TestChunk_CoversEveryItem(t *testing.T) {
	items := make([]int, 37)
	for i := range items {
		items[i] = i
	}

	var got []int
	for i := range 4 {
		got = append(got, Chunk(items, i, 4)...)
	}
	assert.Equal(t, items, got)
}

func TestRun_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var passes atomic.Int32
	done := make(chan struct{})

	go func() {
		defer close(done)
		Run(ctx, 10*time.Millisecond, func(context.Context) { passes.Add(1) })
	}()

	require.Eventually(t, func() bool { return passes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSlowDownIfTooFast(t *testing.T) {
	ctx := context.Background()

	start := time.Now()
	require.True(t, SlowDownIfTooFast(ctx, start, 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// A slow pass does not sleep.
	start = time.Now()
	require.True(t, SlowDownIfTooFast(ctx, start.Add(-time.Second), 20*time.Millisecond))
	assert.Less(t, time.Since(start), 20*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, SlowDownIfTooFast(cancelled, time.Now(), time.Hour))
}

func newSet(t *testing.T, key string, hub *registry.Memory) *device.Set {
	t.Helper()

	limiter := ratelimit.New(model.RateLimits{RegistryOperationsPerMinute: 60000, TwinWritesPerSecond: 1000})
	b := &device.Builder{
		Deps: device.Deps{
			SimulationID: model.SimulationID,
			Registry:     hub,
			Clients:      hub,
			Store:        storage.NewMemory(),
			Limiter:      limiter,
			Logger:       zerolog.Nop(),
		},
		ConnectionLoop: ratelimit.NewConnectionLoopSettings(limiter),
		PropertiesLoop: ratelimit.NewPropertiesLoopSettings(limiter),
	}
	m := &model.DeviceModel{
		ID:       "truck",
		Protocol: model.ProtocolMQTT,
		Telemetry: []model.TelemetryMessage{
			{Interval: model.Duration(time.Second), MessageTemplate: "{}", MessageSchema: "a"},
			{Interval: model.Duration(time.Second), MessageTemplate: "{}", MessageSchema: "b"},
		},
	}
	s, err := b.Build(key, "dev-"+key, m)
	require.NoError(t, err)

	return s
}

func TestTables_AddRemove(t *testing.T) {
	hub := registry.NewMemory("secret", "hub.local")
	tables := NewTables()
	s := newSet(t, "truck#0", hub)

	require.True(t, tables.Add("1", s))
	assert.False(t, tables.Add("1", s))
	assert.Equal(t, 1, tables.State.Len())
	assert.Equal(t, 1, tables.Connection.Len())
	assert.Equal(t, 1, tables.Properties.Len())
	assert.Equal(t, 2, tables.Telemetry.Len())
	assert.Equal(t, 0, tables.Replay.Len())

	tables.RemoveMessageActors("1", s)
	assert.Equal(t, 0, tables.Telemetry.Len())
	assert.Equal(t, 0, tables.Properties.Len())
	assert.Equal(t, 1, tables.Connection.Len())

	tables.Remove("1", s)
	assert.Equal(t, 0, tables.Connection.Len())
	assert.Equal(t, 0, tables.State.Len())
}

func TestTables_RemoveSimulation(t *testing.T) {
	hub := registry.NewMemory("secret", "hub.local")
	tables := NewTables()
	require.True(t, tables.Add("1", newSet(t, "truck#0", hub)))
	require.True(t, tables.Add("1", newSet(t, "truck#1", hub)))
	require.True(t, tables.Add("2", newSet(t, "truck#0", hub)))

	tables.RemoveSimulation("1")
	assert.Equal(t, 1, tables.Connection.Len())
	assert.Equal(t, 2, tables.Telemetry.Len())
	assert.Equal(t, 1, tables.Connection.SimulationLen("2"))
}

func TestStart_ConnectsDevices(t *testing.T) {
	hub := registry.NewMemory("secret", "hub.local")
	tables := NewTables()
	s := newSet(t, "truck#0", hub)
	require.True(t, tables.Add("1", s))

	var connectionPasses atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		StateLoop:      5 * time.Millisecond,
		ConnectionLoop: 5 * time.Millisecond,
		TelemetryLoop:  5 * time.Millisecond,
		PropertiesLoop: 5 * time.Millisecond,
		ReplayLoop:     5 * time.Millisecond,
		TelemetryLoops: 2,
	}
	g := Start(ctx, cfg, tables, Hooks{BeforeConnectionPass: func() { connectionPasses.Add(1) }}, zerolog.Nop())

	require.Eventually(t, s.Connection.Connected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return s.Telemetry[0].TotalMessagesCount() > 0 && s.Telemetry[1].TotalMessagesCount() > 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, connectionPasses.Load())

	cancel()
	g.Wait()
	s.Stop()
}
