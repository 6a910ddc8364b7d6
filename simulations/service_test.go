package simulations

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

type fakeModels map[string]bool

func (f fakeModels) Get(_ context.Context, id string) (*model.DeviceModel, error) {
	if !f[id] {
		return nil, fmt.Errorf("device model %s: %w", id, model.ErrNotFound)
	}

	return &model.DeviceModel{ID: id}, nil
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(t *testing.T) *Service {
	t.Helper()

	return New(storage.NewMemory(), fakeModels{"truck": true, "chiller": true}, zerolog.Nop(),
		WithClock(func() time.Time { return testNow }))
}

func truckSimulation() *model.Simulation {
	return &model.Simulation{
		Enabled:      true,
		DeviceModels: []model.DeviceModelRef{{ID: "truck", Count: 2}},
	}
}

func TestNew_NilStorePanics(t *testing.T) {
	assert.Panics(t, func() { New(nil, nil, zerolog.Nop()) })
}

func TestService_InsertGet(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	sim := truckSimulation()
	sim.PartitioningComplete = true
	created, err := s.Insert(ctx, sim)
	require.NoError(t, err)
	assert.Equal(t, model.SimulationID, created.ID)
	assert.NotEmpty(t, created.ETag)
	assert.Equal(t, testNow, created.Created)
	assert.False(t, created.PartitioningComplete)

	_, err = s.Insert(ctx, truckSimulation())
	require.ErrorIs(t, err, storage.ErrConflict)

	got, err := s.Get(ctx, model.SimulationID)
	require.NoError(t, err)
	assert.Equal(t, created.ETag, got.ETag)
	assert.Equal(t, 2, got.DeviceCount())

	list, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.Get(ctx, "2")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestService_InsertValidation(t *testing.T) {
	tests := []struct {
		name string
		sim  *model.Simulation
	}{
		{"other id", &model.Simulation{ID: "2"}},
		{"unknown model", &model.Simulation{DeviceModels: []model.DeviceModelRef{{ID: "ghost", Count: 1}}}},
		{"negative count", &model.Simulation{DeviceModels: []model.DeviceModelRef{{ID: "truck", Count: -1}}}},
		{"inverted window", &model.Simulation{StartTime: testNow, EndTime: testNow.Add(-time.Hour)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newService(t).Insert(context.Background(), tt.sim)
			require.ErrorIs(t, err, ErrInvalidSimulation)
		})
	}
}

func TestService_Upsert(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, truckSimulation())
	require.NoError(t, err)

	// Mark partitioned, then change the device list.
	created, err = s.Update(ctx, created.ID, func(sim *model.Simulation) error {
		sim.PartitioningComplete = true
		return nil
	})
	require.NoError(t, err)

	changed := *created
	changed.DeviceModels = []model.DeviceModelRef{{ID: "truck", Count: 5}}
	updated, err := s.Upsert(ctx, &changed)
	require.NoError(t, err)
	assert.NotEqual(t, created.ETag, updated.ETag)
	assert.False(t, updated.PartitioningComplete)
	assert.Equal(t, created.Created, updated.Created)

	// Stale ETag.
	_, err = s.Upsert(ctx, &changed)
	require.ErrorIs(t, err, storage.ErrConflict)

	// Wildcard overwrites.
	changed.ETag = AnyETag
	changed.Enabled = false
	forced, err := s.Upsert(ctx, &changed)
	require.NoError(t, err)
	assert.False(t, forced.Enabled)
}

func TestService_UpsertMissing(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	sim := truckSimulation()
	sim.ETag = "stale"
	_, err := s.Upsert(ctx, sim)
	require.ErrorIs(t, err, storage.ErrConflict)

	sim.ETag = AnyETag
	created, err := s.Upsert(ctx, sim)
	require.NoError(t, err)
	assert.Equal(t, model.SimulationID, created.ID)

	sim.ETag = ""
	_, err = s.Upsert(ctx, sim)
	require.ErrorIs(t, err, storage.ErrConflict)
}

func TestService_Merge(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	created, err := s.Insert(ctx, truckSimulation())
	require.NoError(t, err)

	disabled := false
	end := testNow.Add(time.Hour)
	merged, err := s.Merge(ctx, Patch{ETag: created.ETag, Enabled: &disabled, EndTime: &end})
	require.NoError(t, err)
	assert.False(t, merged.Enabled)
	assert.Equal(t, end, merged.EndTime)
	assert.Equal(t, created.DeviceModels, merged.DeviceModels)

	_, err = s.Merge(ctx, Patch{ETag: created.ETag, Enabled: &disabled})
	require.ErrorIs(t, err, storage.ErrConflict)

	// No ETag merges into the latest version.
	enabled := true
	merged, err = s.Merge(ctx, Patch{Enabled: &enabled})
	require.NoError(t, err)
	assert.True(t, merged.Enabled)
}

func TestService_Delete(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, truckSimulation())
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, model.SimulationID))
	require.ErrorIs(t, s.Delete(ctx, model.SimulationID), model.ErrNotFound)
}

func TestService_AddAndDeleteDevices(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, truckSimulation())
	require.NoError(t, err)

	sim, err := s.AddDevice(ctx, model.SimulationID, "my-chiller", "chiller")
	require.NoError(t, err)
	assert.Equal(t, []string{"my-chiller"}, sim.DeviceIDs()["chiller"])

	_, err = s.AddDevice(ctx, model.SimulationID, "my-chiller", "chiller")
	require.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.AddDevice(ctx, model.SimulationID, "truck.0", "truck")
	require.ErrorIs(t, err, storage.ErrConflict)
	_, err = s.AddDevice(ctx, model.SimulationID, "x", "ghost")
	require.ErrorIs(t, err, model.ErrNotFound)

	sim, err = s.DeleteDevices(ctx, model.SimulationID, []string{"my-chiller", "truck.1", "unknown"})
	require.NoError(t, err)
	assert.Empty(t, sim.CustomDevices)
	assert.Equal(t, []string{"truck.1"}, sim.DeletedDevices)
	assert.Equal(t, 1, sim.DeviceCount())

	// Re-adding a deleted generated device restores it.
	sim, err = s.AddDevice(ctx, model.SimulationID, "truck.1", "truck")
	require.NoError(t, err)
	assert.Empty(t, sim.DeletedDevices)
	assert.Empty(t, sim.CustomDevices)
	assert.Equal(t, 2, sim.DeviceCount())
}
