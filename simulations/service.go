// Package simulations stores the simulation configuration. A deployment
// runs a single simulation with the well-known id model.SimulationID.
// Writes use the record ETag for optimistic concurrency.
package simulations

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

// ErrInvalidSimulation is returned when a simulation fails validation.
var ErrInvalidSimulation = errors.New("devicesim: invalid simulation")

// AnyETag makes Upsert overwrite the stored simulation unconditionally.
const AnyETag = "*"

const maxUpdateRetries = 5

// ModelLookup resolves device model ids. *devicemodels.Catalog satisfies it.
type ModelLookup interface {
	Get(ctx context.Context, id string) (*model.DeviceModel, error)
}

// Service reads and writes simulations.
type Service struct {
	store  storage.Engine
	models ModelLookup
	log    zerolog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service. models may be nil to skip model validation.
//
// Panics if store is nil.
func New(store storage.Engine, models ModelLookup, logger zerolog.Logger, opts ...Option) *Service {
	if store == nil {
		panic("devicesim/simulations: store must not be nil")
	}
	s := &Service{store: store, models: models, log: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Get returns the simulation or an error wrapping model.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*model.Simulation, error) {
	var sim model.Simulation
	etag, err := storage.GetJSON(ctx, s.store, storage.Simulations, id, &sim)
	if err != nil {
		return nil, fmt.Errorf("get simulation %s: %w", id, err)
	}
	sim.ETag = etag

	return &sim, nil
}

// List returns every stored simulation.
func (s *Service) List(ctx context.Context) ([]*model.Simulation, error) {
	recs, err := s.store.List(ctx, storage.Simulations)
	if err != nil {
		return nil, fmt.Errorf("list simulations: %w", err)
	}

	out := make([]*model.Simulation, 0, len(recs))
	for _, rec := range recs {
		var sim model.Simulation
		if err := storage.Decode(rec, &sim); err != nil {
			s.log.Warn().Err(err).Str("simulation_id", rec.Key).Msg("skipping unreadable simulation")
			continue
		}
		sim.ETag = rec.ETag
		out = append(out, &sim)
	}

	return out, nil
}

// Insert creates the simulation. An empty id becomes model.SimulationID;
// any other id is rejected. Fails with storage.ErrConflict if it exists.
func (s *Service) Insert(ctx context.Context, sim *model.Simulation) (*model.Simulation, error) {
	out := *sim
	if out.ID == "" {
		out.ID = model.SimulationID
	}
	if err := s.validate(ctx, &out); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out.Created, out.Modified = now, now
	out.PartitioningComplete = false
	out.DevicesCreationComplete = false
	out.ETag = ""

	etag, err := storage.CreateJSON(ctx, s.store, storage.Simulations, out.ID, &out)
	if err != nil {
		return nil, fmt.Errorf("insert simulation %s: %w", out.ID, err)
	}
	out.ETag = etag
	s.log.Info().Str("simulation_id", out.ID).Int("devices", out.DeviceCount()).Msg("simulation created")

	return &out, nil
}

// Upsert writes the whole simulation. With an empty ETag it behaves like
// Insert, with AnyETag it overwrites, otherwise the ETag must match.
// Changing the device list resets the partitioning flags.
func (s *Service) Upsert(ctx context.Context, sim *model.Simulation) (*model.Simulation, error) {
	if sim.ETag == "" {
		return s.Insert(ctx, sim)
	}
	out := *sim
	if out.ID == "" {
		out.ID = model.SimulationID
	}
	if err := s.validate(ctx, &out); err != nil {
		return nil, err
	}

	existing, err := s.Get(ctx, out.ID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		if out.ETag != AnyETag {
			return nil, fmt.Errorf("upsert simulation %s: %w", out.ID, storage.ErrConflict)
		}
		out.ETag = ""

		return s.Insert(ctx, &out)
	case err != nil:
		return nil, err
	}

	etag := out.ETag
	if etag == AnyETag {
		etag = existing.ETag
	}
	out.Created = existing.Created
	out.Modified = s.now().UTC()
	if !sameDevices(existing, &out) {
		out.PartitioningComplete = false
		out.DevicesCreationComplete = false
	}

	return s.write(ctx, &out, etag)
}

// Patch holds the fields Merge may change. Nil fields are left untouched.
type Patch struct {
	ID                  string
	ETag                string
	Enabled             *bool
	StartTime           *time.Time
	EndTime             *time.Time
	RateLimits          *model.RateLimits
	DeleteDevicesOnStop *bool
}

// Merge applies patch to the stored simulation. A non-empty patch ETag
// must match the stored one.
func (s *Service) Merge(ctx context.Context, patch Patch) (*model.Simulation, error) {
	id := patch.ID
	if id == "" {
		id = model.SimulationID
	}
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if patch.ETag != "" && patch.ETag != existing.ETag {
		return nil, fmt.Errorf("merge simulation %s: %w", id, storage.ErrConflict)
	}

	if patch.Enabled != nil {
		existing.Enabled = *patch.Enabled
	}
	if patch.StartTime != nil {
		existing.StartTime = *patch.StartTime
	}
	if patch.EndTime != nil {
		existing.EndTime = *patch.EndTime
	}
	if patch.RateLimits != nil {
		existing.RateLimits = *patch.RateLimits
	}
	if patch.DeleteDevicesOnStop != nil {
		existing.DeleteDevicesOnStop = *patch.DeleteDevicesOnStop
	}
	existing.Modified = s.now().UTC()

	return s.write(ctx, existing, existing.ETag)
}

// Delete removes the simulation.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, storage.Simulations, id, ""); err != nil {
		return fmt.Errorf("delete simulation %s: %w", id, err)
	}
	s.log.Info().Str("simulation_id", id).Msg("simulation deleted")

	return nil
}

// Update reads the simulation, applies fn and writes it back, retrying
// when another writer got in between. fn may run more than once.
func (s *Service) Update(ctx context.Context, id string, fn func(*model.Simulation) error) (*model.Simulation, error) {
	for range maxUpdateRetries {
		sim, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sim); err != nil {
			return nil, err
		}
		sim.Modified = s.now().UTC()

		out, err := s.write(ctx, sim, sim.ETag)
		if errors.Is(err, storage.ErrConflict) {
			continue
		}

		return out, err
	}

	return nil, fmt.Errorf("update simulation %s: %w", id, storage.ErrConflict)
}

// AddDevice adds a custom device. The model must exist and the device id
// must be new to the simulation.
func (s *Service) AddDevice(ctx context.Context, id, deviceID, modelID string) (*model.Simulation, error) {
	if deviceID == "" || modelID == "" {
		return nil, fmt.Errorf("%w: device id and model id are required", ErrInvalidSimulation)
	}
	if s.models != nil {
		if _, err := s.models.Get(ctx, modelID); err != nil {
			return nil, fmt.Errorf("add device %s: %w", deviceID, err)
		}
	}

	return s.Update(ctx, id, func(sim *model.Simulation) error {
		for _, ids := range sim.DeviceIDs() {
			if slices.Contains(ids, deviceID) {
				return fmt.Errorf("add device %s: %w", deviceID, storage.ErrConflict)
			}
		}
		sim.DeletedDevices = slices.DeleteFunc(sim.DeletedDevices, func(d string) bool { return d == deviceID })
		if !isGenerated(sim, deviceID, modelID) {
			sim.CustomDevices = append(sim.CustomDevices, model.CustomDevice{DeviceID: deviceID, ModelID: modelID})
		}

		return nil
	})
}

// DeleteDevices removes devices from the simulation. Custom devices are
// dropped; generated ones are recorded as deleted. Unknown ids are ignored.
func (s *Service) DeleteDevices(ctx context.Context, id string, deviceIDs []string) (*model.Simulation, error) {
	return s.Update(ctx, id, func(sim *model.Simulation) error {
		current := sim.DeviceIDs()
		for _, deviceID := range deviceIDs {
			n := len(sim.CustomDevices)
			sim.CustomDevices = slices.DeleteFunc(sim.CustomDevices, func(d model.CustomDevice) bool {
				return d.DeviceID == deviceID
			})
			if len(sim.CustomDevices) != n {
				continue
			}
			for _, ids := range current {
				if slices.Contains(ids, deviceID) && !slices.Contains(sim.DeletedDevices, deviceID) {
					sim.DeletedDevices = append(sim.DeletedDevices, deviceID)
				}
			}
		}

		return nil
	})
}

// isGenerated reports whether deviceID is one of the ids generated for modelID.
func isGenerated(sim *model.Simulation, deviceID, modelID string) bool {
	ref := sim.ModelRef(modelID)
	if ref == nil {
		return false
	}
	for i := range ref.Count {
		if model.GenerateDeviceID(modelID, i) == deviceID {
			return true
		}
	}

	return false
}

func (s *Service) write(ctx context.Context, sim *model.Simulation, etag string) (*model.Simulation, error) {
	out := *sim
	out.ETag = ""
	newETag, err := storage.UpsertJSON(ctx, s.store, storage.Simulations, out.ID, &out, etag)
	if err != nil {
		return nil, fmt.Errorf("write simulation %s: %w", out.ID, err)
	}
	out.ETag = newETag

	return &out, nil
}

func (s *Service) validate(ctx context.Context, sim *model.Simulation) error {
	var errs []error
	if sim.ID != model.SimulationID {
		errs = append(errs, fmt.Errorf("id must be %q, got %q", model.SimulationID, sim.ID))
	}
	if !sim.StartTime.IsZero() && !sim.EndTime.IsZero() && !sim.EndTime.After(sim.StartTime) {
		errs = append(errs, errors.New("end time must be after start time"))
	}
	for _, ref := range sim.DeviceModels {
		if ref.Count < 0 {
			errs = append(errs, fmt.Errorf("model %s: negative device count", ref.ID))
		}
		if s.models == nil {
			continue
		}
		if _, err := s.models.Get(ctx, ref.ID); err != nil {
			errs = append(errs, fmt.Errorf("model %s: %w", ref.ID, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSimulation, errors.Join(errs...))
	}

	return nil
}

func sameDevices(a, b *model.Simulation) bool {
	return slices.EqualFunc(a.DeviceModels, b.DeviceModels, func(x, y model.DeviceModelRef) bool {
		return x.ID == y.ID && x.Count == y.Count
	}) &&
		slices.Equal(a.CustomDevices, b.CustomDevices) &&
		slices.Equal(a.DeletedDevices, b.DeletedDevices)
}
