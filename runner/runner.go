// Package runner runs one simulation on a single node: it builds the actors
// of every device, drives them with the worker loops and tears them down.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

// ErrNotRunning is returned by operations that need a running simulation.
var ErrNotRunning = errors.New("devicesim: simulation is not running")

// Config configures a SimulationRunner.
type Config struct {
	Loops workers.Config `yaml:"loops"`
	// StopGracePeriod lets in-flight steps report back before the loops
	// are cancelled.
	StopGracePeriod time.Duration `yaml:"stopGracePeriod" default:"2s" validate:"gte=0"`
	// BulkCreateTimeout bounds the bulk device creation at start.
	BulkCreateTimeout time.Duration `yaml:"bulkCreateTimeout" default:"30s" validate:"gt=0"`
	// DeleteTimeout bounds the wait for the delete chains when a simulation
	// deleting its devices on stop is stopped.
	DeleteTimeout time.Duration `yaml:"deleteTimeout" default:"30s" validate:"gte=0"`
	TwinTagging   bool          `yaml:"twinTagging" default:"true"`
	StepTimeout   time.Duration `yaml:"stepTimeout" default:"30s" validate:"gt=0"`
}

// ModelLookup resolves device model ids. *devicemodels.Catalog satisfies it.
type ModelLookup interface {
	Get(ctx context.Context, id string) (*model.DeviceModel, error)
}

const (
	stateIdle int32 = iota
	stateStarting
	stateRunning
)

// SimulationRunner runs one simulation. Start and Stop are safe to call from
// any goroutine, any number of times.
type SimulationRunner struct {
	cfg     Config
	models  ModelLookup
	reg     registry.Registry
	clients registry.ClientFactory
	store   storage.Engine
	log     zerolog.Logger
	now     func() time.Time

	// mu serializes Start and Stop.
	mu    sync.Mutex
	state atomic.Int32

	sim       *model.Simulation
	limiter   *ratelimit.Limiter
	builder   *device.Builder
	devModels map[string]*model.DeviceModel
	tables    *workers.Tables
	devices   atomic.Pointer[workers.Devices]
	group     *workers.Group
	cancel    context.CancelFunc

	simErrors atomic.Int64
}

// Option configures a SimulationRunner.
type Option func(*SimulationRunner)

// WithClock replaces time.Now for the actors and the rate limiter.
func WithClock(now func() time.Time) Option {
	return func(r *SimulationRunner) {
		r.now = now
	}
}

// New creates a runner. clients is usually the same value as reg for the
// in-memory registry.
//
// Panics if models, reg, clients or store is nil.
func New(
	cfg Config,
	models ModelLookup,
	reg registry.Registry,
	clients registry.ClientFactory,
	store storage.Engine,
	logger zerolog.Logger,
	opts ...Option,
) *SimulationRunner {
	if models == nil || reg == nil || clients == nil || store == nil {
		panic("devicesim/runner: models, registry, clients and store must not be nil")
	}
	if cfg.BulkCreateTimeout <= 0 {
		cfg.BulkCreateTimeout = 30 * time.Second
	}
	r := &SimulationRunner{
		cfg:     cfg,
		models:  models,
		reg:     reg,
		clients: clients,
		store:   store,
		log:     logger.With().Str("component", "runner").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// IsRunning reports whether the simulation is running.
func (r *SimulationRunner) IsRunning() bool {
	return r.state.Load() == stateRunning
}

// Start builds the actors of every device of sim and starts the loops.
// Calling Start on a running runner does nothing. Loops run until Stop or
// until ctx is done.
func (r *SimulationRunner) Start(ctx context.Context, sim *model.Simulation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.state.CompareAndSwap(stateIdle, stateStarting) {
		return nil
	}
	started := false
	defer func() {
		if !started {
			r.state.Store(stateIdle)
		}
	}()

	log := r.log.With().Str("simulation_id", sim.ID).Logger()
	limiter := ratelimit.New(sim.RateLimits, ratelimit.WithClock(r.now))
	deviceIDs := sim.DeviceIDs()

	models := r.loadModels(ctx, sim, deviceIDs, log)
	replay, err := r.loadReplay(ctx, sim)
	if err != nil {
		r.simErrors.Add(1)
		return err
	}

	bulkCreated, err := r.bulkCreate(ctx, deviceIDs, models, log)
	if err != nil {
		return err
	}

	r.sim = sim
	r.limiter = limiter
	r.devModels = models
	r.tables = workers.NewTables()
	r.builder = &device.Builder{
		Deps: device.Deps{
			SimulationID: sim.ID,
			Registry:     r.reg,
			Clients:      r.clients,
			Store:        r.store,
			Limiter:      limiter,
			Logger:       log,
			Now:          r.now,
			BulkCreated:  bulkCreated,
			TwinTagging:  r.cfg.TwinTagging,
			StepTimeout:  r.cfg.StepTimeout,
		},
		ConnectionLoop: ratelimit.NewConnectionLoopSettings(limiter),
		PropertiesLoop: ratelimit.NewPropertiesLoopSettings(limiter),
		Replay:         replay,
		ReplayLoop:     sim.ReplayLoop,
	}

	devices := workers.NewDevices(sim.ID, r.tables)
	r.devices.Store(devices)

	for modelID, ids := range deviceIDs {
		m, ok := models[modelID]
		if !ok {
			continue
		}
		for _, id := range ids {
			if err := devices.Add(r.builder, id, m); err != nil {
				r.simErrors.Add(1)
				log.Error().Err(err).Str("device_id", id).Msg("building device actors")
			}
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.group = workers.Start(loopCtx, r.cfg.Loops, r.tables, workers.Hooks{
		BeforeConnectionPass: func() {
			r.builder.ConnectionLoop.NewLoop()
			for _, id := range devices.Reap() {
				log.Debug().Str("device_id", id).Msg("device deleted")
			}
		},
		BeforePropertiesPass: r.builder.PropertiesLoop.NewLoop,
	}, log)

	started = true
	r.state.Store(stateRunning)
	log.Info().
		Int("devices", r.tables.Connection.Len()).
		Int("telemetry_actors", r.tables.Telemetry.Len()).
		Bool("bulk_created", bulkCreated).
		Msg("simulation started")

	return nil
}

// loadModels loads the model of every device and applies the simulation
// overrides. Models that fail to load are logged and skipped.
func (r *SimulationRunner) loadModels(
	ctx context.Context,
	sim *model.Simulation,
	deviceIDs map[string][]string,
	log zerolog.Logger,
) map[string]*model.DeviceModel {
	out := make(map[string]*model.DeviceModel, len(deviceIDs))
	for modelID := range deviceIDs {
		m, err := r.models.Get(ctx, modelID)
		if err != nil {
			log.Error().Err(err).Str("model_id", modelID).Msg("skipping device model")
			continue
		}
		if ref := sim.ModelRef(modelID); ref != nil {
			m = m.WithOverride(ref.Override)
		}
		out[modelID] = m
	}

	return out
}

func (r *SimulationRunner) loadReplay(ctx context.Context, sim *model.Simulation) ([]device.ReplayEntry, error) {
	if sim.ReplayFileID == "" {
		return nil, nil
	}
	var file model.ReplayFile
	if _, err := storage.GetJSON(ctx, r.store, storage.ReplayFiles, sim.ReplayFileID, &file); err != nil {
		return nil, fmt.Errorf("load replay file %s: %w", sim.ReplayFileID, err)
	}
	entries, err := device.ParseReplay(strings.NewReader(file.Content))
	if err != nil {
		return nil, fmt.Errorf("replay file %s: %w", sim.ReplayFileID, err)
	}

	return entries, nil
}

// bulkCreate creates every device in one call when the registry supports
// it. A timeout fails the start; other errors fall back to registering
// devices one by one.
func (r *SimulationRunner) bulkCreate(
	ctx context.Context,
	deviceIDs map[string][]string,
	models map[string]*model.DeviceModel,
	log zerolog.Logger,
) (bool, error) {
	bulk, ok := r.reg.(registry.BulkCreator)
	if !ok {
		return false, nil
	}
	var ids []string
	for modelID, list := range deviceIDs {
		if _, ok := models[modelID]; ok {
			ids = append(ids, list...)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.BulkCreateTimeout)
	defer cancel()

	err := bulk.CreateList(ctx, ids)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		r.simErrors.Add(1)
		return false, fmt.Errorf("bulk create %d devices: %w", len(ids), model.ErrTimeout)
	default:
		log.Warn().Err(err).Int("devices", len(ids)).Msg("bulk creation failed, registering devices one by one")
		return false, nil
	}
}

// Stop stops every actor and the loops. Devices are deleted first when the
// simulation asks for it. Stop never fails; panics are logged.
func (r *SimulationRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Load() != stateRunning {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Msg("stopping simulation")
		}
		r.state.Store(stateIdle)
	}()

	log := r.log.With().Str("simulation_id", r.sim.ID).Logger()
	if r.sim.DeleteDevicesOnStop {
		r.deleteAll(log)
	}

	sets := r.devices.Load().StopAll()
	if r.cfg.StopGracePeriod > 0 {
		time.Sleep(r.cfg.StopGracePeriod)
	}
	r.cancel()
	r.group.Wait()
	for _, s := range sets {
		s.Connection.Wait()
	}
	r.tables.RemoveSimulation(r.sim.ID)
	log.Info().Int("devices", len(sets)).Msg("simulation stopped")
}

// deleteAll starts the delete chain of every device and waits for the
// chains to complete, up to the delete timeout. The loops keep running
// meanwhile.
func (r *SimulationRunner) deleteAll(log zerolog.Logger) {
	devices := r.devices.Load()
	devices.DeleteAll()

	deadline := time.Now().Add(r.cfg.DeleteTimeout)
	for time.Now().Before(deadline) {
		if devices.PendingDeletes() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	log.Warn().Int("pending", devices.PendingDeletes()).Msg("device deletion did not complete before stop")
}

// AddDevice starts simulating one more device of a model the simulation
// uses or any model the lookup knows. Adding a device twice does nothing.
func (r *SimulationRunner) AddDevice(ctx context.Context, deviceID, modelID string) error {
	if !r.IsRunning() {
		return ErrNotRunning
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Load() != stateRunning {
		return ErrNotRunning
	}
	m, ok := r.devModels[modelID]
	if !ok {
		loaded, err := r.models.Get(ctx, modelID)
		if err != nil {
			return fmt.Errorf("add device %s: %w", deviceID, err)
		}
		m = loaded
		r.devModels[modelID] = m
	}

	// Devices added later were not part of the bulk creation.
	b := *r.builder
	b.Deps.BulkCreated = false

	return r.devices.Load().Add(&b, deviceID, m)
}

// DeleteDevices starts the delete chain of the given devices. Unknown ids
// are ignored.
func (r *SimulationRunner) DeleteDevices(deviceIDs []string) error {
	if !r.IsRunning() {
		return ErrNotRunning
	}
	r.devices.Load().Delete(deviceIDs...)

	return nil
}

// Statistics returns the counters summed over every actor.
func (r *SimulationRunner) Statistics() model.Statistics {
	stats := model.Statistics{SimulationErrors: r.simErrors.Load(), Updated: r.now().UTC()}
	if !r.IsRunning() {
		return stats
	}
	if d := r.devices.Load(); d != nil {
		stats.SimulationID = d.SimulationID()
		d.AddTo(&stats)
	}

	return stats
}

// DeviceCount returns the number of devices being simulated, deletions in
// progress excluded.
func (r *SimulationRunner) DeviceCount() int {
	if d := r.devices.Load(); d != nil && r.IsRunning() {
		return d.Len()
	}

	return 0
}

// Limiter returns the rate limiter of the running simulation, or nil.
func (r *SimulationRunner) Limiter() *ratelimit.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.limiter
}

// ActiveDevicesCount returns the devices currently connected.
func (r *SimulationRunner) ActiveDevicesCount() int64 { return r.Statistics().ActiveDevices }

// TotalMessagesCount returns the telemetry messages sent.
func (r *SimulationRunner) TotalMessagesCount() int64 { return r.Statistics().TotalMessages }

// FailedMessagesCount returns the telemetry messages that failed.
func (r *SimulationRunner) FailedMessagesCount() int64 { return r.Statistics().FailedMessages }

// FailedDeviceConnectionsCount returns the failed connection attempts.
func (r *SimulationRunner) FailedDeviceConnectionsCount() int64 {
	return r.Statistics().FailedDeviceConnections
}

// FailedDeviceTwinUpdatesCount returns the failed reported property updates.
func (r *SimulationRunner) FailedDeviceTwinUpdatesCount() int64 {
	return r.Statistics().FailedDevicePropertiesUpdates
}

// SimulationErrorsCount returns the errors that affected the simulation as
// a whole, such as a bulk creation timeout.
func (r *SimulationRunner) SimulationErrorsCount() int64 { return r.simErrors.Load() }
