// Package agent polls the stored simulation and keeps the local node in
// line with it: the SimulationRunner in single-node mode, or the cluster
// membership, partitions and SimulationManager in cluster mode.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric"

	"github.com/arloliu/devicesim/cluster"
	"github.com/arloliu/devicesim/internal/telemetry"
	"github.com/arloliu/devicesim/internal/workers"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/runner"
)

// Mode selects how the agent runs the simulation.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeCluster Mode = "cluster"
)

// ErrInvalidMode is returned by New when the mode has no backend.
var ErrInvalidMode = errors.New("devicesim: invalid agent mode")

// Config configures the agent.
type Config struct {
	Mode Mode `yaml:"mode" env:"DEVICESIM_MODE" default:"single" validate:"oneof=single cluster"`
	// Interval is the pause between two ticks.
	Interval time.Duration `yaml:"interval" default:"10s" validate:"gt=0"`
	// StatsInterval is how often the counters are logged.
	StatsInterval time.Duration `yaml:"statsInterval" default:"1m" validate:"gt=0"`
	// ShutdownTimeout bounds the partition release on shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" default:"10s" validate:"gt=0"`
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = ModeSingle
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}

	return c
}

// SimulationStore is the part of the simulation service the agent uses.
// *simulations.Service satisfies it.
type SimulationStore interface {
	Get(ctx context.Context, id string) (*model.Simulation, error)
	AddDevice(ctx context.Context, id, deviceID, modelID string) (*model.Simulation, error)
	DeleteDevices(ctx context.Context, id string, deviceIDs []string) (*model.Simulation, error)
}

// Cluster holds the components of cluster mode.
type Cluster struct {
	Nodes      *cluster.Nodes
	Partitions *cluster.Partitions
	Manager    *cluster.SimulationManager
	// Tables must be the tables the manager registers actors in.
	Tables *workers.Tables
	Loops  workers.Config
}

// Backends are the simulation backends. Runner is required in single
// mode, Cluster in cluster mode.
type Backends struct {
	Runner  *runner.SimulationRunner
	Cluster *Cluster
}

// Option configures an Agent.
type Option func(*Agent)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) {
		a.now = now
	}
}

// Agent keeps the local node in line with the stored simulation.
type Agent struct {
	cfg      Config
	sims     SimulationStore
	backends Backends
	log      zerolog.Logger
	now      func() time.Time

	// runMu orders ticks with device changes, so a tick never acts on a
	// simulation older than the one the runner already applied.
	runMu sync.Mutex

	mu         sync.Mutex
	last       *model.Simulation
	// started is the ETag of the simulation the runner runs.
	started    string
	lastStats  time.Time
	loops      *workers.Group
	stopLoops  context.CancelFunc
	clusterRun bool
}

// New creates an agent.
//
// Panics if sims is nil.
func New(cfg Config, sims SimulationStore, backends Backends, logger zerolog.Logger, opts ...Option) (*Agent, error) {
	if sims == nil {
		panic("devicesim/agent: simulation store must not be nil")
	}
	cfg = cfg.withDefaults()
	switch {
	case cfg.Mode == ModeSingle && backends.Runner == nil,
		cfg.Mode == ModeCluster && backends.Cluster == nil:
		return nil, fmt.Errorf("%w: %s mode without backend", ErrInvalidMode, cfg.Mode)
	case cfg.Mode != ModeSingle && cfg.Mode != ModeCluster:
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Mode)
	}

	a := &Agent{
		cfg:      cfg,
		sims:     sims,
		backends: backends,
		log:      logger.With().Str("mode", string(cfg.Mode)).Logger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Run ticks until ctx is done, then stops the simulation.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Dur("interval", a.cfg.Interval).Msg("agent started")
	defer a.shutdown()

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		a.Tick(ctx)
		select {
		case <-ctx.Done():
			a.log.Info().Msg("agent stopping")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick loads the simulation and starts or stops it. A simulation that
// cannot be loaded is replaced by the last one loaded; a deleted one
// stops the simulation.
func (a *Agent) Tick(ctx context.Context) {
	a.runMu.Lock()
	sim := a.load(ctx)
	should := sim.ShouldBeRunning(a.now())

	switch a.cfg.Mode {
	case ModeCluster:
		a.clusterTick(ctx, sim, should)
	default:
		a.singleTick(ctx, sim, should)
	}
	a.runMu.Unlock()

	a.mu.Lock()
	due := a.now().Sub(a.lastStats) >= a.cfg.StatsInterval
	if due {
		a.lastStats = a.now()
	}
	a.mu.Unlock()
	if due && should {
		a.printStats()
	}
}

func (a *Agent) load(ctx context.Context) *model.Simulation {
	sim, err := a.sims.Get(ctx, model.SimulationID)

	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case err == nil:
		a.last = sim
	case errors.Is(err, model.ErrNotFound):
		a.last = nil
	default:
		a.log.Warn().Err(err).Msg("loading simulation, using the last one loaded")
	}

	return a.last
}

// singleTick starts or stops the runner, and restarts it when the stored
// simulation changed since it started.
func (a *Agent) singleTick(ctx context.Context, sim *model.Simulation, should bool) {
	r := a.backends.Runner
	if !should {
		if r.IsRunning() {
			r.Stop()
		}

		return
	}
	if r.IsRunning() {
		if a.startedETag() == sim.ETag {
			return
		}
		a.log.Info().Str("simulation_id", sim.ID).Str("etag", sim.ETag).Msg("simulation changed, restarting")
		r.Stop()
	}
	if err := r.Start(ctx, sim); err != nil {
		a.log.Error().Err(err).Str("simulation_id", sim.ID).Msg("starting simulation")
		return
	}
	a.setStarted(sim.ETag)
}

func (a *Agent) startedETag() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.started
}

func (a *Agent) setStarted(etag string) {
	a.mu.Lock()
	a.started = etag
	a.mu.Unlock()
}

func (a *Agent) clusterTick(ctx context.Context, sim *model.Simulation, should bool) {
	c := a.backends.Cluster

	if err := c.Nodes.KeepAlive(ctx); err != nil {
		a.log.Warn().Err(err).Msg("node keep-alive")
	}
	master, err := c.Nodes.SelfElectToMaster(ctx)
	if err != nil {
		a.log.Warn().Err(err).Msg("master election")
	}
	if master {
		if err := c.Nodes.RemoveStaleNodes(ctx); err != nil {
			a.log.Warn().Err(err).Msg("removing stale nodes")
		}
		if should {
			if err := c.Partitions.Create(ctx, sim); err != nil {
				a.log.Warn().Err(err).Msg("creating partitions")
			}
		}
	}

	if !should {
		a.stopCluster()
		return
	}

	m := c.Manager
	if err := m.Init(ctx, sim); err != nil {
		a.log.Error().Err(err).Msg("initializing simulation manager")
		return
	}
	a.startLoops(ctx)
	if err := m.HoldAssignedPartitions(ctx); err != nil {
		a.log.Warn().Err(err).Msg("holding partitions")
	}
	if err := m.AssignNewPartitions(ctx); err != nil {
		a.log.Warn().Err(err).Msg("assigning partitions")
	}
	if err := m.UpdateThrottlingLimits(ctx); err != nil {
		a.log.Warn().Err(err).Msg("updating throttling limits")
	}
	m.SaveStatistics(ctx)
}

// startLoops runs the worker loops over the cluster tables once.
func (a *Agent) startLoops(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.clusterRun {
		return
	}
	c := a.backends.Cluster
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.loops = workers.Start(loopCtx, c.Loops, c.Tables, workers.Hooks{
		BeforeConnectionPass: c.Manager.NewConnectionLoop,
		BeforePropertiesPass: c.Manager.NewPropertiesLoop,
	}, a.log)
	a.stopLoops = cancel
	a.clusterRun = true
	a.log.Info().Msg("cluster worker loops started")
}

// stopCluster tears the local share of the simulation down.
func (a *Agent) stopCluster() {
	a.mu.Lock()
	if !a.clusterRun {
		a.mu.Unlock()
		return
	}
	a.clusterRun = false
	cancel, loops := a.stopLoops, a.loops
	a.mu.Unlock()

	a.backends.Cluster.Manager.TearDown()
	cancel()
	loops.Wait()
	a.log.Info().Msg("cluster simulation stopped")
}

func (a *Agent) shutdown() {
	switch a.cfg.Mode {
	case ModeCluster:
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := a.backends.Cluster.Manager.ReleasePartitions(ctx); err != nil {
			a.log.Warn().Err(err).Msg("releasing partitions")
		}
		a.stopCluster()
	default:
		a.backends.Runner.Stop()
	}
}

// AddDevice adds a device to the stored simulation and to the running
// simulation. In cluster mode the device goes to a new partition that any
// node may pick up.
func (a *Agent) AddDevice(ctx context.Context, deviceID, modelID string) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	sim, err := a.sims.AddDevice(ctx, model.SimulationID, deviceID, modelID)
	if err != nil {
		return err
	}
	a.remember(sim)

	switch a.cfg.Mode {
	case ModeCluster:
		if !sim.PartitioningComplete {
			return nil
		}
		_, err = a.backends.Cluster.Partitions.CreateForDevices(ctx, sim.ID, map[string][]string{modelID: {deviceID}})
	default:
		if a.backends.Runner.IsRunning() {
			if err = a.backends.Runner.AddDevice(ctx, deviceID, modelID); err == nil {
				a.setStarted(sim.ETag)
			}
		}
	}
	if errors.Is(err, runner.ErrNotRunning) {
		return nil
	}

	return err
}

// DeleteDevices removes devices from the stored simulation and deletes
// them from the registry through their actors.
func (a *Agent) DeleteDevices(ctx context.Context, deviceIDs []string) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	sim, err := a.sims.DeleteDevices(ctx, model.SimulationID, deviceIDs)
	if err != nil {
		return err
	}
	a.remember(sim)

	switch a.cfg.Mode {
	case ModeCluster:
		if !sim.PartitioningComplete {
			return nil
		}
		err = a.backends.Cluster.Partitions.RemoveDevices(ctx, sim.ID, deviceIDs)
	default:
		if err = a.backends.Runner.DeleteDevices(deviceIDs); err == nil {
			a.setStarted(sim.ETag)
		}
	}
	if errors.Is(err, runner.ErrNotRunning) {
		return nil
	}

	return err
}

func (a *Agent) remember(sim *model.Simulation) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.last = sim
}

// Simulation returns the last simulation loaded, or nil.
func (a *Agent) Simulation() *model.Simulation {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.last
}

// Statistics returns the counters of the local node. ok is false when no
// simulation is running here.
func (a *Agent) Statistics() (model.Statistics, bool) {
	switch a.cfg.Mode {
	case ModeCluster:
		a.mu.Lock()
		running := a.clusterRun
		a.mu.Unlock()
		if !running {
			return model.Statistics{}, false
		}

		return a.backends.Cluster.Manager.Statistics(), true
	default:
		r := a.backends.Runner
		if !r.IsRunning() {
			return model.Statistics{}, false
		}

		return r.Statistics(), true
	}
}

// RegisterGauges reports the local counters as observable gauges on meter.
func (a *Agent) RegisterGauges(meter metric.Meter) (metric.Registration, error) {
	return telemetry.RegisterGauges(meter, a.Statistics)
}

func (a *Agent) printStats() {
	if a.cfg.Mode == ModeCluster {
		a.backends.Cluster.Manager.PrintStats()
		return
	}
	s, ok := a.Statistics()
	if !ok {
		return
	}
	a.log.Info().
		Str("simulation_id", s.SimulationID).
		Int64("active_devices", s.ActiveDevices).
		Int64("total_messages", s.TotalMessages).
		Int64("failed_messages", s.FailedMessages).
		Int64("failed_connections", s.FailedDeviceConnections).
		Int64("failed_twin_updates", s.FailedDevicePropertiesUpdates).
		Int64("simulation_errors", s.SimulationErrors).
		Msg("simulation statistics")
}
