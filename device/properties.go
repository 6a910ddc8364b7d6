package device

import (
	"context"
	"errors"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
)

// PropertiesActor reports the device properties to its twin: the model
// properties and state once after connecting, then the state whenever it
// changes.
type PropertiesActor struct {
	deps Deps
	log  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	stopped     bool
	deviceID    string
	static      map[string]any
	state       *StateActor
	conn        *ConnectionActor
	loop        *ratelimit.PropertiesLoopSettings

	reported        bool
	reportedVersion uint64
	whenToRun       time.Time
	reserved        bool

	failed atomic.Int64
}

// NewPropertiesActor creates an actor that must be Setup before use.
func NewPropertiesActor(deps Deps) *PropertiesActor {
	return &PropertiesActor{deps: deps, log: deps.Logger}
}

// Setup binds the actor to a device.
func (p *PropertiesActor) Setup(
	deviceID string,
	m *model.DeviceModel,
	state *StateActor,
	conn *ConnectionActor,
	loop *ratelimit.PropertiesLoopSettings,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.initialized {
		return model.ErrAlreadyInitialized
	}
	p.initialized = true
	p.deviceID = deviceID
	p.static = maps.Clone(m.Properties)
	p.state = state
	p.conn = conn
	p.loop = loop
	p.log = p.deps.Logger.With().Str("device_id", deviceID).Logger()

	return nil
}

// Run writes pending property changes, within the loop budget and the twin
// write rate.
func (p *PropertiesActor) Run(ctx context.Context) {
	p.mu.Lock()
	if !p.initialized || p.stopped {
		p.mu.Unlock()
		return
	}
	client := p.conn.Client()
	if client == nil || !p.conn.Connected() {
		// Report everything again after the next connection.
		p.reported = false
		p.mu.Unlock()

		return
	}
	now := p.deps.now()
	if now.Before(p.whenToRun) {
		p.mu.Unlock()
		return
	}

	state, version := p.state.Snapshot()
	if p.reported && version == p.reportedVersion {
		p.mu.Unlock()
		return
	}
	if !p.reserved {
		if !p.loop.TryTakeUpdate() {
			p.mu.Unlock()
			return
		}
		if pause := p.deps.Limiter.PauseForNextTwinWrite(); pause > 0 {
			p.reserved = true
			p.whenToRun = now.Add(pause)
			p.mu.Unlock()

			return
		}
	}
	p.reserved = false

	props := state
	if !p.reported {
		props = maps.Clone(p.static)
		if props == nil {
			props = make(map[string]any, len(state))
		}
		maps.Copy(props, state)
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.deps.stepTimeout())
	defer cancel()
	if err := client.UpdateProperties(ctx, props); err != nil {
		p.failed.Add(1)
		p.log.Warn().Err(err).Msg("property update failed")
		if errors.Is(err, model.ErrClientBroken) {
			if herr := p.conn.HandleEvent(TelemetryClientBroken); herr != nil {
				p.log.Error().Err(herr).Msg("reporting broken client")
			}
		}

		return
	}

	p.mu.Lock()
	p.reported = true
	p.reportedVersion = version
	p.mu.Unlock()
}

// Stop ends the actor.
func (p *PropertiesActor) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// FailedTwinUpdatesCount returns the failed property updates.
func (p *PropertiesActor) FailedTwinUpdatesCount() int64 { return p.failed.Load() }
