// Package device implements the per-device actors: the connection state
// machine and its steps, plus the state, telemetry, properties and replay
// actors that run once a device is connected.
package device

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/ratelimit"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/storage"
)

// Deps are the collaborators shared by every actor of a simulation.
type Deps struct {
	SimulationID string
	Registry     registry.Registry
	Clients      registry.ClientFactory
	// Store holds the simulated devices collection.
	Store   storage.Engine
	Limiter *ratelimit.Limiter
	Logger  zerolog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
	// BulkCreated means the devices were created in one bulk call, so
	// actors build credentials locally instead of fetching them.
	BulkCreated bool
	// TwinTagging adds a twin tag step after registration.
	TwinTagging bool
	// StepTimeout bounds every external call. Default 30s.
	StepTimeout time.Duration
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}

	return time.Now()
}

func (d *Deps) stepTimeout() time.Duration {
	if d.StepTimeout > 0 {
		return d.StepTimeout
	}

	return 30 * time.Second
}
