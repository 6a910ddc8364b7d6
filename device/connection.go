package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/ratelimit"
	"github.com/arloliu/devicesim/registry"
)

// ConnectionActor drives one device through credential setup, registry
// fetch or registration, connection and storage, and on deletion through
// disconnect, store removal and deregistration.
//
// Run is called repeatedly by a single connection loop. Each call performs
// at most the one step due for the current Ready state, on its own
// goroutine; the step reports back through HandleEvent, which schedules the
// next state. Failures never end the actor: it retries until Stop or Delete.
type ConnectionActor struct {
	deps Deps
	log  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	deviceID    string
	model       *model.DeviceModel
	state       *StateActor
	loop        *ratelimit.ConnectionLoopSettings
	steps       map[StepKind]Step

	status    Status
	whenToRun time.Time
	deferred  Event
	hasDefer  bool
	deleting  bool
	// reconnect is set when the client broke while a step was in flight.
	reconnect bool
	// fetchFromRegistry makes the next fetch skip the simulated devices store.
	fetchFromRegistry bool

	device    *model.Device
	client    registry.Client
	connected bool

	inflight sync.WaitGroup

	failedConnections   atomic.Int64
	failedRegistrations atomic.Int64
	failedFetches       atomic.Int64
	failedTaggings      atomic.Int64
}

// NewConnectionActor creates an actor that must be Setup before use.
func NewConnectionActor(deps Deps) *ConnectionActor {
	return &ConnectionActor{deps: deps, log: deps.Logger}
}

// Setup binds the actor to a device. Each actor serves a single device;
// a second call returns model.ErrAlreadyInitialized.
func (a *ConnectionActor) Setup(
	deviceID string,
	m *model.DeviceModel,
	state *StateActor,
	loop *ratelimit.ConnectionLoopSettings,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.initialized {
		a.log.Error().Str("device_id", a.deviceID).Msg("connection actor already initialized")
		return fmt.Errorf("connection actor %s: %w", a.deviceID, model.ErrAlreadyInitialized)
	}
	if m == nil || loop == nil {
		return fmt.Errorf("connection actor %s: model and loop settings are required", deviceID)
	}

	a.initialized = true
	a.deviceID = deviceID
	a.model = m
	a.state = state
	a.loop = loop
	a.log = a.deps.Logger.With().
		Str("simulation_id", a.deps.SimulationID).
		Str("device_id", deviceID).
		Logger()
	a.steps = make(map[StepKind]Step, len(stepNames))
	for kind := range StepKind(len(stepNames)) {
		step := newStep(kind)
		step.Setup(a, deviceID, m)
		a.steps[kind] = step
	}
	a.status = ReadyToStart

	return nil
}

// Run performs the step due for the current state, if its time has come.
func (a *ConnectionActor) Run(ctx context.Context) {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return
	}
	if a.hasDefer {
		ev := a.deferred
		a.hasDefer = false
		a.mu.Unlock()
		a.handle(ev)

		return
	}
	if a.deps.now().Before(a.whenToRun) {
		a.mu.Unlock()
		return
	}

	var kind StepKind
	switch a.status {
	case ReadyToStart:
		a.mu.Unlock()
		a.handle(Started)

		return
	case ReadyToSetupCredentials:
		a.status, kind = PreparingCredentials, StepCredentialsSetup
	case ReadyToFetch:
		a.status, kind = Fetching, StepFetch
		if a.fetchFromRegistry {
			a.fetchFromRegistry = false
			kind = StepFetchFromRegistry
		}
	case ReadyToRegister:
		a.status, kind = Registering, StepRegister
	case ReadyToTagDeviceTwin:
		a.status, kind = TaggingDeviceTwin, StepDeviceTwinTag
	case ReadyToConnect:
		a.status, kind = Connecting, StepConnect
	case ReadyToAddToStore:
		a.status, kind = AddingToStore, StepAddToStore
	case ReadyToDisconnect:
		a.status, kind = Disconnecting, StepDisconnect
	case ReadyToDeleteFromStore:
		a.status, kind = DeletingFromStore, StepDeleteFromStore
	case ReadyToDeregister:
		a.status, kind = Deregistering, StepDeregister
	default:
		a.mu.Unlock()
		return
	}
	step := a.steps[kind]
	a.inflight.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.inflight.Done()
		step.Run(ctx)
	}()
}

// Wait blocks until the steps in flight have reported back.
func (a *ConnectionActor) Wait() {
	a.inflight.Wait()
}

// HandleEvent applies ev. Events that do not match the current state are
// stale and ignored. When the per-loop budget an event needs is exhausted,
// the event is kept and applied again on the next Run, after the loop
// refilled the budget.
func (a *ConnectionActor) HandleEvent(ev Event) error {
	if ev < 0 || int(ev) >= len(eventNames) {
		return fmt.Errorf("connection actor %s: event %d: %w", a.DeviceID(), ev, model.ErrInvalidEvent)
	}
	a.handle(ev)

	return nil
}

func (a *ConnectionActor) handle(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == Stopped || a.status == Deleted {
		return
	}
	if !expects(ev, a.status) {
		a.log.Debug().Stringer("event", ev).Stringer("status", a.status).Msg("ignoring stale event")
		return
	}
	if a.deleting && !deleteChain(ev) {
		if ev == Connected {
			a.connected = true
		}
		a.schedule(ReadyToDisconnect, 0)

		return
	}
	if ev == TelemetryClientBroken && a.status.inFlight() {
		a.connected = false
		a.setOnline(false)
		a.reconnect = true

		return
	}
	if a.reconnect && !deleteChain(ev) {
		a.reconnect = false
		a.schedule(ReadyToDisconnect, 0)

		return
	}
	if !a.takeBudget(ev) {
		a.deferred, a.hasDefer = ev, true
		return
	}

	lim := a.deps.Limiter
	switch ev {
	case Started:
		if a.deps.BulkCreated {
			a.schedule(ReadyToSetupCredentials, 0)
		} else {
			a.schedule(ReadyToFetch, lim.PauseForNextRegistryOperation())
		}
	case CredentialsSetupCompleted, FetchCompleted, DeviceTwinTagged:
		a.schedule(ReadyToConnect, lim.PauseForNextConnection())
	case DeviceNotFound:
		a.schedule(ReadyToRegister, lim.PauseForNextRegistryOperation())
	case FetchFailed:
		a.failedFetches.Add(1)
		a.schedule(ReadyToFetch, lim.PauseForNextRegistryOperation())
	case RegistrationFailed:
		a.failedRegistrations.Add(1)
		a.schedule(ReadyToRegister, lim.PauseForNextRegistryOperation())
	case DeviceRegistered:
		if a.deps.TwinTagging {
			a.schedule(ReadyToTagDeviceTwin, lim.PauseForNextTwinWrite())
		} else {
			a.schedule(ReadyToConnect, lim.PauseForNextConnection())
		}
	case DeviceTwinTaggingFailed:
		a.failedTaggings.Add(1)
		a.schedule(ReadyToTagDeviceTwin, lim.PauseForNextTwinWrite())
	case AuthFailed:
		a.failedConnections.Add(1)
		a.fetchFromRegistry = true
		a.schedule(ReadyToFetch, lim.PauseForNextRegistryOperation())
	case ConnectionFailed:
		a.failedConnections.Add(1)
		a.schedule(ReadyToConnect, lim.PauseForNextConnection())
	case Connected:
		a.connected = true
		a.setOnline(true)
		a.schedule(ReadyToAddToStore, 0)
	case AddToStoreCompleted:
		a.schedule(Done, 0)
		a.log.Debug().Msg("device connected")
	case AddToStoreFailed:
		a.schedule(ReadyToAddToStore, 0)
	case TelemetryClientBroken:
		a.connected = false
		a.setOnline(false)
		a.schedule(ReadyToDisconnect, 0)
	case Disconnected:
		a.connected = false
		a.reconnect = false
		a.setOnline(false)
		if a.deleting {
			a.schedule(ReadyToDeleteFromStore, 0)
		} else {
			a.schedule(ReadyToConnect, lim.PauseForNextConnection())
		}
	case DeleteFromStoreCompleted:
		a.schedule(ReadyToDeregister, lim.PauseForNextRegistryOperation())
	case DeleteFromStoreFailed:
		a.schedule(ReadyToDeleteFromStore, 0)
	case DeviceDeregistered:
		a.schedule(Deleted, 0)
		a.log.Debug().Msg("device deleted")
	case DeregistrationFailed:
		a.schedule(ReadyToDeregister, lim.PauseForNextRegistryOperation())
	}
}

// takeBudget consumes the per-loop budget ev needs, if any.
func (a *ConnectionActor) takeBudget(ev Event) bool {
	switch ev {
	case Started:
		return a.deps.BulkCreated || a.loop.TryTakeFetch()
	case FetchFailed, AuthFailed:
		return a.loop.TryTakeFetch()
	case DeviceNotFound, RegistrationFailed:
		return a.loop.TryTakeRegistration()
	case DeviceRegistered:
		return !a.deps.TwinTagging || a.loop.TryTakeTagging()
	case DeviceTwinTaggingFailed:
		return a.loop.TryTakeTagging()
	default:
		return true
	}
}

func (a *ConnectionActor) schedule(s Status, pause time.Duration) {
	a.status = s
	a.whenToRun = a.deps.now().Add(pause)
}

func (a *ConnectionActor) setOnline(v bool) {
	if a.state != nil {
		a.state.Set(OnlineProperty, v)
	}
}

// expects reports whether ev is a valid outcome of status.
func expects(ev Event, s Status) bool {
	switch ev {
	case Started:
		return s == ReadyToStart
	case CredentialsSetupCompleted:
		return s == PreparingCredentials
	case FetchCompleted, DeviceNotFound, FetchFailed:
		return s == Fetching
	case DeviceRegistered, RegistrationFailed:
		return s == Registering
	case DeviceTwinTagged, DeviceTwinTaggingFailed:
		return s == TaggingDeviceTwin
	case Connected, ConnectionFailed, AuthFailed:
		return s == Connecting
	case AddToStoreCompleted, AddToStoreFailed:
		return s == AddingToStore
	case TelemetryClientBroken:
		return s == ReadyToAddToStore || s == AddingToStore || s == Done
	case Disconnected:
		return s == Disconnecting
	case DeleteFromStoreCompleted, DeleteFromStoreFailed:
		return s == DeletingFromStore
	case DeviceDeregistered, DeregistrationFailed:
		return s == Deregistering
	default:
		return false
	}
}

func deleteChain(ev Event) bool {
	switch ev {
	case Disconnected, DeleteFromStoreCompleted, DeleteFromStoreFailed, DeviceDeregistered, DeregistrationFailed:
		return true
	default:
		return false
	}
}

// Stop ends the actor and disconnects its client. It never fails.
func (a *ConnectionActor) Stop() {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error().Interface("panic", r).Msg("stopping connection actor")
		}
	}()

	a.mu.Lock()
	a.status = Stopped
	a.hasDefer = false
	client := a.client
	a.client = nil
	a.connected = false
	a.mu.Unlock()

	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.deps.stepTimeout())
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		a.log.Warn().Err(err).Msg("disconnect on stop failed")
	}
}

// Delete starts the disconnect, store removal and deregistration chain.
// A step in flight finishes first; its outcome then leads to the chain.
// An outcome held back for budget is dropped.
func (a *ConnectionActor) Delete() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == Stopped || a.status == Deleted || a.deleting {
		return
	}
	a.deleting = true
	// A deferred event means the step already reported back.
	if a.hasDefer || !a.status.inFlight() {
		a.hasDefer = false
		a.schedule(ReadyToDisconnect, 0)
	}
}

// Status returns the current state.
func (a *ConnectionActor) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.status
}

// DeviceID returns the bound device id.
func (a *ConnectionActor) DeviceID() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.deviceID
}

// Model returns the bound device model.
func (a *ConnectionActor) Model() *model.DeviceModel {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.model
}

// Connected reports whether the device client is connected.
func (a *ConnectionActor) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.connected
}

// Client returns the device client, nil until connected.
func (a *ConnectionActor) Client() registry.Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.client
}

// Device returns the registry record, nil until fetched or created.
func (a *ConnectionActor) Device() *model.Device {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.device
}

// IsDeleted reports whether the delete chain completed.
func (a *ConnectionActor) IsDeleted() bool {
	return a.Status() == Deleted
}

// FailedDeviceConnectionsCount returns the failed connection attempts,
// authentication failures included.
func (a *ConnectionActor) FailedDeviceConnectionsCount() int64 { return a.failedConnections.Load() }

// FailedRegistrationsCount returns the failed registrations.
func (a *ConnectionActor) FailedRegistrationsCount() int64 { return a.failedRegistrations.Load() }

// FailedFetchCount returns the failed registry fetches.
func (a *ConnectionActor) FailedFetchCount() int64 { return a.failedFetches.Load() }

// FailedTwinTaggingsCount returns the failed twin tag writes.
func (a *ConnectionActor) FailedTwinTaggingsCount() int64 { return a.failedTaggings.Load() }

func (a *ConnectionActor) setDevice(d *model.Device) {
	a.mu.Lock()
	a.device = d
	a.mu.Unlock()
}

// setClient stores c unless the actor was stopped meanwhile.
func (a *ConnectionActor) setClient(c registry.Client) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status == Stopped {
		return false
	}
	a.client = c

	return true
}

func (a *ConnectionActor) takeClient() registry.Client {
	a.mu.Lock()
	defer a.mu.Unlock()

	c := a.client
	a.client = nil

	return c
}
