package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/devicesim/internal/tracker"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/storage"
)

// Step is one side effect of the connection state machine. Run performs a
// single external call and reports the outcome through actor.HandleEvent.
// Run never panics and never returns an error to its caller.
type Step interface {
	Setup(actor *ConnectionActor, deviceID string, m *model.DeviceModel)
	Run(ctx context.Context)
}

type stepFunc func(ctx context.Context, s *baseStep) (Event, error)

// baseStep wraps a stepFunc with the shared plumbing: span, timeout,
// panic recovery and event delivery.
type baseStep struct {
	kind     StepKind
	fn       stepFunc
	actor    *ConnectionActor
	deviceID string
	model    *model.DeviceModel
}

func newStep(kind StepKind) Step {
	fns := [...]stepFunc{
		StepCredentialsSetup:  credentialsSetup,
		StepFetch:             fetch,
		StepFetchFromRegistry: fetchFromRegistry,
		StepRegister:          register,
		StepConnect:           connect,
		StepDisconnect:        disconnect,
		StepDeregister:        deregister,
		StepAddToStore:        addToStore,
		StepDeleteFromStore:   deleteFromStore,
		StepDeviceTwinTag:     deviceTwinTag,
	}

	return &baseStep{kind: kind, fn: fns[kind]}
}

func (s *baseStep) Setup(actor *ConnectionActor, deviceID string, m *model.DeviceModel) {
	s.actor = actor
	s.deviceID = deviceID
	s.model = m
}

func (s *baseStep) Run(ctx context.Context) {
	deps := &s.actor.deps
	ctx, cancel := context.WithTimeout(ctx, deps.stepTimeout())
	defer cancel()
	ctx, span := tracker.StartStep(ctx, s.kind.String(), deps.SimulationID, s.deviceID)

	var (
		ev  Event
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("step %s panicked: %v", s.kind, r)
				ev = s.failureEvent()
			}
		}()
		start := time.Now()
		ev, err = s.fn(ctx, s)
		s.actor.log.Debug().
			Stringer("step", s.kind).
			Stringer("event", ev).
			Dur("elapsed", time.Since(start)).
			Err(err).
			Msg("step completed")
	}()
	tracker.End(span, err)

	if err != nil {
		s.actor.log.Warn().Err(err).Stringer("step", s.kind).Msg("step failed")
	}
	if herr := s.actor.HandleEvent(ev); herr != nil {
		s.actor.log.Error().Err(herr).Stringer("step", s.kind).Msg("event rejected")
	}
}

func (s *baseStep) failureEvent() Event {
	switch s.kind {
	case StepCredentialsSetup, StepFetch, StepFetchFromRegistry:
		return FetchFailed
	case StepRegister:
		return RegistrationFailed
	case StepConnect:
		return ConnectionFailed
	case StepDisconnect:
		return Disconnected
	case StepDeregister:
		return DeregistrationFailed
	case StepAddToStore:
		return AddToStoreFailed
	case StepDeleteFromStore:
		return DeleteFromStoreFailed
	default:
		return DeviceTwinTaggingFailed
	}
}

func credentialsSetup(_ context.Context, s *baseStep) (Event, error) {
	s.actor.setDevice(s.actor.deps.Registry.BuildDevice(s.deviceID))

	return CredentialsSetupCompleted, nil
}

// fetch reads the device from the simulated devices store, falling back to
// the registry when the store has no usable record.
func fetch(ctx context.Context, s *baseStep) (Event, error) {
	var sd model.SimulatedDevice
	key := model.SimulatedDeviceKey(s.actor.deps.SimulationID, s.deviceID)
	_, err := storage.GetJSON(ctx, s.actor.deps.Store, storage.SimulatedDevices, key, &sd)
	if err == nil && sd.Device != nil && sd.Device.AuthPrimaryKey != "" {
		s.actor.setDevice(sd.Device)
		return FetchCompleted, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.actor.log.Debug().Err(err).Msg("simulated device lookup failed, asking the registry")
	}

	return fetchFromRegistry(ctx, s)
}

func fetchFromRegistry(ctx context.Context, s *baseStep) (Event, error) {
	device, err := s.actor.deps.Registry.Get(ctx, s.deviceID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return DeviceNotFound, nil
	case err != nil:
		return FetchFailed, err
	}
	s.actor.setDevice(device)

	return FetchCompleted, nil
}

func register(ctx context.Context, s *baseStep) (Event, error) {
	device, err := s.actor.deps.Registry.Create(ctx, s.deviceID)
	if err != nil {
		return RegistrationFailed, err
	}
	s.actor.setDevice(device)

	return DeviceRegistered, nil
}

func deviceTwinTag(ctx context.Context, s *baseStep) (Event, error) {
	tags := map[string]string{
		"IsSimulated":  "Y",
		"SimulationId": s.actor.deps.SimulationID,
		"DeviceModel":  s.model.ID,
	}
	if err := s.actor.deps.Registry.AddTag(ctx, s.deviceID, tags); err != nil {
		return DeviceTwinTaggingFailed, err
	}

	return DeviceTwinTagged, nil
}

func connect(ctx context.Context, s *baseStep) (Event, error) {
	device := s.actor.Device()
	if device == nil {
		return AuthFailed, fmt.Errorf("connect %s: no credentials: %w", s.deviceID, model.ErrAuthFailed)
	}

	client, err := s.actor.deps.Clients.NewClient(s.actor.deps.SimulationID, device, s.model.Protocol)
	if err != nil {
		return connectFailure(err), err
	}
	if err := client.Connect(ctx); err != nil {
		return connectFailure(err), err
	}
	if !s.actor.setClient(client) {
		return Connected, client.Disconnect(ctx)
	}

	return Connected, nil
}

func connectFailure(err error) Event {
	if errors.Is(err, model.ErrAuthFailed) {
		return AuthFailed
	}

	return ConnectionFailed
}

// disconnect always succeeds: a client that fails to close is dropped.
func disconnect(ctx context.Context, s *baseStep) (Event, error) {
	client := s.actor.takeClient()
	if client == nil {
		return Disconnected, nil
	}

	return Disconnected, client.Disconnect(ctx)
}

func deregister(ctx context.Context, s *baseStep) (Event, error) {
	err := s.actor.deps.Registry.Delete(ctx, s.deviceID)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return DeregistrationFailed, err
	}

	return DeviceDeregistered, nil
}

func addToStore(ctx context.Context, s *baseStep) (Event, error) {
	deps := &s.actor.deps
	sd := model.SimulatedDevice{
		DeviceID:     s.deviceID,
		SimulationID: deps.SimulationID,
		ModelID:      s.model.ID,
		Device:       s.actor.Device(),
		Added:        deps.now().UTC(),
	}
	key := model.SimulatedDeviceKey(deps.SimulationID, s.deviceID)
	_, err := storage.UpsertJSON(ctx, deps.Store, storage.SimulatedDevices, key, sd, "")
	if err != nil {
		return AddToStoreFailed, err
	}

	return AddToStoreCompleted, nil
}

func deleteFromStore(ctx context.Context, s *baseStep) (Event, error) {
	deps := &s.actor.deps
	key := model.SimulatedDeviceKey(deps.SimulationID, s.deviceID)
	err := deps.Store.Delete(ctx, storage.SimulatedDevices, key, "")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return DeleteFromStoreFailed, err
	}

	return DeleteFromStoreCompleted, nil
}
