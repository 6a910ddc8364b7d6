package device

// Status is the state of a ConnectionActor.
type Status int

const (
	None Status = iota
	ReadyToStart
	ReadyToSetupCredentials
	PreparingCredentials
	ReadyToFetch
	Fetching
	ReadyToRegister
	Registering
	ReadyToTagDeviceTwin
	TaggingDeviceTwin
	ReadyToConnect
	Connecting
	ReadyToAddToStore
	AddingToStore
	Done
	ReadyToDisconnect
	Disconnecting
	ReadyToDeleteFromStore
	DeletingFromStore
	ReadyToDeregister
	Deregistering
	Deleted
	Stopped
)

var statusNames = [...]string{
	None:                    "None",
	ReadyToStart:            "ReadyToStart",
	ReadyToSetupCredentials: "ReadyToSetupCredentials",
	PreparingCredentials:    "PreparingCredentials",
	ReadyToFetch:            "ReadyToFetch",
	Fetching:                "Fetching",
	ReadyToRegister:         "ReadyToRegister",
	Registering:             "Registering",
	ReadyToTagDeviceTwin:    "ReadyToTagDeviceTwin",
	TaggingDeviceTwin:       "TaggingDeviceTwin",
	ReadyToConnect:          "ReadyToConnect",
	Connecting:              "Connecting",
	ReadyToAddToStore:       "ReadyToAddToStore",
	AddingToStore:           "AddingToStore",
	Done:                    "Done",
	ReadyToDisconnect:       "ReadyToDisconnect",
	Disconnecting:           "Disconnecting",
	ReadyToDeleteFromStore:  "ReadyToDeleteFromStore",
	DeletingFromStore:       "DeletingFromStore",
	ReadyToDeregister:       "ReadyToDeregister",
	Deregistering:           "Deregistering",
	Deleted:                 "Deleted",
	Stopped:                 "Stopped",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}

	return statusNames[s]
}

// inFlight reports whether a step is running while the actor is in s.
func (s Status) inFlight() bool {
	switch s {
	case PreparingCredentials, Fetching, Registering, TaggingDeviceTwin, Connecting,
		AddingToStore, Disconnecting, DeletingFromStore, Deregistering:
		return true
	default:
		return false
	}
}

// Event drives ConnectionActor transitions.
type Event int

const (
	Started Event = iota
	DeviceNotFound
	FetchFailed
	FetchCompleted
	RegistrationFailed
	DeviceRegistered
	DeviceTwinTagged
	DeviceTwinTaggingFailed
	CredentialsSetupCompleted
	AuthFailed
	ConnectionFailed
	Connected
	AddToStoreCompleted
	AddToStoreFailed
	DeleteFromStoreCompleted
	DeleteFromStoreFailed
	Disconnected
	DeviceDeregistered
	DeregistrationFailed
	TelemetryClientBroken
)

var eventNames = [...]string{
	Started:                   "Started",
	DeviceNotFound:            "DeviceNotFound",
	FetchFailed:               "FetchFailed",
	FetchCompleted:            "FetchCompleted",
	RegistrationFailed:        "RegistrationFailed",
	DeviceRegistered:          "DeviceRegistered",
	DeviceTwinTagged:          "DeviceTwinTagged",
	DeviceTwinTaggingFailed:   "DeviceTwinTaggingFailed",
	CredentialsSetupCompleted: "CredentialsSetupCompleted",
	AuthFailed:                "AuthFailed",
	ConnectionFailed:          "ConnectionFailed",
	Connected:                 "Connected",
	AddToStoreCompleted:       "AddToStoreCompleted",
	AddToStoreFailed:          "AddToStoreFailed",
	DeleteFromStoreCompleted:  "DeleteFromStoreCompleted",
	DeleteFromStoreFailed:     "DeleteFromStoreFailed",
	Disconnected:              "Disconnected",
	DeviceDeregistered:        "DeviceDeregistered",
	DeregistrationFailed:      "DeregistrationFailed",
	TelemetryClientBroken:     "TelemetryClientBroken",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return "Unknown"
	}

	return eventNames[e]
}

// StepKind names the side effect a ConnectionActor runs for a Ready state.
type StepKind int

const (
	StepCredentialsSetup StepKind = iota
	StepFetch
	StepFetchFromRegistry
	StepRegister
	StepConnect
	StepDisconnect
	StepDeregister
	StepAddToStore
	StepDeleteFromStore
	StepDeviceTwinTag
)

var stepNames = [...]string{
	StepCredentialsSetup:  "credentials_setup",
	StepFetch:             "fetch",
	StepFetchFromRegistry: "fetch_from_registry",
	StepRegister:          "register",
	StepConnect:           "connect",
	StepDisconnect:        "disconnect",
	StepDeregister:        "deregister",
	StepAddToStore:        "add_to_store",
	StepDeleteFromStore:   "delete_from_store",
	StepDeviceTwinTag:     "device_twin_tag",
}

func (k StepKind) String() string {
	if k < 0 || int(k) >= len(stepNames) {
		return "unknown"
	}

	return stepNames[k]
}
