package model

import "errors"

// ErrNotFound is returned when a device, partition or record does not exist.
// It is an expected outcome that drives branching, not a failure.
var ErrNotFound = errors.New("devicesim: resource not found")

// ErrExternalDependency marks a retryable failure of the registry, storage
// or network.
var ErrExternalDependency = errors.New("devicesim: external dependency failure")

// ErrAuthFailed is returned by device clients when the credentials are rejected.
var ErrAuthFailed = errors.New("devicesim: device authentication failed")

// ErrClientBroken is returned by device clients whose connection is no longer usable.
var ErrClientBroken = errors.New("devicesim: device client is broken")

// ErrAlreadyInitialized is returned when a single-use component is set up twice.
var ErrAlreadyInitialized = errors.New("devicesim: already initialized")

// ErrInvalidEvent is returned when an actor receives an event it does not know.
var ErrInvalidEvent = errors.New("devicesim: invalid actor event")

// ErrConflict is returned when an optimistic concurrency check fails.
var ErrConflict = errors.New("devicesim: version conflict")

// ErrTimeout is returned when a bounded operation does not complete in time.
var ErrTimeout = errors.New("devicesim: operation timed out")
