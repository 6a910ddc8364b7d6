// Package registry defines the device registry and device client contracts
// the simulation drives, with an in-memory hub and an HTTP registry client.
package registry

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/arloliu/devicesim/model"
)

// Registry manages device identities.
//
// Errors wrapping model.ErrNotFound mean the device does not exist; every
// other error is treated as a retryable external dependency failure.
type Registry interface {
	Get(ctx context.Context, deviceID string) (*model.Device, error)
	Create(ctx context.Context, deviceID string) (*model.Device, error)
	Delete(ctx context.Context, deviceID string) error
	AddTag(ctx context.Context, deviceID string, tags map[string]string) error
	// BuildDevice returns the record of a device created in bulk, without
	// calling the registry.
	BuildDevice(deviceID string) *model.Device
}

// BulkCreator is implemented by registries that create many devices at once.
type BulkCreator interface {
	CreateList(ctx context.Context, deviceIDs []string) error
	DeleteList(ctx context.Context, deviceIDs []string) error
}

// Message is one telemetry message.
type Message struct {
	Schema  string
	Payload []byte
	Created time.Time
}

// Client is a connected device. Errors wrapping model.ErrAuthFailed and
// model.ErrClientBroken let callers tell credential and connection problems
// from transient ones.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendMessage(ctx context.Context, msg Message) error
	UpdateProperties(ctx context.Context, props map[string]any) error
	GetTwin(ctx context.Context) (*model.Twin, error)
}

// ClientFactory creates device clients.
type ClientFactory interface {
	NewClient(simulationID string, device *model.Device, protocol model.Protocol) (Client, error)
}

// DeriveKey computes the deterministic primary key of a device from a shared
// secret, so bulk-created devices can be rebuilt without a registry read.
func DeriveKey(secret, deviceID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(deviceID))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
