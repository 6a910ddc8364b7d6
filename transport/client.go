package transport

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/registry"
	"github.com/arloliu/devicesim/storage"
)

// Header names set on telemetry messages.
const (
	HeaderMessageSchema = "Devicesim-Message-Schema"
	HeaderProtocol      = "Devicesim-Protocol"
	HeaderCreated       = "Devicesim-Created"
	HeaderContentType   = "Content-Type"
)

const maxTwinRetries = 5

// ConnStatus reports the state of the underlying NATS connection.
// *nats.Conn satisfies it.
type ConnStatus interface {
	IsConnected() bool
}

// Factory creates NATS-backed device clients. Telemetry goes to
// "<prefix>.<simulationID>.<deviceID>.telemetry"; reported properties are
// merged into the device twin record in the DeviceTwins collection.
type Factory struct {
	pub      *Publisher
	registry registry.Registry
	twins    storage.Engine
	conn     ConnStatus
	prefix   string
}

// NewFactory creates a Factory. reg authenticates devices on Connect.
// conn may be nil when the connection state is not observable.
//
// Panics if pub, reg or twins is nil.
func NewFactory(pub *Publisher, reg registry.Registry, twins storage.Engine, conn ConnStatus, opts ...Option) *Factory {
	if pub == nil || reg == nil || twins == nil {
		panic("devicesim/transport: publisher, registry and twin store must not be nil")
	}
	o := applyOptions(opts)

	return &Factory{pub: pub, registry: reg, twins: twins, conn: conn, prefix: o.subjectPrefix}
}

var _ registry.ClientFactory = (*Factory)(nil)

// NewClient returns a disconnected client for device.
func (f *Factory) NewClient(simulationID string, device *model.Device, protocol model.Protocol) (registry.Client, error) {
	if device == nil || device.ID == "" {
		return nil, fmt.Errorf("new client: %w", model.ErrAuthFailed)
	}

	return &Client{
		factory:      f,
		simulationID: simulationID,
		deviceID:     device.ID,
		key:          device.AuthPrimaryKey,
		protocol:     protocol,
		subject:      Subject(f.prefix, simulationID, device.ID),
		twinKey:      model.SimulatedDeviceKey(simulationID, device.ID),
	}, nil
}

// Subject returns the telemetry subject of a device. Dots in ids are
// replaced so each id stays a single subject token.
func Subject(prefix, simulationID, deviceID string) string {
	return prefix + "." + subjectToken(simulationID) + "." + subjectToken(deviceID) + ".telemetry"
}

// DeviceFilter returns the subject filter matching the telemetry of a
// device in any simulation.
func DeviceFilter(prefix, deviceID string) string {
	return prefix + ".*." + subjectToken(deviceID) + ".telemetry"
}

func subjectToken(s string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Client is one simulated device connection.
type Client struct {
	factory      *Factory
	simulationID string
	deviceID     string
	key          string
	protocol     model.Protocol
	subject      string
	twinKey      string

	connected atomic.Bool
}

// Connect authenticates the device against the registry.
func (c *Client) Connect(ctx context.Context) error {
	if c.factory.conn != nil && !c.factory.conn.IsConnected() {
		return fmt.Errorf("connect %s: nats connection down: %w", c.deviceID, model.ErrExternalDependency)
	}

	device, err := c.factory.registry.Get(ctx, c.deviceID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		return fmt.Errorf("connect %s: %w", c.deviceID, model.ErrAuthFailed)
	case err != nil:
		return fmt.Errorf("connect %s: %w", c.deviceID, err)
	case device.AuthPrimaryKey != c.key:
		return fmt.Errorf("connect %s: key mismatch: %w", c.deviceID, model.ErrAuthFailed)
	}
	c.connected.Store(true)

	return nil
}

func (c *Client) Disconnect(_ context.Context) error {
	c.connected.Store(false)

	return nil
}

// SendMessage publishes one telemetry message. A closed or lost NATS
// connection marks the client broken.
func (c *Client) SendMessage(ctx context.Context, msg registry.Message) error {
	if !c.connected.Load() {
		return fmt.Errorf("send %s: %w", c.deviceID, model.ErrClientBroken)
	}

	ctx, err := WithDevice(ctx, c.simulationID, c.deviceID)
	if err != nil {
		return err
	}

	created := msg.Created
	if created.IsZero() {
		created = time.Now().UTC()
	}
	out := &nats.Msg{
		Subject: c.subject,
		Data:    msg.Payload,
		Header:  make(nats.Header),
	}
	out.Header.Set(HeaderContentType, "application/json")
	out.Header.Set(HeaderMessageSchema, msg.Schema)
	out.Header.Set(HeaderProtocol, string(c.protocol))
	out.Header.Set(HeaderCreated, created.Format(time.RFC3339Nano))

	_, err = c.factory.pub.PublishMsg(ctx, out, jetstream.WithMsgID(uuid.NewString()))
	if err != nil {
		if isBroken(err) {
			c.connected.Store(false)
			return fmt.Errorf("send %s: %w: %w", c.deviceID, model.ErrClientBroken, err)
		}

		return fmt.Errorf("send %s: %w: %w", c.deviceID, model.ErrExternalDependency, err)
	}

	return nil
}

// UpdateProperties merges props into the reported properties of the twin.
func (c *Client) UpdateProperties(ctx context.Context, props map[string]any) error {
	if !c.connected.Load() {
		return fmt.Errorf("update %s: %w", c.deviceID, model.ErrClientBroken)
	}

	for range maxTwinRetries {
		var twin model.Twin
		etag, err := storage.GetJSON(ctx, c.factory.twins, storage.DeviceTwins, c.twinKey, &twin)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("update %s: %w: %w", c.deviceID, model.ErrExternalDependency, err)
		}
		if twin.ReportedProperties == nil {
			twin.ReportedProperties = make(map[string]any, len(props))
		}
		maps.Copy(twin.ReportedProperties, props)

		if etag == "" {
			_, err = storage.CreateJSON(ctx, c.factory.twins, storage.DeviceTwins, c.twinKey, twin)
		} else {
			_, err = storage.UpsertJSON(ctx, c.factory.twins, storage.DeviceTwins, c.twinKey, twin, etag)
		}
		if errors.Is(err, storage.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update %s: %w: %w", c.deviceID, model.ErrExternalDependency, err)
		}

		return nil
	}

	return fmt.Errorf("update %s: %w", c.deviceID, model.ErrConflict)
}

// GetTwin returns the stored twin, or an empty twin if none was written.
func (c *Client) GetTwin(ctx context.Context) (*model.Twin, error) {
	var twin model.Twin
	if _, err := storage.GetJSON(ctx, c.factory.twins, storage.DeviceTwins, c.twinKey, &twin); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &model.Twin{}, nil
		}

		return nil, fmt.Errorf("twin %s: %w: %w", c.deviceID, model.ErrExternalDependency, err)
	}

	return &twin, nil
}

func isBroken(err error) bool {
	return errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining)
}
