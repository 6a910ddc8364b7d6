package registry

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/arloliu/devicesim/model"
)

// Memory is an in-process hub: a device registry plus device clients that
// deliver into it. It lets a node run a full simulation without external
// services and backs the tests.
type Memory struct {
	secret   string
	hostName string

	mu      sync.RWMutex
	devices map[string]*model.Device

	messages       atomic.Int64
	propertyWrites atomic.Int64
	connected      atomic.Int64
}

// NewMemory creates an empty hub. secret derives device keys.
func NewMemory(secret, hostName string) *Memory {
	return &Memory{
		secret:   secret,
		hostName: hostName,
		devices:  make(map[string]*model.Device),
	}
}

var (
	_ Registry      = (*Memory)(nil)
	_ BulkCreator   = (*Memory)(nil)
	_ ClientFactory = (*Memory)(nil)
)

func (m *Memory) Get(_ context.Context, deviceID string) (*model.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", deviceID, model.ErrNotFound)
	}

	return cloneDevice(d), nil
}

func (m *Memory) Create(_ context.Context, deviceID string) (*model.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.devices[deviceID]; ok {
		return cloneDevice(d), nil
	}
	d := m.BuildDevice(deviceID)
	m.devices[deviceID] = d

	return cloneDevice(d), nil
}

func (m *Memory) Delete(_ context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devices[deviceID]; !ok {
		return fmt.Errorf("device %s: %w", deviceID, model.ErrNotFound)
	}
	delete(m.devices, deviceID)

	return nil
}

func (m *Memory) AddTag(_ context.Context, deviceID string, tags map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %s: %w", deviceID, model.ErrNotFound)
	}
	if d.Twin.Tags == nil {
		d.Twin.Tags = make(map[string]string, len(tags))
	}
	maps.Copy(d.Twin.Tags, tags)
	d.ETag = uuid.NewString()

	return nil
}

func (m *Memory) BuildDevice(deviceID string) *model.Device {
	return &model.Device{
		ID:             deviceID,
		ETag:           uuid.NewString(),
		AuthPrimaryKey: DeriveKey(m.secret, deviceID),
		HostName:       m.hostName,
		Enabled:        true,
		Created:        time.Now().UTC(),
	}
}

func (m *Memory) CreateList(ctx context.Context, deviceIDs []string) error {
	for _, id := range deviceIDs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := m.Create(ctx, id); err != nil {
			return err
		}
	}

	return nil
}

func (m *Memory) DeleteList(_ context.Context, deviceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range deviceIDs {
		delete(m.devices, id)
	}

	return nil
}

// NewClient returns a client that authenticates against the hub's devices.
func (m *Memory) NewClient(_ string, device *model.Device, _ model.Protocol) (Client, error) {
	if device == nil {
		return nil, fmt.Errorf("new client: %w", model.ErrAuthFailed)
	}

	return &memoryClient{hub: m, deviceID: device.ID, key: device.AuthPrimaryKey}, nil
}

// Count returns the registered devices.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.devices)
}

// Messages returns the telemetry messages received.
func (m *Memory) Messages() int64 { return m.messages.Load() }

// PropertyWrites returns the reported property updates received.
func (m *Memory) PropertyWrites() int64 { return m.propertyWrites.Load() }

// Connected returns the clients currently connected.
func (m *Memory) Connected() int64 { return m.connected.Load() }

type memoryClient struct {
	hub       *Memory
	deviceID  string
	key       string
	connected atomic.Bool
}

func (c *memoryClient) Connect(_ context.Context) error {
	c.hub.mu.RLock()
	d, ok := c.hub.devices[c.deviceID]
	c.hub.mu.RUnlock()

	if !ok || d.AuthPrimaryKey != c.key {
		return fmt.Errorf("connect %s: %w", c.deviceID, model.ErrAuthFailed)
	}
	if c.connected.CompareAndSwap(false, true) {
		c.hub.connected.Add(1)
	}

	return nil
}

func (c *memoryClient) Disconnect(_ context.Context) error {
	if c.connected.CompareAndSwap(true, false) {
		c.hub.connected.Add(-1)
	}

	return nil
}

func (c *memoryClient) SendMessage(_ context.Context, _ Message) error {
	if !c.connected.Load() {
		return fmt.Errorf("send %s: %w", c.deviceID, model.ErrClientBroken)
	}
	c.hub.messages.Add(1)

	return nil
}

func (c *memoryClient) UpdateProperties(_ context.Context, props map[string]any) error {
	if !c.connected.Load() {
		return fmt.Errorf("update %s: %w", c.deviceID, model.ErrClientBroken)
	}

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	d, ok := c.hub.devices[c.deviceID]
	if !ok {
		return fmt.Errorf("update %s: %w", c.deviceID, model.ErrNotFound)
	}
	if d.Twin.ReportedProperties == nil {
		d.Twin.ReportedProperties = make(map[string]any, len(props))
	}
	maps.Copy(d.Twin.ReportedProperties, props)
	c.hub.propertyWrites.Add(1)

	return nil
}

func (c *memoryClient) GetTwin(_ context.Context) (*model.Twin, error) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	d, ok := c.hub.devices[c.deviceID]
	if !ok {
		return nil, fmt.Errorf("twin %s: %w", c.deviceID, model.ErrNotFound)
	}
	twin := cloneDevice(d).Twin

	return &twin, nil
}

func cloneDevice(d *model.Device) *model.Device {
	c := *d
	c.Twin.Tags = maps.Clone(d.Twin.Tags)
	c.Twin.ReportedProperties = maps.Clone(d.Twin.ReportedProperties)
	c.Twin.DesiredProperties = maps.Clone(d.Twin.DesiredProperties)

	return &c
}
