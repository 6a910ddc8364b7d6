// Package model defines the data exchanged between the simulation components:
// device model templates, simulations, devices, partitions and statistics.
package model

import (
	"encoding/json"
	"maps"
	"slices"
	"time"
)

// Protocol is the transport a simulated device uses.
type Protocol string

const (
	ProtocolAMQP Protocol = "amqp"
	ProtocolMQTT Protocol = "mqtt"
	ProtocolHTTP Protocol = "http"
)

// Duration is a time.Duration that reads "10s"-style strings from YAML and JSON.
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)

	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler. Numbers are read as nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n int64
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return err
		}
		*d = Duration(n)

		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)

	return nil
}

// AsDuration converts Duration to time.Duration.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// Script references a state update function and its parameters.
type Script struct {
	Type   string         `yaml:"type" json:"type"`
	Path   string         `yaml:"path" json:"path"`
	Params map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// StateSimulation describes how a device's internal state evolves.
type StateSimulation struct {
	InitialState map[string]any `yaml:"initialState" json:"initialState"`
	Interval     Duration       `yaml:"interval" json:"interval"`
	Scripts      []Script       `yaml:"scripts,omitempty" json:"scripts,omitempty"`
}

// TelemetryMessage is one message a device sends periodically.
type TelemetryMessage struct {
	Interval        Duration `yaml:"interval" json:"interval"`
	MessageTemplate string   `yaml:"messageTemplate" json:"messageTemplate"`
	MessageSchema   string   `yaml:"messageSchema" json:"messageSchema"`
}

// DeviceModel is the template every simulated device is built from.
// Values obtained from a catalog are shared; use WithOverride to derive a
// per-simulation copy.
type DeviceModel struct {
	ID          string             `yaml:"id" json:"id"`
	ETag        string             `yaml:"-" json:"eTag,omitempty"`
	Name        string             `yaml:"name" json:"name"`
	Description string             `yaml:"description" json:"description"`
	Protocol    Protocol           `yaml:"protocol" json:"protocol"`
	Simulation  StateSimulation    `yaml:"simulation" json:"simulation"`
	Properties  map[string]any     `yaml:"properties,omitempty" json:"properties,omitempty"`
	Telemetry   []TelemetryMessage `yaml:"telemetry" json:"telemetry"`
}

// TelemetryOverride replaces the fields of one telemetry message.
type TelemetryOverride struct {
	Interval        *Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	MessageTemplate *string   `yaml:"messageTemplate,omitempty" json:"messageTemplate,omitempty"`
	MessageSchema   *string   `yaml:"messageSchema,omitempty" json:"messageSchema,omitempty"`
}

// StateOverride replaces the state simulation of a model.
type StateOverride struct {
	InitialState map[string]any `yaml:"initialState,omitempty" json:"initialState,omitempty"`
	Interval     *Duration      `yaml:"interval,omitempty" json:"interval,omitempty"`
	Scripts      []Script       `yaml:"scripts,omitempty" json:"scripts,omitempty"`
}

// Override customizes a device model for one simulation.
type Override struct {
	Simulation *StateOverride      `yaml:"simulation,omitempty" json:"simulation,omitempty"`
	Telemetry  []TelemetryOverride `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`
}

// IsEmpty reports whether the override changes nothing.
func (o *Override) IsEmpty() bool {
	return o == nil || (o.Simulation == nil && len(o.Telemetry) == 0)
}

// Clone returns a deep copy of the model.
func (m *DeviceModel) Clone() *DeviceModel {
	c := *m
	c.Simulation.InitialState = cloneMap(m.Simulation.InitialState)
	c.Simulation.Scripts = cloneScripts(m.Simulation.Scripts)
	c.Properties = cloneMap(m.Properties)
	c.Telemetry = slices.Clone(m.Telemetry)

	return &c
}

// WithOverride returns a copy of the model with the override applied.
// The receiver is left untouched.
func (m *DeviceModel) WithOverride(o *Override) *DeviceModel {
	c := m.Clone()
	if o.IsEmpty() {
		return c
	}

	if s := o.Simulation; s != nil {
		if s.InitialState != nil {
			c.Simulation.InitialState = cloneMap(s.InitialState)
		}
		if s.Interval != nil {
			c.Simulation.Interval = *s.Interval
		}
		if len(s.Scripts) > 0 {
			c.Simulation.Scripts = cloneScripts(s.Scripts)
		}
	}

	for i, t := range o.Telemetry {
		if i >= len(c.Telemetry) {
			break
		}
		if t.Interval != nil {
			c.Telemetry[i].Interval = *t.Interval
		}
		if t.MessageTemplate != nil {
			c.Telemetry[i].MessageTemplate = *t.MessageTemplate
		}
		if t.MessageSchema != nil {
			c.Telemetry[i].MessageSchema = *t.MessageSchema
		}
	}

	return c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	return maps.Clone(m)
}

func cloneScripts(in []Script) []Script {
	if in == nil {
		return nil
	}
	out := make([]Script, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Params = cloneMap(s.Params)
	}

	return out
}
