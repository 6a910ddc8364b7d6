//revive:disable:line-length-limit
package main

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/arloliu/fuda"

	"github.com/arloliu/devicesim/agent"
	"github.com/arloliu/devicesim/cluster"
	"github.com/arloliu/devicesim/internal/logging"
	"github.com/arloliu/devicesim/internal/telemetry"
	"github.com/arloliu/devicesim/model"
	"github.com/arloliu/devicesim/runner"
	"github.com/arloliu/devicesim/server"
)

// Config holds the whole service configuration.
// Uses fuda struct tags for defaults, env var binding and validation.
type Config struct {
	Agent     agent.Config     `yaml:"agent"`
	Runner    runner.Config    `yaml:"runner"`
	Cluster   cluster.Config   `yaml:"cluster"`
	Storage   StorageConfig    `yaml:"storage"`
	Registry  RegistryConfig   `yaml:"registry"`
	Transport TransportConfig  `yaml:"transport"`
	NATS      NATSConfig       `yaml:"nats"`
	Status    server.Config    `yaml:"status"`
	Log       logging.Config   `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	// Simulation seeds the stored simulation when none exists.
	Simulation SeedConfig `yaml:"simulation"`
}

// StorageConfig selects the storage engine.
type StorageConfig struct {
	Type string `yaml:"type" env:"DEVICESIM_STORAGE" default:"memory" validate:"oneof=memory nats postgres"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" env:"DEVICESIM_DATABASE_URL"`
	// BucketPrefix and Replicas configure the NATS KV buckets.
	BucketPrefix string `yaml:"bucketPrefix" default:"devicesim_"`
	Replicas     int    `yaml:"replicas" default:"1" validate:"gte=1"`
}

// RegistryConfig selects the device registry.
type RegistryConfig struct {
	Type     string        `yaml:"type" env:"DEVICESIM_REGISTRY" default:"memory" validate:"oneof=memory http"`
	URL      string        `yaml:"url" env:"DEVICESIM_REGISTRY_URL"`
	Token    string        `yaml:"token" env:"DEVICESIM_REGISTRY_TOKEN"`
	Secret   string        `yaml:"secret" env:"DEVICESIM_REGISTRY_SECRET" default:"devicesim"`
	HostName string        `yaml:"hostName" default:"devicesim.local"`
	Timeout  time.Duration `yaml:"timeout" default:"10s" validate:"gt=0"`
}

// TransportConfig selects where device clients send telemetry.
type TransportConfig struct {
	Type          string `yaml:"type" env:"DEVICESIM_TRANSPORT" default:"memory" validate:"oneof=memory nats"`
	SubjectPrefix string `yaml:"subjectPrefix" default:"devicesim"`
	// Stream is created over "<subjectPrefix>.>" when missing.
	Stream string `yaml:"stream" default:"DEVICESIM_TELEMETRY"`
}

// NATSConfig configures the NATS connection used by the nats storage and
// transport.
type NATSConfig struct {
	URL     string        `yaml:"url" env:"NATS_URL" default:"nats://127.0.0.1:4222"`
	Name    string        `yaml:"name" default:"devicesim"`
	Timeout time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
}

// SeedConfig describes the simulation created on start when storage has
// none. No models means no seeding.
type SeedConfig struct {
	Enabled             bool             `yaml:"enabled" default:"true"`
	Models              map[string]int   `yaml:"models"`
	RateLimits          model.RateLimits `yaml:"rateLimits"`
	ReplayFileID        string           `yaml:"replayFileId"`
	ReplayLoop          bool             `yaml:"replayLoop"`
	DeleteDevicesOnStop bool             `yaml:"deleteDevicesOnStop"`
}

// needsNATS reports whether any component talks to NATS.
func (c *Config) needsNATS() bool {
	return c.Storage.Type == "nats" || c.Transport.Type == "nats"
}

func (c *Config) validate() error {
	if c.Storage.Type == "postgres" && c.Storage.DSN == "" {
		return errors.New("storage.dsn is required for postgres storage")
	}
	if c.Registry.Type == "http" && c.Registry.URL == "" {
		return errors.New("registry.url is required for the http registry")
	}
	if c.Registry.Type == "http" && c.Transport.Type == "memory" {
		return errors.New("the http registry needs the nats transport")
	}

	return nil
}

// seed builds the simulation described by the seed section.
func (s SeedConfig) seed() *model.Simulation {
	sim := &model.Simulation{
		Enabled:             s.Enabled,
		RateLimits:          s.RateLimits.WithDefaults(),
		ReplayFileID:        s.ReplayFileID,
		ReplayLoop:          s.ReplayLoop,
		DeleteDevicesOnStop: s.DeleteDevicesOnStop,
	}
	for _, id := range slices.Sorted(maps.Keys(s.Models)) {
		sim.DeviceModels = append(sim.DeviceModels, model.DeviceModelRef{ID: id, Count: s.Models[id]})
	}

	return sim
}

// LoadConfig loads the configuration from a YAML or JSON file. Environment
// variables override file values.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := fuda.LoadFile(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ParseConfig parses the configuration from bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := fuda.LoadBytes(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
