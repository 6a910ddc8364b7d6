//revive:disable:line-length-limit
package telemetry

import (
	"slices"
	"strings"
	"time"
)

// Config configures the OpenTelemetry providers of the simulator.
// Environment variable names follow the OTel specification.
type Config struct {
	Enabled *bool `yaml:"enabled" default:"false" env:"DEVICESIM_TELEMETRY_ENABLED"`

	// ServiceName maps to OTEL_SERVICE_NAME.
	ServiceName string `yaml:"serviceName" env:"OTEL_SERVICE_NAME" default:"devicesim"`
	Version     string `yaml:"version" env:"OTEL_SERVICE_VERSION"`
	Environment string `yaml:"environment" env:"OTEL_DEPLOYMENT_ENVIRONMENT" default:"development"`

	ResourceAttributes map[string]string `yaml:"resourceAttributes,omitempty" env:"OTEL_RESOURCE_ATTRIBUTES"`

	// OTLP is shared by all signals.
	OTLP *OTLPConfig `yaml:"otlp,omitempty"`

	Traces  *SignalConfig `yaml:"traces,omitempty"`
	Metrics *SignalConfig `yaml:"metrics,omitempty"`
	Logs    *SignalConfig `yaml:"logs,omitempty"`

	// Propagators maps to OTEL_PROPAGATORS.
	Propagators string `yaml:"propagators" env:"OTEL_PROPAGATORS" default:"tracecontext,baggage"`

	// SamplerRatio is the parent-based trace id ratio.
	SamplerRatio float64 `yaml:"samplerRatio" env:"OTEL_TRACES_SAMPLER_ARG" default:"1.0" validate:"gte=0,lte=1"`
}

// OTLPConfig contains shared OTLP exporter settings.
type OTLPConfig struct {
	// Endpoint is "host:port" for gRPC or a full URL for HTTP.
	Endpoint    string            `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
	Insecure    *bool             `yaml:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" default:"true"`
	Headers     map[string]string `yaml:"headers,omitempty" env:"OTEL_EXPORTER_OTLP_HEADERS"`
	Protocol    string            `yaml:"protocol" env:"OTEL_EXPORTER_OTLP_PROTOCOL" default:"grpc" validate:"oneof=grpc http/protobuf http"`
	Timeout     time.Duration     `yaml:"timeout" env:"OTEL_EXPORTER_OTLP_TIMEOUT" default:"10s" validate:"gte=0"`
	Compression string            `yaml:"compression,omitempty" env:"OTEL_EXPORTER_OTLP_COMPRESSION" validate:"omitempty,oneof=gzip none"`
}

// IsInsecure returns true if insecure connection is enabled.
func (c *OTLPConfig) IsInsecure() bool {
	return c == nil || c.Insecure == nil || *c.Insecure
}

// SignalConfig configures one signal.
type SignalConfig struct {
	Enabled *bool `yaml:"enabled"`
	// Exporter is one of "otlp", "console", "stdout", "none".
	Exporter string `yaml:"exporter" default:"otlp" validate:"omitempty,oneof=otlp console stdout none"`
	// Endpoint overrides OTLP.Endpoint for this signal.
	Endpoint string `yaml:"endpoint,omitempty"`
	// Interval is the metric export interval.
	Interval time.Duration `yaml:"interval,omitempty" validate:"omitempty,gt=0"`
}

func (s *SignalConfig) enabled(def bool) bool {
	if s == nil || s.Enabled == nil {
		return def
	}

	return *s.Enabled
}

// IsEnabled returns true if telemetry is enabled.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// TracesEnabled defaults to true once telemetry is enabled.
func (c *Config) TracesEnabled() bool { return c.IsEnabled() && c.Traces.enabled(true) }

// MetricsEnabled defaults to true once telemetry is enabled.
func (c *Config) MetricsEnabled() bool { return c.IsEnabled() && c.Metrics.enabled(true) }

// LogsEnabled is opt-in.
func (c *Config) LogsEnabled() bool { return c.IsEnabled() && c.Logs.enabled(false) }

func (c *Config) hasPropagator(name string) bool {
	if c == nil || c.Propagators == "" {
		return name == "tracecontext" || name == "baggage"
	}

	return slices.Contains(splitList(c.Propagators), name)
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}

	return out
}

func boolPtr(v bool) *bool { return &v }
