package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/agenticcoder/execbridge/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool           `koanf:"enabled"`
	Endpoint       string         `koanf:"endpoint"`
	Protocol       string         `koanf:"protocol"` // grpc or http/protobuf
	ServiceName    string         `koanf:"service_name"`
	ServiceVersion string         `koanf:"service_version"`
	Insecure       bool           `koanf:"insecure"`
	TLSSkipVerify  bool           `koanf:"tls_skip_verify"`
	SamplingRate   float64        `koanf:"sampling_rate"`
	Metrics        MetricsConfig  `koanf:"metrics"`
	Shutdown       ShutdownConfig `koanf:"shutdown"`
}

// MetricsConfig controls metrics export.
type MetricsConfig struct {
	Enabled        bool            `koanf:"enabled"`
	ExportInterval config.Duration `koanf:"export_interval"`
}

// ShutdownConfig controls graceful shutdown behavior.
type ShutdownConfig struct {
	Timeout config.Duration `koanf:"timeout"`
}

// NewDefaultConfig returns telemetry defaults. Telemetry is off unless a
// collector is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "execbridge",
		ServiceVersion: "dev",
		Insecure:       true,
		SamplingRate:   1.0,
		Metrics: MetricsConfig{
			Enabled:        true,
			ExportInterval: config.Duration(15 * time.Second),
		},
		Shutdown: ShutdownConfig{
			Timeout: config.Duration(5 * time.Second),
		},
	}
}

// FromObservability builds a telemetry config from the bridge's
// observability section.
func FromObservability(obs config.ObservabilityConfig, version string) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
	}
	if obs.Protocol != "" {
		cfg.Protocol = obs.Protocol
	}
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if version != "" {
		cfg.ServiceVersion = version
	}
	cfg.Insecure = obs.Insecure
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required when telemetry is enabled"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service_name is required when telemetry is enabled"))
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol))
	}
	if c.Insecure && c.Endpoint != "" && !isLocalEndpoint(c.Endpoint) {
		errs = append(errs, errors.New("insecure connections to remote endpoints are not allowed"))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate))
	}
	if c.Metrics.Enabled && c.Metrics.ExportInterval.Duration() <= 0 {
		errs = append(errs, errors.New("metrics.export_interval must be positive when metrics enabled"))
	}
	if c.Shutdown.Timeout.Duration() <= 0 {
		errs = append(errs, errors.New("shutdown.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// isLocalEndpoint reports whether endpoint points at a loopback host.
func isLocalEndpoint(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
