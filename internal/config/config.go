// Package config provides configuration loading for the execution bridge.
//
// Values come from three layers, lowest precedence first: the defaults in
// Default, an optional YAML file, and environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Config holds the complete bridge configuration.
type Config struct {
	Bridge        BridgeConfig        `koanf:"bridge"`
	Retry         RetryConfig         `koanf:"retry"`
	Collector     CollectorConfig     `koanf:"collector"`
	Server        ServerConfig        `koanf:"server"`
	Events        EventsConfig        `koanf:"events"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// BridgeConfig holds execution lifecycle settings.
type BridgeConfig struct {
	// ProjectRoot is the directory under which .bridge/ is created.
	ProjectRoot string `koanf:"project_root"`

	// MaxConcurrent caps simultaneously active executions.
	MaxConcurrent int `koanf:"max_concurrent"`

	ArchiveLogs        bool `koanf:"archive_logs"`
	CleanTempOnSuccess bool `koanf:"clean_temp_on_success"`
	CleanTempOnFailure bool `koanf:"clean_temp_on_failure"`

	// KillGrace is the wait between SIGTERM and SIGKILL on timeout.
	KillGrace Duration `koanf:"kill_grace"`

	// RegistryFile is the agent transport registry (yaml, json or toml).
	RegistryFile string `koanf:"registry_file"`

	ArtifactRegistryFile string `koanf:"artifact_registry_file"`
	StateFile            string `koanf:"state_file"`

	// PhaseOrder is the orchestrator phase sequence used to advance
	// current_phase on proceed.
	PhaseOrder []string `koanf:"phase_order"`

	// RequiredKeys, when set, enables the required-keys artifact check.
	RequiredKeys []string `koanf:"required_keys"`
}

// RetryConfig holds result handler retry policy.
type RetryConfig struct {
	MaxRetries int      `koanf:"max_retries"`
	BaseDelay  Duration `koanf:"base_delay"`
	Multiplier float64  `koanf:"multiplier"`
	Retryable  []string `koanf:"retryable"`
}

// CollectorConfig holds output collection settings.
type CollectorConfig struct {
	MaxOutputBytes int64 `koanf:"max_output_bytes"`
	RedactSecrets  bool  `koanf:"redact_secrets"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
}

// EventsConfig holds live output event publishing settings.
// An empty NATSURL disables publishing.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	// Token authenticates to NATS when the server requires it.
	Token Secret `koanf:"token"`
}

// ObservabilityConfig holds logging and OpenTelemetry settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	Protocol        string `koanf:"protocol"`
	Insecure        bool   `koanf:"insecure"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ProjectRoot:        ".",
			MaxConcurrent:      4,
			ArchiveLogs:        true,
			CleanTempOnSuccess: true,
			CleanTempOnFailure: false,
			KillGrace:          Duration(2 * time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  Duration(time.Second),
			Multiplier: 2,
			Retryable:  []string{"failure", "timeout"},
		},
		Collector: CollectorConfig{
			MaxOutputBytes: 10 * 1024 * 1024,
			RedactSecrets:  true,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8088,
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       10,
			RateBurst:       20,
		},
		Events: EventsConfig{
			SubjectPrefix: "execbridge",
		},
		Observability: ObservabilityConfig{
			ServiceName: "execbridge",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// ArtifactRegistryPath returns the artifact registry location, defaulting
// to a file beside the per-execution directories.
func (c *Config) ArtifactRegistryPath() string {
	if c.Bridge.ArtifactRegistryFile != "" {
		return c.Bridge.ArtifactRegistryFile
	}
	return filepath.Join(c.Bridge.ProjectRoot, ".bridge", "artifact-registry.json")
}

// StatePath returns the orchestration state document location.
func (c *Config) StatePath() string {
	if c.Bridge.StateFile != "" {
		return c.Bridge.StateFile
	}
	return filepath.Join(c.Bridge.ProjectRoot, ".bridge", "orchestration-state.json")
}

// Validate validates the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Bridge.ProjectRoot == "" {
		errs = append(errs, errors.New("bridge.project_root is required"))
	}
	if c.Bridge.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("bridge.max_concurrent must be positive, got %d", c.Bridge.MaxConcurrent))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry.max_retries must be >= 0, got %d", c.Retry.MaxRetries))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %g", c.Retry.Multiplier))
	}
	for _, s := range c.Retry.Retryable {
		if s != "failure" && s != "timeout" {
			errs = append(errs, fmt.Errorf("retry.retryable: unsupported status %q", s))
		}
	}
	if c.Collector.MaxOutputBytes <= 0 {
		errs = append(errs, fmt.Errorf("collector.max_output_bytes must be positive, got %d", c.Collector.MaxOutputBytes))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit cannot be negative"))
	}
	if c.Observability.Protocol != "grpc" && c.Observability.Protocol != "http/protobuf" {
		errs = append(errs, fmt.Errorf("observability.protocol must be grpc or http/protobuf, got %q", c.Observability.Protocol))
	}

	return errors.Join(errs...)
}
