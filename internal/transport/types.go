// Package transport resolves how to reach an agent.
//
// A transport is one of a closed set of types. Each type declares its
// defaults and validation rules through the Transport interface; the
// Selector merges registry, environment and call-time values into a
// validated Config.
package transport

import (
	"fmt"
	"strings"
	"time"
)

// Type identifies a transport mechanism.
type Type string

const (
	TypeWebhook  Type = "webhook"
	TypeAPI      Type = "api"
	TypeProcess  Type = "process"
	TypeDocker   Type = "docker"
	TypeMCPStdio Type = "mcp-stdio"
)

// AllTypes returns every supported transport type.
func AllTypes() []Type {
	return []Type{TypeWebhook, TypeAPI, TypeProcess, TypeDocker, TypeMCPStdio}
}

// ParseType parses a transport type name, case-insensitively.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllTypes() {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown transport type %q", s)
}

// IsHTTP reports whether the type is delivered over HTTP.
func (t Type) IsHTTP() bool {
	return t == TypeWebhook || t == TypeAPI
}

// Framing is the message framing used on an mcp-stdio channel.
type Framing string

const (
	FramingContentLength Framing = "content-length"
	FramingNDJSON        Framing = "ndjson"
)

// Params is the union of all transport parameters. Only the fields that
// matter for Config.Type are populated after selection.
type Params struct {
	// webhook / api
	Endpoint     string            `json:"endpoint,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Retries      int               `json:"retries,omitempty"`
	RetryDelayMS int64             `json:"retry_delay_ms,omitempty"`

	// process / docker / mcp-stdio
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// docker
	Image        string   `json:"image,omitempty"`
	Volumes      []string `json:"volumes,omitempty"`
	Network      string   `json:"network,omitempty"`
	Memory       string   `json:"memory,omitempty"`
	CPUs         string   `json:"cpus,omitempty"`
	DockerBinary string   `json:"docker_binary,omitempty"`

	// mcp-stdio
	Framing Framing `json:"framing,omitempty"`

	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

// Config is a resolved, validated transport for one invocation attempt.
type Config struct {
	Type   Type   `json:"type"`
	Agent  string `json:"agent"`
	Params Params `json:"config"`
}

// Timeout returns the invocation deadline, or zero when none is set.
func (c *Config) Timeout() time.Duration {
	if c == nil || c.Params.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(c.Params.TimeoutMS) * time.Millisecond
}

// Overrides are call-time adjustments to an agent's transport.
type Overrides struct {
	Type   Type           `json:"type,omitempty"`
	Values map[string]any `json:"config,omitempty"`
}

// ConfigurationError reports every violated constraint of a transport
// configuration at once.
type ConfigurationError struct {
	Agent      string
	Violations []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid transport configuration for agent %q: %s",
		e.Agent, strings.Join(e.Violations, "; "))
}
