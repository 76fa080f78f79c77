// Package execctx builds the immutable record that describes one agent
// invocation: identity, payload, environment, limits and directories.
package execctx

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agenticcoder/execbridge/internal/transport"
)

// BridgeDir is the directory under the project root that holds all
// execution-scoped directories.
const BridgeDir = ".bridge"

// ContextFile is the name of the persisted context inside the log dir.
const ContextFile = "context.json"

// ErrMissingField indicates Build was called without agent or phase.
var ErrMissingField = errors.New("execution context requires agent and phase")

// Limits bound an invocation's resources.
type Limits struct {
	TimeoutMS      int64 `json:"timeout_ms"`
	MemoryMB       int   `json:"memory_mb"`
	CPUPercent     int   `json:"cpu_percent"`
	MaxOutputBytes int64 `json:"max_output_bytes"`
}

// DefaultLimits returns the limits used for unset fields.
func DefaultLimits() Limits {
	return Limits{
		TimeoutMS:      300000,
		MemoryMB:       2048,
		CPUPercent:     100,
		MaxOutputBytes: 10 * 1024 * 1024,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.TimeoutMS <= 0 {
		l.TimeoutMS = d.TimeoutMS
	}
	if l.MemoryMB <= 0 {
		l.MemoryMB = d.MemoryMB
	}
	if l.CPUPercent <= 0 {
		l.CPUPercent = d.CPUPercent
	}
	if l.MaxOutputBytes <= 0 {
		l.MaxOutputBytes = d.MaxOutputBytes
	}
	return l
}

// Timeout returns TimeoutMS as a duration.
func (l Limits) Timeout() time.Duration {
	return time.Duration(l.TimeoutMS) * time.Millisecond
}

// Paths are the execution-scoped directories.
type Paths struct {
	Root      string `json:"root"`
	Artifacts string `json:"artifacts"`
	Logs      string `json:"logs"`
	Temp      string `json:"temp"`
	Archive   string `json:"archive"`
}

func derivePaths(root, id string) Paths {
	base := filepath.Join(root, BridgeDir)
	return Paths{
		Root:      root,
		Artifacts: filepath.Join(base, "artifacts", id),
		Logs:      filepath.Join(base, "logs", id),
		Temp:      filepath.Join(base, "temp", id),
		Archive:   filepath.Join(base, "archive", id),
	}
}

// Context describes one invocation. It is not modified after Build;
// WithPreviousArtifacts and WithTransport return copies.
type Context struct {
	ExecutionID       string            `json:"execution_id"`
	Agent             string            `json:"agent"`
	Phase             string            `json:"phase"`
	Inputs            map[string]any    `json:"inputs"`
	PreviousArtifacts []string          `json:"previous_artifacts"`
	Environment       map[string]string `json:"environment"`
	Limits            Limits            `json:"limits"`
	Paths             Paths             `json:"paths"`
	Metadata          map[string]any    `json:"metadata"`
	Transport         *transport.Config `json:"transport,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NewExecutionID returns "{unix-millis}-{8 hex}". The suffix comes from a
// random UUID; crypto/rand is used only if that fails.
func NewExecutionID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), randomSuffix())
}

func randomSuffix() string {
	id, err := uuid.NewRandom()
	if err == nil {
		return strings.ReplaceAll(id.String(), "-", "")[:8]
	}
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// EnsureDirectories creates the artifact, log and temp directories. It is
// idempotent. The archive directory is left for cleanup to create.
func (c *Context) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.Artifacts, c.Paths.Logs, c.Paths.Temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// ContextPath is where Save writes the context.
func (c *Context) ContextPath() string {
	return filepath.Join(c.Paths.Logs, ContextFile)
}

// Save writes the context as indented JSON to {logs}/context.json.
// Credentials are masked; see Redacted.
func (c *Context) Save() (string, error) {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding execution context: %w", err)
	}
	path := c.ContextPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing execution context: %w", err)
	}
	return path, nil
}

// RedactedValue replaces credential values in persisted contexts.
const RedactedValue = "[REDACTED]"

// sensitiveKeyParts mark env var and header names whose values are
// credentials.
var sensitiveKeyParts = []string{
	"TOKEN", "SECRET", "PASSWORD", "PASSWD", "KEY", "CREDENTIAL", "AUTH", "COOKIE", "SESSION",
}

// IsSensitiveKey reports whether an env var or header name holds a
// credential.
func IsSensitiveKey(name string) bool {
	upper := strings.ToUpper(name)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(upper, part) {
			return true
		}
	}
	return false
}

func redactValues(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != "" && IsSensitiveKey(k) {
			v = RedactedValue
		}
		out[k] = v
	}
	return out
}

// Redacted returns a copy with credential values in the environment,
// transport headers and transport env replaced by RedactedValue.
func (c *Context) Redacted() *Context {
	cp := c.clone()
	cp.Environment = redactValues(cp.Environment)
	if cp.Transport != nil {
		cp.Transport.Params.Headers = redactValues(cp.Transport.Params.Headers)
		cp.Transport.Params.Env = redactValues(cp.Transport.Params.Env)
	}
	return cp
}

// Load reads a context previously written by Save.
func Load(path string) (*Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading execution context: %w", err)
	}
	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding execution context: %w", err)
	}
	return &c, nil
}

// WithPreviousArtifacts returns a copy with ids appended.
func (c *Context) WithPreviousArtifacts(ids ...string) *Context {
	cp := c.clone()
	cp.PreviousArtifacts = append(cp.PreviousArtifacts, ids...)
	return cp
}

// WithTransport returns a copy with the resolved transport attached.
func (c *Context) WithTransport(cfg *transport.Config) *Context {
	cp := c.clone()
	if cfg != nil {
		t := *cfg
		cp.Transport = &t
	} else {
		cp.Transport = nil
	}
	return cp
}

func (c *Context) clone() *Context {
	cp := *c
	cp.Inputs = maps.Clone(c.Inputs)
	cp.Metadata = maps.Clone(c.Metadata)
	cp.Environment = maps.Clone(c.Environment)
	cp.PreviousArtifacts = slices.Clone(c.PreviousArtifacts)
	if c.Transport != nil {
		t := *c.Transport
		cp.Transport = &t
	}
	return &cp
}

// Payload is the wire form of a context sent to agents.
type Payload struct {
	ExecutionID       string         `json:"execution_id"`
	Agent             string         `json:"agent"`
	Phase             string         `json:"phase"`
	Inputs            map[string]any `json:"inputs"`
	PreviousArtifacts []string       `json:"previous_artifacts"`
	Paths             Paths          `json:"paths"`
	Metadata          map[string]any `json:"metadata"`
}

// Package returns the payload delivered to the agent.
func (c *Context) Package() Payload {
	p := Payload{
		ExecutionID:       c.ExecutionID,
		Agent:             c.Agent,
		Phase:             c.Phase,
		Inputs:            c.Inputs,
		PreviousArtifacts: c.PreviousArtifacts,
		Paths:             c.Paths,
		Metadata:          c.Metadata,
	}
	if p.Inputs == nil {
		p.Inputs = map[string]any{}
	}
	if p.PreviousArtifacts == nil {
		p.PreviousArtifacts = []string{}
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	return p
}

// PackageJSON returns Package encoded as JSON.
func (c *Context) PackageJSON() ([]byte, error) {
	return json.Marshal(c.Package())
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (c *Context) EnvList() []string {
	keys := slices.Sorted(maps.Keys(c.Environment))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Environment[k])
	}
	return out
}
