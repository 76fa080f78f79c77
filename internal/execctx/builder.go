package execctx

import (
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/agenticcoder/execbridge/internal/transport"
)

// inheritedEnv are host variables copied into the agent environment when
// set.
var inheritedEnv = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "TZ", "TMPDIR", "SHELL", "SYSTEMROOT",
	"GITHUB_TOKEN",
	"AZURE_CLIENT_ID", "AZURE_CLIENT_SECRET", "AZURE_TENANT_ID", "AZURE_SUBSCRIPTION_ID",
	"OPENAI_API_KEY", "ANTHROPIC_API_KEY",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY",
}

// InheritedEnv lists the allow-listed host variables.
func InheritedEnv() []string {
	return slices.Clone(inheritedEnv)
}

// Builder accumulates the fields of a Context.
type Builder struct {
	agent       string
	phase       string
	inputs      map[string]any
	env         map[string]string
	limits      Limits
	projectRoot string
	metadata    map[string]any
	previous    []string
	transport   *transport.Config

	now    func() time.Time
	lookup func(string) (string, bool)
}

// NewBuilder returns an empty Builder rooted at the working directory.
func NewBuilder() *Builder {
	return &Builder{
		projectRoot: ".",
		now:         time.Now,
		lookup:      os.LookupEnv,
	}
}

func (b *Builder) Agent(name string) *Builder { b.agent = name; return b }

func (b *Builder) Phase(phase string) *Builder { b.phase = phase; return b }

func (b *Builder) Inputs(in map[string]any) *Builder { b.inputs = maps.Clone(in); return b }

// Environment sets caller overrides, applied after baseline and allow-list.
func (b *Builder) Environment(env map[string]string) *Builder { b.env = maps.Clone(env); return b }

// Limits sets resource limits; zero fields take defaults.
func (b *Builder) Limits(l Limits) *Builder { b.limits = l; return b }

func (b *Builder) ProjectRoot(root string) *Builder { b.projectRoot = root; return b }

func (b *Builder) Metadata(md map[string]any) *Builder { b.metadata = maps.Clone(md); return b }

func (b *Builder) PreviousArtifacts(ids ...string) *Builder {
	b.previous = append(b.previous, ids...)
	return b
}

func (b *Builder) Transport(cfg *transport.Config) *Builder { b.transport = cfg; return b }

// Clock overrides the time source.
func (b *Builder) Clock(now func() time.Time) *Builder { b.now = now; return b }

// HostEnv overrides the host environment lookup.
func (b *Builder) HostEnv(lookup func(string) (string, bool)) *Builder { b.lookup = lookup; return b }

// Build produces the Context. Agent and phase are required.
func (b *Builder) Build() (*Context, error) {
	var missing []string
	if strings.TrimSpace(b.agent) == "" {
		missing = append(missing, "agent")
	}
	if strings.TrimSpace(b.phase) == "" {
		missing = append(missing, "phase")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMissingField, strings.Join(missing, ", "))
	}

	root := b.projectRoot
	if root == "" {
		root = "."
	}
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}

	now := b.now().UTC()
	id := NewExecutionID(now)
	paths := derivePaths(root, id)

	c := &Context{
		ExecutionID:       id,
		Agent:             b.agent,
		Phase:             b.phase,
		Inputs:            maps.Clone(b.inputs),
		PreviousArtifacts: slices.Clone(b.previous),
		Limits:            b.limits.withDefaults(),
		Paths:             paths,
		Metadata:          maps.Clone(b.metadata),
		CreatedAt:         now,
	}
	if c.Inputs == nil {
		c.Inputs = map[string]any{}
	}
	if c.Metadata == nil {
		c.Metadata = map[string]any{}
	}
	if c.PreviousArtifacts == nil {
		c.PreviousArtifacts = []string{}
	}
	if b.transport != nil {
		t := *b.transport
		c.Transport = &t
	}
	c.Environment = b.environment(id, paths)
	return c, nil
}

func (b *Builder) environment(id string, paths Paths) map[string]string {
	env := map[string]string{
		"EXECUTION_ID": id,
		"AGENT_NAME":   b.agent,
		"PHASE":        b.phase,
		"CI":           "true",
		"NO_COLOR":     "1",
		"FORCE_COLOR":  "0",
		"TERM":         "dumb",
		"ARTIFACT_DIR": paths.Artifacts,
		"LOG_DIR":      paths.Logs,
		"TEMP_DIR":     paths.Temp,
	}
	for _, key := range inheritedEnv {
		if v, ok := b.lookup(key); ok {
			env[key] = v
		}
	}
	for k, v := range b.env {
		env[k] = v
	}
	return env
}
