package transport

import (
	"os"
	"strings"

	"go.uber.org/zap"
)

const (
	// EnvTransport forces a transport type for every agent.
	EnvTransport = "BRIDGE_TRANSPORT"

	// EnvTransportPrefix forces a transport type for one agent. The agent
	// name is upper-cased with non-alphanumerics replaced by underscores.
	EnvTransportPrefix = "BRIDGE_TRANSPORT_"
)

// Selector resolves an agent name into a validated transport Config.
type Selector struct {
	registry *Registry
	getenv   func(string) string
	logger   *zap.Logger
}

// SelectorOption configures a Selector.
type SelectorOption func(*Selector)

// WithEnv replaces the environment lookup, mainly for tests.
func WithEnv(getenv func(string) string) SelectorOption {
	return func(s *Selector) {
		s.getenv = getenv
	}
}

// WithSelectorLogger sets the selector's logger.
func WithSelectorLogger(logger *zap.Logger) SelectorOption {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelector creates a Selector. A nil registry behaves as empty.
func NewSelector(reg *Registry, opts ...SelectorOption) *Selector {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	s := &Selector{
		registry: reg,
		getenv:   os.Getenv,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry returns the underlying registry.
func (s *Selector) Registry() *Registry {
	return s.registry
}

// Select resolves the transport for agent. The type comes from, in order:
// the override, BRIDGE_TRANSPORT_<AGENT>, BRIDGE_TRANSPORT, the registry
// entry, inference from declared parameters, and finally webhook.
// Parameters merge type defaults, registry defaults for the type, the
// agent entry and the override, later layers winning. All violations are
// returned together in a *ConfigurationError.
func (s *Selector) Select(agent string, ov *Overrides) (*Config, error) {
	entry, _ := s.registry.Agent(agent)

	declared := cloneValues(entry.Config)
	if ov != nil {
		declared = mergeValues(declared, ov.Values)
	}

	t, violations := s.resolveType(agent, entry, ov, declared)
	if len(violations) > 0 {
		return nil, &ConfigurationError{Agent: agent, Violations: violations}
	}

	tr, err := ForType(t)
	if err != nil {
		return nil, &ConfigurationError{Agent: agent, Violations: []string{err.Error()}}
	}

	merged := cloneValues(tr.Defaults())
	if t == TypeAPI {
		merged = mergeValues(merged, s.registry.Defaults(TypeWebhook))
	}
	merged = mergeValues(merged, s.registry.Defaults(t))
	merged = mergeValues(merged, declared)

	params, violations := decodeParams(merged)
	violations = append(violations, withoutKeys(tr.Validate(params), violations)...)
	if len(violations) > 0 {
		return nil, &ConfigurationError{Agent: agent, Violations: dedupe(violations)}
	}

	cfg := &Config{Type: t, Agent: agent, Params: params}
	s.logger.Debug("transport selected",
		zap.String("agent", agent),
		zap.String("transport", string(t)),
	)
	return cfg, nil
}

func (s *Selector) resolveType(agent string, entry AgentEntry, ov *Overrides, declared map[string]any) (Type, []string) {
	if ov != nil && ov.Type != "" {
		t, err := ParseType(string(ov.Type))
		if err != nil {
			return "", []string{"override: " + err.Error()}
		}
		return t, nil
	}
	for _, key := range []string{AgentEnvKey(agent), EnvTransport} {
		if v := s.getenv(key); v != "" {
			t, err := ParseType(v)
			if err != nil {
				return "", []string{key + ": " + err.Error()}
			}
			return t, nil
		}
	}
	if entry.Type != "" {
		return entry.Type, nil
	}
	return infer(declared), nil
}

// AgentEnvKey returns the per-agent environment variable that forces a
// transport type, e.g. BRIDGE_TRANSPORT_CODE_REVIEWER for code-reviewer.
func AgentEnvKey(agent string) string {
	var b strings.Builder
	b.WriteString(EnvTransportPrefix)
	for _, r := range strings.ToUpper(agent) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			continue
		}
		b.WriteByte('_')
	}
	return b.String()
}

// withoutKeys drops violations about a parameter that already failed to
// decode; its zero value would only be reported a second time.
func withoutKeys(violations, decodeErrs []string) []string {
	if len(decodeErrs) == 0 {
		return violations
	}
	failed := make(map[string]bool, len(decodeErrs))
	for _, v := range decodeErrs {
		key, _, _ := strings.Cut(v, " ")
		failed[key] = true
	}
	var out []string
	for _, v := range violations {
		key, _, _ := strings.Cut(v, " ")
		if !failed[key] {
			out = append(out, v)
		}
	}
	return out
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
