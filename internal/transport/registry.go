package transport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

var (
	// ErrRegistryFormat indicates the registry document could not be parsed.
	ErrRegistryFormat = errors.New("invalid transport registry")

	// ErrNoRegistryFile indicates Reload or Watch was called on a registry
	// that was not loaded from a file.
	ErrNoRegistryFile = errors.New("transport registry has no backing file")
)

// AgentEntry is an agent's registered transport.
type AgentEntry struct {
	Type   Type           `json:"type,omitempty"`
	Config map[string]any `json:"config,omitempty"`
}

// Registry maps agent names to transport entries and holds per-type
// defaults. It is safe for concurrent use.
//
// A registry document looks like:
//
//	defaults:
//	  webhook:
//	    timeout_ms: 30000
//	agents:
//	  planner:
//	    type: process
//	    config:
//	      command: python
//	      args: [planner.py]
//
// Agent entries without a config block treat every key except type as a
// parameter. Entries added with Register and SetDefaults survive Reload and
// take precedence over the file.
type Registry struct {
	mu       sync.RWMutex
	defaults map[Type]map[string]any
	agents   map[string]AgentEntry

	// programmatic entries, re-applied on every reload
	registered  map[string]AgentEntry
	setDefaults map[Type]map[string]any

	path   string
	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		defaults:    make(map[Type]map[string]any),
		agents:      make(map[string]AgentEntry),
		registered:  make(map[string]AgentEntry),
		setDefaults: make(map[Type]map[string]any),
		logger:      logger,
	}
}

// LoadRegistry reads a registry file. YAML and JSON go through koanf;
// files ending in .toml are decoded with BurntSushi/toml.
func LoadRegistry(path string, logger *zap.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	r.path = path
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Path returns the backing file, if any.
func (r *Registry) Path() string {
	return r.path
}

// Reload re-reads the backing file and atomically replaces the file-backed
// contents. Programmatic entries are kept. On error the previous contents
// stay in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return ErrNoRegistryFile
	}
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("reading transport registry: %w", err)
	}
	doc, err := parseDocument(r.path, data)
	if err != nil {
		return err
	}
	defaults, agents, err := normalizeDocument(doc)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for t, params := range r.setDefaults {
		defaults[t] = params
	}
	for name, entry := range r.registered {
		agents[name] = entry
	}
	r.defaults = defaults
	r.agents = agents
	r.mu.Unlock()

	r.logger.Info("transport registry loaded",
		zap.String("path", r.path),
		zap.Int("agents", len(agents)),
		zap.Int("defaults", len(defaults)),
	)
	return nil
}

func parseDocument(path string, data []byte) (map[string]any, error) {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		var doc map[string]any
		if _, err := toml.Decode(string(data), &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRegistryFormat, err)
		}
		return doc, nil
	}

	// Agent names may contain dots, so use a delimiter they will not.
	k := koanf.New("::")
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryFormat, err)
	}
	return k.Raw(), nil
}

func normalizeDocument(doc map[string]any) (map[Type]map[string]any, map[string]AgentEntry, error) {
	defaults := make(map[Type]map[string]any)
	agents := make(map[string]AgentEntry)
	var errs []error

	if raw, ok := doc["defaults"]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return nil, nil, fmt.Errorf("%w: defaults must be a map", ErrRegistryFormat)
		}
		for name, v := range m {
			t, err := ParseType(name)
			if err != nil {
				errs = append(errs, fmt.Errorf("defaults: %w", err))
				continue
			}
			params, ok := asMap(v)
			if !ok {
				errs = append(errs, fmt.Errorf("defaults.%s must be a map", name))
				continue
			}
			defaults[t] = cloneValues(params)
		}
	}

	if raw, ok := doc["agents"]; ok && raw != nil {
		m, ok := asMap(raw)
		if !ok {
			return nil, nil, fmt.Errorf("%w: agents must be a map", ErrRegistryFormat)
		}
		for name, v := range m {
			entry, err := normalizeAgent(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("agents.%s: %w", name, err))
				continue
			}
			agents[name] = entry
		}
	}

	if len(errs) > 0 {
		return nil, nil, fmt.Errorf("%w: %v", ErrRegistryFormat, errors.Join(errs...))
	}
	return defaults, agents, nil
}

func normalizeAgent(v any) (AgentEntry, error) {
	m, ok := asMap(v)
	if !ok {
		return AgentEntry{}, errors.New("entry must be a map")
	}

	var entry AgentEntry
	if raw, ok := m["type"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return AgentEntry{}, errors.New("type must be a string")
		}
		t, err := ParseType(s)
		if err != nil {
			return AgentEntry{}, err
		}
		entry.Type = t
	}

	if raw, ok := m["config"]; ok {
		cfg, ok := asMap(raw)
		if !ok {
			return AgentEntry{}, errors.New("config must be a map")
		}
		entry.Config = cloneValues(cfg)
		return entry, nil
	}

	entry.Config = make(map[string]any, len(m))
	for k, val := range m {
		if k != "type" {
			entry.Config[k] = val
		}
	}
	return entry, nil
}

// Register adds or replaces an agent entry. An empty type leaves the
// type to be inferred at selection time.
func (r *Registry) Register(agent string, t Type, cfg map[string]any) {
	entry := AgentEntry{Type: t}
	if cfg != nil {
		entry.Config = cloneValues(cfg)
	}
	r.mu.Lock()
	r.agents[agent] = entry
	r.registered[agent] = entry
	r.mu.Unlock()
}

// SetDefaults replaces the registry-level defaults for a type.
func (r *Registry) SetDefaults(t Type, params map[string]any) {
	d := cloneValues(params)
	r.mu.Lock()
	r.defaults[t] = d
	r.setDefaults[t] = d
	r.mu.Unlock()
}

// Agent returns a copy of an agent's entry.
func (r *Registry) Agent(name string) (AgentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.agents[name]
	if !ok {
		return AgentEntry{}, false
	}
	if entry.Config != nil {
		entry.Config = cloneValues(entry.Config)
	}
	return entry, true
}

// Defaults returns a copy of the registry-level defaults for a type.
func (r *Registry) Defaults(t Type) map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defaults[t]
	if !ok {
		return nil
	}
	return cloneValues(d)
}

// Agents lists registered agent names in sorted order.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.agents))
	for name := range r.agents {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Watch reloads the registry whenever its backing file changes. It blocks
// until ctx is cancelled. Reload failures are logged and the last good
// contents are kept.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return ErrNoRegistryFile
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating registry watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory; editors often replace files via rename.
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(r.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
				continue
			}
			if err := r.Reload(); err != nil {
				r.logger.Warn("transport registry reload failed",
					zap.String("path", r.path),
					zap.Error(err),
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("transport registry watcher error", zap.Error(err))
		}
	}
}
