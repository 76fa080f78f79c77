package transport

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlRegistry = `
defaults:
  process:
    timeout_ms: 120000
agents:
  planner:
    type: process
    config:
      command: python
      args: [planner.py]
  az.reviewer:
    endpoint: https://agents.example.com/review
`

const tomlRegistry = `
[defaults.webhook]
retries = 5

[agents.planner]
type = "process"

[agents.planner.config]
command = "node"
args = ["plan.js"]
timeout_ms = 9000
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadRegistry_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agents.yaml", yamlRegistry)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"az.reviewer", "planner"}, reg.Agents())

	entry, ok := reg.Agent("planner")
	require.True(t, ok)
	assert.Equal(t, TypeProcess, entry.Type)
	assert.Equal(t, "python", entry.Config["command"])

	reviewer, ok := reg.Agent("az.reviewer")
	require.True(t, ok)
	assert.Empty(t, reviewer.Type)
	assert.Equal(t, "https://agents.example.com/review", reviewer.Config["endpoint"])

	cfg, err := NewSelector(reg, WithEnv(noEnv)).Select("planner", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(120000), cfg.Params.TimeoutMS)
	assert.Equal(t, []string{"planner.py"}, cfg.Params.Args)
}

func TestLoadRegistry_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agents.json",
		`{"agents":{"echo":{"type":"process","config":{"command":"echo","args":["hi"]}}}}`)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	cfg, err := NewSelector(reg, WithEnv(noEnv)).Select("echo", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo", cfg.Params.Command)
	assert.Equal(t, []string{"hi"}, cfg.Params.Args)
}

func TestLoadRegistry_TOML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "agents.toml", tomlRegistry)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	cfg, err := NewSelector(reg, WithEnv(noEnv)).Select("planner", nil)
	require.NoError(t, err)
	assert.Equal(t, "node", cfg.Params.Command)
	assert.Equal(t, []string{"plan.js"}, cfg.Params.Args)
	assert.Equal(t, int64(9000), cfg.Params.TimeoutMS)
	assert.Equal(t, 5, int(reg.Defaults(TypeWebhook)["retries"].(int64)))
}

func TestLoadRegistry_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRegistry(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.yaml", "agents:\n  x:\n    type: telepathy\n")
	_, err = LoadRegistry(bad, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRegistryFormat)
	assert.Contains(t, err.Error(), "telepathy")

	badDefaults := writeFile(t, dir, "defaults.yaml", "defaults:\n  smoke-signal:\n    timeout_ms: 1\n")
	_, err = LoadRegistry(badDefaults, nil)
	assert.ErrorIs(t, err, ErrRegistryFormat)
}

func TestRegistry_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", yamlRegistry)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	writeFile(t, dir, "agents.yaml", "agents:\n  x:\n    type: nope\n")
	assert.Error(t, reg.Reload())

	_, ok := reg.Agent("planner")
	assert.True(t, ok)
}

func TestRegistry_ReloadKeepsRegisteredAgents(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", yamlRegistry)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)
	reg.Register("coder", TypeProcess, map[string]any{"command": "./coder.sh"})
	reg.SetDefaults(TypeDocker, map[string]any{"network": "none"})

	writeFile(t, dir, "agents.yaml", "agents:\n  planner:\n    type: process\n    config:\n      command: node\n")
	require.NoError(t, reg.Reload())

	assert.Equal(t, []string{"coder", "planner"}, reg.Agents())
	coder, ok := reg.Agent("coder")
	require.True(t, ok)
	assert.Equal(t, "./coder.sh", coder.Config["command"])
	planner, _ := reg.Agent("planner")
	assert.Equal(t, "node", planner.Config["command"])
	assert.Equal(t, map[string]any{"network": "none"}, reg.Defaults(TypeDocker))
	assert.Nil(t, reg.Defaults(TypeProcess))
}

func TestRegistry_NoBackingFile(t *testing.T) {
	reg := NewRegistry(nil)
	assert.ErrorIs(t, reg.Reload(), ErrNoRegistryFile)
	assert.ErrorIs(t, reg.Watch(context.Background()), ErrNoRegistryFile)
}

func TestRegistry_AgentReturnsCopy(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("a", TypeProcess, map[string]any{"command": "x"})

	entry, _ := reg.Agent("a")
	entry.Config["command"] = "mutated"

	again, _ := reg.Agent("a")
	assert.Equal(t, "x", again.Config["command"])
}

func TestRegistry_Watch(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "agents.yaml", yamlRegistry)

	reg, err := LoadRegistry(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, dir, "agents.yaml", "agents:\n  fresh:\n    command: echo\n")

	assert.Eventually(t, func() bool {
		_, ok := reg.Agent("fresh")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop after cancel")
	}
}
