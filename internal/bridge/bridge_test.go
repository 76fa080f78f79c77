package bridge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticcoder/execbridge/internal/collector"
	"github.com/agenticcoder/execbridge/internal/config"
	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/lifecycle"
	"github.com/agenticcoder/execbridge/internal/results"
	"github.com/agenticcoder/execbridge/internal/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Bridge.ProjectRoot = t.TempDir()
	cfg.Bridge.PhaseOrder = []string{"design", "build"}
	cfg.Collector.RedactSecrets = false
	return cfg
}

func shellAgent(reg *transport.Registry, name, script string) {
	reg.Register(name, transport.TypeProcess, map[string]any{
		"command": "sh",
		"args":    []string{"-c", script},
	})
}

func newBridge(t *testing.T, cfg *config.Config, reg *transport.Registry, opts ...func(*Options)) *Bridge {
	t.Helper()
	o := Options{Config: cfg, Registry: reg, Getenv: func(string) string { return "" }}
	for _, fn := range opts {
		fn(&o)
	}
	b, err := New(o)
	require.NoError(t, err)
	return b
}

func TestExecute_ProceedsAndRegistersArtifact(t *testing.T) {
	cfg := testConfig(t)
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "planner", `echo '{"plan":{"steps":3}}'`)
	b := newBridge(t, cfg, reg)

	state := results.NewState()
	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "planner", Phase: "design"},
		State:   state,
	})
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StatusSuccess, out.Result.Status)
	assert.Equal(t, results.ActionProceed, out.Handling.NextAction)
	assert.Equal(t, "build", state.CurrentPhase)

	rec, err := b.FindArtifact(out.Handling.ArtifactID)
	require.NoError(t, err)
	assert.Equal(t, "plan", rec.Metadata.Type)
	assert.Equal(t, out.Result.ArtifactPath, rec.Path)
	assert.Len(t, b.FindArtifacts(results.Filter{Type: "plan"}), 1)
	assert.Empty(t, b.FindArtifacts(results.Filter{Agent: "coder"}))

	assert.FileExists(t, cfg.ArtifactRegistryPath())
	assert.FileExists(t, cfg.StatePath())

	snap, err := b.Status(out.Result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSuccess, snap.Status)
}

func TestExecute_FailureRetries(t *testing.T) {
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "flaky", "exit 2")
	b := newBridge(t, testConfig(t), reg)

	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "flaky", Phase: "build"},
	})
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StatusFailure, out.Result.Status)
	assert.Equal(t, results.ActionRetry, out.Handling.NextAction)
	require.NotNil(t, out.Handling.RetryInfo)
	assert.Equal(t, int64(1000), out.Handling.RetryInfo.DelayMS)
}

func TestExecute_RejectedBlocks(t *testing.T) {
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "coder", `echo '{"code":"package main"}'`)
	reject := results.ValidationFrameworkFunc(func(context.Context, results.ValidationRequest) (*results.ValidationResult, error) {
		return &results.ValidationResult{Decision: results.DecisionRejected, Reasons: []string{"no tests"}}, nil
	})
	b := newBridge(t, testConfig(t), reg, func(o *Options) { o.Validator = reject })

	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "coder", Phase: "build"},
	})
	require.NoError(t, err)
	assert.Equal(t, results.ActionBlock, out.Handling.NextAction)
	assert.Contains(t, out.Handling.Error, "no tests")
}

func TestExecute_ConfigurationErrorReturned(t *testing.T) {
	b := newBridge(t, testConfig(t), transport.NewRegistry(nil))

	_, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "ghost", Phase: "design"},
	})
	var cfgErr *transport.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestExecute_CapacityAndCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.MaxConcurrent = 1
	cfg.Bridge.KillGrace = config.Duration(200 * time.Millisecond)
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "sleeper", "sleep 5")
	b := newBridge(t, cfg, reg)

	done := make(chan *Outcome, 1)
	go func() {
		out, _ := b.Execute(context.Background(), Request{
			Request: lifecycle.Request{Agent: "sleeper", Phase: "build"},
		})
		done <- out
	}()
	require.Eventually(t, func() bool { return len(b.Active()) == 1 }, 3*time.Second, 10*time.Millisecond)

	_, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "sleeper", Phase: "build"},
	})
	require.ErrorIs(t, err, lifecycle.ErrCapacity)

	require.NoError(t, b.Cancel(b.Active()[0].ExecutionID))
	select {
	case out := <-done:
		require.NotNil(t, out)
		assert.Equal(t, lifecycle.StatusCancelled, out.Result.Status)
		assert.Equal(t, results.ActionBlock, out.Handling.NextAction)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled execution did not return")
	}
	assert.ErrorIs(t, b.Cancel("unknown"), lifecycle.ErrNotFound)
}

func TestNew_LoadsRegistryFileAndRedacts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.RedactSecrets = true
	cfg.Bridge.RegistryFile = filepath.Join(cfg.Bridge.ProjectRoot, "agents.yaml")
	require.NoError(t, os.WriteFile(cfg.Bridge.RegistryFile, []byte(`
agents:
  echoer:
    type: process
    config:
      command: sh
      args: ["-c", "echo '{\"analysis\":true}'"]
`), 0o600))

	rec := events.NewRecorder()
	b, err := New(Options{Config: cfg, Sink: rec, Getenv: func(string) string { return "" }})
	require.NoError(t, err)
	assert.Equal(t, []string{"echoer"}, b.Registry().Agents())
	assert.Same(t, cfg, b.Config())

	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "echoer", Phase: "design"},
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSuccess, out.Result.Status)
	assert.Equal(t, map[string]any{"analysis": true}, out.Result.Artifact)
	assert.NotEmpty(t, rec.Lines(events.KindStdout))
}

func TestExecute_RequestOutputLimitWins(t *testing.T) {
	cfg := testConfig(t)
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "chatty", `printf '%0200d\n' 0`)
	b := newBridge(t, cfg, reg)

	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{
			Agent:  "chatty",
			Phase:  "design",
			Limits: execctx.Limits{MaxOutputBytes: 16},
		},
	})
	require.NoError(t, err)

	assert.True(t, out.Result.Metrics.Truncated)
	data, err := os.ReadFile(filepath.Join(out.Result.Paths.Logs, collector.StdoutFile))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), strings.Repeat("0", 16)+"\n... [truncated: original size 201 bytes]"))

	out, err = b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "chatty", Phase: "design"},
	})
	require.NoError(t, err)
	assert.False(t, out.Result.Metrics.Truncated)
}

func TestExecute_PersistedContextMasksCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-0123456789abcdefghij")
	cfg := testConfig(t)
	cfg.Bridge.ArchiveLogs = true
	reg := transport.NewRegistry(nil)
	shellAgent(reg, "planner", `test -n "$OPENAI_API_KEY" && echo '{"plan":{}}'`)
	b := newBridge(t, cfg, reg)

	out, err := b.Execute(context.Background(), Request{
		Request: lifecycle.Request{Agent: "planner", Phase: "design"},
	})
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StatusSuccess, out.Result.Status)

	for _, dir := range []string{out.Result.Paths.Logs, out.Result.Paths.Archive} {
		data, err := os.ReadFile(filepath.Join(dir, execctx.ContextFile))
		require.NoError(t, err)
		assert.NotContains(t, string(data), "sk-test-0123456789abcdefghij")
		assert.Contains(t, string(data), execctx.RedactedValue)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Bridge.MaxConcurrent = 0
	_, err := New(Options{Config: cfg})
	assert.Error(t, err)
}

func TestPolicyFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Bridge.PhaseOrder = []string{"a", "b"}
	p := PolicyFromConfig(cfg)

	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, time.Second, p.BaseDelay)
	assert.Equal(t, []lifecycle.Status{lifecycle.StatusFailure, lifecycle.StatusTimeout}, p.Retryable)
	assert.Equal(t, 4*time.Second, p.RetryDelay(2))
}
