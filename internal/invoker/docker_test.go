package invoker

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

func dockerContext(t *testing.T) *execctx.Context {
	t.Helper()
	ec, err := execctx.NewBuilder().
		Agent("builder").
		Phase("build").
		ProjectRoot(t.TempDir()).
		Limits(execctx.Limits{MemoryMB: 512, CPUPercent: 150}).
		HostEnv(func(k string) (string, bool) {
			if k == "PATH" {
				return "/usr/bin", true
			}
			return "", false
		}).
		Build()
	require.NoError(t, err)
	return ec
}

func TestDockerArgs_DefaultsFromLimits(t *testing.T) {
	ec := dockerContext(t)
	cfg := &transport.Config{
		Type: transport.TypeDocker,
		Params: transport.Params{
			Image:   "builder:1",
			Command: "make",
			Args:    []string{"all"},
			Volumes: []string{"/src:/src:ro"},
			Env:     map[string]string{"TOKEN": "t"},
		},
	}

	args := DockerArgs(cfg, ec)
	joined := strings.Join(args, " ")

	assert.Equal(t, []string{"run", "--rm", "--memory", "512m", "--cpus", "1.5"}, args[:6])
	assert.NotContains(t, joined, "--network")
	assert.Contains(t, joined, "-e AGENT_NAME=builder")
	assert.Contains(t, joined, "-e ARTIFACT_DIR=/artifacts")
	assert.Contains(t, joined, "-e TOKEN=t")
	assert.NotContains(t, joined, "PATH=", "host PATH stays out of the container")
	assert.Contains(t, joined, "-v /src:/src:ro -v "+ec.Paths.Artifacts+":/artifacts")
	assert.True(t, strings.HasSuffix(joined, "-i builder:1 make all"), joined)
}

func TestDockerArgs_ExplicitResources(t *testing.T) {
	ec := dockerContext(t)
	cfg := &transport.Config{
		Type:   transport.TypeDocker,
		Params: transport.Params{Image: "img", Memory: "1g", CPUs: "2", Network: "none"},
	}

	args := DockerArgs(cfg, ec)
	assert.Equal(t, []string{"run", "--rm", "--memory", "1g", "--cpus", "2", "--network", "none"}, args[:8])
	assert.Equal(t, []string{"-i", "img"}, args[len(args)-2:])
}

func TestDocker_DelegatesToProcess(t *testing.T) {
	ec := newContext(t)
	cfg := &transport.Config{
		Type: transport.TypeDocker,
		Params: transport.Params{
			Image:        "agent:latest",
			Args:         []string{"--fast"},
			DockerBinary: "echo",
			TimeoutMS:    5000,
		},
	}

	res := New().Invoke(context.Background(), cfg, ec)
	require.True(t, res.OK, res.Error)
	assert.True(t, strings.HasPrefix(res.Stdout, "run --rm"))
	assert.Contains(t, res.Stdout, "-i agent:latest --fast")
	assert.Equal(t, transport.TypeDocker, res.Transport)
}
