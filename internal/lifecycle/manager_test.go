package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/agenticcoder/execbridge/internal/collector"
	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/invoker"
	"github.com/agenticcoder/execbridge/internal/logging"
	"github.com/agenticcoder/execbridge/internal/telemetry"
	"github.com/agenticcoder/execbridge/internal/transport"
)

func noEnv(string) string { return "" }

// newManager registers each agent as a sh -c process running its script.
func newManager(t *testing.T, scripts map[string]string, opts ...Option) (*Manager, string) {
	t.Helper()
	reg := transport.NewRegistry(nil)
	for agent, script := range scripts {
		reg.Register(agent, transport.TypeProcess, map[string]any{
			"command": "sh",
			"args":    []string{"-c", script},
		})
	}
	root := t.TempDir()
	opts = append([]Option{WithProjectRoot(root)}, opts...)
	sel := transport.NewSelector(reg, transport.WithEnv(noEnv))
	inv := invoker.New(invoker.WithKillGrace(200 * time.Millisecond))
	return NewManager(sel, inv, collector.New(), opts...), root
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseSetup, PhaseExecuting))
	assert.True(t, CanTransition(PhaseExecuting, PhaseCollecting))
	assert.True(t, CanTransition(PhaseCollecting, PhaseCleanup))
	assert.True(t, CanTransition(PhaseCleanup, PhaseComplete))

	assert.False(t, CanTransition(PhaseSetup, PhaseCollecting))
	assert.False(t, CanTransition(PhaseExecuting, PhaseSetup))
	assert.False(t, CanTransition(PhaseComplete, PhaseSetup))
	assert.False(t, CanTransition(PhaseSetup, PhaseSetup))
	assert.False(t, CanTransition("BOGUS", PhaseExecuting))

	assert.Equal(t, []Phase{PhaseSetup, PhaseExecuting, PhaseCollecting, PhaseCleanup, PhaseComplete}, Phases())
}

func TestStatus_Predicates(t *testing.T) {
	assert.True(t, StatusTimeout.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	assert.True(t, StatusPending.Known())
	assert.False(t, Status("exploded").Known())
}

func TestExecute_Success(t *testing.T) {
	rec := events.NewRecorder()
	m, _ := newManager(t, map[string]string{
		"planner": `echo working >&2; echo '{"plan":{"steps":3}}'`,
	}, WithSink(rec))

	res, err := m.Execute(context.Background(), Request{Agent: "planner", Phase: "design"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, PhaseComplete, res.LifecyclePhase)
	assert.Equal(t, transport.TypeProcess, res.Transport)
	assert.Equal(t, map[string]any{"plan": map[string]any{"steps": float64(3)}}, res.Artifact)
	assert.FileExists(t, res.ArtifactPath)
	assert.Empty(t, res.ValidationWarning)
	assert.Empty(t, res.Warnings)
	assert.GreaterOrEqual(t, res.TotalDurationMS, int64(0))

	assert.FileExists(t, filepath.Join(res.Paths.Archive, collector.StdoutFile))
	assert.FileExists(t, filepath.Join(res.Paths.Archive, execctx.ContextFile))
	assert.NoDirExists(t, res.Paths.Temp)

	assert.Empty(t, m.Active())
	snap, err := m.Status(res.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.Equal(t, PhaseComplete, snap.LifecyclePhase)

	var phases []string
	var completed []events.Event
	for _, e := range rec.Events() {
		switch e.Kind {
		case events.KindPhase:
			phases = append(phases, e.Phase)
		case events.KindCompleted:
			completed = append(completed, e)
		}
	}
	assert.Equal(t, []string{"EXECUTING", "COLLECTING", "CLEANUP", "COMPLETE"}, phases)
	require.Len(t, completed, 1)
	assert.Equal(t, "success", completed[0].Status)
}

func TestExecute_FailureRetainsTemp(t *testing.T) {
	m, _ := newManager(t, map[string]string{"broken": "echo nope >&2; exit 3"})

	res, err := m.Execute(context.Background(), Request{Agent: "broken", Phase: "build"})
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, invoker.ErrTypeError, res.ErrorType)
	assert.DirExists(t, res.Paths.Temp)
}

func TestExecute_PerCallCleanupOverrides(t *testing.T) {
	m, _ := newManager(t, map[string]string{"planner": `echo '{}'`})
	keep, noArchive := false, false

	res, err := m.Execute(context.Background(), Request{
		Agent:       "planner",
		Phase:       "design",
		CleanTemp:   &keep,
		ArchiveLogs: &noArchive,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.DirExists(t, res.Paths.Temp)
	assert.NoDirExists(t, res.Paths.Archive)
}

func TestExecute_Timeout(t *testing.T) {
	m, _ := newManager(t, map[string]string{"sleeper": "sleep 5"})

	start := time.Now()
	res, err := m.Execute(context.Background(), Request{
		Agent:  "sleeper",
		Phase:  "build",
		Limits: execctx.Limits{TimeoutMS: 100},
	})
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StatusTimeout, res.Status)
	assert.Equal(t, invoker.ErrTypeTimeout, res.ErrorType)
}

func TestExecute_TransportTimeoutRecordedInContext(t *testing.T) {
	m, _ := newManager(t, map[string]string{"planner": `echo '{}'`})

	res, err := m.Execute(context.Background(), Request{
		Agent:     "planner",
		Phase:     "design",
		Overrides: &transport.Overrides{Values: map[string]any{"timeout_ms": 4500}},
	})
	require.NoError(t, err)

	ec, err := execctx.Load(filepath.Join(res.Paths.Logs, execctx.ContextFile))
	require.NoError(t, err)
	assert.Equal(t, int64(4500), ec.Limits.TimeoutMS)
	require.NotNil(t, ec.Transport)
	assert.Equal(t, transport.TypeProcess, ec.Transport.Type)
}

func TestExecute_ValidationWarning(t *testing.T) {
	reg := transport.NewRegistry(nil)
	reg.Register("planner", transport.TypeProcess, map[string]any{
		"command": "sh",
		"args":    []string{"-c", `echo '{"plan":{}}'`},
	})
	m := NewManager(
		transport.NewSelector(reg, transport.WithEnv(noEnv)),
		invoker.New(),
		collector.New(collector.WithRequiredKeys("plan", "summary")),
		WithProjectRoot(t.TempDir()),
	)

	res, err := m.Execute(context.Background(), Request{Agent: "planner", Phase: "design"})
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "missing required field: summary", res.ValidationWarning)
}

func TestExecute_ConfigurationError(t *testing.T) {
	m, root := newManager(t, nil, WithMaxConcurrent(1))

	_, err := m.Execute(context.Background(), Request{Agent: "ghost", Phase: "design"})
	var cfgErr *transport.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "ghost", cfgErr.Agent)
	assert.Empty(t, dirEntries(t, filepath.Join(root, execctx.BridgeDir)))

	// The reserved slot was released.
	_, err = m.Execute(context.Background(), Request{Agent: "ghost", Phase: "design"})
	assert.NotErrorIs(t, err, ErrCapacity)
}

func TestExecute_MissingPhase(t *testing.T) {
	m, _ := newManager(t, map[string]string{"planner": "true"})
	_, err := m.Execute(context.Background(), Request{Agent: "planner"})
	assert.ErrorIs(t, err, execctx.ErrMissingField)
}

func TestExecute_CapacityAndCancel(t *testing.T) {
	m, root := newManager(t, map[string]string{"sleeper": "sleep 5"}, WithMaxConcurrent(1))

	type outcome struct {
		res *ExecutionResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.Execute(context.Background(), Request{Agent: "sleeper", Phase: "build"})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return len(m.Active()) == 1 }, 3*time.Second, 10*time.Millisecond)
	running := m.Active()[0]
	assert.Equal(t, "sleeper", running.Agent)

	_, err := m.Execute(context.Background(), Request{Agent: "sleeper", Phase: "build"})
	require.ErrorIs(t, err, ErrCapacity)
	assert.Len(t, dirEntries(t, filepath.Join(root, execctx.BridgeDir, "logs")), 1)

	start := time.Now()
	require.NoError(t, m.Cancel(running.ExecutionID))
	assert.Empty(t, m.Active())

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, StatusCancelled, out.res.Status)
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled execution did not finish")
	}

	snap, err := m.Status(running.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, snap.Status)
}

func TestCancel_Unknown(t *testing.T) {
	m, _ := newManager(t, nil)
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecute_PhaseSpans(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m, _ := newManager(t, map[string]string{"planner": `echo '{}'`},
		WithTracer(tt.Tracer("lifecycle-test")))

	_, err := m.Execute(context.Background(), Request{Agent: "planner", Phase: "design"})
	require.NoError(t, err)

	for _, name := range []string{"lifecycle.setup", "lifecycle.execute", "lifecycle.collect", "lifecycle.cleanup"} {
		tt.AssertSpanExists(t, name)
	}
	tt.AssertSpanAttribute(t, "lifecycle.setup", "agent.name", "planner")
}

type stubInvoker struct{ res *invoker.Result }

func (s stubInvoker) Invoke(context.Context, *transport.Config, *execctx.Context) *invoker.Result {
	return s.res
}

func TestExecute_LogsCarryCorrelation(t *testing.T) {
	tl := logging.NewTestLogger()
	m, _ := newManager(t, map[string]string{"echoer": "echo ok"}, WithLogger(tl.Underlying()))

	ctx := logging.WithRequestID(context.Background(), "req-42")
	res, err := m.Execute(ctx, Request{Agent: "echoer", Phase: "build"})
	require.NoError(t, err)

	tl.AssertField(t, "execution started", "request.id", "req-42")
	tl.AssertField(t, "execution finished", "execution.id", res.ExecutionID)
	tl.AssertField(t, "execution finished", "agent.name", "echoer")
	tl.AssertNotLogged(t, zapcore.WarnLevel, "cleanup")
	tl.AssertNotLogged(t, zapcore.ErrorLevel, "invalid lifecycle transition")
}

func TestExecute_NilInvokerResult(t *testing.T) {
	reg := transport.NewRegistry(nil)
	reg.Register("planner", transport.TypeProcess, map[string]any{"command": "true"})
	m := NewManager(transport.NewSelector(reg, transport.WithEnv(noEnv)), stubInvoker{}, nil,
		WithProjectRoot(t.TempDir()))

	res, err := m.Execute(context.Background(), Request{Agent: "planner", Phase: "design"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, invoker.ExitUnavailable, res.ExitCode)
}
