package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenticcoder/execbridge/internal/transport"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestRunProcess(t *testing.T) {
	out, err := runCLI(t, "run", "process", "sh", "-c", `echo '{"plan":{"steps":2}}'`)
	require.NoError(t, err)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, transport.TypeProcess, got.Transport)
	assert.True(t, got.OK)
	assert.Equal(t, 0, got.ExitCode)
	assert.Equal(t, map[string]any{"plan": map[string]any{"steps": float64(2)}}, got.Artifact)
}

func TestRunProcess_ExitCodePropagates(t *testing.T) {
	out, err := runCLI(t, "run", "process", "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.OK)
	assert.Equal(t, 3, got.ExitCode)
	assert.Contains(t, got.Stderr, "boom")
	assert.NotEmpty(t, got.Metadata.ErrorType)
}

func TestRunWebhookAndAPIAlias(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		payloads = append(payloads, body)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"analysis":{"ok":true}}`))
	}))
	defer srv.Close()

	for _, name := range []string{"webhook", "api"} {
		t.Run(name, func(t *testing.T) {
			out, err := runCLI(t, "run", name, srv.URL, "--payload", `{"goal":"x"}`)
			require.NoError(t, err)

			var got runOutput
			require.NoError(t, json.Unmarshal([]byte(out), &got))
			assert.Equal(t, transport.Type(name), got.Transport)
			assert.True(t, got.OK)
		})
	}
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 2)
	assert.Equal(t, map[string]any{"goal": "x"}, payloads[0]["inputs"])
}

func TestRunWebhook_DoesNotRetryHTTPErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, `{"error":"down"}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	out, err := runCLI(t, "run", "webhook", srv.URL, "--retries", "3")
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.False(t, got.OK)

	sub, _, err := newRootCmd().Find([]string{"run", "webhook"})
	require.NoError(t, err)
	usage := sub.Flags().Lookup("retries").Usage
	assert.Contains(t, usage, "HTTP error statuses are not")
}

func TestRun_InvalidPayload(t *testing.T) {
	_, err := runCLI(t, "run", "webhook", "http://localhost:1", "--payload", "[1,2]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--payload")
	assert.Equal(t, 1, exitCode(err))
}

func TestClientCommands(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		mu.Unlock()
		if r.URL.Path == "/api/v1/executions/missing" {
			http.Error(w, `{"message":"execution not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	out, err := runCLI(t, "--server", srv.URL, "status", "exec-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, out)

	_, err = runCLI(t, "--server", srv.URL, "cancel", "exec-1")
	require.NoError(t, err)

	_, err = runCLI(t, "--server", srv.URL, "artifacts", "--type", "plan")
	require.NoError(t, err)

	_, err = runCLI(t, "--server", srv.URL, "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"GET /api/v1/executions/exec-1",
		"DELETE /api/v1/executions/exec-1",
		"GET /api/v1/artifacts?type=plan",
		"GET /api/v1/executions/missing",
	}, seen)
}

func TestExecuteFollow(t *testing.T) {
	t.Setenv("BRIDGE_PROJECT_ROOT", t.TempDir())

	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs([]string{
		"--log-level", "error",
		"execute", "--agent", "coder", "--phase", "build", "--follow",
		"--transport", "process",
		"--set", "command=sh",
		"--set", `args=["-c","echo working; echo '{\"code\":{\"files\":[]}}'"]`,
	})
	require.NoError(t, root.Execute())

	assert.Contains(t, errOut.String(), "[coder stdout] working")

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	result, ok := got["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "success", result["status"])
}

func TestParseOverrides(t *testing.T) {
	ov, err := parseOverrides("", nil)
	require.NoError(t, err)
	assert.Nil(t, ov)

	ov, err = parseOverrides("process", []string{"command=./agent.sh", `args=["-v"]`, "timeout_ms=5000"})
	require.NoError(t, err)
	assert.Equal(t, transport.TypeProcess, ov.Type)
	assert.Equal(t, "./agent.sh", ov.Values["command"])
	assert.Equal(t, []any{"-v"}, ov.Values["args"])
	assert.Equal(t, float64(5000), ov.Values["timeout_ms"])

	_, err = parseOverrides("carrier-pigeon", nil)
	assert.Error(t, err)
	_, err = parseOverrides("", []string{"novalue"})
	assert.Error(t, err)
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"Authorization: Bearer x", "X-Trace:1"}, ":")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"Authorization": "Bearer x", "X-Trace": "1"}, got)

	_, err = parsePairs([]string{"broken"}, "=")
	assert.Error(t, err)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(nil))
	assert.Equal(t, 7, exitCode(&exitError{code: 7}))
	assert.Equal(t, 1, exitCode(errors.New("other")))
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "Version:")
}
