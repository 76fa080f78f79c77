package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agenticcoder/execbridge/internal/collector"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/invoker"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// runOutput is what `bridge run` prints.
type runOutput struct {
	Transport transport.Type `json:"transport"`
	ExitCode  int            `json:"exit_code"`
	OK        bool           `json:"ok"`
	Stdout    string         `json:"stdout"`
	Stderr    string         `json:"stderr"`
	Artifact  any            `json:"artifact"`
	Metadata  runMetadata    `json:"metadata"`
}

type runMetadata struct {
	DurationMS int64             `json:"duration_ms"`
	ErrorType  invoker.ErrorType `json:"error_type,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// runFlags are shared by every `bridge run` subcommand.
type runFlags struct {
	agent     string
	phase     string
	inputs    string
	timeoutMS int64
	env       []string
}

func newRunCmd(a *app) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Invoke one transport directly and print the raw result",
		Long: `Run performs a single invocation through one transport without the
execution lifecycle: no artifact registry, retries or state updates. The
result is printed as JSON and the command exits with the agent's exit code.

Examples:
  bridge run process -- sh -c 'echo {"plan":[]}'
  bridge run webhook https://agents.example.com/plan --payload '{"goal":"x"}'
  bridge run docker alpine:3 echo hello`,
	}
	cmd.PersistentFlags().StringVar(&f.agent, "agent", "cli", "agent name recorded in the execution context")
	cmd.PersistentFlags().StringVar(&f.phase, "phase", "run", "phase recorded in the execution context")
	cmd.PersistentFlags().StringVar(&f.inputs, "payload", "", "JSON object sent as the execution inputs")
	cmd.PersistentFlags().Int64Var(&f.timeoutMS, "timeout-ms", 0, "invocation timeout in milliseconds")
	cmd.PersistentFlags().StringArrayVar(&f.env, "env", nil, "extra environment KEY=VALUE for the agent (repeatable)")

	cmd.AddCommand(
		newRunCommandCmd(a, f, transport.TypeProcess),
		newRunCommandCmd(a, f, transport.TypeMCPStdio),
		newRunHTTPCmd(a, f, transport.TypeWebhook),
		newRunHTTPCmd(a, f, transport.TypeAPI),
		newRunDockerCmd(a, f),
	)
	return cmd
}

func newRunCommandCmd(a *app, f *runFlags, t transport.Type) *cobra.Command {
	var cwd, framing string
	cmd := &cobra.Command{
		Use:   string(t) + " <command> [args...]",
		Short: fmt.Sprintf("Run a command over the %s transport", t),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{
				"command": args[0],
				"args":    args[1:],
			}
			if cwd == "" {
				if wd, err := os.Getwd(); err == nil {
					cwd = wd
				}
			}
			if cwd != "" {
				values["cwd"] = cwd
			}
			if framing != "" {
				values["framing"] = framing
			}
			return a.invokeOnce(cmd, f, t, values)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringVar(&cwd, "cwd", "", "working directory (default: current directory)")
	if t == transport.TypeMCPStdio {
		cmd.Flags().StringVar(&framing, "framing", string(transport.FramingContentLength), "message framing: content-length or ndjson")
	}
	return cmd
}

func newRunHTTPCmd(a *app, f *runFlags, t transport.Type) *cobra.Command {
	var method string
	var headers []string
	var retries int
	cmd := &cobra.Command{
		Use:   string(t) + " <url>",
		Short: fmt.Sprintf("POST the execution context to a %s endpoint", t),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{"endpoint": args[0]}
			if method != "" {
				values["method"] = method
			}
			if cmd.Flags().Changed("retries") {
				values["retries"] = retries
			}
			if len(headers) > 0 {
				hdrs, err := parsePairs(headers, ":")
				if err != nil {
					return err
				}
				values["headers"] = hdrs
			}
			return a.invokeOnce(cmd, f, t, values)
		},
	}
	cmd.Flags().StringVar(&method, "method", "", "HTTP method (default POST)")
	cmd.Flags().StringArrayVar(&headers, "header", nil, "request header 'Name: value' (repeatable)")
	cmd.Flags().IntVar(&retries, "retries", 0, "total attempts; network errors are retried, HTTP error statuses are not")
	return cmd
}

func newRunDockerCmd(a *app, f *runFlags) *cobra.Command {
	var volumes []string
	var network, memory, cpus, binary string
	cmd := &cobra.Command{
		Use:   "docker <image> [args...]",
		Short: "Run an agent image in a container",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values := map[string]any{
				"image": args[0],
				"args":  args[1:],
			}
			for key, v := range map[string]string{
				"network":       network,
				"memory":        memory,
				"cpus":          cpus,
				"docker_binary": binary,
			} {
				if v != "" {
					values[key] = v
				}
			}
			if len(volumes) > 0 {
				values["volumes"] = volumes
			}
			return a.invokeOnce(cmd, f, transport.TypeDocker, values)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringArrayVar(&volumes, "volume", nil, "bind mount host:container (repeatable)")
	cmd.Flags().StringVar(&network, "network", "", "container network")
	cmd.Flags().StringVar(&memory, "memory", "", "memory limit, e.g. 512m")
	cmd.Flags().StringVar(&cpus, "cpus", "", "cpu limit, e.g. 1.5")
	cmd.Flags().StringVar(&binary, "docker-binary", "", "docker CLI binary")
	return cmd
}

// invokeOnce selects the transport from values, builds a throwaway
// execution context and performs a single invocation.
func (a *app) invokeOnce(cmd *cobra.Command, f *runFlags, t transport.Type, values map[string]any) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.newLogger(cfg, nil, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	zl := logger.Underlying()

	if f.timeoutMS > 0 {
		values["timeout_ms"] = f.timeoutMS
	}
	if len(f.env) > 0 {
		env, err := parsePairs(f.env, "=")
		if err != nil {
			return err
		}
		values["env"] = env
	}
	inputs, err := parseObject(f.inputs)
	if err != nil {
		return fmt.Errorf("--payload: %w", err)
	}

	sel := transport.NewSelector(transport.NewRegistry(zl), transport.WithSelectorLogger(zl))
	tcfg, err := sel.Select(f.agent, &transport.Overrides{Type: t, Values: values})
	if err != nil {
		return err
	}

	root, err := os.MkdirTemp("", "execbridge-run-*")
	if err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}
	defer os.RemoveAll(root)

	ec, err := execctx.NewBuilder().
		Agent(f.agent).
		Phase(f.phase).
		Inputs(inputs).
		ProjectRoot(root).
		Limits(execctx.Limits{TimeoutMS: f.timeoutMS}).
		Transport(tcfg).
		Build()
	if err != nil {
		return err
	}
	if err := ec.EnsureDirectories(); err != nil {
		return err
	}

	invOpts := []invoker.Option{
		invoker.WithLogger(zl.Named("invoker")),
		invoker.WithKillGrace(cfg.Bridge.KillGrace.Duration()),
	}
	if t == transport.TypeMCPStdio {
		sdk := invoker.NewSDKClientFactory(version)
		sdk.KillGrace = cfg.Bridge.KillGrace.Duration()
		invOpts = append(invOpts, invoker.WithClientFactory(sdk))
	}
	inv := invoker.New(invOpts...)
	res := inv.Invoke(cmd.Context(), tcfg, ec)

	out := runOutput{
		Transport: tcfg.Type,
		ExitCode:  res.ExitCode,
		OK:        res.OK,
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		Metadata: runMetadata{
			DurationMS: res.DurationMS,
			ErrorType:  res.ErrorType,
			Error:      res.Error,
		},
	}
	if artifact, ok := collector.ArtifactFrom(res); ok {
		out.Artifact = artifact
	}
	if err := writeJSON(cmd, out); err != nil {
		return err
	}

	if res.OK {
		return nil
	}
	if res.ExitCode > 0 {
		return &exitError{code: res.ExitCode}
	}
	return &exitError{code: 1}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject decodes a JSON object flag; empty means no object.
func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("expected a JSON object: %w", err)
	}
	return m, nil
}

// parsePairs splits "key<sep>value" flags into a map.
func parsePairs(pairs []string, sep string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, sep)
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid pair %q: expected key%svalue", p, sep)
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out, nil
}
