// Package main implements the bridge CLI: one-off transport invocations,
// local pipeline runs, the HTTP API server, and a client for it.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agenticcoder/execbridge/internal/config"
	"github.com/agenticcoder/execbridge/internal/logging"
	"github.com/agenticcoder/execbridge/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const instrumentationName = "github.com/agenticcoder/execbridge/cmd/bridge"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if !errors.As(err, &ee) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(exitCode(err))
	}
}

// exitError carries a process exit code out of a command without an
// error message.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// app holds the persistent flags shared by all commands.
type app struct {
	configPath string
	serverURL  string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "bridge",
		Short: "Execution bridge for agent invocations",
		Long: `bridge invokes agents over webhook, process, docker and mcp-stdio
transports, normalizes their output into artifacts, logs and metrics, and
decides whether the orchestrator should proceed, retry or block.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to config file (yaml)")
	root.PersistentFlags().StringVar(&a.serverURL, "server", "http://localhost:8088", "bridge server URL")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override observability.log_level")

	root.AddCommand(
		newRunCmd(a),
		newExecuteCmd(a),
		newServeCmd(a),
		newStatusCmd(a),
		newCancelCmd(a),
		newArtifactsCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFile(a.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Observability.LogLevel = a.logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. One-shot commands log to stderr so
// stdout carries only their JSON result.
func (a *app) newLogger(cfg *config.Config, tel *telemetry.Telemetry, toStderr bool) (*logging.Logger, error) {
	lc, err := logging.FromObservability(cfg.Observability)
	if err != nil {
		return nil, err
	}
	if toStderr {
		lc.Output.Stdout = false
		lc.Output.Stderr = true
	}
	return logging.NewLogger(lc, tel.LoggerProvider())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Version:    %s\n", version)
			fmt.Fprintf(out, "Git Commit: %s\n", gitCommit)
			fmt.Fprintf(out, "Build Date: %s\n", buildDate)
		},
	}
}
