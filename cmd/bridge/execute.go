package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/bridge"
	"github.com/agenticcoder/execbridge/internal/config"
	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/lifecycle"
	"github.com/agenticcoder/execbridge/internal/transport"
)

func newExecuteCmd(a *app) *cobra.Command {
	var (
		req       lifecycle.Request
		inputs    string
		metadata  string
		transType string
		sets      []string
		previous  []string
		follow    bool
	)
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run an agent through the full lifecycle and print the outcome",
		Long: `Execute runs the complete pipeline locally: transport selection,
invocation, output collection, artifact registration and the retry decision.
Agents come from bridge.registry_file; --transport and --set override the
registered transport for this call.

Examples:
  bridge execute --agent planner --phase design --inputs '{"goal":"api"}'
  bridge execute --agent coder --phase build --transport process --set command=./coder.sh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			if req.Inputs, err = parseObject(inputs); err != nil {
				return fmt.Errorf("--inputs: %w", err)
			}
			if req.Metadata, err = parseObject(metadata); err != nil {
				return fmt.Errorf("--metadata: %w", err)
			}
			req.PreviousArtifacts = previous
			if req.Overrides, err = parseOverrides(transType, sets); err != nil {
				return err
			}
			return a.runExecute(cmd, req, follow)
		},
	}
	cmd.Flags().StringVar(&req.Agent, "agent", "", "agent name (required)")
	cmd.Flags().StringVar(&req.Phase, "phase", "", "orchestrator phase (required)")
	cmd.Flags().StringVar(&inputs, "inputs", "", "JSON object of agent inputs")
	cmd.Flags().StringVar(&metadata, "metadata", "", "JSON object of execution metadata")
	cmd.Flags().StringSliceVar(&previous, "previous", nil, "previous artifact ids")
	cmd.Flags().Int64Var(&req.Limits.TimeoutMS, "timeout-ms", 0, "execution timeout in milliseconds")
	cmd.Flags().Int64Var(&req.Limits.MaxOutputBytes, "max-output-bytes", 0, "stdout/stderr cap in bytes")
	cmd.Flags().StringVar(&transType, "transport", "", "override the transport type")
	cmd.Flags().StringArrayVar(&sets, "set", nil, "override a transport parameter key=value; JSON values are decoded (repeatable)")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream agent output lines to stderr while it runs")
	_ = cmd.MarkFlagRequired("agent")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func (a *app) runExecute(cmd *cobra.Command, req lifecycle.Request, follow bool) error {
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

	sink, closeSink, err := connectEvents(cfg, zl)
	if err != nil {
		return err
	}
	defer closeSink()
	if follow {
		sink = events.Multi(sink, events.NewWriterSink(cmd.ErrOrStderr()))
	}

	b, err := bridge.New(bridge.Options{Config: cfg, Sink: sink, Logger: zl, Version: version})
	if err != nil {
		return err
	}
	out, err := b.Execute(cmd.Context(), bridge.Request{Request: req})
	if err != nil {
		return err
	}
	if err := writeJSON(cmd, out); err != nil {
		return err
	}
	if out.Result.Status != lifecycle.StatusSuccess {
		return &exitError{code: 1}
	}
	return nil
}

// connectEvents returns the NATS sink when events.nats_url is set.
func connectEvents(cfg *config.Config, logger *zap.Logger) (events.Sink, func(), error) {
	if cfg.Events.NATSURL == "" {
		return events.Discard, func() {}, nil
	}
	var opts []nats.Option
	if token := cfg.Events.Token.Value(); token != "" {
		opts = append(opts, nats.Token(token))
	}
	sink, nc, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, logger.Named("events"), opts...)
	if err != nil {
		return nil, nil, err
	}
	return sink, func() {
		_ = nc.Drain()
	}, nil
}

// parseOverrides turns --transport and --set flags into transport
// overrides. Values that parse as JSON keep their JSON type.
func parseOverrides(transType string, sets []string) (*transport.Overrides, error) {
	if transType == "" && len(sets) == 0 {
		return nil, nil
	}
	ov := &transport.Overrides{Values: map[string]any{}}
	if transType != "" {
		t, err := transport.ParseType(transType)
		if err != nil {
			return nil, err
		}
		ov.Type = t
	}
	for _, s := range sets {
		k, raw, ok := strings.Cut(s, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", s)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		ov.Values[strings.TrimSpace(k)] = v
	}
	return ov, nil
}
