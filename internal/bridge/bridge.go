// Package bridge is the entry point for orchestrators: it runs an agent
// through the execution lifecycle and hands the result to the result
// handler.
package bridge

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/collector"
	"github.com/agenticcoder/execbridge/internal/config"
	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/invoker"
	"github.com/agenticcoder/execbridge/internal/lifecycle"
	"github.com/agenticcoder/execbridge/internal/results"
	"github.com/agenticcoder/execbridge/internal/transport"
	"github.com/agenticcoder/execbridge/pkg/secrets"
)

// Options wires a Bridge. Only Config is required.
type Options struct {
	Config *config.Config

	// Registry overrides loading Config.Bridge.RegistryFile.
	Registry *transport.Registry

	Validator results.ValidationFramework
	Sink      events.Sink

	// ClientFactory serves mcp-stdio agents; the go-sdk client by default.
	ClientFactory invoker.ClientFactory

	// Version is reported to MCP servers during initialization.
	Version string

	// Getenv is used for transport env overrides; os.Getenv by default.
	Getenv func(string) string

	Logger *zap.Logger
	Tracer trace.Tracer
	Meter  metric.Meter
}

// Request is one execution request. State, when set, is updated in place
// in addition to the configured state document.
type Request struct {
	lifecycle.Request
	State *results.State `json:"-"`
}

// Outcome pairs the execution result with the handling decision.
type Outcome struct {
	Result   *lifecycle.ExecutionResult `json:"result"`
	Handling *results.Handling          `json:"handling"`
}

// Bridge executes agents. It is safe for concurrent use.
type Bridge struct {
	cfg      *config.Config
	registry *transport.Registry
	manager  *lifecycle.Manager
	handler  *results.Handler
	policy   results.Policy
	logger   *zap.Logger
}

// New builds a Bridge from opts.
func New(opts Options) (*Bridge, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.Discard
	}

	registry := opts.Registry
	if registry == nil {
		if cfg.Bridge.RegistryFile != "" {
			var err error
			registry, err = transport.LoadRegistry(cfg.Bridge.RegistryFile, logger.Named("registry"))
			if err != nil {
				return nil, fmt.Errorf("loading transport registry: %w", err)
			}
		} else {
			registry = transport.NewRegistry(logger.Named("registry"))
		}
	}

	selOpts := []transport.SelectorOption{transport.WithSelectorLogger(logger.Named("selector"))}
	if opts.Getenv != nil {
		selOpts = append(selOpts, transport.WithEnv(opts.Getenv))
	}
	selector := transport.NewSelector(registry, selOpts...)

	invOpts := []invoker.Option{
		invoker.WithSink(sink),
		invoker.WithKillGrace(cfg.Bridge.KillGrace.Duration()),
		invoker.WithLogger(logger.Named("invoker")),
		invoker.WithTracer(opts.Tracer),
	}
	if opts.Meter != nil {
		invOpts = append(invOpts, invoker.WithMeter(opts.Meter))
	}
	factory := opts.ClientFactory
	if factory == nil {
		sdk := invoker.NewSDKClientFactory(opts.Version)
		sdk.KillGrace = cfg.Bridge.KillGrace.Duration()
		factory = sdk
	}
	invOpts = append(invOpts, invoker.WithClientFactory(factory))
	inv := invoker.New(invOpts...)

	colOpts := []collector.Option{
		collector.WithMaxOutputBytes(cfg.Collector.MaxOutputBytes),
		collector.WithRequiredKeys(cfg.Bridge.RequiredKeys...),
		collector.WithLogger(logger.Named("collector")),
	}
	if cfg.Collector.RedactSecrets {
		redactor, err := newRedactor(cfg.Bridge.ProjectRoot)
		if err != nil {
			return nil, err
		}
		colOpts = append(colOpts, collector.WithRedactor(redactor))
	}

	manager := lifecycle.NewManager(selector, inv, collector.New(colOpts...),
		lifecycle.WithProjectRoot(cfg.Bridge.ProjectRoot),
		lifecycle.WithMaxConcurrent(cfg.Bridge.MaxConcurrent),
		lifecycle.WithMaxOutputBytes(cfg.Collector.MaxOutputBytes),
		lifecycle.WithArchiveLogs(cfg.Bridge.ArchiveLogs),
		lifecycle.WithTempPolicy(cfg.Bridge.CleanTempOnSuccess, cfg.Bridge.CleanTempOnFailure),
		lifecycle.WithSink(sink),
		lifecycle.WithLogger(logger.Named("lifecycle")),
		lifecycle.WithTracer(opts.Tracer),
	)

	artifacts, err := results.NewArtifactRegistry(cfg.ArtifactRegistryPath())
	if err != nil {
		return nil, err
	}
	handler := results.NewHandler(
		results.WithArtifactRegistry(artifacts),
		results.WithStateStore(results.NewStateStore(cfg.StatePath())),
		results.WithValidator(opts.Validator),
		results.WithLogger(logger.Named("results")),
		results.WithTracer(opts.Tracer),
	)

	return &Bridge{
		cfg:      cfg,
		registry: registry,
		manager:  manager,
		handler:  handler,
		policy:   PolicyFromConfig(cfg),
		logger:   logger,
	}, nil
}

func newRedactor(projectRoot string) (*secrets.Redactor, error) {
	allowlist, err := secrets.LoadAllowlist(secrets.ProjectAllowlist(projectRoot))
	if err != nil {
		return nil, fmt.Errorf("loading secret allowlist: %w", err)
	}
	redactor, err := secrets.NewRedactor(allowlist)
	if err != nil {
		return nil, fmt.Errorf("creating secret redactor: %w", err)
	}
	return redactor, nil
}

// PolicyFromConfig converts the retry section and phase order into a
// handler policy.
func PolicyFromConfig(cfg *config.Config) results.Policy {
	p := results.Policy{
		MaxRetries: cfg.Retry.MaxRetries,
		BaseDelay:  cfg.Retry.BaseDelay.Duration(),
		Multiplier: cfg.Retry.Multiplier,
		PhaseOrder: cfg.Bridge.PhaseOrder,
	}
	for _, s := range cfg.Retry.Retryable {
		p.Retryable = append(p.Retryable, lifecycle.Status(s))
	}
	return p
}

// Execute runs req and decides what happens next. Capacity and
// configuration errors are returned; every other outcome is in the
// Outcome.
func (b *Bridge) Execute(ctx context.Context, req Request) (*Outcome, error) {
	res, err := b.manager.Execute(ctx, req.Request)
	if err != nil {
		return nil, err
	}
	handling := b.handler.Handle(ctx, res, req.State, b.policy)
	return &Outcome{Result: res, Handling: handling}, nil
}

// Cancel cancels an active execution.
func (b *Bridge) Cancel(id string) error {
	return b.manager.Cancel(id)
}

// Status returns a snapshot of an active or recently finished execution.
func (b *Bridge) Status(id string) (lifecycle.Execution, error) {
	return b.manager.Status(id)
}

// Active lists active executions.
func (b *Bridge) Active() []lifecycle.Execution {
	return b.manager.Active()
}

// FindArtifact returns a registered artifact by id.
func (b *Bridge) FindArtifact(id string) (results.ArtifactRecord, error) {
	return b.handler.Registry().Get(id)
}

// FindArtifacts returns registered artifacts matching f.
func (b *Bridge) FindArtifacts(f results.Filter) []results.ArtifactRecord {
	return b.handler.Registry().Find(f)
}

// Registry returns the transport registry, e.g. to start Watch.
func (b *Bridge) Registry() *transport.Registry {
	return b.registry
}

// Config returns the configuration the bridge was built with.
func (b *Bridge) Config() *config.Config {
	return b.cfg
}
