// Package invoker calls agents over their resolved transport and
// normalizes whatever comes back into a Result.
//
// Invoke never returns an error. Every failure is encoded in the Result as
// INVOCATION_TIMEOUT or INVOCATION_ERROR, and DurationMS is always set.
package invoker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/transport"
)

const instrumentationName = "github.com/agenticcoder/execbridge/internal/invoker"

// DefaultKillGrace is how long a process group has between SIGTERM and
// SIGKILL.
const DefaultKillGrace = 2 * time.Second

// Invoker performs agent invocations. It is safe for concurrent use.
type Invoker struct {
	httpClient *http.Client
	sink       events.Sink
	mcpFactory ClientFactory
	killGrace  time.Duration
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	invocations metric.Int64Counter
	duration    metric.Float64Histogram
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithHTTPClient sets the client used by webhook and api transports.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Invoker) {
		if c != nil {
			i.httpClient = c
		}
	}
}

// WithSink sets where streamed output lines are emitted.
func WithSink(s events.Sink) Option {
	return func(i *Invoker) {
		if s != nil {
			i.sink = s
		}
	}
}

// WithClientFactory enables the RPC path for mcp-stdio. Without a factory
// mcp-stdio agents run as plain processes.
func WithClientFactory(f ClientFactory) Option {
	return func(i *Invoker) { i.mcpFactory = f }
}

// WithKillGrace sets the delay between SIGTERM and SIGKILL.
func WithKillGrace(d time.Duration) Option {
	return func(i *Invoker) {
		if d > 0 {
			i.killGrace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

// WithTracer sets the tracer; the global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(i *Invoker) {
		if t != nil {
			i.tracer = t
		}
	}
}

// WithMeter sets the meter; the global provider is used otherwise.
func WithMeter(m metric.Meter) Option {
	return func(i *Invoker) {
		if m != nil {
			i.meter = m
		}
	}
}

// New creates an Invoker.
func New(opts ...Option) *Invoker {
	i := &Invoker{
		httpClient: &http.Client{},
		sink:       events.Discard,
		killGrace:  DefaultKillGrace,
		logger:     zap.NewNop(),
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(i)
	}
	i.initMetrics()
	return i
}

func (i *Invoker) initMetrics() {
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	counter, err := i.meter.Int64Counter("execbridge.invocations_total",
		metric.WithDescription("Agent invocations by transport and status"),
	)
	if err != nil {
		i.logger.Warn("invocation counter unavailable", zap.Error(err))
		counter, _ = fallback.Int64Counter("execbridge.invocations_total")
	}
	i.invocations = counter

	hist, err := i.meter.Float64Histogram("execbridge.invocation_duration_seconds",
		metric.WithDescription("Agent invocation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		i.logger.Warn("invocation histogram unavailable", zap.Error(err))
		hist, _ = fallback.Float64Histogram("execbridge.invocation_duration_seconds")
	}
	i.duration = hist
}

// Invoke calls the agent described by cfg with the packaged ec.
func (i *Invoker) Invoke(ctx context.Context, cfg *transport.Config, ec *execctx.Context) *Result {
	started := time.Now()
	res := &Result{StartedAt: started.UTC(), ExitCode: ExitUnavailable}

	ctx, span := i.tracer.Start(ctx, "invoker.invoke", trace.WithAttributes(
		attribute.String("execution.id", ec.ExecutionID),
		attribute.String("agent.name", ec.Agent),
	))
	defer span.End()

	func() {
		defer func() {
			if r := recover(); r != nil {
				res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("invoker panic: %v", r))
			}
		}()
		if cfg == nil {
			res.fail(StatusFailure, ErrTypeError, "no transport configured")
			return
		}
		res.Transport = cfg.Type
		span.SetAttributes(attribute.String("transport", string(cfg.Type)))
		i.dispatch(ctx, cfg, ec, res)
	}()

	completed := time.Now()
	res.CompletedAt = completed.UTC()
	res.DurationMS = completed.Sub(started).Milliseconds()

	attrs := metric.WithAttributes(
		attribute.String("transport", string(res.Transport)),
		attribute.String("status", string(res.Status)),
	)
	i.invocations.Add(ctx, 1, attrs)
	i.duration.Record(ctx, completed.Sub(started).Seconds(), attrs)

	if !res.OK {
		span.SetStatus(codes.Error, res.Error)
	}
	i.logger.Debug("agent invoked",
		zap.String("execution_id", ec.ExecutionID),
		zap.String("agent", ec.Agent),
		zap.String("transport", string(res.Transport)),
		zap.String("status", string(res.Status)),
		zap.Int64("duration_ms", res.DurationMS),
	)
	return res
}

func (i *Invoker) dispatch(ctx context.Context, cfg *transport.Config, ec *execctx.Context, res *Result) {
	switch cfg.Type {
	case transport.TypeWebhook, transport.TypeAPI:
		i.invokeWebhook(ctx, cfg, ec, res)
	case transport.TypeProcess:
		i.runProcess(ctx, cfg, ec, cfg.Params.Command, cfg.Params.Args, res)
	case transport.TypeDocker:
		i.runProcess(ctx, cfg, ec, dockerBinary(cfg), DockerArgs(cfg, ec), res)
	case transport.TypeMCPStdio:
		if i.mcpFactory == nil {
			i.runProcess(ctx, cfg, ec, cfg.Params.Command, cfg.Params.Args, res)
			return
		}
		i.invokeMCP(ctx, cfg, ec, res)
	default:
		res.fail(StatusFailure, ErrTypeError, fmt.Sprintf("unsupported transport type %q", cfg.Type))
	}
}

// timeoutFor picks the transport timeout, falling back to context limits.
func timeoutFor(cfg *transport.Config, ec *execctx.Context) time.Duration {
	if d := cfg.Timeout(); d > 0 {
		return d
	}
	if d := ec.Limits.Timeout(); d > 0 {
		return d
	}
	return time.Duration(execctx.DefaultLimits().TimeoutMS) * time.Millisecond
}

// classifyDone maps an ended invocation context to a terminal status. The
// parent being cancelled means the caller cancelled; otherwise the
// invocation deadline expired.
func classifyDone(parent context.Context, res *Result, timeout time.Duration) {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		res.fail(StatusCancelled, ErrTypeError, "invocation cancelled")
		return
	}
	res.fail(StatusTimeout, ErrTypeTimeout, fmt.Sprintf("invocation timed out after %s", timeout))
}

func (i *Invoker) emit(ctx context.Context, ec *execctx.Context, kind events.Kind, line string) {
	err := i.sink.Emit(ctx, events.Event{
		ExecutionID: ec.ExecutionID,
		Agent:       ec.Agent,
		Kind:        kind,
		Line:        line,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		i.logger.Debug("event emit failed", zap.Error(err))
	}
}
