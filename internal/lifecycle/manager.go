// Package lifecycle drives one execution through SETUP, EXECUTING,
// COLLECTING, CLEANUP and COMPLETE, and tracks every active execution.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/collector"
	"github.com/agenticcoder/execbridge/internal/events"
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/invoker"
	"github.com/agenticcoder/execbridge/internal/logging"
	"github.com/agenticcoder/execbridge/internal/transport"
)

const instrumentationName = "github.com/agenticcoder/execbridge/internal/lifecycle"

// DefaultMaxConcurrent is the admission cap when none is configured.
const DefaultMaxConcurrent = 4

// historySize bounds how many finished executions Status remembers.
const historySize = 512

var (
	// ErrCapacity is returned when the concurrency cap is reached.
	ErrCapacity = errors.New("execution capacity reached")

	// ErrNotFound is returned for unknown execution ids.
	ErrNotFound = errors.New("execution not found")
)

// Invoker performs one agent invocation.
type Invoker interface {
	Invoke(ctx context.Context, cfg *transport.Config, ec *execctx.Context) *invoker.Result
}

// Collector turns an invocation result into persisted output.
type Collector interface {
	Collect(res *invoker.Result, ec *execctx.Context) *collector.CollectedOutput
}

// Request describes one execution.
type Request struct {
	Agent             string               `json:"agent"`
	Phase             string               `json:"phase"`
	Inputs            map[string]any       `json:"inputs,omitempty"`
	PreviousArtifacts []string             `json:"previous_artifacts,omitempty"`
	Environment       map[string]string    `json:"environment,omitempty"`
	Limits            execctx.Limits       `json:"limits"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	Overrides         *transport.Overrides `json:"overrides,omitempty"`

	// ArchiveLogs and CleanTemp override the manager's cleanup policy for
	// this execution when set.
	ArchiveLogs *bool `json:"archive_logs,omitempty"`
	CleanTemp   *bool `json:"clean_temp,omitempty"`
}

// ExecutionResult is the final record of one execution.
type ExecutionResult struct {
	ExecutionID       string               `json:"execution_id"`
	Agent             string               `json:"agent"`
	Phase             string               `json:"phase"`
	Status            Status               `json:"status"`
	LifecyclePhase    Phase                `json:"lifecycle_phase"`
	Transport         transport.Type       `json:"transport"`
	Artifact          any                  `json:"artifact"`
	ArtifactPath      string               `json:"artifact_path,omitempty"`
	ArtifactSizeBytes int64                `json:"artifact_size_bytes"`
	Logs              []collector.LogEntry `json:"logs"`
	Metrics           collector.Metrics    `json:"metrics"`
	ValidationWarning string               `json:"validation_warning,omitempty"`
	ExitCode          int                  `json:"exit_code"`
	ErrorType         invoker.ErrorType    `json:"error_type,omitempty"`
	Error             string               `json:"error,omitempty"`
	Warnings          []string             `json:"warnings,omitempty"`
	Paths             execctx.Paths        `json:"paths"`
	StartedAt         time.Time            `json:"started_at"`
	TotalDurationMS   int64                `json:"total_duration_ms"`
}

// Execution is a point-in-time view of an execution.
type Execution struct {
	ExecutionID    string    `json:"execution_id"`
	Agent          string    `json:"agent"`
	Phase          string    `json:"phase"`
	Status         Status    `json:"status"`
	LifecyclePhase Phase     `json:"lifecycle_phase"`
	StartedAt      time.Time `json:"started_at"`
}

type execution struct {
	Execution
	cancel    context.CancelFunc
	cancelled bool
}

// Manager runs executions. It is safe for concurrent use.
type Manager struct {
	selector  *transport.Selector
	invoker   Invoker
	collector Collector
	sink      events.Sink

	projectRoot    string
	maxConcurrent  int
	maxOutput      int64
	archiveLogs    bool
	cleanOnSuccess bool
	cleanOnFailure bool

	now     func() time.Time
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *Metrics

	mu       sync.Mutex
	active   map[string]*execution
	reserved int
	history  map[string]Execution
	order    []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithProjectRoot sets the directory under which .bridge/ is created.
func WithProjectRoot(root string) Option {
	return func(m *Manager) { m.projectRoot = root }
}

// WithMaxConcurrent sets the admission cap.
func WithMaxConcurrent(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxConcurrent = n
		}
	}
}

// WithMaxOutputBytes sets the output cap for requests that do not set
// limits.max_output_bytes.
func WithMaxOutputBytes(n int64) Option {
	return func(m *Manager) { m.maxOutput = n }
}

// WithArchiveLogs enables copying logs to archive/{id} during cleanup.
func WithArchiveLogs(enabled bool) Option {
	return func(m *Manager) { m.archiveLogs = enabled }
}

// WithTempPolicy sets whether temp directories are removed after
// successful and failed executions.
func WithTempPolicy(onSuccess, onFailure bool) Option {
	return func(m *Manager) {
		m.cleanOnSuccess = onSuccess
		m.cleanOnFailure = onFailure
	}
}

// WithSink sets where phase and completion events go.
func WithSink(s events.Sink) Option {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer used for phase spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// NewManager creates a Manager. A nil selector resolves against an empty
// registry.
func NewManager(sel *transport.Selector, inv Invoker, col Collector, opts ...Option) *Manager {
	if sel == nil {
		sel = transport.NewSelector(nil)
	}
	if col == nil {
		col = collector.New()
	}
	m := &Manager{
		selector:       sel,
		invoker:        inv,
		collector:      col,
		sink:           events.Discard,
		projectRoot:    ".",
		maxConcurrent:  DefaultMaxConcurrent,
		archiveLogs:    true,
		cleanOnSuccess: true,
		now:            time.Now,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer(instrumentationName),
		metrics:        NewMetrics(),
		active:         make(map[string]*execution),
		history:        make(map[string]Execution),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.invoker == nil {
		m.invoker = invoker.New(invoker.WithLogger(m.logger), invoker.WithSink(m.sink))
	}
	return m
}

// Execute runs one execution to completion. It returns an error only when
// the execution could not be set up: ErrCapacity, a
// *transport.ConfigurationError, or a context or filesystem error. Every
// outcome after SETUP, including agent failure, is in the result.
func (m *Manager) Execute(ctx context.Context, req Request) (*ExecutionResult, error) {
	if err := m.reserve(); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	started := m.now().UTC()
	ec, cfg, err := m.setup(execCtx, req, started)
	if err != nil {
		m.release()
		return nil, err
	}

	rec := &execution{
		Execution: Execution{
			ExecutionID:    ec.ExecutionID,
			Agent:          ec.Agent,
			Phase:          ec.Phase,
			Status:         StatusPending,
			LifecyclePhase: PhaseSetup,
			StartedAt:      started,
		},
		cancel: cancel,
	}
	m.register(rec)

	execCtx = logging.WithExecution(execCtx, ec.ExecutionID, ec.Agent, ec.Phase)
	logger := m.logger.With(logging.ContextFields(execCtx)...)
	logger.Info("execution started", zap.String("transport", string(cfg.Type)))

	result := &ExecutionResult{
		ExecutionID: ec.ExecutionID,
		Agent:       ec.Agent,
		Phase:       ec.Phase,
		Status:      StatusInProgress,
		Transport:   cfg.Type,
		Logs:        []collector.LogEntry{},
		Paths:       ec.Paths,
		StartedAt:   started,
	}

	// EXECUTING
	m.advance(execCtx, rec, PhaseExecuting, StatusInProgress)
	res := m.execute(execCtx, cfg, ec)
	result.ExitCode = res.ExitCode
	result.ErrorType = res.ErrorType
	result.Error = res.Error
	result.Status = statusOf(res)

	// COLLECTING
	m.advance(execCtx, rec, PhaseCollecting, "")
	out := m.collect(execCtx, res, ec)
	result.Artifact = out.Artifact
	result.ArtifactPath = out.ArtifactPath
	result.ArtifactSizeBytes = out.ArtifactSizeBytes
	result.Logs = out.Logs
	result.Metrics = out.Metrics
	if len(out.ValidationErrors) > 0 {
		result.ValidationWarning = strings.Join(out.ValidationErrors, "; ")
		logger.Warn("artifact failed required-keys check", zap.String("warning", result.ValidationWarning))
	}

	if m.isCancelled(rec) {
		result.Status = StatusCancelled
	}

	// CLEANUP
	m.advance(execCtx, rec, PhaseCleanup, "")
	result.Warnings = m.cleanup(execCtx, req, ec, result.Status == StatusSuccess)
	for _, w := range result.Warnings {
		logger.Warn("cleanup", zap.String("warning", w))
	}

	// COMPLETE
	if m.isCancelled(rec) {
		result.Status = StatusCancelled
	}
	m.advance(execCtx, rec, PhaseComplete, result.Status)
	result.LifecyclePhase = PhaseComplete
	result.TotalDurationMS = m.now().UTC().Sub(started).Milliseconds()
	m.finish(rec, result.Status)

	m.metrics.ExecutionsTotal.WithLabelValues(ec.Agent, string(result.Status)).Inc()
	m.emit(ctx, events.Event{
		ExecutionID: ec.ExecutionID,
		Agent:       ec.Agent,
		Kind:        events.KindCompleted,
		Phase:       string(PhaseComplete),
		Status:      string(result.Status),
	})
	logger.Info("execution finished",
		zap.String("status", string(result.Status)),
		zap.Int64("total_duration_ms", result.TotalDurationMS))
	return result, nil
}

func (m *Manager) setup(ctx context.Context, req Request, started time.Time) (*execctx.Context, *transport.Config, error) {
	ctx, span := m.tracer.Start(ctx, "lifecycle.setup",
		trace.WithAttributes(attribute.String("agent.name", req.Agent)))
	defer span.End()
	begin := time.Now()
	defer func() { m.observePhase(PhaseSetup, begin) }()

	if err := ctx.Err(); err != nil {
		return nil, nil, fail(span, err)
	}

	cfg, err := m.selector.Select(req.Agent, req.Overrides)
	if err != nil {
		return nil, nil, fail(span, err)
	}

	// The tighter of the caller's limit and the transport timeout bounds
	// the invocation; both records carry the same value.
	limits := req.Limits
	switch {
	case limits.TimeoutMS <= 0:
		limits.TimeoutMS = cfg.Params.TimeoutMS
	case cfg.Params.TimeoutMS <= 0 || limits.TimeoutMS < cfg.Params.TimeoutMS:
		cfg.Params.TimeoutMS = limits.TimeoutMS
	default:
		limits.TimeoutMS = cfg.Params.TimeoutMS
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = m.maxOutput
	}

	ec, err := execctx.NewBuilder().
		Agent(req.Agent).
		Phase(req.Phase).
		Inputs(req.Inputs).
		Environment(req.Environment).
		Limits(limits).
		ProjectRoot(m.projectRoot).
		Metadata(req.Metadata).
		PreviousArtifacts(req.PreviousArtifacts...).
		Transport(cfg).
		Clock(func() time.Time { return started }).
		Build()
	if err != nil {
		return nil, nil, fail(span, err)
	}
	span.SetAttributes(attribute.String("execution.id", ec.ExecutionID))

	if err := ec.EnsureDirectories(); err != nil {
		return nil, nil, fail(span, err)
	}
	if _, err := ec.Save(); err != nil {
		return nil, nil, fail(span, err)
	}
	return ec, cfg, nil
}

func (m *Manager) execute(ctx context.Context, cfg *transport.Config, ec *execctx.Context) *invoker.Result {
	ctx, span := m.tracer.Start(ctx, "lifecycle.execute",
		trace.WithAttributes(attribute.String("execution.id", ec.ExecutionID)))
	defer span.End()
	begin := time.Now()
	defer func() { m.observePhase(PhaseExecuting, begin) }()

	res := m.invoker.Invoke(ctx, cfg, ec)
	if res == nil {
		res = &invoker.Result{
			Status:    invoker.StatusFailure,
			ExitCode:  invoker.ExitUnavailable,
			ErrorType: invoker.ErrTypeError,
			Error:     "invoker returned no result",
		}
	}
	if !res.OK {
		span.SetStatus(codes.Error, res.Error)
	}
	return res
}

func (m *Manager) collect(ctx context.Context, res *invoker.Result, ec *execctx.Context) *collector.CollectedOutput {
	_, span := m.tracer.Start(ctx, "lifecycle.collect",
		trace.WithAttributes(attribute.String("execution.id", ec.ExecutionID)))
	defer span.End()
	begin := time.Now()
	defer func() { m.observePhase(PhaseCollecting, begin) }()

	out := m.collector.Collect(res, ec)
	if out == nil {
		out = &collector.CollectedOutput{Logs: []collector.LogEntry{}}
	}
	return out
}

// cleanup archives logs and applies the temp policy. Failures are
// returned as warnings and never change the execution's status.
func (m *Manager) cleanup(ctx context.Context, req Request, ec *execctx.Context, succeeded bool) []string {
	_, span := m.tracer.Start(ctx, "lifecycle.cleanup",
		trace.WithAttributes(attribute.String("execution.id", ec.ExecutionID)))
	defer span.End()
	begin := time.Now()
	defer func() { m.observePhase(PhaseCleanup, begin) }()

	var warnings []string

	archive := m.archiveLogs
	if req.ArchiveLogs != nil {
		archive = *req.ArchiveLogs
	}
	if archive {
		if err := archiveLogs(ec.Paths.Logs, ec.Paths.Archive); err != nil {
			warnings = append(warnings, fmt.Sprintf("archiving logs: %v", err))
		}
	}

	clean := m.cleanOnFailure
	if succeeded {
		clean = m.cleanOnSuccess
	}
	if req.CleanTemp != nil {
		clean = *req.CleanTemp
	}
	if clean {
		if err := os.RemoveAll(ec.Paths.Temp); err != nil {
			warnings = append(warnings, fmt.Sprintf("removing temp dir: %v", err))
		}
	}

	if len(warnings) > 0 {
		m.metrics.CleanupWarnings.Add(float64(len(warnings)))
		span.SetAttributes(attribute.StringSlice("cleanup.warnings", warnings))
	}
	return warnings
}

func archiveLogs(logs, archive string) error {
	if err := os.MkdirAll(archive, 0o755); err != nil {
		return err
	}
	return os.CopyFS(archive, os.DirFS(logs))
}

// Cancel marks an active execution cancelled, frees its slot, and cancels
// its context so the in-flight invocation is terminated.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	rec, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.cancelled = true
	rec.Status = StatusCancelled
	delete(m.active, id)
	m.remember(rec.Execution)
	m.metrics.ActiveExecutions.Set(float64(len(m.active)))
	m.mu.Unlock()

	rec.cancel()
	m.metrics.CancellationsTotal.Inc()
	m.logger.Info("execution cancelled", zap.String("execution.id", id))
	return nil
}

// Status returns a snapshot of an active or recently finished execution.
func (m *Manager) Status(id string) (Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.active[id]; ok {
		return rec.Execution, nil
	}
	if e, ok := m.history[id]; ok {
		return e, nil
	}
	return Execution{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Active returns snapshots of all active executions, oldest first.
func (m *Manager) Active() []Execution {
	m.mu.Lock()
	out := make([]Execution, 0, len(m.active))
	for _, rec := range m.active {
		out = append(out, rec.Execution)
	}
	m.mu.Unlock()

	slices.SortFunc(out, func(a, b Execution) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ExecutionID, b.ExecutionID)
	})
	return out
}

func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.active)+m.reserved >= m.maxConcurrent {
		m.metrics.RejectionsTotal.Inc()
		return fmt.Errorf("%w: %d executions active", ErrCapacity, len(m.active)+m.reserved)
	}
	m.reserved++
	return nil
}

func (m *Manager) release() {
	m.mu.Lock()
	m.reserved--
	m.mu.Unlock()
}

func (m *Manager) register(rec *execution) {
	m.mu.Lock()
	m.reserved--
	m.active[rec.ExecutionID] = rec
	m.metrics.ActiveExecutions.Set(float64(len(m.active)))
	m.mu.Unlock()
}

func (m *Manager) finish(rec *execution, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Status = status
	rec.LifecyclePhase = PhaseComplete
	delete(m.active, rec.ExecutionID)
	m.remember(rec.Execution)
	m.metrics.ActiveExecutions.Set(float64(len(m.active)))
}

// remember must be called with m.mu held.
func (m *Manager) remember(e Execution) {
	if _, ok := m.history[e.ExecutionID]; !ok {
		m.order = append(m.order, e.ExecutionID)
	}
	m.history[e.ExecutionID] = e
	for len(m.order) > historySize {
		delete(m.history, m.order[0])
		m.order = m.order[1:]
	}
}

func (m *Manager) isCancelled(rec *execution) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.cancelled
}

// advance moves rec to the next phase. An empty status leaves the status
// unchanged; a cancelled execution keeps its cancelled status.
func (m *Manager) advance(ctx context.Context, rec *execution, to Phase, status Status) {
	m.mu.Lock()
	if !CanTransition(rec.LifecyclePhase, to) {
		m.mu.Unlock()
		m.logger.Error("invalid lifecycle transition",
			zap.String("execution.id", rec.ExecutionID),
			zap.String("from", string(rec.LifecyclePhase)),
			zap.String("to", string(to)))
		return
	}
	rec.LifecyclePhase = to
	if status != "" && !rec.cancelled {
		rec.Status = status
	}
	snapshot := rec.Execution
	m.mu.Unlock()

	m.emit(ctx, events.Event{
		ExecutionID: snapshot.ExecutionID,
		Agent:       snapshot.Agent,
		Kind:        events.KindPhase,
		Phase:       string(to),
		Status:      string(snapshot.Status),
	})
}

func (m *Manager) emit(ctx context.Context, e events.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.now().UTC()
	}
	if err := m.sink.Emit(context.WithoutCancel(ctx), e); err != nil {
		m.logger.Debug("event emit failed", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

func (m *Manager) observePhase(p Phase, begin time.Time) {
	m.metrics.PhaseDuration.WithLabelValues(string(p)).Observe(time.Since(begin).Seconds())
}

func statusOf(res *invoker.Result) Status {
	switch {
	case res.OK:
		return StatusSuccess
	case res.Status == invoker.StatusCancelled:
		return StatusCancelled
	case res.ErrorType == invoker.ErrTypeTimeout:
		return StatusTimeout
	default:
		return StatusFailure
	}
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
