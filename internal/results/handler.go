// Package results decides what happens after an execution: retry, block,
// proceed, or manual review. It registers produced artifacts and keeps the
// orchestration state document current.
package results

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agenticcoder/execbridge/internal/lifecycle"
)

const instrumentationName = "github.com/agenticcoder/execbridge/internal/results"

// NextAction tells the orchestrator what to do next.
type NextAction string

const (
	ActionProceed      NextAction = "proceed"
	ActionRetry        NextAction = "retry"
	ActionBlock        NextAction = "block"
	ActionManualReview NextAction = "manual_review"
)

// RetryInfo describes a retry decision or the exhausted retry budget.
type RetryInfo struct {
	Attempt    int   `json:"attempt"`
	MaxRetries int   `json:"max_retries"`
	DelayMS    int64 `json:"delay_ms"`
}

// Delay returns DelayMS as a duration.
func (r RetryInfo) Delay() time.Duration {
	return time.Duration(r.DelayMS) * time.Millisecond
}

// Handling is the decision for one execution result.
type Handling struct {
	ExecutionID      string            `json:"execution_id"`
	Agent            string            `json:"agent"`
	Phase            string            `json:"phase"`
	Status           lifecycle.Status  `json:"status"`
	ArtifactID       string            `json:"artifact_id,omitempty"`
	ValidationResult *ValidationResult `json:"validation_result,omitempty"`
	NextAction       NextAction        `json:"next_action"`
	RetryInfo        *RetryInfo        `json:"retry_info,omitempty"`
	Warnings         []string          `json:"warnings,omitempty"`
	Error            string            `json:"error,omitempty"`
}

// Policy is the retry and phase-advance configuration for Handle.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Retryable  []lifecycle.Status
	PhaseOrder []string
}

// DefaultPolicy retries failures and timeouts three times with delays of
// 1s, 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		Multiplier: 2,
		Retryable:  []lifecycle.Status{lifecycle.StatusFailure, lifecycle.StatusTimeout},
	}
}

// RetryDelay returns base × multiplier^attempt.
func (p Policy) RetryDelay(attempt int) time.Duration {
	m := p.Multiplier
	if m < 1 {
		m = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(m, float64(attempt)))
}

func (p Policy) retryable(s lifecycle.Status) bool {
	return slices.Contains(p.Retryable, s)
}

// nextPhase returns the phase after phase in the configured order, or
// phase itself when there is no successor.
func (p Policy) nextPhase(phase string) string {
	i := slices.Index(p.PhaseOrder, phase)
	if i < 0 || i+1 >= len(p.PhaseOrder) {
		return phase
	}
	return p.PhaseOrder[i+1]
}

// Handler turns execution results into decisions.
type Handler struct {
	registry  *ArtifactRegistry
	store     *StateStore
	validator ValidationFramework
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a Handler.
type Option func(*Handler)

// WithArtifactRegistry sets the artifact registry. Without one an
// in-memory registry is used.
func WithArtifactRegistry(r *ArtifactRegistry) Option {
	return func(h *Handler) {
		if r != nil {
			h.registry = r
		}
	}
}

// WithStateStore persists state updates to a document.
func WithStateStore(s *StateStore) Option {
	return func(h *Handler) { h.store = s }
}

// WithValidator consults v for successful artifacts.
func WithValidator(v ValidationFramework) Option {
	return func(h *Handler) { h.validator = v }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(h *Handler) {
		if t != nil {
			h.tracer = t
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler creates a Handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.registry == nil {
		h.registry, _ = NewArtifactRegistry("")
	}
	return h
}

// Registry returns the artifact registry.
func (h *Handler) Registry() *ArtifactRegistry {
	return h.registry
}

// Handle decides the next action for res and applies it to state, which
// may be nil. With a state store the same update is merged into the
// persisted document. Handle never returns an error: failures surface as
// warnings or a block decision.
func (h *Handler) Handle(ctx context.Context, res *lifecycle.ExecutionResult, state *State, policy Policy) (out *Handling) {
	ctx, span := h.tracer.Start(ctx, "results.handle")
	defer span.End()

	out = &Handling{}
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("result handler panic recovered", zap.Any("panic", r))
			out.NextAction = ActionBlock
			out.Error = fmt.Sprintf("result handling panicked: %v", r)
		}
		span.SetAttributes(attribute.String("next_action", string(out.NextAction)))
	}()

	// Step 1: structure.
	if err := checkStructure(res); err != nil {
		out.NextAction = ActionRetry
		out.Error = err.Error()
		if res != nil {
			out.ExecutionID, out.Agent, out.Phase, out.Status = res.ExecutionID, res.Agent, res.Phase, res.Status
		}
		h.logger.Warn("invalid execution result", zap.Error(err))
		return out
	}

	out.ExecutionID = res.ExecutionID
	out.Agent = res.Agent
	out.Phase = res.Phase
	out.Status = res.Status
	span.SetAttributes(
		attribute.String("execution.id", res.ExecutionID),
		attribute.String("agent.name", res.Agent),
	)
	logger := h.logger.With(
		zap.String("execution.id", res.ExecutionID),
		zap.String("agent.name", res.Agent),
		zap.String("phase", res.Phase),
	)

	attempt := state.Attempt(res.Phase)
	if h.store != nil && state == nil {
		if persisted, err := h.store.Load(); err == nil {
			attempt = persisted.Attempt(res.Phase)
		} else {
			h.warn(out, handlerError("load state", SeverityHigh, err))
		}
	}

	switch res.Status {
	case lifecycle.StatusSuccess:
		// Step 3: register.
		if res.Artifact != nil {
			rec := h.registry.NewRecord(res.Agent, res.Phase, res.ExecutionID, res.ArtifactPath, res.ArtifactSizeBytes, res.Artifact)
			if err := h.registry.Register(rec); err != nil {
				h.warn(out, handlerError("persist artifact registry", SeverityHigh, err))
			}
			out.ArtifactID = rec.ID

			// Step 4: validate.
			out.NextAction = ActionProceed
			if h.validator != nil {
				verdict, err := h.validator.Validate(ctx, ValidationRequest{
					ExecutionID: res.ExecutionID,
					Agent:       res.Agent,
					Phase:       res.Phase,
					Artifact:    res.Artifact,
					Record:      rec,
				})
				if err != nil {
					h.warn(out, handlerError("validate artifact", SeverityLow, err))
				} else {
					out.ValidationResult = verdict
					out.NextAction = actionFor(verdict)
				}
				if out.NextAction == ActionBlock {
					out.Error = rejectionReason(verdict)
				}
			}
		} else {
			out.NextAction = ActionProceed
		}

	case lifecycle.StatusFailure, lifecycle.StatusTimeout:
		// Step 2: retry policy.
		if policy.retryable(res.Status) && attempt < policy.MaxRetries {
			out.NextAction = ActionRetry
			out.RetryInfo = &RetryInfo{
				Attempt:    attempt + 1,
				MaxRetries: policy.MaxRetries,
				DelayMS:    policy.RetryDelay(attempt).Milliseconds(),
			}
		} else {
			out.NextAction = ActionBlock
			out.RetryInfo = &RetryInfo{Attempt: attempt, MaxRetries: policy.MaxRetries}
			out.Error = fmt.Sprintf("%s after %d attempts: %s", res.Status, attempt+1, lastError(res))
		}

	default:
		out.NextAction = ActionBlock
		out.Error = fmt.Sprintf("execution %s", res.Status)
	}

	// Step 5: state.
	apply := h.stateUpdate(res, out, policy)
	if state != nil {
		apply(state)
	}
	if h.store != nil {
		if _, err := h.store.Update(apply); err != nil {
			h.warn(out, handlerError("persist orchestration state", SeverityHigh, err))
		}
	}

	logger.Info("execution result handled",
		zap.String("status", string(res.Status)),
		zap.String("next_action", string(out.NextAction)),
		zap.String("artifact_id", out.ArtifactID))
	return out
}

func (h *Handler) stateUpdate(res *lifecycle.ExecutionResult, out *Handling, policy Policy) func(*State) {
	now := h.now().UTC()
	return func(s *State) {
		if s.Attempts == nil {
			s.Attempts = map[string]int{}
		}
		switch out.NextAction {
		case ActionProceed:
			s.CurrentPhase = policy.nextPhase(res.Phase)
			delete(s.Attempts, res.Phase)
			s.Blocked = false
			s.BlockedReason = ""
		case ActionRetry:
			s.Attempts[res.Phase]++
		case ActionBlock:
			s.Blocked = true
			s.BlockedReason = out.Error
		}
		if out.ArtifactID != "" && !slices.Contains(s.Artifacts, out.ArtifactID) {
			s.Artifacts = append(s.Artifacts, out.ArtifactID)
		}
		s.PhaseHistory = append(s.PhaseHistory, PhaseEvent{
			Phase:       res.Phase,
			Agent:       res.Agent,
			ExecutionID: res.ExecutionID,
			Status:      string(res.Status),
			Action:      out.NextAction,
			ArtifactID:  out.ArtifactID,
			Timestamp:   now,
		})
		s.UpdatedAt = now
	}
}

func (h *Handler) warn(out *Handling, err *HandlerError) {
	out.Warnings = append(out.Warnings, err.Error())
	h.logger.Warn("result handling step failed",
		zap.String("operation", err.Operation),
		zap.String("severity", string(err.Severity)),
		zap.Error(err.Err))
}

func checkStructure(res *lifecycle.ExecutionResult) error {
	if res == nil {
		return errors.New("execution result is nil")
	}
	var missing []string
	if res.ExecutionID == "" {
		missing = append(missing, "execution_id")
	}
	if res.Agent == "" {
		missing = append(missing, "agent")
	}
	if len(missing) > 0 {
		return fmt.Errorf("execution result missing %s", strings.Join(missing, ", "))
	}
	if !res.Status.Known() {
		return fmt.Errorf("execution result has unknown status %q", res.Status)
	}
	return nil
}

func lastError(res *lifecycle.ExecutionResult) string {
	if res.Error != "" {
		return res.Error
	}
	if res.ErrorType != "" {
		return string(res.ErrorType)
	}
	return "no error reported"
}

func rejectionReason(v *ValidationResult) string {
	if v == nil || len(v.Reasons) == 0 {
		return "artifact rejected by validation"
	}
	return "artifact rejected by validation: " + strings.Join(v.Reasons, "; ")
}
