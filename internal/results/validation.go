package results

import "context"

// Decision is a validation framework verdict.
type Decision string

const (
	DecisionApproved       Decision = "APPROVED"
	DecisionRejected       Decision = "REJECTED"
	DecisionRequiresReview Decision = "REQUIRES_REVIEW"
)

// ValidationRequest is what the framework is asked to judge.
type ValidationRequest struct {
	ExecutionID string         `json:"execution_id"`
	Agent       string         `json:"agent"`
	Phase       string         `json:"phase"`
	Artifact    any            `json:"artifact"`
	Record      ArtifactRecord `json:"record"`
}

// ValidationResult is the framework's answer.
type ValidationResult struct {
	Decision Decision       `json:"decision"`
	Reasons  []string       `json:"reasons,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// ValidationFramework accepts or rejects artifacts. It is implemented
// outside the bridge.
type ValidationFramework interface {
	Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error)
}

// ValidationFrameworkFunc adapts a function to ValidationFramework.
type ValidationFrameworkFunc func(ctx context.Context, req ValidationRequest) (*ValidationResult, error)

// Validate calls f.
func (f ValidationFrameworkFunc) Validate(ctx context.Context, req ValidationRequest) (*ValidationResult, error) {
	return f(ctx, req)
}

// actionFor maps a verdict onto the next action. Unknown or missing
// verdicts proceed.
func actionFor(v *ValidationResult) NextAction {
	if v == nil {
		return ActionProceed
	}
	switch v.Decision {
	case DecisionRejected:
		return ActionBlock
	case DecisionRequiresReview:
		return ActionManualReview
	default:
		return ActionProceed
	}
}
