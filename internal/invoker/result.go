package invoker

import (
	"time"

	"github.com/agenticcoder/execbridge/internal/transport"
)

// Status is the outcome of one invocation.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// ErrorType classifies a failed invocation. There are only two.
type ErrorType string

const (
	ErrTypeTimeout ErrorType = "INVOCATION_TIMEOUT"
	ErrTypeError   ErrorType = "INVOCATION_ERROR"
)

// ExitUnavailable is reported when no exit code exists, e.g. the process
// never started or was killed by a signal.
const ExitUnavailable = -1

// Result is the normalized outcome of a single invocation attempt.
type Result struct {
	OK          bool             `json:"ok"`
	Status      Status           `json:"status"`
	Transport   transport.Type   `json:"transport"`
	Stdout      string           `json:"stdout"`
	Stderr      string           `json:"stderr"`
	Artifact    any              `json:"artifact,omitempty"`
	Logs        []map[string]any `json:"logs,omitempty"`
	ExitCode    int              `json:"exit_code"`
	ErrorType   ErrorType        `json:"error_type,omitempty"`
	Error       string           `json:"error,omitempty"`
	DurationMS  int64            `json:"duration_ms"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt time.Time        `json:"completed_at"`
}

func (r *Result) fail(status Status, typ ErrorType, msg string) *Result {
	r.OK = false
	r.Status = status
	r.ErrorType = typ
	r.Error = msg
	return r
}

func (r *Result) succeed() *Result {
	r.OK = true
	r.Status = StatusSuccess
	r.ErrorType = ""
	r.Error = ""
	return r
}
