package results

import (
	"errors"
	"fmt"
)

var (
	// ErrArtifactNotFound is returned by registry lookups for unknown ids.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrRegistryCorrupted indicates an unreadable artifact registry file.
	ErrRegistryCorrupted = errors.New("artifact registry file corrupted")

	// ErrStateCorrupted indicates an unreadable orchestration state file.
	ErrStateCorrupted = errors.New("orchestration state file corrupted")
)

// Severity ranks handler errors.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityLow      Severity = "low"
)

// HandlerError wraps a failed step of result handling.
type HandlerError struct {
	Operation string
	Severity  Severity
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Operation, e.Severity, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

func handlerError(op string, sev Severity, err error) *HandlerError {
	return &HandlerError{Operation: op, Severity: sev, Err: err}
}
