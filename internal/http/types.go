package http

import (
	"github.com/agenticcoder/execbridge/internal/execctx"
	"github.com/agenticcoder/execbridge/internal/lifecycle"
	"github.com/agenticcoder/execbridge/internal/results"
	"github.com/agenticcoder/execbridge/internal/telemetry"
	"github.com/agenticcoder/execbridge/internal/transport"
)

// ExecuteRequest is the request body for POST /api/v1/executions.
type ExecuteRequest struct {
	Agent             string               `json:"agent"`
	Phase             string               `json:"phase"`
	Inputs            map[string]any       `json:"inputs,omitempty"`
	PreviousArtifacts []string             `json:"previous_artifacts,omitempty"`
	Environment       map[string]string    `json:"environment,omitempty"`
	Limits            execctx.Limits       `json:"limits"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
	Transport         *transport.Overrides `json:"transport,omitempty"`
	ArchiveLogs       *bool                `json:"archive_logs,omitempty"`
	CleanTemp         *bool                `json:"clean_temp,omitempty"`
}

func (r ExecuteRequest) lifecycleRequest() lifecycle.Request {
	return lifecycle.Request{
		Agent:             r.Agent,
		Phase:             r.Phase,
		Inputs:            r.Inputs,
		PreviousArtifacts: r.PreviousArtifacts,
		Environment:       r.Environment,
		Limits:            r.Limits,
		Metadata:          r.Metadata,
		Overrides:         r.Transport,
		ArchiveLogs:       r.ArchiveLogs,
		CleanTemp:         r.CleanTemp,
	}
}

// ErrorResponse is returned when an execution cannot start.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Active    int                     `json:"active"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// ActiveResponse is the response body for GET /api/v1/executions.
type ActiveResponse struct {
	Executions []lifecycle.Execution `json:"executions"`
}

// CancelResponse is the response body for DELETE /api/v1/executions/:id.
type CancelResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ArtifactsResponse is the response body for GET /api/v1/artifacts.
type ArtifactsResponse struct {
	Artifacts []results.ArtifactRecord `json:"artifacts"`
}
