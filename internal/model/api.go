package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for offset-paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// VersionConflictResponse is the 409 body for a stale conditional update.
// Its flat shape is part of the client contract.
type VersionConflictResponse struct {
	Error            string       `json:"error"`
	Message          string       `json:"message"`
	CurrentVersion   int64        `json:"current_version"`
	SubmittedVersion int64        `json:"submitted_version"`
	Meta             ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodePreconditionRequired = "PRECONDITION_REQUIRED"
	ErrCodeUnavailable          = "UNAVAILABLE"
	ErrCodeInternalError        = "INTERNAL_ERROR"
	ErrCodeRateLimited          = "RATE_LIMITED"
)

// VersionConflictCode is the error value in VersionConflictResponse.
const VersionConflictCode = "version_conflict"

// CreateInvestigationRequest is the body for POST /v1/investigations.
// ID is optional; a UUID is generated when empty.
type CreateInvestigationRequest struct {
	ID       string          `json:"id,omitempty"`
	Owner    string          `json:"owner"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// UpdateInvestigationRequest is the body for PATCH /v1/investigations/{id}.
type UpdateInvestigationRequest struct {
	Stage    *LifecycleStage `json:"lifecycle_stage,omitempty"`
	Status   *string         `json:"status,omitempty"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// RunRequest is the body for POST /v1/investigations/{id}/run.
type RunRequest struct {
	Force         bool     `json:"force"`
	ForceStrategy Strategy `json:"force_strategy,omitempty"`
}

// RunResponse acknowledges a started run.
type RunResponse struct {
	Investigation Investigation    `json:"investigation"`
	Decision      StrategyDecision `json:"decision"`
	Analyzers     []string         `json:"analyzers"`
}

// MessageRequest is the body for POST /v1/investigations/{id}/messages.
type MessageRequest struct {
	Message string `json:"message"`
}

// ProgressView is the cacheable progress representation.
type ProgressView struct {
	InvestigationID   string          `json:"investigation_id"`
	Version           int64           `json:"version"`
	Stage             LifecycleStage  `json:"lifecycle_stage"`
	Status            string          `json:"status"`
	CompletionPercent int             `json:"completion_percent"`
	CurrentPhase      string          `json:"current_phase"`
	TotalTools        int             `json:"total_tools"`
	CompletedTools    int             `json:"completed_tools"`
	FailedTools       int             `json:"failed_tools"`
	ToolExecutions    []ToolExecution `json:"tool_executions"`
}

// EventPage is one page of the event stream.
type EventPage struct {
	Items      []InvestigationEvent `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
	HasMore    bool                 `json:"has_more"`
}

// ToolExecutionsResponse is the body for GET /v1/investigations/{id}/tools.
type ToolExecutionsResponse struct {
	Executions []ToolExecution    `json:"executions"`
	Stats      ToolExecutionStats `json:"stats"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string `json:"status"`
	Version    string `json:"version"`
	Storage    string `json:"storage"`
	Routing    string `json:"routing"`
	ActiveRuns int    `json:"active_runs"`
	Uptime     int64  `json:"uptime_seconds"`
}
