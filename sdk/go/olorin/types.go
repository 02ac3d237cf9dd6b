package olorin

import (
	"encoding/json"
	"time"
)

// Lifecycle stages.
const (
	StageCreated    = "CREATED"
	StageSettings   = "SETTINGS"
	StageInProgress = "IN_PROGRESS"
	StageCompleted  = "COMPLETED"
	StageError      = "ERROR"
	StageCancelled  = "CANCELLED"
)

// Terminal reports whether no further run can change stage.
func Terminal(stage string) bool {
	switch stage {
	case StageCompleted, StageError, StageCancelled:
		return true
	}
	return false
}

// Investigation is one investigation record.
type Investigation struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Stage        string            `json:"lifecycle_stage"`
	Status       string            `json:"status"`
	Settings     json.RawMessage   `json:"settings,omitempty"`
	Progress     json.RawMessage   `json:"progress,omitempty"`
	Results      json.RawMessage   `json:"results,omitempty"`
	Strategy     *StrategyDecision `json:"strategy,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastAccessed time.Time         `json:"last_accessed"`

	// ETag is the response's entity tag, usable as If-Match or If-None-Match.
	ETag string `json:"-"`
}

// Entity is the subject of an investigation.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// TimeRange bounds the activity analyzers inspect.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Settings configure a run.
type Settings struct {
	Entity        Entity     `json:"entity"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`
	WindowDays    int        `json:"window_days,omitempty"`
	Domains       []string   `json:"domains,omitempty"`
	ForceStrategy string     `json:"force_strategy,omitempty"`
}

// CreateRequest is the body of Create. ID is generated when empty.
type CreateRequest struct {
	ID       string    `json:"id,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
}

// UpdateRequest is a partial update. Nil fields are left untouched.
type UpdateRequest struct {
	Stage    *string   `json:"lifecycle_stage,omitempty"`
	Status   *string   `json:"status,omitempty"`
	Settings *Settings `json:"settings,omitempty"`
}

// RunRequest tunes a run.
type RunRequest struct {
	Force         bool   `json:"force,omitempty"`
	ForceStrategy string `json:"force_strategy,omitempty"`
}

// StrategyDecision is the execution strategy chosen for a run.
type StrategyDecision struct {
	Selected  string    `json:"selected_strategy"`
	Reason    string    `json:"reason"`
	Degraded  bool      `json:"degraded,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// RunResponse acknowledges a started run.
type RunResponse struct {
	Investigation Investigation    `json:"investigation"`
	Decision      StrategyDecision `json:"decision"`
	Analyzers     []string         `json:"analyzers"`
}

// RunControl is the body returned by pause, resume and message.
type RunControl struct {
	InvestigationID string `json:"investigation_id"`
	RunStatus       string `json:"run_status"`
}

// ToolExecution is one ledger row.
type ToolExecution struct {
	ID              string          `json:"id"`
	InvestigationID string          `json:"investigation_id"`
	AgentName       string          `json:"agent_name"`
	ToolName        string          `json:"tool_name"`
	Status          string          `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	TokensUsed      int64           `json:"tokens_used"`
	Cost            float64         `json:"cost"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ToolStats summarizes the ledger.
type ToolStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// ToolsResponse lists the ledger with its statistics.
type ToolsResponse struct {
	Executions []ToolExecution `json:"executions"`
	Stats      ToolStats       `json:"stats"`
}

// Progress is the progress view of an investigation.
type Progress struct {
	InvestigationID   string          `json:"investigation_id"`
	Version           int64           `json:"version"`
	Stage             string          `json:"lifecycle_stage"`
	Status            string          `json:"status"`
	CompletionPercent int             `json:"completion_percent"`
	CurrentPhase      string          `json:"current_phase"`
	TotalTools        int             `json:"total_tools"`
	CompletedTools    int             `json:"completed_tools"`
	FailedTools       int             `json:"failed_tools"`
	ToolExecutions    []ToolExecution `json:"tool_executions"`
}

// Event is one entry of the event stream.
type Event struct {
	Cursor          string          `json:"cursor"`
	InvestigationID string          `json:"investigation_id"`
	Type            string          `json:"event_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EventPage is one page of events in cursor order.
type EventPage struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
	HasMore    bool    `json:"has_more"`
}

// EventsOptions select a page of events.
type EventsOptions struct {
	Since string        // exclusive cursor; empty starts at the beginning
	Limit int           // zero uses the server default
	Wait  time.Duration // long-poll when the page would be empty
}
