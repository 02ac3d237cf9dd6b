package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ToolStatus is the state of one analyzer invocation in the ledger.
type ToolStatus string

const (
	ToolStatusPending   ToolStatus = "pending"
	ToolStatusRunning   ToolStatus = "running"
	ToolStatusCompleted ToolStatus = "completed"
	ToolStatusFailed    ToolStatus = "failed"
)

// Terminal reports whether the status is final. Terminal rows are immutable.
func (s ToolStatus) Terminal() bool {
	return s == ToolStatusCompleted || s == ToolStatusFailed
}

// Valid reports whether s is a known status.
func (s ToolStatus) Valid() bool {
	switch s {
	case ToolStatusPending, ToolStatusRunning, ToolStatusCompleted, ToolStatusFailed:
		return true
	}
	return false
}

// ToolExecution is one ledger row. It references its investigation by id only.
type ToolExecution struct {
	ID              uuid.UUID       `json:"id"`
	InvestigationID string          `json:"investigation_id"`
	AgentName       string          `json:"agent_name"`
	ToolName        string          `json:"tool_name"`
	Status          ToolStatus      `json:"status"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	Error           string          `json:"error,omitempty"`
	DurationMS      int64           `json:"duration_ms"`
	TokensUsed      int64           `json:"tokens_used"`
	Cost            float64         `json:"cost"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// ToolExecutionStats summarizes the ledger for one investigation.
type ToolExecutionStats struct {
	Total         int     `json:"total"`
	Pending       int     `json:"pending"`
	Running       int     `json:"running"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCost     float64 `json:"total_cost"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// SummarizeExecutions computes stats over rows already loaded. The average
// duration covers terminal rows only, matching the stores' aggregate.
func SummarizeExecutions(rows []ToolExecution) ToolExecutionStats {
	var (
		s        ToolExecutionStats
		terminal int
		duration int64
	)
	for _, r := range rows {
		s.Total++
		switch r.Status {
		case ToolStatusPending:
			s.Pending++
		case ToolStatusRunning:
			s.Running++
		case ToolStatusCompleted:
			s.Completed++
		case ToolStatusFailed:
			s.Failed++
		}
		s.TotalTokens += r.TokensUsed
		s.TotalCost += r.Cost
		if r.Status.Terminal() {
			terminal++
			duration += r.DurationMS
		}
	}
	if terminal > 0 {
		s.AvgDurationMS = float64(duration) / float64(terminal)
	}
	return s
}

// Finished is the number of rows in a terminal status.
func (s ToolExecutionStats) Finished() int {
	return s.Completed + s.Failed
}

// CompletionPercent is finished/total rounded down, 0 when the ledger is empty.
func (s ToolExecutionStats) CompletionPercent() int {
	if s.Total == 0 {
		return 0
	}
	return s.Finished() * 100 / s.Total
}

// ExecutionHealth aggregates terminal ledger rows across all investigations
// inside a time window.
type ExecutionHealth struct {
	Total         int     `json:"total"`
	Failed        int     `json:"failed"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// ErrorRate is failed/total, 0 for an empty window.
func (h ExecutionHealth) ErrorRate() float64 {
	if h.Total == 0 {
		return 0
	}
	return float64(h.Failed) / float64(h.Total)
}
