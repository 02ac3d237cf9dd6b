package model

import (
	"encoding/json"
	"time"
)

// EventType identifies what happened in an investigation event.
type EventType string

const (
	EventCreated           EventType = "created"
	EventSettingsSubmitted EventType = "settings_submitted"
	EventUpdated           EventType = "updated"
	EventRunStarted        EventType = "run_started"
	EventToolStarted       EventType = "tool_started"
	EventToolCompleted     EventType = "tool_completed"
	EventToolFailed        EventType = "tool_failed"
	EventProgress          EventType = "progress"
	EventRunCompleted      EventType = "run_completed"
	EventRunFailed         EventType = "run_failed"
	EventCancelled         EventType = "cancelled"
	EventPaused            EventType = "paused"
	EventResumed           EventType = "resumed"
	EventOperatorMessage   EventType = "operator_message"
)

// InvestigationEvent is an append-only entry in an investigation's event log,
// keyed and ordered by its cursor.
type InvestigationEvent struct {
	Cursor          string          `json:"cursor"`
	InvestigationID string          `json:"investigation_id"`
	Type            EventType       `json:"event_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}
