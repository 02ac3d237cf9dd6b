// Package model defines the core domain types for the investigation engine.
//
// Types map onto the persisted tables (investigations, investigation_versions,
// tool_executions, investigation_events) and onto the JSON payloads served by
// the HTTP API. Blobs that belong to the caller (settings, progress, results)
// are kept as json.RawMessage so storage never re-encodes them.
package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"time"
)

// LifecycleStage is the coarse state of an investigation.
type LifecycleStage string

const (
	StageCreated    LifecycleStage = "CREATED"
	StageSettings   LifecycleStage = "SETTINGS"
	StageInProgress LifecycleStage = "IN_PROGRESS"
	StageCompleted  LifecycleStage = "COMPLETED"
	StageError      LifecycleStage = "ERROR"
	StageCancelled  LifecycleStage = "CANCELLED"
)

// stageTransitions is the allowed stage graph. Re-entering IN_PROGRESS from
// COMPLETED or ERROR additionally requires a forced re-run.
var stageTransitions = map[LifecycleStage][]LifecycleStage{
	StageCreated:    {StageSettings, StageCancelled},
	StageSettings:   {StageSettings, StageInProgress, StageCancelled},
	StageInProgress: {StageCompleted, StageError, StageCancelled},
	StageCompleted:  {StageInProgress},
	StageError:      {StageInProgress},
	StageCancelled:  {},
}

// Valid reports whether s is a known stage.
func (s LifecycleStage) Valid() bool {
	_, ok := stageTransitions[s]
	return ok
}

// Finished reports whether no run is active in this stage.
func (s LifecycleStage) Finished() bool {
	return s == StageCompleted || s == StageError || s == StageCancelled
}

// CanTransition reports whether from → to is allowed. force permits re-running
// a completed or failed investigation.
func CanTransition(from, to LifecycleStage, force bool) bool {
	if !slices.Contains(stageTransitions[from], to) {
		return false
	}
	if to == StageInProgress && (from == StageCompleted || from == StageError) {
		return force
	}
	return true
}

// Investigation is the versioned aggregate root for one fraud-analysis case.
type Investigation struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Stage        LifecycleStage    `json:"lifecycle_stage"`
	Status       string            `json:"status"`
	Settings     json.RawMessage   `json:"settings,omitempty"`
	Progress     json.RawMessage   `json:"progress,omitempty"`
	Results      json.RawMessage   `json:"results,omitempty"`
	Strategy     *StrategyDecision `json:"strategy,omitempty"`
	Version      int64             `json:"version"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LastAccessed time.Time         `json:"last_accessed"`
}

// InvestigationPatch is a partial mutation. Nil/empty fields are left untouched.
type InvestigationPatch struct {
	Stage    *LifecycleStage   `json:"lifecycle_stage,omitempty"`
	Status   *string           `json:"status,omitempty"`
	Settings json.RawMessage   `json:"settings,omitempty"`
	Progress json.RawMessage   `json:"progress,omitempty"`
	Results  json.RawMessage   `json:"results,omitempty"`
	Strategy *StrategyDecision `json:"-"`

	// Force allows COMPLETED/ERROR → IN_PROGRESS.
	Force bool `json:"-"`
}

// Empty reports whether the patch would change nothing.
func (p InvestigationPatch) Empty() bool {
	return len(p.ChangedFields()) == 0
}

// ChangedFields lists the record fields the patch touches, in a stable order.
func (p InvestigationPatch) ChangedFields() []string {
	var fields []string
	if p.Stage != nil {
		fields = append(fields, "lifecycle_stage")
	}
	if p.Status != nil {
		fields = append(fields, "status")
	}
	if len(p.Settings) > 0 {
		fields = append(fields, "settings")
	}
	if len(p.Progress) > 0 {
		fields = append(fields, "progress")
	}
	if len(p.Results) > 0 {
		fields = append(fields, "results")
	}
	if p.Strategy != nil {
		fields = append(fields, "strategy")
	}
	return fields
}

// Apply returns cur with the patch applied. Version and timestamps are left to
// the store. Violations of the stage graph yield a *ValidationError.
func (p InvestigationPatch) Apply(cur Investigation) (Investigation, error) {
	if p.Empty() {
		return cur, &ValidationError{Field: "patch", Message: "patch changes nothing"}
	}
	if cur.Stage == StageCancelled {
		return cur, &ValidationError{Field: "lifecycle_stage", Message: "investigation is cancelled"}
	}

	next := cur
	if p.Stage != nil && *p.Stage != cur.Stage {
		if !p.Stage.Valid() {
			return cur, &ValidationError{Field: "lifecycle_stage", Message: fmt.Sprintf("unknown stage %q", *p.Stage)}
		}
		if !CanTransition(cur.Stage, *p.Stage, p.Force) {
			return cur, &ValidationError{
				Field:   "lifecycle_stage",
				Message: fmt.Sprintf("transition %s -> %s is not allowed", cur.Stage, *p.Stage),
			}
		}
		next.Stage = *p.Stage
	}
	if len(p.Settings) > 0 {
		if next.Stage != StageCreated && next.Stage != StageSettings {
			return cur, &ValidationError{Field: "settings", Message: fmt.Sprintf("settings cannot change in stage %s", cur.Stage)}
		}
		if !json.Valid(p.Settings) {
			return cur, &ValidationError{Field: "settings", Message: "settings must be valid JSON"}
		}
		next.Settings = p.Settings
	}
	if len(p.Progress) > 0 {
		if !json.Valid(p.Progress) {
			return cur, &ValidationError{Field: "progress", Message: "progress must be valid JSON"}
		}
		next.Progress = p.Progress
	}
	if len(p.Results) > 0 {
		if !json.Valid(p.Results) {
			return cur, &ValidationError{Field: "results", Message: "results must be valid JSON"}
		}
		next.Results = p.Results
	}
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Strategy != nil {
		next.Strategy = p.Strategy
	}
	return next, nil
}

// Progress is the progress blob written by the coordinator.
type Progress struct {
	CompletionPercent int       `json:"completion_percent"`
	CurrentPhase      string    `json:"current_phase"`
	TotalTools        int       `json:"total_tools"`
	CompletedTools    int       `json:"completed_tools"`
	FailedTools       int       `json:"failed_tools"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Phases reported in Progress.CurrentPhase.
const (
	PhaseCreated        = "created"
	PhaseConfigured     = "configured"
	PhaseDomainAnalysis = "domain_analysis"
	PhaseSynthesis      = "synthesis"
	PhaseCompleted      = "completed"
	PhaseFailed         = "failed"
	PhaseCancelled      = "cancelled"
)

// VersionChange is one accepted mutation in an investigation's history.
type VersionChange struct {
	InvestigationID string    `json:"investigation_id"`
	FromVersion     int64     `json:"from_version"`
	ToVersion       int64     `json:"to_version"`
	Actor           string    `json:"actor"`
	ChangedFields   []string  `json:"changed_fields"`
	Timestamp       time.Time `json:"timestamp"`
}

// MaxInvestigationIDLen bounds caller-supplied investigation ids.
const MaxInvestigationIDLen = 128

var investigationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidateInvestigationID checks that id is a non-empty alphanumeric,
// hyphen or underscore string within MaxInvestigationIDLen.
func ValidateInvestigationID(id string) error {
	if id == "" {
		return &ValidationError{Field: "investigation_id", Message: "investigation_id is required"}
	}
	if len(id) > MaxInvestigationIDLen {
		return &ValidationError{Field: "investigation_id", Message: fmt.Sprintf("investigation_id exceeds %d characters", MaxInvestigationIDLen)}
	}
	if !investigationIDPattern.MatchString(id) {
		return &ValidationError{Field: "investigation_id", Message: "investigation_id may contain only letters, digits, '-' and '_'"}
	}
	return nil
}

// ValidationError reports a malformed request or a patch the stage graph rejects.
// It is never persisted.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}
