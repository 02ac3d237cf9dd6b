package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// InvestigationStore persists investigation records under optimistic concurrency.
type InvestigationStore interface {
	// CreateInvestigation inserts inv at version 1 and records the creation in
	// the version history. inv.ID must be set.
	CreateInvestigation(ctx context.Context, inv model.Investigation, actor string) (model.Investigation, error)
	GetInvestigation(ctx context.Context, id string) (model.Investigation, error)
	// UpdateInvestigation applies patch only if the stored version equals
	// expectedVersion. Misses return *VersionConflictError.
	UpdateInvestigation(ctx context.Context, id string, expectedVersion int64, patch model.InvestigationPatch, actor string) (model.Investigation, error)
	// TouchInvestigation bumps last_accessed without changing the version.
	TouchInvestigation(ctx context.Context, id string, at time.Time) error
	ListVersionHistory(ctx context.Context, id string, limit, offset int) ([]model.VersionChange, int, error)
}

// ToolLedger records every analyzer invocation.
type ToolLedger interface {
	// PersistToolExecution inserts exec when exec.ID is zero, otherwise updates
	// the pre-terminal row with that id.
	PersistToolExecution(ctx context.Context, exec model.ToolExecution) (uuid.UUID, error)
	ListToolExecutions(ctx context.Context, investigationID string) ([]model.ToolExecution, error)
	ToolExecutionStats(ctx context.Context, investigationID string) (model.ToolExecutionStats, error)
	// ExecutionHealth summarizes terminal rows completed at or after since.
	ExecutionHealth(ctx context.Context, since time.Time) (model.ExecutionHealth, error)
}

// EventLog is the append-only per-investigation event stream.
type EventLog interface {
	AppendEvent(ctx context.Context, ev model.InvestigationEvent) error
	// ListEvents returns up to limit events with cursor > after, in cursor order.
	ListEvents(ctx context.Context, investigationID, after string, limit int) ([]model.InvestigationEvent, error)
}

// Store is the full persistence surface used by the services.
type Store interface {
	InvestigationStore
	ToolLedger
	EventLog
	Ping(ctx context.Context) error
	Close(ctx context.Context)
}
