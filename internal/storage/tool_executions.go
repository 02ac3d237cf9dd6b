package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

const toolExecutionColumns = `id, investigation_id, agent_name, tool_name, status, input, output, error,
	duration_ms, tokens_used, cost, started_at, completed_at`

// PersistToolExecution inserts a new ledger row when exec.ID is zero and
// otherwise advances the existing row. Empty input or output keeps the stored
// value. Rows in a terminal status are never
// rewritten; attempts fail with ErrLedgerImmutable.
func (db *DB) PersistToolExecution(ctx context.Context, exec model.ToolExecution) (uuid.UUID, error) {
	if !exec.Status.Valid() {
		return uuid.Nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown tool status %q", exec.Status)}
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if exec.Status.Terminal() && exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}

	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
		if exec.StartedAt.IsZero() {
			exec.StartedAt = now
		}
		_, err := db.pool.Exec(ctx,
			`INSERT INTO tool_executions (`+toolExecutionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			exec.ID, exec.InvestigationID, exec.AgentName, exec.ToolName, string(exec.Status),
			nullJSON(exec.Input), nullJSON(exec.Output), exec.Error,
			exec.DurationMS, exec.TokensUsed, exec.Cost, exec.StartedAt, exec.CompletedAt,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("storage: insert tool execution: %w", err)
		}
		return exec.ID, nil
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE tool_executions
		 SET status = $2,
		     input = COALESCE($10, input),
		     output = COALESCE($3, output),
		     error = CASE WHEN $4 = '' THEN error ELSE $4 END,
		     duration_ms = $5, tokens_used = $6, cost = $7,
		     started_at = COALESCE($8, started_at),
		     completed_at = $9
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		exec.ID, string(exec.Status), nullJSON(exec.Output), exec.Error,
		exec.DurationMS, exec.TokensUsed, exec.Cost, nullTime(exec.StartedAt), exec.CompletedAt,
		nullJSON(exec.Input),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("storage: update tool execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := db.pool.QueryRow(ctx, `SELECT status FROM tool_executions WHERE id = $1`, exec.ID).Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("storage: tool execution %s: %w", exec.ID, ErrNotFound)
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("storage: update tool execution: %w", err)
		}
		return uuid.Nil, fmt.Errorf("storage: tool execution %s is %s: %w", exec.ID, status, ErrLedgerImmutable)
	}
	return exec.ID, nil
}

// ListToolExecutions returns an investigation's ledger ordered by start time.
// Rows started in the same instant are ordered by id for stability.
func (db *DB) ListToolExecutions(ctx context.Context, investigationID string) ([]model.ToolExecution, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions
		 WHERE investigation_id = $1 ORDER BY started_at ASC, id ASC`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("storage: list tool executions: %w", err)
	}
	defer rows.Close()

	var out []model.ToolExecution
	for rows.Next() {
		var (
			e             model.ToolExecution
			status        string
			input, output []byte
		)
		if err := rows.Scan(&e.ID, &e.InvestigationID, &e.AgentName, &e.ToolName, &status,
			&input, &output, &e.Error, &e.DurationMS, &e.TokensUsed, &e.Cost,
			&e.StartedAt, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan tool execution: %w", err)
		}
		e.Status = model.ToolStatus(status)
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ToolExecutionStats summarizes an investigation's ledger. The average
// duration covers terminal rows only.
func (db *DB) ToolExecutionStats(ctx context.Context, investigationID string) (model.ToolExecutionStats, error) {
	var s model.ToolExecutionStats
	err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'pending'),
		        count(*) FILTER (WHERE status = 'running'),
		        count(*) FILTER (WHERE status = 'completed'),
		        count(*) FILTER (WHERE status = 'failed'),
		        COALESCE(sum(tokens_used), 0),
		        COALESCE(sum(cost), 0),
		        COALESCE(avg(duration_ms) FILTER (WHERE status IN ('completed', 'failed')), 0)
		 FROM tool_executions WHERE investigation_id = $1`, investigationID,
	).Scan(&s.Total, &s.Pending, &s.Running, &s.Completed, &s.Failed,
		&s.TotalTokens, &s.TotalCost, &s.AvgDurationMS)
	if err != nil {
		return model.ToolExecutionStats{}, fmt.Errorf("storage: tool execution stats: %w", err)
	}
	return s, nil
}

// ExecutionHealth summarizes terminal rows across all investigations.
func (db *DB) ExecutionHealth(ctx context.Context, since time.Time) (model.ExecutionHealth, error) {
	var h model.ExecutionHealth
	err := db.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'failed'),
		        COALESCE(avg(duration_ms), 0)
		 FROM tool_executions
		 WHERE status IN ('completed', 'failed') AND completed_at >= $1`, since.UTC(),
	).Scan(&h.Total, &h.Failed, &h.AvgDurationMS)
	if err != nil {
		return model.ExecutionHealth{}, fmt.Errorf("storage: execution health: %w", err)
	}
	return h, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
