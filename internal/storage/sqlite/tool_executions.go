package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

const toolExecutionColumns = `id, investigation_id, agent_name, tool_name, status, input, output, error,
	duration_ms, tokens_used, cost, started_at, completed_at`

// PersistToolExecution inserts when exec.ID is zero and otherwise advances the
// pre-terminal row with that id. Empty input or output keeps the stored value.
func (s *Store) PersistToolExecution(ctx context.Context, exec model.ToolExecution) (uuid.UUID, error) {
	if !exec.Status.Valid() {
		return uuid.Nil, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown tool status %q", exec.Status)}
	}
	now := time.Now().UTC()
	if exec.Status.Terminal() && exec.CompletedAt == nil {
		exec.CompletedAt = &now
	}
	var completed any
	if exec.CompletedAt != nil {
		completed = formatTime(*exec.CompletedAt)
	}

	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
		if exec.StartedAt.IsZero() {
			exec.StartedAt = now
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tool_executions (`+toolExecutionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			exec.ID.String(), exec.InvestigationID, exec.AgentName, exec.ToolName, string(exec.Status),
			nullText(exec.Input), nullText(exec.Output), exec.Error,
			exec.DurationMS, exec.TokensUsed, exec.Cost, formatTime(exec.StartedAt), completed,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("sqlite: insert tool execution: %w", err)
		}
		return exec.ID, nil
	}

	var started any
	if !exec.StartedAt.IsZero() {
		started = formatTime(exec.StartedAt)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_executions
		 SET status = ?,
		     input = COALESCE(?, input),
		     output = COALESCE(?, output),
		     error = CASE WHEN ? = '' THEN error ELSE ? END,
		     duration_ms = ?, tokens_used = ?, cost = ?,
		     started_at = COALESCE(?, started_at),
		     completed_at = ?
		 WHERE id = ? AND status IN ('pending', 'running')`,
		string(exec.Status), nullText(exec.Input), nullText(exec.Output), exec.Error, exec.Error,
		exec.DurationMS, exec.TokensUsed, exec.Cost, started, completed, exec.ID.String(),
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("sqlite: update tool execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM tool_executions WHERE id = ?`, exec.ID.String()).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("sqlite: tool execution %s: %w", exec.ID, storage.ErrNotFound)
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("sqlite: update tool execution: %w", err)
		}
		return uuid.Nil, fmt.Errorf("sqlite: tool execution %s is %s: %w", exec.ID, status, storage.ErrLedgerImmutable)
	}
	return exec.ID, nil
}

// ListToolExecutions returns an investigation's ledger ordered by start time, then id.
func (s *Store) ListToolExecutions(ctx context.Context, investigationID string) ([]model.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+toolExecutionColumns+` FROM tool_executions
		 WHERE investigation_id = ? ORDER BY started_at ASC, id ASC`, investigationID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tool executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ToolExecution
	for rows.Next() {
		var (
			e             model.ToolExecution
			id, status    string
			input, output sql.NullString
			started       string
			completed     sql.NullString
		)
		if err := rows.Scan(&id, &e.InvestigationID, &e.AgentName, &e.ToolName, &status,
			&input, &output, &e.Error, &e.DurationMS, &e.TokensUsed, &e.Cost,
			&started, &completed); err != nil {
			return nil, fmt.Errorf("sqlite: scan tool execution: %w", err)
		}
		if e.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: decode tool execution id: %w", err)
		}
		if e.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("sqlite: decode started_at: %w", err)
		}
		if e.CompletedAt, err = parseNullTime(completed); err != nil {
			return nil, fmt.Errorf("sqlite: decode completed_at: %w", err)
		}
		e.Status = model.ToolStatus(status)
		e.Input = rawOrNil(input)
		e.Output = rawOrNil(output)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ToolExecutionStats summarizes an investigation's ledger.
func (s *Store) ToolExecutionStats(ctx context.Context, investigationID string) (model.ToolExecutionStats, error) {
	var st model.ToolExecutionStats
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(tokens_used), 0),
		        COALESCE(SUM(cost), 0.0),
		        COALESCE(AVG(CASE WHEN status IN ('completed', 'failed') THEN duration_ms END), 0.0)
		 FROM tool_executions WHERE investigation_id = ?`, investigationID,
	).Scan(&st.Total, &st.Pending, &st.Running, &st.Completed, &st.Failed,
		&st.TotalTokens, &st.TotalCost, &st.AvgDurationMS)
	if err != nil {
		return model.ToolExecutionStats{}, fmt.Errorf("sqlite: tool execution stats: %w", err)
	}
	return st, nil
}

// ExecutionHealth summarizes terminal rows across all investigations.
func (s *Store) ExecutionHealth(ctx context.Context, since time.Time) (model.ExecutionHealth, error) {
	var h model.ExecutionHealth
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*),
		        COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
		        COALESCE(AVG(duration_ms), 0.0)
		 FROM tool_executions
		 WHERE status IN ('completed', 'failed') AND completed_at >= ?`, formatTime(since),
	).Scan(&h.Total, &h.Failed, &h.AvgDurationMS)
	if err != nil {
		return model.ExecutionHealth{}, fmt.Errorf("sqlite: execution health: %w", err)
	}
	return h, nil
}
