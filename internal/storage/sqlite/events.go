package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// AppendEvent inserts ev. A duplicate cursor returns storage.ErrAlreadyExists.
func (s *Store) AppendEvent(ctx context.Context, ev model.InvestigationEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO investigation_events (investigation_id, cursor, event_type, payload, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ev.InvestigationID, ev.Cursor, string(ev.Type), nullText(ev.Payload), formatTime(ev.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sqlite: event %s/%s: %w", ev.InvestigationID, ev.Cursor, storage.ErrAlreadyExists)
		}
		return fmt.Errorf("sqlite: append event: %w", err)
	}
	return nil
}

// ListEvents pages an investigation's events by cursor (BINARY collation).
func (s *Store) ListEvents(ctx context.Context, investigationID, after string, limit int) ([]model.InvestigationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT investigation_id, cursor, event_type, payload, created_at
		 FROM investigation_events
		 WHERE investigation_id = ? AND cursor > ?
		 ORDER BY cursor ASC LIMIT ?`, investigationID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.InvestigationEvent
	for rows.Next() {
		var (
			ev        model.InvestigationEvent
			eventType string
			payload   sql.NullString
			created   string
		)
		if err := rows.Scan(&ev.InvestigationID, &ev.Cursor, &eventType, &payload, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan event: %w", err)
		}
		if ev.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("sqlite: decode event time: %w", err)
		}
		ev.Type = model.EventType(eventType)
		ev.Payload = rawOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
