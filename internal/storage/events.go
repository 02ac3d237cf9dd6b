package storage

import (
	"context"
	"fmt"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// AppendEvent inserts ev and publishes its investigation id on ChannelEvents.
// A duplicate cursor for the same investigation returns ErrAlreadyExists.
func (db *DB) AppendEvent(ctx context.Context, ev model.InvestigationEvent) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO investigation_events (investigation_id, cursor, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ev.InvestigationID, ev.Cursor, string(ev.Type), nullJSON(ev.Payload), ev.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("storage: event %s/%s: %w", ev.InvestigationID, ev.Cursor, ErrAlreadyExists)
		}
		return fmt.Errorf("storage: append event: %w", err)
	}
	if err := db.notifyEvent(ctx, ev.InvestigationID); err != nil {
		db.logger.Debug("storage: event notify failed", "error", err)
	}
	return nil
}

// ListEvents pages an investigation's events by cursor. The cursor column uses
// the C collation so string order equals cursor order.
func (db *DB) ListEvents(ctx context.Context, investigationID, after string, limit int) ([]model.InvestigationEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT investigation_id, cursor, event_type, payload, created_at
		 FROM investigation_events
		 WHERE investigation_id = $1 AND cursor > $2
		 ORDER BY cursor ASC LIMIT $3`, investigationID, after, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.InvestigationEvent
	for rows.Next() {
		var (
			ev        model.InvestigationEvent
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&ev.InvestigationID, &ev.Cursor, &eventType, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Type = model.EventType(eventType)
		ev.Payload = rawOrNil(payload)
		out = append(out, ev)
	}
	return out, rows.Err()
}
