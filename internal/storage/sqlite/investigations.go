package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

const investigationColumns = `id, owner, lifecycle_stage, status, settings, progress, results, strategy,
	version, created_at, updated_at, last_accessed`

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateInvestigation inserts inv at version 1.
func (s *Store) CreateInvestigation(ctx context.Context, inv model.Investigation, actor string) (model.Investigation, error) {
	now := time.Now().UTC()
	inv.Version = 1
	inv.CreatedAt, inv.UpdatedAt, inv.LastAccessed = now, now, now
	if inv.Stage == "" {
		inv.Stage = model.StageCreated
	}
	strategy, err := encodeStrategy(inv.Strategy)
	if err != nil {
		return model.Investigation{}, fmt.Errorf("sqlite: create investigation: %w", err)
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO investigations (`+investigationColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			inv.ID, inv.Owner, string(inv.Stage), inv.Status,
			nullText(inv.Settings), nullText(inv.Progress), nullText(inv.Results), strategy,
			inv.Version, formatTime(now), formatTime(now), formatTime(now),
		); err != nil {
			return err
		}
		return insertVersionChange(ctx, tx, model.VersionChange{
			InvestigationID: inv.ID,
			ToVersion:       1,
			Actor:           actor,
			ChangedFields:   []string{"created"},
			Timestamp:       now,
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.Investigation{}, fmt.Errorf("sqlite: create investigation %s: %w", inv.ID, storage.ErrAlreadyExists)
		}
		return model.Investigation{}, fmt.Errorf("sqlite: create investigation: %w", err)
	}
	return inv, nil
}

// GetInvestigation returns the current record.
func (s *Store) GetInvestigation(ctx context.Context, id string) (model.Investigation, error) {
	inv, err := scanInvestigation(s.db.QueryRowContext(ctx,
		`SELECT `+investigationColumns+` FROM investigations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Investigation{}, fmt.Errorf("sqlite: investigation %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.Investigation{}, fmt.Errorf("sqlite: get investigation: %w", err)
	}
	return inv, nil
}

func scanInvestigation(row rowScanner) (model.Investigation, error) {
	var (
		inv                                   model.Investigation
		stage                                 string
		settings, progress, results, strategy sql.NullString
		created, updated, accessed            string
	)
	if err := row.Scan(&inv.ID, &inv.Owner, &stage, &inv.Status,
		&settings, &progress, &results, &strategy,
		&inv.Version, &created, &updated, &accessed); err != nil {
		return model.Investigation{}, err
	}
	inv.Stage = model.LifecycleStage(stage)
	inv.Settings = rawOrNil(settings)
	inv.Progress = rawOrNil(progress)
	inv.Results = rawOrNil(results)
	if b := rawOrNil(strategy); b != nil {
		var d model.StrategyDecision
		if err := json.Unmarshal(b, &d); err != nil {
			return model.Investigation{}, fmt.Errorf("decode strategy: %w", err)
		}
		inv.Strategy = &d
	}
	var err error
	if inv.CreatedAt, err = parseTime(created); err != nil {
		return model.Investigation{}, err
	}
	if inv.UpdatedAt, err = parseTime(updated); err != nil {
		return model.Investigation{}, err
	}
	if inv.LastAccessed, err = parseTime(accessed); err != nil {
		return model.Investigation{}, err
	}
	return inv, nil
}

// UpdateInvestigation is a compare-and-swap on version. Transactions share the
// single connection, so the read and the guarded UPDATE cannot interleave with
// another writer.
func (s *Store) UpdateInvestigation(ctx context.Context, id string, expectedVersion int64, patch model.InvestigationPatch, actor string) (model.Investigation, error) {
	var updated model.Investigation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := scanInvestigation(tx.QueryRowContext(ctx,
			`SELECT `+investigationColumns+` FROM investigations WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: investigation %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if cur.Version != expectedVersion {
			return &storage.VersionConflictError{InvestigationID: id, Current: cur.Version, Submitted: expectedVersion}
		}
		next, err := patch.Apply(cur)
		if err != nil {
			return err
		}
		strategy, err := encodeStrategy(next.Strategy)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		next.Version = cur.Version + 1
		next.UpdatedAt = now

		res, err := tx.ExecContext(ctx,
			`UPDATE investigations
			 SET lifecycle_stage = ?, status = ?, settings = ?, progress = ?, results = ?,
			     strategy = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(next.Stage), next.Status,
			nullText(next.Settings), nullText(next.Progress), nullText(next.Results),
			strategy, formatTime(now), id, expectedVersion,
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return &storage.VersionConflictError{InvestigationID: id, Current: cur.Version, Submitted: expectedVersion}
		}

		if err := insertVersionChange(ctx, tx, model.VersionChange{
			InvestigationID: id,
			FromVersion:     cur.Version,
			ToVersion:       next.Version,
			Actor:           actor,
			ChangedFields:   patch.ChangedFields(),
			Timestamp:       now,
		}); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		var conflict *storage.VersionConflictError
		var verr *model.ValidationError
		if errors.As(err, &conflict) || errors.As(err, &verr) || errors.Is(err, storage.ErrNotFound) {
			return model.Investigation{}, err
		}
		return model.Investigation{}, fmt.Errorf("sqlite: update investigation: %w", err)
	}
	return updated, nil
}

// TouchInvestigation records a read. The version is unchanged.
func (s *Store) TouchInvestigation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE investigations SET last_accessed = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("sqlite: touch investigation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: investigation %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ListVersionHistory returns accepted mutations ordered by version, with the total count.
func (s *Store) ListVersionHistory(ctx context.Context, id string, limit, offset int) ([]model.VersionChange, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM investigation_versions WHERE investigation_id = ?`, id,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count version history: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT investigation_id, from_version, to_version, actor, changed_fields, created_at
		 FROM investigation_versions WHERE investigation_id = ?
		 ORDER BY to_version ASC LIMIT ? OFFSET ?`, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list version history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.VersionChange
	for rows.Next() {
		var (
			vc      model.VersionChange
			fields  string
			created string
		)
		if err := rows.Scan(&vc.InvestigationID, &vc.FromVersion, &vc.ToVersion, &vc.Actor, &fields, &created); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan version change: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &vc.ChangedFields); err != nil {
			return nil, 0, fmt.Errorf("sqlite: decode changed fields: %w", err)
		}
		if vc.Timestamp, err = parseTime(created); err != nil {
			return nil, 0, fmt.Errorf("sqlite: decode version timestamp: %w", err)
		}
		out = append(out, vc)
	}
	return out, total, rows.Err()
}

func insertVersionChange(ctx context.Context, tx *sql.Tx, vc model.VersionChange) error {
	fields, err := json.Marshal(vc.ChangedFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO investigation_versions (investigation_id, from_version, to_version, actor, changed_fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		vc.InvestigationID, vc.FromVersion, vc.ToVersion, vc.Actor, string(fields), formatTime(vc.Timestamp))
	return err
}

func encodeStrategy(d *model.StrategyDecision) (any, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode strategy: %w", err)
	}
	return string(b), nil
}

// inTx runs fn in a transaction, committing on nil and rolling back otherwise.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
