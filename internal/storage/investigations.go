package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

const investigationColumns = `id, owner, lifecycle_stage, status, settings, progress, results, strategy,
	version, created_at, updated_at, last_accessed`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CreateInvestigation inserts inv at version 1.
func (db *DB) CreateInvestigation(ctx context.Context, inv model.Investigation, actor string) (model.Investigation, error) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	inv.Version = 1
	inv.CreatedAt, inv.UpdatedAt, inv.LastAccessed = now, now, now
	if inv.Stage == "" {
		inv.Stage = model.StageCreated
	}
	strategy, err := marshalStrategy(inv.Strategy)
	if err != nil {
		return model.Investigation{}, fmt.Errorf("storage: create investigation: %w", err)
	}

	err = pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO investigations (`+investigationColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			inv.ID, inv.Owner, string(inv.Stage), inv.Status,
			nullJSON(inv.Settings), nullJSON(inv.Progress), nullJSON(inv.Results), strategy,
			inv.Version, inv.CreatedAt, inv.UpdatedAt, inv.LastAccessed,
		); err != nil {
			return err
		}
		return insertVersionChange(ctx, tx, model.VersionChange{
			InvestigationID: inv.ID,
			FromVersion:     0,
			ToVersion:       1,
			Actor:           actor,
			ChangedFields:   []string{"created"},
			Timestamp:       now,
		})
	})
	if err != nil {
		if isUniqueViolation(err) {
			return model.Investigation{}, fmt.Errorf("storage: create investigation %s: %w", inv.ID, ErrAlreadyExists)
		}
		return model.Investigation{}, fmt.Errorf("storage: create investigation: %w", err)
	}
	return inv, nil
}

// GetInvestigation returns the current record.
func (db *DB) GetInvestigation(ctx context.Context, id string) (model.Investigation, error) {
	inv, err := getInvestigation(ctx, db.pool, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.Investigation{}, err
		}
		return model.Investigation{}, fmt.Errorf("storage: get investigation: %w", err)
	}
	return inv, nil
}

func getInvestigation(ctx context.Context, q querier, id string) (model.Investigation, error) {
	row := q.QueryRow(ctx, `SELECT `+investigationColumns+` FROM investigations WHERE id = $1`, id)
	inv, err := scanInvestigation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Investigation{}, fmt.Errorf("storage: investigation %s: %w", id, ErrNotFound)
	}
	return inv, err
}

func scanInvestigation(row pgx.Row) (model.Investigation, error) {
	var (
		inv                                   model.Investigation
		stage                                 string
		settings, progress, results, strategy []byte
	)
	if err := row.Scan(&inv.ID, &inv.Owner, &stage, &inv.Status,
		&settings, &progress, &results, &strategy,
		&inv.Version, &inv.CreatedAt, &inv.UpdatedAt, &inv.LastAccessed); err != nil {
		return model.Investigation{}, err
	}
	inv.Stage = model.LifecycleStage(stage)
	inv.Settings = rawOrNil(settings)
	inv.Progress = rawOrNil(progress)
	inv.Results = rawOrNil(results)
	if len(strategy) > 0 {
		var d model.StrategyDecision
		if err := json.Unmarshal(strategy, &d); err != nil {
			return model.Investigation{}, fmt.Errorf("decode strategy: %w", err)
		}
		inv.Strategy = &d
	}
	return inv, nil
}

// UpdateInvestigation is a compare-and-swap on version. The stored version is
// checked before the patch is applied and again by the UPDATE predicate, so a
// writer that commits in between still yields a conflict for this caller.
func (db *DB) UpdateInvestigation(ctx context.Context, id string, expectedVersion int64, patch model.InvestigationPatch, actor string) (model.Investigation, error) {
	var updated model.Investigation
	err := txBackoff.Retry(ctx, isTransient, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			cur, err := getInvestigation(ctx, tx, id)
			if err != nil {
				return err
			}
			if cur.Version != expectedVersion {
				return &VersionConflictError{InvestigationID: id, Current: cur.Version, Submitted: expectedVersion}
			}
			next, err := patch.Apply(cur)
			if err != nil {
				return err
			}
			strategy, err := marshalStrategy(next.Strategy)
			if err != nil {
				return err
			}

			now := time.Now().UTC().Truncate(time.Microsecond)
			next.Version = cur.Version + 1
			next.UpdatedAt = now

			tag, err := tx.Exec(ctx,
				`UPDATE investigations
				 SET lifecycle_stage = $3, status = $4, settings = $5, progress = $6, results = $7,
				     strategy = $8, version = version + 1, updated_at = $9
				 WHERE id = $1 AND version = $2`,
				id, expectedVersion, string(next.Stage), next.Status,
				nullJSON(next.Settings), nullJSON(next.Progress), nullJSON(next.Results), strategy, now,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				var current int64
				if err := tx.QueryRow(ctx, `SELECT version FROM investigations WHERE id = $1`, id).Scan(&current); err != nil {
					if errors.Is(err, pgx.ErrNoRows) {
						return fmt.Errorf("storage: investigation %s: %w", id, ErrNotFound)
					}
					return err
				}
				return &VersionConflictError{InvestigationID: id, Current: current, Submitted: expectedVersion}
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
	})
	if err != nil {
		var conflict *VersionConflictError
		var verr *model.ValidationError
		if errors.As(err, &conflict) || errors.As(err, &verr) || errors.Is(err, ErrNotFound) {
			return model.Investigation{}, err
		}
		return model.Investigation{}, fmt.Errorf("storage: update investigation: %w", err)
	}
	return updated, nil
}

// TouchInvestigation records a read. The version is unchanged.
func (db *DB) TouchInvestigation(ctx context.Context, id string, at time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE investigations SET last_accessed = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("storage: touch investigation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: investigation %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListVersionHistory returns accepted mutations ordered by version, with the total count.
func (db *DB) ListVersionHistory(ctx context.Context, id string, limit, offset int) ([]model.VersionChange, int, error) {
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM investigation_versions WHERE investigation_id = $1`, id,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count version history: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT investigation_id, from_version, to_version, actor, changed_fields, created_at
		 FROM investigation_versions WHERE investigation_id = $1
		 ORDER BY to_version ASC LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list version history: %w", err)
	}
	defer rows.Close()

	var out []model.VersionChange
	for rows.Next() {
		var vc model.VersionChange
		if err := rows.Scan(&vc.InvestigationID, &vc.FromVersion, &vc.ToVersion,
			&vc.Actor, &vc.ChangedFields, &vc.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("storage: scan version change: %w", err)
		}
		out = append(out, vc)
	}
	return out, total, rows.Err()
}

func insertVersionChange(ctx context.Context, tx pgx.Tx, vc model.VersionChange) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO investigation_versions (investigation_id, from_version, to_version, actor, changed_fields, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		vc.InvestigationID, vc.FromVersion, vc.ToVersion, vc.Actor, vc.ChangedFields, vc.Timestamp)
	return err
}

func marshalStrategy(d *model.StrategyDecision) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("encode strategy: %w", err)
	}
	return b, nil
}

// nullJSON maps an empty blob to SQL NULL.
func nullJSON(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func rawOrNil(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
