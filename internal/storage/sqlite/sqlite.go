// Package sqlite is a single-node implementation of storage.Store on top of
// the pure-Go modernc SQLite driver. It backs local development and the fast
// service and HTTP tests; production deployments use the Postgres store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// Store implements storage.Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// timeLayout is fixed width so stored timestamps order correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS investigations (
		id              TEXT PRIMARY KEY,
		owner           TEXT NOT NULL,
		lifecycle_stage TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT '',
		settings        TEXT,
		progress        TEXT,
		results         TEXT,
		strategy        TEXT,
		version         INTEGER NOT NULL CHECK (version >= 1),
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		last_accessed   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS investigation_versions (
		investigation_id TEXT NOT NULL REFERENCES investigations (id),
		from_version     INTEGER NOT NULL,
		to_version       INTEGER NOT NULL,
		actor            TEXT NOT NULL,
		changed_fields   TEXT NOT NULL DEFAULT '[]',
		created_at       TEXT NOT NULL,
		PRIMARY KEY (investigation_id, to_version)
	)`,
	`CREATE TABLE IF NOT EXISTS tool_executions (
		id               TEXT PRIMARY KEY,
		investigation_id TEXT NOT NULL REFERENCES investigations (id),
		agent_name       TEXT NOT NULL,
		tool_name        TEXT NOT NULL,
		status           TEXT NOT NULL,
		input            TEXT,
		output           TEXT,
		error            TEXT NOT NULL DEFAULT '',
		duration_ms      INTEGER NOT NULL DEFAULT 0,
		tokens_used      INTEGER NOT NULL DEFAULT 0,
		cost             REAL NOT NULL DEFAULT 0,
		started_at       TEXT NOT NULL,
		completed_at     TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tool_executions_investigation ON tool_executions (investigation_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS investigation_events (
		investigation_id TEXT NOT NULL REFERENCES investigations (id),
		cursor           TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		payload          TEXT,
		created_at       TEXT NOT NULL,
		PRIMARY KEY (investigation_id, cursor)
	)`,
}

// Open opens (creating if needed) the database at path and applies the schema.
// path may be ":memory:".
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	db, err := sql.Open("sqlite", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection serializes writers, which is what makes the
	// read-check-update sequence in UpdateInvestigation atomic.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: schema statement #%d: %w", i+1, err)
		}
	}
	return &Store{db: db, logger: logger}, nil
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close(_ context.Context) {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("sqlite: close", "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullText maps an empty blob to SQL NULL.
func nullText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	code := se.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}
