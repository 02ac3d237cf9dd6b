// Package testutil provides shared test infrastructure: a Postgres container
// for storage integration tests, a SQLite-backed store for fast service tests,
// and a quiet logger.
//
// Usage in TestMain:
//
//	func TestMain(m *testing.M) {
//	    tc := testutil.MustStartPostgres()
//	    defer tc.Terminate()
//	    testDB, _ = tc.NewTestDB(context.Background(), testutil.TestLogger())
//	    os.Exit(m.Run())
//	}
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage/sqlite"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/migrations"
)

// TestContainer is the Postgres instance storage tests run against. Container
// is nil when OLORIN_TEST_DSN points at an existing database.
type TestContainer struct {
	Container testcontainers.Container
	DSN       string
}

// MustStartPostgres starts a Postgres container, or reuses the database named
// by OLORIN_TEST_DSN. It exits the process on failure, for use in TestMain.
func MustStartPostgres() *TestContainer {
	if dsn := os.Getenv("OLORIN_TEST_DSN"); dsn != "" {
		return &TestContainer{DSN: dsn}
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:17-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "olorin",
				"POSTGRES_PASSWORD": "olorin",
				"POSTGRES_DB":       "olorin",
			},
			// Postgres logs readiness twice: once for the init server, once for the real one.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	exitOn(err, "start container")

	host, err := container.Host(ctx)
	exitOn(err, "container host")
	port, err := container.MappedPort(ctx, "5432")
	exitOn(err, "container port")

	return &TestContainer{
		Container: container,
		DSN:       fmt.Sprintf("postgres://olorin:olorin@%s:%s/olorin?sslmode=disable", host, port.Port()),
	}
}

func exitOn(err error, what string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "testutil: %s: %v\n", what, err)
		os.Exit(1)
	}
}

// NewTestDB creates a storage.DB connected to this container and runs all
// migrations. The notify connection shares the same DSN.
func (tc *TestContainer) NewTestDB(ctx context.Context, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		return nil, fmt.Errorf("testutil: create DB: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return nil, fmt.Errorf("testutil: run migrations: %w", err)
	}
	return db, nil
}

// Terminate stops and removes the container, if one was started.
func (tc *TestContainer) Terminate() {
	if tc.Container != nil {
		_ = tc.Container.Terminate(context.Background())
	}
}

// NewSQLiteStore opens a migrated SQLite store in t's temp dir and closes it
// on cleanup.
func NewSQLiteStore(t testing.TB) *sqlite.Store {
	t.Helper()
	ctx := context.Background()
	st, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "olorin.db"), TestLogger())
	if err != nil {
		t.Fatalf("testutil: open sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close(ctx) })
	return st
}

// TestLogger returns a logger configured for test output (warns only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
