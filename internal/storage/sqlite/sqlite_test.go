package sqlite_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage/sqlite"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage/storagetest"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/testutil"
)

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, testutil.NewSQLiteStore(t))
}

func TestOpenInMemory(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, ":memory:", testutil.TestLogger())
	require.NoError(t, err)
	defer st.Close(ctx)

	assert.NoError(t, st.Ping(ctx))
}

func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/reopen.db"

	first, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	first.Close(ctx)

	second, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	second.Close(ctx)
}
