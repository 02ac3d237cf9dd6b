// Package storagetest holds behavioural tests shared by every storage.Store
// implementation. Each backend's test package calls Run with a constructor.
package storagetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// Run exercises st. Investigation ids are randomized so a shared database
// can be reused across calls.
func Run(t *testing.T, st storage.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, st) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, st) })
	t.Run("UpdateBumpsVersion", func(t *testing.T) { testUpdateBumpsVersion(t, st) })
	t.Run("UpdateStaleVersion", func(t *testing.T) { testUpdateStaleVersion(t, st) })
	t.Run("UpdateUnknownID", func(t *testing.T) { testUpdateUnknownID(t, st) })
	t.Run("UpdateInvalidTransition", func(t *testing.T) { testUpdateInvalidTransition(t, st) })
	t.Run("ConcurrentStaleUpdates", func(t *testing.T) { testConcurrentStaleUpdates(t, st) })
	t.Run("TouchKeepsVersion", func(t *testing.T) { testTouchKeepsVersion(t, st) })
	t.Run("VersionHistory", func(t *testing.T) { testVersionHistory(t, st) })
	t.Run("LedgerLifecycle", func(t *testing.T) { testLedgerLifecycle(t, st) })
	t.Run("LedgerKeepsInputAcrossUpdates", func(t *testing.T) { testLedgerKeepsInput(t, st) })
	t.Run("LedgerImmutableOnceTerminal", func(t *testing.T) { testLedgerImmutable(t, st) })
	t.Run("LedgerStats", func(t *testing.T) { testLedgerStats(t, st) })
	t.Run("ExecutionHealth", func(t *testing.T) { testExecutionHealth(t, st) })
	t.Run("EventsPaging", func(t *testing.T) { testEventsPaging(t, st) })
}

func newInvestigation(t *testing.T, st storage.Store) model.Investigation {
	t.Helper()
	inv, err := st.CreateInvestigation(context.Background(), model.Investigation{
		ID:    "inv-" + uuid.NewString(),
		Owner: "analyst@example.com",
	}, "tester")
	require.NoError(t, err)
	return inv
}

func stagePtr(s model.LifecycleStage) *model.LifecycleStage { return &s }

func testCreateAndGet(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, model.StageCreated, inv.Stage)

	got, err := st.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, got.ID)
	assert.Equal(t, "analyst@example.com", got.Owner)
	assert.Equal(t, int64(1), got.Version)
	assert.Nil(t, got.Settings)
	assert.Nil(t, got.Strategy)

	_, err = st.GetInvestigation(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testCreateDuplicate(t *testing.T, st storage.Store) {
	inv := newInvestigation(t, st)
	_, err := st.CreateInvestigation(context.Background(), model.Investigation{ID: inv.ID, Owner: "x"}, "tester")
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func testUpdateBumpsVersion(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	settings := json.RawMessage(`{"entity":{"id":"u-1","type":"user_id"}}`)
	updated, err := st.UpdateInvestigation(ctx, inv.ID, 1, model.InvestigationPatch{
		Stage:    stagePtr(model.StageSettings),
		Settings: settings,
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, model.StageSettings, updated.Stage)

	decision := &model.StrategyDecision{Selected: model.StrategyParallel, Reason: model.ReasonABTest, DecidedAt: time.Now().UTC()}
	updated, err = st.UpdateInvestigation(ctx, inv.ID, 2, model.InvestigationPatch{
		Stage:    stagePtr(model.StageInProgress),
		Strategy: decision,
	}, "tester")
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated.Version)

	got, err := st.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.Version)
	assert.Equal(t, model.StageInProgress, got.Stage)
	assert.JSONEq(t, string(settings), string(got.Settings))
	require.NotNil(t, got.Strategy)
	assert.Equal(t, model.StrategyParallel, got.Strategy.Selected)
	assert.Equal(t, model.ReasonABTest, got.Strategy.Reason)
}

func testUpdateStaleVersion(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)
	status := "triage"
	_, err := st.UpdateInvestigation(ctx, inv.ID, 1, model.InvestigationPatch{Status: &status}, "a")
	require.NoError(t, err)

	_, err = st.UpdateInvestigation(ctx, inv.ID, 1, model.InvestigationPatch{Status: &status}, "b")
	var conflict *storage.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.Current)
	assert.Equal(t, int64(1), conflict.Submitted)
	assert.True(t, storage.IsVersionConflict(err))
}

func testUpdateUnknownID(t *testing.T, st storage.Store) {
	status := "x"
	_, err := st.UpdateInvestigation(context.Background(), "missing-"+uuid.NewString(), 1,
		model.InvestigationPatch{Status: &status}, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testUpdateInvalidTransition(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	_, err := st.UpdateInvestigation(ctx, inv.ID, 1, model.InvestigationPatch{
		Stage: stagePtr(model.StageCompleted),
	}, "a")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := st.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version, "rejected patch must not persist")
}

func testConcurrentStaleUpdates(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
		others    []error
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status := fmt.Sprintf("writer-%d", i)
			_, err := st.UpdateInvestigation(ctx, inv.ID, 1, model.InvestigationPatch{Status: &status}, "w")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, storage.ErrVersionConflict):
				conflicts++
			default:
				others = append(others, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, others)
	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)

	got, err := st.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func testTouchKeepsVersion(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)
	later := inv.LastAccessed.Add(time.Hour)

	require.NoError(t, st.TouchInvestigation(ctx, inv.ID, later))
	got, err := st.GetInvestigation(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.WithinDuration(t, later, got.LastAccessed, time.Millisecond)

	assert.ErrorIs(t, st.TouchInvestigation(ctx, "missing-"+uuid.NewString(), later), storage.ErrNotFound)
}

func testVersionHistory(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)
	for v := int64(1); v <= 3; v++ {
		status := fmt.Sprintf("s%d", v)
		_, err := st.UpdateInvestigation(ctx, inv.ID, v, model.InvestigationPatch{Status: &status}, "actor-x")
		require.NoError(t, err)
	}

	page, total, err := st.ListVersionHistory(ctx, inv.ID, 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, int64(1), page[0].FromVersion)
	assert.Equal(t, int64(2), page[0].ToVersion)
	assert.Equal(t, "actor-x", page[0].Actor)
	assert.Equal(t, []string{"status"}, page[0].ChangedFields)
	assert.Equal(t, int64(3), page[1].ToVersion)
}

func testLedgerLifecycle(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	id, err := st.PersistToolExecution(ctx, model.ToolExecution{
		InvestigationID: inv.ID,
		AgentName:       "device",
		ToolName:        "device_analyzer",
		Status:          model.ToolStatusPending,
		Input:           json.RawMessage(`{"entity":"u-1"}`),
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	_, err = st.PersistToolExecution(ctx, model.ToolExecution{ID: id, Status: model.ToolStatusRunning, StartedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = st.PersistToolExecution(ctx, model.ToolExecution{
		ID:         id,
		Status:     model.ToolStatusCompleted,
		Output:     json.RawMessage(`{"risk_score":0.7}`),
		DurationMS: 120,
		TokensUsed: 33,
		Cost:       0.01,
	})
	require.NoError(t, err)

	rows, err := st.ListToolExecutions(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ToolStatusCompleted, rows[0].Status)
	assert.Equal(t, "device", rows[0].AgentName)
	assert.JSONEq(t, `{"entity":"u-1"}`, string(rows[0].Input))
	assert.JSONEq(t, `{"risk_score":0.7}`, string(rows[0].Output))
	assert.Equal(t, int64(120), rows[0].DurationMS)
	assert.NotNil(t, rows[0].CompletedAt)

	_, err = st.PersistToolExecution(ctx, model.ToolExecution{ID: uuid.New(), Status: model.ToolStatusRunning})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testLedgerKeepsInput(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	id, err := st.PersistToolExecution(ctx, model.ToolExecution{
		InvestigationID: inv.ID, AgentName: "location_agent", ToolName: "location",
		Status: model.ToolStatusPending,
	})
	require.NoError(t, err)

	_, err = st.PersistToolExecution(ctx, model.ToolExecution{
		ID:        id,
		Status:    model.ToolStatusRunning,
		Input:     json.RawMessage(`{"entity":"u-9","time_range":"7d"}`),
		StartedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	_, err = st.PersistToolExecution(ctx, model.ToolExecution{
		ID:         id,
		Status:     model.ToolStatusCompleted,
		Output:     json.RawMessage(`{"risk_score":0.2}`),
		DurationMS: 40,
	})
	require.NoError(t, err)

	rows, err := st.ListToolExecutions(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ToolStatusCompleted, rows[0].Status)
	assert.JSONEq(t, `{"entity":"u-9","time_range":"7d"}`, string(rows[0].Input), "input set while running survives completion")
	assert.JSONEq(t, `{"risk_score":0.2}`, string(rows[0].Output))
}

func testLedgerImmutable(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	id, err := st.PersistToolExecution(ctx, model.ToolExecution{
		InvestigationID: inv.ID, AgentName: "network", ToolName: "network_analyzer",
		Status: model.ToolStatusFailed, Error: "timeout", DurationMS: 5,
	})
	require.NoError(t, err)

	_, err = st.PersistToolExecution(ctx, model.ToolExecution{ID: id, Status: model.ToolStatusCompleted, DurationMS: 999})
	assert.ErrorIs(t, err, storage.ErrLedgerImmutable)

	rows, err := st.ListToolExecutions(ctx, inv.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, model.ToolStatusFailed, rows[0].Status)
	assert.Equal(t, "timeout", rows[0].Error)
	assert.Equal(t, int64(5), rows[0].DurationMS)
}

func testLedgerStats(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	base := time.Now().UTC().Add(-time.Minute)
	for i, status := range []model.ToolStatus{
		model.ToolStatusCompleted, model.ToolStatusCompleted, model.ToolStatusFailed,
		model.ToolStatusRunning, model.ToolStatusPending,
	} {
		_, err := st.PersistToolExecution(ctx, model.ToolExecution{
			InvestigationID: inv.ID,
			AgentName:       fmt.Sprintf("agent-%d", i),
			ToolName:        "analyzer",
			Status:          status,
			DurationMS:      int64(100 * (i + 1)),
			TokensUsed:      10,
			Cost:            0.5,
			StartedAt:       base.Add(time.Duration(5-i) * time.Second),
		})
		require.NoError(t, err)
	}

	stats, err := st.ToolExecutionStats(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Total)
	assert.Equal(t, 2, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(50), stats.TotalTokens)
	assert.InDelta(t, 2.5, stats.TotalCost, 1e-9)
	assert.InDelta(t, 200.0, stats.AvgDurationMS, 1e-9, "average over terminal rows only")

	rows, err := st.ListToolExecutions(ctx, inv.ID)
	require.NoError(t, err)
	for i := 1; i < len(rows); i++ {
		assert.False(t, rows[i].StartedAt.Before(rows[i-1].StartedAt), "ledger must be ordered by start time")
	}
	assert.Equal(t, "agent-4", rows[0].AgentName)
}

func testExecutionHealth(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)
	since := time.Now().UTC().Add(-time.Second)

	for _, status := range []model.ToolStatus{model.ToolStatusCompleted, model.ToolStatusFailed} {
		_, err := st.PersistToolExecution(ctx, model.ToolExecution{
			InvestigationID: inv.ID, AgentName: "risk", ToolName: "risk_analyzer",
			Status: status, DurationMS: 300,
		})
		require.NoError(t, err)
	}

	h, err := st.ExecutionHealth(ctx, since)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.Total, 2)
	assert.GreaterOrEqual(t, h.Failed, 1)

	future, err := st.ExecutionHealth(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, future.Total)
}

func testEventsPaging(t *testing.T, st storage.Store) {
	ctx := context.Background()
	inv := newInvestigation(t, st)

	cursors := []string{"1718000000000_000000", "1718000000000_000001", "1718000000001_000000"}
	for _, c := range []string{cursors[2], cursors[0], cursors[1]} {
		require.NoError(t, st.AppendEvent(ctx, model.InvestigationEvent{
			Cursor: c, InvestigationID: inv.ID, Type: model.EventProgress,
			Payload: json.RawMessage(`{"c":"` + c + `"}`), CreatedAt: time.Now().UTC(),
		}))
	}
	err := st.AppendEvent(ctx, model.InvestigationEvent{Cursor: cursors[0], InvestigationID: inv.ID, Type: model.EventProgress, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	page, err := st.ListEvents(ctx, inv.ID, "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, cursors[0], page[0].Cursor)
	assert.Equal(t, cursors[1], page[1].Cursor)

	page, err = st.ListEvents(ctx, inv.ID, cursors[1], 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, cursors[2], page[0].Cursor)
	assert.Equal(t, model.EventProgress, page[0].Type)
}
