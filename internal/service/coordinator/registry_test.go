package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/testutil"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h, err := r.register("inv-1", cancel)
	require.NoError(t, err)
	_, err = r.register("inv-1", cancel)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Equal(t, 1, r.Active())

	assert.ErrorIs(t, r.Resume("inv-1"), ErrRunState)
	require.NoError(t, r.Pause("inv-1"))
	assert.Equal(t, RunPaused, h.Status())
	assert.ErrorIs(t, r.Pause("inv-1"), ErrRunState)

	waitCtx, waitCancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer waitCancel()
	assert.ErrorIs(t, h.wait(waitCtx), context.DeadlineExceeded, "paused handles block")

	require.NoError(t, r.Resume("inv-1"))
	assert.NoError(t, h.wait(ctx))

	require.NoError(t, r.Message("inv-1", "check device cluster"))
	assert.Equal(t, []string{"check device cluster"}, h.drain())
	assert.Empty(t, h.drain())

	require.NoError(t, r.Pause("inv-1"))
	assert.True(t, r.Cancel("inv-1"))
	assert.Equal(t, RunCancelling, h.Status())
	assert.NoError(t, h.wait(context.Background()), "cancel releases a paused run")
	assert.Error(t, ctx.Err())

	r.remove("inv-1", h)
	assert.Zero(t, r.Active())
	assert.False(t, r.Cancel("inv-1"))
}

func TestExecuteHoldsWhilePaused(t *testing.T) {
	ctx := context.Background()
	st := testutil.NewSQLiteStore(t)
	c := New(st, nil, nil, Config{}, testutil.TestLogger())

	inv, err := st.CreateInvestigation(ctx, model.Investigation{ID: "inv-paused", Owner: "analyst", Stage: model.StageCreated}, "test")
	require.NoError(t, err)
	for _, stage := range []model.LifecycleStage{model.StageSettings, model.StageInProgress} {
		inv, err = st.UpdateInvestigation(ctx, inv.ID, inv.Version, model.InvestigationPatch{Stage: &stage}, "test")
		require.NoError(t, err)
	}

	reg := NewRegistry()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h, err := reg.register("inv-paused", cancel)
	require.NoError(t, err)
	require.NoError(t, reg.Pause("inv-paused"))

	done := make(chan Outcome, 1)
	go func() {
		out, err := c.Execute(runCtx, h, Plan{
			InvestigationID: "inv-paused",
			Analyzers: []analyzer.Analyzer{
				analyzer.Static{Name: model.DomainNetwork, Finding: model.DomainFinding{RiskScore: 0.7}},
			},
			Strategy: model.StrategySequential,
		})
		assert.NoError(t, err)
		done <- out
	}()

	// Pending rows land before the launcher blocks on the pause.
	require.Eventually(t, func() bool {
		stats, err := st.ToolExecutionStats(ctx, "inv-paused")
		return err == nil && stats.Pending == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stats, err := st.ToolExecutionStats(ctx, "inv-paused")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "no analyzer starts while paused")

	require.NoError(t, reg.Resume("inv-paused"))
	select {
	case out := <-done:
		assert.Equal(t, model.StageCompleted, out.Investigation.Stage)
		assert.InDelta(t, 0.7, out.Results.OverallRiskScore, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after resume")
	}
}
