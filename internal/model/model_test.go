package model_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to model.LifecycleStage
		force    bool
		want     bool
	}{
		{model.StageCreated, model.StageSettings, false, true},
		{model.StageCreated, model.StageInProgress, false, false},
		{model.StageSettings, model.StageSettings, false, true},
		{model.StageSettings, model.StageInProgress, false, true},
		{model.StageInProgress, model.StageCompleted, false, true},
		{model.StageInProgress, model.StageSettings, false, false},
		{model.StageCompleted, model.StageInProgress, false, false},
		{model.StageCompleted, model.StageInProgress, true, true},
		{model.StageError, model.StageInProgress, true, true},
		{model.StageCancelled, model.StageInProgress, true, false},
	}
	for _, tc := range cases {
		got := model.CanTransition(tc.from, tc.to, tc.force)
		assert.Equal(t, tc.want, got, "%s -> %s force=%v", tc.from, tc.to, tc.force)
	}
}

func TestPatchApply_SettingsMovesStage(t *testing.T) {
	cur := model.Investigation{ID: "inv-1", Stage: model.StageCreated, Version: 1}
	patch := model.InvestigationPatch{
		Stage:    ptr(model.StageSettings),
		Settings: json.RawMessage(`{"entity":{"id":"u1","type":"user_id"}}`),
	}

	next, err := patch.Apply(cur)
	require.NoError(t, err)
	assert.Equal(t, model.StageSettings, next.Stage)
	assert.JSONEq(t, `{"entity":{"id":"u1","type":"user_id"}}`, string(next.Settings))
	assert.Equal(t, int64(1), next.Version, "store owns the version bump")
}

func TestPatchApply_Rejections(t *testing.T) {
	inProgress := model.Investigation{ID: "inv-1", Stage: model.StageInProgress}

	_, err := model.InvestigationPatch{Stage: ptr(model.StageCreated)}.Apply(inProgress)
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "lifecycle_stage", verr.Field)

	_, err = model.InvestigationPatch{Settings: json.RawMessage(`{}`)}.Apply(inProgress)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "settings", verr.Field)

	_, err = model.InvestigationPatch{}.Apply(inProgress)
	require.ErrorAs(t, err, &verr)

	_, err = model.InvestigationPatch{Status: ptr("x")}.Apply(model.Investigation{Stage: model.StageCancelled})
	require.ErrorAs(t, err, &verr)

	_, err = model.InvestigationPatch{Stage: ptr(model.LifecycleStage("DONE"))}.Apply(inProgress)
	require.ErrorAs(t, err, &verr)
}

func TestPatchChangedFields(t *testing.T) {
	p := model.InvestigationPatch{
		Status:   ptr("running"),
		Progress: json.RawMessage(`{}`),
		Strategy: &model.StrategyDecision{Selected: model.StrategyParallel},
	}
	assert.Equal(t, []string{"status", "progress", "strategy"}, p.ChangedFields())
}

func TestValidateInvestigationID(t *testing.T) {
	assert.NoError(t, model.ValidateInvestigationID("inv_2024-07-abc"))
	assert.Error(t, model.ValidateInvestigationID(""))
	assert.Error(t, model.ValidateInvestigationID("has space"))
	assert.Error(t, model.ValidateInvestigationID("slash/id"))
	assert.Error(t, model.ValidateInvestigationID(strings.Repeat("a", model.MaxInvestigationIDLen+1)))
}

func TestStatsCompletionPercent(t *testing.T) {
	assert.Equal(t, 0, model.ToolExecutionStats{}.CompletionPercent())
	assert.Equal(t, 60, model.ToolExecutionStats{Total: 5, Completed: 2, Failed: 1}.CompletionPercent())
	assert.Equal(t, 100, model.ToolExecutionStats{Total: 5, Completed: 4, Failed: 1}.CompletionPercent())
}

func TestSummarizeExecutions(t *testing.T) {
	stats := model.SummarizeExecutions([]model.ToolExecution{
		{Status: model.ToolStatusCompleted, DurationMS: 100, TokensUsed: 5, Cost: 0.25},
		{Status: model.ToolStatusFailed, DurationMS: 300, TokensUsed: 5, Cost: 0.25},
		{Status: model.ToolStatusRunning, DurationMS: 900},
		{Status: model.ToolStatusPending},
	})
	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, int64(10), stats.TotalTokens)
	assert.InDelta(t, 0.5, stats.TotalCost, 1e-9)
	assert.InDelta(t, 200.0, stats.AvgDurationMS, 1e-9)
	assert.Equal(t, 50, stats.CompletionPercent())

	assert.Equal(t, model.ToolExecutionStats{}, model.SummarizeExecutions(nil))
}

func TestSettingsWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	w := model.Settings{WindowDays: 7}.Window(now)
	assert.Equal(t, now.AddDate(0, 0, -7), w.Start)
	assert.Equal(t, now, w.End)

	w = model.Settings{}.Window(now)
	assert.Equal(t, now.AddDate(0, 0, -model.DefaultWindowDays), w.Start)

	fixed := model.TimeRange{Start: now.Add(-time.Hour), End: now}
	assert.Equal(t, fixed, model.Settings{TimeRange: &fixed, WindowDays: 3}.Window(now))
}

func TestExecutionHealthErrorRate(t *testing.T) {
	assert.Zero(t, model.ExecutionHealth{}.ErrorRate())
	assert.InDelta(t, 0.25, model.ExecutionHealth{Total: 8, Failed: 2}.ErrorRate(), 1e-9)
}
