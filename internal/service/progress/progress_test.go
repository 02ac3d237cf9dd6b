package progress_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage/sqlite"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/testutil"
)

func setup(t *testing.T) (*sqlite.Store, *progress.Service, *progress.Notifier) {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	n := progress.NewNotifier(testutil.TestLogger())
	return st, progress.New(st, n, testutil.TestLogger()), n
}

func createRecord(t *testing.T, st *sqlite.Store, id string) model.Investigation {
	t.Helper()
	inv, err := st.CreateInvestigation(context.Background(), model.Investigation{ID: id, Owner: "analyst"}, "test")
	require.NoError(t, err)
	return inv
}

func TestProgressTagChangesWhenLedgerCompletes(t *testing.T) {
	ctx := context.Background()
	st, svc, _ := setup(t)
	createRecord(t, st, "inv-progress")

	for _, domain := range []string{model.DomainNetwork, model.DomainDevice} {
		_, err := st.PersistToolExecution(ctx, model.ToolExecution{
			InvestigationID: "inv-progress",
			AgentName:       domain + "_agent",
			ToolName:        domain,
			Status:          model.ToolStatusRunning,
			StartedAt:       time.Now(),
		})
		require.NoError(t, err)
	}

	view, tag1, err := svc.Progress(ctx, "inv-progress")
	require.NoError(t, err)
	assert.Equal(t, 0, view.CompletionPercent)
	assert.Equal(t, 2, view.TotalTools)
	assert.Len(t, view.ToolExecutions, 2)

	_, again, err := svc.Progress(ctx, "inv-progress")
	require.NoError(t, err)
	assert.Equal(t, tag1, again, "unchanged state yields the same tag")

	execs, err := st.ListToolExecutions(ctx, "inv-progress")
	require.NoError(t, err)
	done := time.Now()
	first := execs[0]
	first.Status = model.ToolStatusCompleted
	first.Output = json.RawMessage(`{"risk_score":0.4}`)
	first.CompletedAt = &done
	_, err = st.PersistToolExecution(ctx, first)
	require.NoError(t, err)

	view, tag2, err := svc.Progress(ctx, "inv-progress")
	require.NoError(t, err)
	assert.NotEqual(t, tag1, tag2)
	assert.Equal(t, 50, view.CompletionPercent)
	assert.Equal(t, 1, view.CompletedTools)
}

func TestProgressCompletedForcesFull(t *testing.T) {
	ctx := context.Background()
	st, svc, _ := setup(t)
	inv := createRecord(t, st, "inv-done")

	steps := []model.LifecycleStage{model.StageSettings, model.StageInProgress, model.StageCompleted}
	for _, stage := range steps {
		var err error
		inv, err = st.UpdateInvestigation(ctx, inv.ID, inv.Version, model.InvestigationPatch{Stage: &stage}, "test")
		require.NoError(t, err)
	}

	view, _, err := svc.Progress(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, view.CompletionPercent)
	assert.Equal(t, model.PhaseCompleted, view.CurrentPhase)
	assert.Empty(t, view.ToolExecutions)
}

func TestProgressUnknownInvestigation(t *testing.T) {
	_, svc, _ := setup(t)
	_, _, err := svc.Progress(context.Background(), "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEventsPaging(t *testing.T) {
	ctx := context.Background()
	st, svc, _ := setup(t)
	createRecord(t, st, "inv-events")

	for i := range 5 {
		_, err := svc.Append(ctx, "inv-events", model.EventProgress, map[string]int{"n": i})
		require.NoError(t, err)
	}

	page, tag1, err := svc.Events(ctx, "inv-events", progress.EventsQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, page.Items[1].Cursor, page.NextCursor)

	var got []string
	since := ""
	for {
		p, _, err := svc.Events(ctx, "inv-events", progress.EventsQuery{Since: since, Limit: 2})
		require.NoError(t, err)
		for _, ev := range p.Items {
			got = append(got, ev.Cursor)
		}
		since = p.NextCursor
		if !p.HasMore {
			break
		}
	}
	require.Len(t, got, 5)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}

	_, tag2, err := svc.Events(ctx, "inv-events", progress.EventsQuery{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, tag1, tag2)

	tail, _, err := svc.Events(ctx, "inv-events", progress.EventsQuery{Since: since})
	require.NoError(t, err)
	assert.Empty(t, tail.Items)
	assert.False(t, tail.HasMore)
	assert.Equal(t, since, tail.NextCursor)
}

func TestEventsInvalidSince(t *testing.T) {
	st, svc, _ := setup(t)
	createRecord(t, st, "inv-bad")

	_, _, err := svc.Events(context.Background(), "inv-bad", progress.EventsQuery{Since: "not-a-cursor"})
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "since", verr.Field)
}

func TestEventsLongPollWakesOnAppend(t *testing.T) {
	ctx := context.Background()
	st, svc, n := setup(t)
	createRecord(t, st, "inv-wait")

	type result struct {
		page model.EventPage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		p, _, err := svc.Events(ctx, "inv-wait", progress.EventsQuery{Wait: 10 * time.Second})
		done <- result{p, err}
	}()

	require.Eventually(t, func() bool { return n.Waiters() == 1 }, 5*time.Second, 10*time.Millisecond)
	_, err := svc.Append(ctx, "inv-wait", model.EventOperatorMessage, map[string]string{"message": "hello"})
	require.NoError(t, err)

	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Len(t, r.page.Items, 1)
		assert.Equal(t, model.EventOperatorMessage, r.page.Items[0].Type)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll did not wake")
	}
	assert.Zero(t, n.Waiters())
}

func TestNotifierPublishIsScoped(t *testing.T) {
	n := progress.NewNotifier(testutil.TestLogger())
	a := n.Subscribe("inv-a")
	b := n.Subscribe("inv-b")
	defer n.Unsubscribe("inv-a", a)
	defer n.Unsubscribe("inv-b", b)

	n.Publish("inv-a")
	n.Publish("inv-a")

	select {
	case <-a:
	default:
		t.Fatal("inv-a waiter not signalled")
	}
	select {
	case <-b:
		t.Fatal("inv-b waiter signalled for inv-a")
	default:
	}
}

func TestProgressCountsOnlyCurrentRun(t *testing.T) {
	ctx := context.Background()
	st, svc, _ := setup(t)
	inv := createRecord(t, st, "inv-rerun")

	earlier := time.Now().UTC().Add(-time.Minute)
	for i := range 6 {
		_, err := st.PersistToolExecution(ctx, model.ToolExecution{
			InvestigationID: "inv-rerun",
			AgentName:       "old_agent",
			ToolName:        "old",
			Status:          model.ToolStatusCompleted,
			StartedAt:       earlier.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	decision := &model.StrategyDecision{Selected: model.StrategyParallel, Reason: model.ReasonABTest, DecidedAt: time.Now().UTC()}
	_, err := st.UpdateInvestigation(ctx, "inv-rerun", inv.Version, model.InvestigationPatch{Strategy: decision}, "test")
	require.NoError(t, err)
	for range 6 {
		_, err := st.PersistToolExecution(ctx, model.ToolExecution{
			InvestigationID: "inv-rerun",
			AgentName:       "network_agent",
			ToolName:        model.DomainNetwork,
			Status:          model.ToolStatusPending,
			StartedAt:       time.Now().UTC(),
		})
		require.NoError(t, err)
	}

	view, _, err := svc.Progress(ctx, "inv-rerun")
	require.NoError(t, err)
	assert.Equal(t, 6, view.TotalTools)
	assert.Equal(t, 0, view.CompletedTools)
	assert.Equal(t, 0, view.CompletionPercent, "rows from the previous run are not counted")
	assert.Len(t, view.ToolExecutions, 6)

	all, err := svc.Tools(ctx, "inv-rerun")
	require.NoError(t, err)
	assert.Len(t, all.Executions, 12, "the ledger view keeps every run")
	assert.Equal(t, 6, all.Stats.Completed)
}

// slowFirstAppend holds the first AppendEvent until released, after its
// cursor has been generated.
type slowFirstAppend struct {
	*sqlite.Store
	calls   atomic.Int32
	entered chan struct{}
	delay   time.Duration
}

func (s *slowFirstAppend) AppendEvent(ctx context.Context, ev model.InvestigationEvent) error {
	if s.calls.Add(1) == 1 {
		close(s.entered)
		time.Sleep(s.delay)
	}
	return s.Store.AppendEvent(ctx, ev)
}

func TestEventsFollowingNextCursorSeesConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	base := testutil.NewSQLiteStore(t)
	createRecord(t, base, "inv-order")
	st := &slowFirstAppend{Store: base, entered: make(chan struct{}), delay: 50 * time.Millisecond}
	svc := progress.New(st, progress.NewNotifier(testutil.TestLogger()), testutil.TestLogger())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.Append(ctx, "inv-order", model.EventToolStarted, map[string]string{"domain": "network"})
		assert.NoError(t, err)
	}()
	<-st.entered
	go func() {
		defer wg.Done()
		_, err := svc.Append(ctx, "inv-order", model.EventToolStarted, map[string]string{"domain": "device"})
		assert.NoError(t, err)
	}()

	var (
		seen  []model.InvestigationEvent
		since string
	)
	deadline := time.Now().Add(2 * time.Second)
	for len(seen) < 2 && time.Now().Before(deadline) {
		page, _, err := svc.Events(ctx, "inv-order", progress.EventsQuery{Since: since})
		require.NoError(t, err)
		seen = append(seen, page.Items...)
		since = page.NextCursor
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()

	require.Len(t, seen, 2, "a reader following next_cursor sees every event")
	assert.Less(t, seen[0].Cursor, seen[1].Cursor)
}
