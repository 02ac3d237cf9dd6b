package investigations_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/testutil"
)

type recordedEvent struct {
	id  string
	typ model.EventType
}

type eventRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) Emit(_ context.Context, id string, typ model.EventType, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{id, typ})
}

func (r *eventRecorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.typ
	}
	return out
}

const validSettings = `{"entity":{"id":"user-42","type":"user_id"},"window_days":14,"domains":["network","device"]}`

func newService(t *testing.T) (*investigations.Service, *eventRecorder) {
	t.Helper()
	rec := &eventRecorder{}
	return investigations.New(testutil.NewSQLiteStore(t), rec, testutil.TestLogger()), rec
}

func TestCreateGeneratesID(t *testing.T) {
	svc, rec := newService(t)

	inv, tag, err := svc.Create(context.Background(), model.CreateInvestigationRequest{}, "alice")
	require.NoError(t, err)
	_, err = uuid.Parse(inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", inv.Owner)
	assert.Equal(t, model.StageCreated, inv.Stage)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, etag.Record(inv), tag)
	assert.Equal(t, []model.EventType{model.EventCreated}, rec.types())
}

func TestCreateRejectsBadInput(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, _, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "bad id"}, "alice")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)

	_, _, err = svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-1", Settings: json.RawMessage(`{"entity":{"id":"x","type":"planet"}}`)}, "alice")
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "settings", verr.Field)

	_, _, err = svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-1"}, "alice")
	require.NoError(t, err)
	_, _, err = svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-1"}, "alice")
	require.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestGetConditional(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	created, tag, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-get"}, "alice")
	require.NoError(t, err)

	_, _, err = svc.Get(ctx, created.ID, etag.Quote(tag))
	require.ErrorIs(t, err, investigations.ErrNotModified)

	_, _, err = svc.Get(ctx, created.ID, `"1-0000000000000000"`)
	require.NoError(t, err)

	_, _, err = svc.Get(ctx, "nope", "")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSubmitSettingsAndStaleTag(t *testing.T) {
	svc, rec := newService(t)
	ctx := context.Background()
	created, tag, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-settings"}, "alice")
	require.NoError(t, err)

	inv, newTag, err := svc.SubmitSettings(ctx, created.ID, investigations.Precondition{Tag: tag}, json.RawMessage(validSettings), "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StageSettings, inv.Stage)
	assert.Equal(t, int64(2), inv.Version)
	assert.NotEqual(t, tag, newTag)

	settings, err := investigations.DecodeSettings(inv.Settings)
	require.NoError(t, err)
	assert.Equal(t, "user-42", settings.Entity.ID)
	assert.Equal(t, []string{"network", "device"}, settings.Domains)

	// The old tag is stale: the conflict reports both versions.
	status := "reviewing"
	_, _, err = svc.Update(ctx, created.ID, investigations.Precondition{Tag: tag}, model.InvestigationPatch{Status: &status}, "bob")
	var conflict *storage.VersionConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(2), conflict.Current)
	assert.Equal(t, int64(1), conflict.Submitted)

	_, _, err = svc.Update(ctx, created.ID, investigations.Precondition{Version: 1}, model.InvestigationPatch{Status: &status}, "bob")
	require.ErrorAs(t, err, &conflict)

	assert.Contains(t, rec.types(), model.EventSettingsSubmitted)
}

func TestSubmitSettingsValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	created, _, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-v"}, "alice")
	require.NoError(t, err)
	pre := investigations.Precondition{Version: created.Version}

	bad := map[string]string{
		"missing entity":    `{"window_days":7}`,
		"bad entity type":   `{"entity":{"id":"x","type":"planet"}}`,
		"window too large":  `{"entity":{"id":"x","type":"ip"},"window_days":400}`,
		"unknown domain":    `{"entity":{"id":"x","type":"ip"},"domains":["weather"]}`,
		"unknown strategy":  `{"entity":{"id":"x","type":"ip"},"force_strategy":"turbo"}`,
		"inverted range":    `{"entity":{"id":"x","type":"ip"},"time_range":{"start":"2026-02-01T00:00:00Z","end":"2026-01-01T00:00:00Z"}}`,
		"bad timestamp":     `{"entity":{"id":"x","type":"ip"},"time_range":{"start":"yesterday","end":"2026-01-01T00:00:00Z"}}`,
		"additional fields": `{"entity":{"id":"x","type":"ip"},"priority":"high"}`,
	}
	for name, raw := range bad {
		t.Run(name, func(t *testing.T) {
			_, _, err := svc.SubmitSettings(ctx, created.ID, pre, json.RawMessage(raw), "alice")
			var verr *model.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
}

func TestCancelIsTerminal(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	created, _, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-cancel"}, "alice")
	require.NoError(t, err)

	inv, _, err := svc.Cancel(ctx, created.ID, investigations.Precondition{Version: 1}, "alice")
	require.NoError(t, err)
	assert.Equal(t, model.StageCancelled, inv.Stage)

	_, _, err = svc.SubmitSettings(ctx, created.ID, investigations.Precondition{Version: inv.Version}, json.RawMessage(validSettings), "alice")
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHistory(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	created, _, err := svc.Create(ctx, model.CreateInvestigationRequest{ID: "inv-hist"}, "alice")
	require.NoError(t, err)
	_, _, err = svc.SubmitSettings(ctx, created.ID, investigations.Precondition{Version: 1}, json.RawMessage(validSettings), "bob")
	require.NoError(t, err)

	changes, total, err := svc.History(ctx, created.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, changes, 2)
	assert.Equal(t, int64(2), changes[1].ToVersion)
	assert.Equal(t, "bob", changes[1].Actor)
	assert.Contains(t, changes[1].ChangedFields, "settings")
}

func TestParsePrecondition(t *testing.T) {
	_, err := investigations.ParsePrecondition("")
	require.ErrorIs(t, err, investigations.ErrPreconditionRequired)

	p, err := investigations.ParsePrecondition("7")
	require.NoError(t, err)
	assert.Equal(t, investigations.Precondition{Version: 7}, p)

	p, err = investigations.ParsePrecondition(`W/"3-0123456789abcdef"`)
	require.NoError(t, err)
	assert.Equal(t, investigations.Precondition{Tag: "3-0123456789abcdef"}, p)

	_, err = investigations.ParsePrecondition("0")
	require.Error(t, err)
}
