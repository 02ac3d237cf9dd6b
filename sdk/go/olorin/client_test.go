package olorin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockServer creates an httptest server that mimics the investigation API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string, cfg Config) *Client {
	t.Helper()
	cfg.BaseURL = serverURL
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	c, err := NewClient(cfg)
	require.NoError(t, err)
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestCreateCapturesETagAndSendsToken(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/investigations": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			var req CreateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "inv-1", req.ID)
			w.Header().Set("ETag", `"inv-1:1"`)
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Investigation{ID: "inv-1", Stage: StageCreated, Version: 1},
			})
		},
	})
	c := newTestClient(t, srv.URL, Config{Token: "tok", Actor: "ignored"})

	inv, err := c.Create(context.Background(), CreateRequest{ID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, `"inv-1:1"`, inv.ETag)
}

func TestGetIfChanged(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/investigations/{id}": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("If-None-Match") == `"v2"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"v2"`)
			writeJSON(w, http.StatusOK, map[string]any{"data": Investigation{ID: r.PathValue("id"), Version: 2}})
		},
	})
	c := newTestClient(t, srv.URL, Config{Actor: "alice"})

	inv, changed, err := c.GetIfChanged(context.Background(), "inv-2", "")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, "inv-2", inv.ID)

	inv, changed, err = c.GetIfChanged(context.Background(), "inv-2", inv.ETag)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, inv)
}

func TestConditionalWritesSendIfMatch(t *testing.T) {
	var seen atomic.Value
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/investigations/{id}/settings": func(w http.ResponseWriter, r *http.Request) {
			seen.Store(r.Header.Get("If-Match"))
			assert.Equal(t, "alice", r.Header.Get("X-Actor"))
			writeJSON(w, http.StatusOK, map[string]any{"data": Investigation{ID: "inv-3", Stage: StageSettings, Version: 5}})
		},
	})
	c := newTestClient(t, srv.URL, Config{Actor: "alice"})

	inv, err := c.SubmitSettings(context.Background(), "inv-3", 4, Settings{Entity: Entity{ID: "u", Type: "email"}})
	require.NoError(t, err)
	assert.Equal(t, "4", seen.Load())
	assert.Equal(t, StageSettings, inv.Stage)
}

func TestVersionConflictError(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PATCH /v1/investigations/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":             "version_conflict",
				"message":           "investigation was modified",
				"current_version":   7,
				"submitted_version": 6,
			})
		},
	})
	c := newTestClient(t, srv.URL, Config{})

	status := "triage"
	_, err := c.Update(context.Background(), "inv-4", 6, UpdateRequest{Status: &status})
	require.Error(t, err)
	assert.True(t, IsVersionConflict(err))
	var vc *VersionConflictError
	require.ErrorAs(t, err, &vc)
	assert.Equal(t, int64(7), vc.Current)
	assert.Equal(t, int64(6), vc.Submitted)
}

func TestErrorClassification(t *testing.T) {
	codes := map[string]int{
		"/v1/investigations/missing/progress": http.StatusNotFound,
		"/v1/investigations/slow/progress":    http.StatusTooManyRequests,
		"/v1/investigations/anon/progress":    http.StatusUnauthorized,
	}
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/investigations/{id}/progress": func(w http.ResponseWriter, r *http.Request) {
			code := codes[r.URL.Path]
			writeJSON(w, code, map[string]any{"error": map[string]any{"code": http.StatusText(code), "message": "nope"}})
		},
		"POST /v1/investigations/{id}/cancel": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusPreconditionRequired, map[string]any{"error": map[string]any{"code": "PRECONDITION_REQUIRED", "message": "If-Match required"}})
		},
	})
	c := newTestClient(t, srv.URL, Config{})
	ctx := context.Background()

	_, err := c.Progress(ctx, "missing")
	assert.True(t, IsNotFound(err))
	_, err = c.Progress(ctx, "slow")
	assert.True(t, IsRateLimited(err))
	_, err = c.Progress(ctx, "anon")
	assert.True(t, IsUnauthorized(err))
	_, err = c.Cancel(ctx, "x", 1)
	assert.True(t, IsPreconditionRequired(err))
	assert.False(t, IsVersionConflict(err))
}

func TestEventsQuery(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/investigations/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			assert.Equal(t, "0000000000001_000001", q.Get("since"))
			assert.Equal(t, "25", q.Get("limit"))
			assert.Equal(t, "5s", q.Get("wait"))
			writeJSON(w, http.StatusOK, map[string]any{"data": EventPage{
				Items:      []Event{{Cursor: "0000000000002_000000", Type: "run_started"}},
				NextCursor: "0000000000002_000000",
			}})
		},
	})
	c := newTestClient(t, srv.URL, Config{})

	page, err := c.Events(context.Background(), "inv-5", EventsOptions{Since: "0000000000001_000001", Limit: 25, Wait: 5 * time.Second})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "run_started", page.Items[0].Type)
}

func TestFollowUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/investigations/{id}/events": func(w http.ResponseWriter, r *http.Request) {
			since := r.URL.Query().Get("since")
			var items []Event
			switch since {
			case "":
				items = []Event{{Cursor: "c1", Type: "run_started"}, {Cursor: "c2", Type: "tool_completed"}}
			case "c2":
				items = []Event{{Cursor: "c3", Type: "run_completed"}}
			}
			page := EventPage{Items: items}
			if len(items) > 0 {
				page.NextCursor = items[len(items)-1].Cursor
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": page})
		},
		"GET /v1/investigations/{id}/progress": func(w http.ResponseWriter, r *http.Request) {
			stage := StageInProgress
			if polls.Add(1) >= 2 {
				stage = StageCompleted
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": Progress{Stage: stage, CompletionPercent: 100}})
		},
	})
	c := newTestClient(t, srv.URL, Config{})

	var types []string
	p, err := c.Follow(context.Background(), "inv-6", func(ev Event) { types = append(types, ev.Type) })
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, p.Stage)
	assert.Equal(t, []string{"run_started", "tool_completed", "run_completed"}, types)
}

func TestRunWithoutBody(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/investigations/{id}/run": func(w http.ResponseWriter, r *http.Request) {
			assert.Empty(t, r.Header.Get("Content-Type"))
			assert.Equal(t, "3", r.Header.Get("If-Match"))
			w.Header().Set("ETag", `"inv-7:4"`)
			writeJSON(w, http.StatusAccepted, map[string]any{"data": RunResponse{
				Investigation: Investigation{ID: "inv-7", Stage: StageInProgress, Version: 4},
				Decision:      StrategyDecision{Selected: "parallel", Reason: "default"},
				Analyzers:     []string{"network", "device"},
			}})
		},
	})
	c := newTestClient(t, srv.URL, Config{})

	resp, err := c.Run(context.Background(), "inv-7", 3, nil)
	require.NoError(t, err)
	assert.Equal(t, `"inv-7:4"`, resp.Investigation.ETag)
	assert.Equal(t, "parallel", resp.Decision.Selected)
	assert.Len(t, resp.Analyzers, 2)
}

func TestTerminal(t *testing.T) {
	for _, s := range []string{StageCompleted, StageError, StageCancelled} {
		assert.True(t, Terminal(s), s)
	}
	for _, s := range []string{StageCreated, StageSettings, StageInProgress} {
		assert.False(t, Terminal(s), s)
	}
}
