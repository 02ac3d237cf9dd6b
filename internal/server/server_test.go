package server_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/auth"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/mcp"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/ratelimit"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/server"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/coordinator"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/testutil"
)

const settingsJSON = `{"entity":{"id":"user-42","type":"user_id"},"window_days":7}`

type testEnv struct {
	srv    *httptest.Server
	runner *coordinator.Runner
}

type envOptions struct {
	verifier  *auth.Verifier
	limiter   ratelimit.Limiter
	analyzers []analyzer.Analyzer
	mcp       bool
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := testutil.TestLogger()
	st := testutil.NewSQLiteStore(t)
	events := progress.New(st, progress.NewNotifier(logger), logger)
	records := investigations.New(st, events, logger)
	sel := routing.NewSelector(routing.StaticSource(routing.Snapshot{}), model.StrategyParallel, logger)

	if opts.analyzers == nil {
		opts.analyzers = fiveAndOneFailing()
	}
	runner := coordinator.NewRunner(context.Background(), coordinator.RunnerConfig{
		Coordinator:    coordinator.New(st, events, nil, coordinator.Config{}, logger),
		Investigations: records,
		Store:          st,
		Selector:       sel,
		Analyzers:      opts.analyzers,
		Events:         events,
		RunTimeout:     10 * time.Second,
		Logger:         logger,
	})

	cfg := server.ServerConfig{
		Investigations: records,
		Runner:         runner,
		Progress:       events,
		Selector:       sel,
		Store:          st,
		Logger:         logger,
		Verifier:       opts.verifier,
		Limiter:        opts.limiter,
		Version:        "test",
	}
	if opts.mcp {
		cfg.MCPServer = mcp.New(records, events, sel, logger, "test").MCPServer()
	}
	ts := httptest.NewServer(server.New(cfg).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = runner.Wait(ctx)
		ts.Close()
	})
	return &testEnv{srv: ts, runner: runner}
}

func fiveAndOneFailing() []analyzer.Analyzer {
	f := func(score float64) model.DomainFinding {
		return model.DomainFinding{RiskScore: score, Confidence: 0.9}
	}
	return []analyzer.Analyzer{
		analyzer.Static{Name: model.DomainNetwork, Finding: f(0.8)},
		analyzer.Static{Name: model.DomainDevice, Finding: f(0.4)},
		analyzer.Static{Name: model.DomainLocation, Finding: f(0.2)},
		analyzer.Static{Name: model.DomainLogs, Finding: f(0.6)},
		analyzer.Static{Name: model.DomainAuthentication, Finding: f(0.5)},
		analyzer.Static{Name: model.DomainRisk, Err: errors.New("upstream timeout")},
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeData[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var env struct {
		Data T `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env.Data
}

func decodeErrorCode(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body model.APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error.Code
}

// create posts a new investigation and submits settings, returning the
// version after settings.
func (e *testEnv) create(t *testing.T, id string) int64 {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: id, Owner: "analyst"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(t, http.MethodPut, "/v1/investigations/"+id+"/settings", settingsJSON, map[string]string{"If-Match": "1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	return decodeData[model.Investigation](t, resp).Version
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	h := decodeData[model.HealthResponse](t, resp)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "ok", h.Storage)
	assert.Equal(t, "test", h.Version)
	assert.Zero(t, h.ActiveRuns)
}

func TestCreateAndConditionalGet(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp := e.do(t, http.MethodPost, "/v1/investigations",
		model.CreateInvestigationRequest{ID: "inv-get", Owner: "analyst"}, map[string]string{"X-Actor": "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tag := resp.Header.Get("ETag")
	require.NotEmpty(t, tag)
	assert.Equal(t, "/v1/investigations/inv-get", resp.Header.Get("Location"))

	inv := decodeData[model.Investigation](t, resp)
	assert.Equal(t, int64(1), inv.Version)
	assert.Equal(t, model.StageCreated, inv.Stage)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-get", nil, map[string]string{"If-None-Match": tag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-get", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, tag, resp.Header.Get("ETag"))

	resp = e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-get"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/investigations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, model.ErrCodeNotFound, decodeErrorCode(t, resp))
}

func TestCreateRejectsBadBodies(t *testing.T) {
	e := newTestEnv(t, envOptions{})

	resp := e.do(t, http.MethodPost, "/v1/investigations", `{"id":"x","bogus":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/investigations", `{"id":"a"}{"id":"b"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/investigations", `{"id":"bad id with spaces"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, model.ErrCodeInvalidInput, decodeErrorCode(t, resp))
}

func TestUpdateRequiresPrecondition(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp := e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-patch"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	status := "triaged"
	resp = e.do(t, http.MethodPatch, "/v1/investigations/inv-patch", model.UpdateInvestigationRequest{Status: &status}, nil)
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	assert.Equal(t, model.ErrCodePreconditionRequired, decodeErrorCode(t, resp))

	resp = e.do(t, http.MethodPatch, "/v1/investigations/inv-patch", model.UpdateInvestigationRequest{Status: &status},
		map[string]string{"If-Match": "1", "X-Actor": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inv := decodeData[model.Investigation](t, resp)
	assert.Equal(t, int64(2), inv.Version)
	assert.Equal(t, "triaged", inv.Status)

	for _, stage := range []model.LifecycleStage{model.StageInProgress, model.StageCompleted, model.StageError} {
		resp = e.do(t, http.MethodPatch, "/v1/investigations/inv-patch", model.UpdateInvestigationRequest{Stage: &stage},
			map[string]string{"If-Match": "2"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "stage %s", stage)
		assert.Equal(t, model.ErrCodeInvalidInput, decodeErrorCode(t, resp))
	}

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-patch", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), decodeData[model.Investigation](t, resp).Version, "rejected stage patches write nothing")

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-patch/versions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data  []model.VersionChange `json:"data"`
		Total int                   `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotEmpty(t, list.Data)
	assert.Equal(t, list.Total, len(list.Data))
	var sawBob bool
	for _, c := range list.Data {
		if c.Actor == "bob" {
			sawBob = true
			assert.Contains(t, c.ChangedFields, "status")
		}
	}
	assert.True(t, sawBob)
}

func TestStaleWriteReturnsFlatConflict(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp := e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-stale"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	staleTag := resp.Header.Get("ETag")

	status := "first"
	resp = e.do(t, http.MethodPatch, "/v1/investigations/inv-stale", model.UpdateInvestigationRequest{Status: &status},
		map[string]string{"If-Match": staleTag})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	status = "second"
	for _, pre := range []string{"1", staleTag} {
		resp = e.do(t, http.MethodPatch, "/v1/investigations/inv-stale", model.UpdateInvestigationRequest{Status: &status},
			map[string]string{"If-Match": pre})
		require.Equal(t, http.StatusConflict, resp.StatusCode, "If-Match %s", pre)

		var body model.VersionConflictResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, model.VersionConflictCode, body.Error)
		assert.Equal(t, int64(2), body.CurrentVersion)
		assert.Equal(t, int64(1), body.SubmittedVersion)
	}
}

func TestRunToCompletion(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	v := e.create(t, "inv-run")

	resp := e.do(t, http.MethodPost, "/v1/investigations/inv-run/run", nil,
		map[string]string{"If-Match": strconv.FormatInt(v, 10)})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	run := decodeData[model.RunResponse](t, resp)
	assert.Equal(t, model.StageInProgress, run.Investigation.Stage)
	assert.Equal(t, model.StrategyParallel, run.Decision.Selected)
	assert.Len(t, run.Analyzers, 6)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Wait(ctx))

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/progress", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tag := resp.Header.Get("ETag")
	view := decodeData[model.ProgressView](t, resp)
	assert.Equal(t, model.StageCompleted, view.Stage)
	assert.Equal(t, 100, view.CompletionPercent)
	assert.Equal(t, 6, view.TotalTools)
	assert.Equal(t, 5, view.CompletedTools)
	assert.Equal(t, 1, view.FailedTools)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/progress", nil, map[string]string{"If-None-Match": tag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/tools", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tools := decodeData[model.ToolExecutionsResponse](t, resp)
	assert.Equal(t, 6, tools.Stats.Total)
	assert.Equal(t, 5, tools.Stats.Completed)
	assert.Equal(t, 1, tools.Stats.Failed)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/events?limit=500", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	evTag := resp.Header.Get("ETag")
	page := decodeData[model.EventPage](t, resp)
	require.NotEmpty(t, page.Items)
	types := make([]model.EventType, 0, len(page.Items))
	for i, ev := range page.Items {
		types = append(types, ev.Type)
		if i > 0 {
			assert.Less(t, page.Items[i-1].Cursor, ev.Cursor)
		}
	}
	assert.Contains(t, types, model.EventRunStarted)
	assert.Contains(t, types, model.EventRunCompleted)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/events?limit=500", nil, map[string]string{"If-None-Match": evTag})
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	last := page.Items[len(page.Items)-1].Cursor
	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-run/events?since="+last, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeData[model.EventPage](t, resp).Items)

	// A second run on a finished investigation is rejected.
	resp = e.do(t, http.MethodPost, "/v1/investigations/inv-run/run", nil, map[string]string{"If-Match": fmt.Sprint(view.Version)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEventsRejectsMalformedCursor(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.create(t, "inv-cursor")
	resp := e.do(t, http.MethodGet, "/v1/investigations/inv-cursor/events?since=not-a-cursor", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-cursor/events?wait=forever", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseResumeWithoutActiveRun(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	e.create(t, "inv-idle")

	resp := e.do(t, http.MethodPost, "/v1/investigations/inv-idle/pause", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/investigations/inv-idle/messages", model.MessageRequest{Message: "focus on device"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = e.do(t, http.MethodPost, "/v1/investigations/inv-idle/messages", model.MessageRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelFromSettings(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	v := e.create(t, "inv-cancel")

	resp := e.do(t, http.MethodPost, "/v1/investigations/inv-cancel/cancel", nil, nil)
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/investigations/inv-cancel/cancel", nil,
		map[string]string{"If-Match": strconv.FormatInt(v, 10)})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	inv := decodeData[model.Investigation](t, resp)
	assert.Equal(t, model.StageCancelled, inv.Stage)
	assert.Equal(t, v+1, inv.Version)
}

func TestRoutingPreview(t *testing.T) {
	e := newTestEnv(t, envOptions{})
	resp := e.do(t, http.MethodGet, "/v1/routing/preview/inv-any", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decodeData[model.StrategyDecision](t, resp)
	assert.Equal(t, model.StrategyParallel, d.Selected)
	assert.Equal(t, model.ReasonDefault, d.Reason)

	resp = e.do(t, http.MethodGet, "/v1/routing/preview/inv-any?force_strategy=sequential", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ReasonForced, decodeData[model.StrategyDecision](t, resp).Reason)

	resp = e.do(t, http.MethodGet, "/v1/routing/preview/inv-any?force_strategy=warp", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBearerTokenRequired(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	e := newTestEnv(t, envOptions{verifier: auth.NewVerifier(pub, "olorin")})

	resp := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-auth"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, model.ErrCodeUnauthorized, decodeErrorCode(t, resp))

	resp = e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-auth"},
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := auth.Sign(priv, "carol", "olorin", time.Minute)
	require.NoError(t, err)
	resp = e.do(t, http.MethodPost, "/v1/investigations", model.CreateInvestigationRequest{ID: "inv-auth"},
		map[string]string{"Authorization": "Bearer " + token, "X-Actor": "mallory"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "carol", decodeData[model.Investigation](t, resp).Owner)
}

func TestPollingIsRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 2)
	t.Cleanup(func() { _ = limiter.Close() })
	e := newTestEnv(t, envOptions{limiter: limiter})
	e.create(t, "inv-poll")

	for range 2 {
		resp := e.do(t, http.MethodGet, "/v1/investigations/inv-poll/progress", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp := e.do(t, http.MethodGet, "/v1/investigations/inv-poll/progress", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	// Writes are not polled and stay unlimited.
	resp = e.do(t, http.MethodGet, "/v1/investigations/inv-poll/versions", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMCPOverHTTP(t *testing.T) {
	e := newTestEnv(t, envOptions{mcp: true})
	e.create(t, "inv-mcp")

	c, err := mcpclient.NewStreamableHttpClient(e.srv.URL+"/mcp",
		mcptransport.WithHTTPHeaders(map[string]string{"X-Actor": "agent-1"}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	ctx := context.Background()
	initResult, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ClientInfo: mcplib.Implementation{Name: "test-client", Version: "1.0"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "olorin", initResult.ServerInfo.Name)
	assert.Equal(t, "test", initResult.ServerInfo.Version)

	tools, err := c.ListTools(ctx, mcplib.ListToolsRequest{})
	require.NoError(t, err)
	names := make([]string, 0, len(tools.Tools))
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
		require.NotNil(t, tool.Annotations.ReadOnlyHint, tool.Name)
		assert.True(t, *tool.Annotations.ReadOnlyHint, tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"olorin_investigation", "olorin_progress", "olorin_events", "olorin_strategy_preview",
	}, names)

	res, err := c.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      "olorin_progress",
			Arguments: map[string]any{"investigation_id": "inv-mcp"},
		},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)
	text, ok := res.Content[0].(mcplib.TextContent)
	require.True(t, ok)
	var view model.ProgressView
	require.NoError(t, json.Unmarshal([]byte(text.Text), &view))
	assert.Equal(t, model.StageSettings, view.Stage)
}
