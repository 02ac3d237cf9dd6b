package olorin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is a bearer JWT. Required when the server verifies tokens.
	Token string

	// Actor is sent as X-Actor when Token is empty, for servers running
	// without token verification.
	Actor string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual requests. Defaults to 30 seconds and is
	// extended by the wait of long-poll reads.
	Timeout time.Duration
}

// Client calls the investigation API. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	actor   string
	client  *http.Client
}

// NewClient creates a Client from cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("olorin: BaseURL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout + maxWait}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		actor:   cfg.Actor,
		client:  httpClient,
	}, nil
}

// maxWait is the server's long-poll cap.
const maxWait = 30 * time.Second

// Create creates an investigation at version 1.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Investigation, error) {
	var inv Investigation
	h, err := c.do(ctx, http.MethodPost, "/v1/investigations", req, nil, &inv)
	if err != nil {
		return nil, err
	}
	inv.ETag = h.Get("ETag")
	return &inv, nil
}

// Get reads an investigation.
func (c *Client) Get(ctx context.Context, id string) (*Investigation, error) {
	inv, _, err := c.GetIfChanged(ctx, id, "")
	return inv, err
}

// GetIfChanged reads an investigation unless it still matches etag, in which
// case it returns (nil, false, nil).
func (c *Client) GetIfChanged(ctx context.Context, id, etag string) (*Investigation, bool, error) {
	var hdr map[string]string
	if etag != "" {
		hdr = map[string]string{"If-None-Match": etag}
	}
	var inv Investigation
	h, err := c.do(ctx, http.MethodGet, investigationPath(id, ""), nil, hdr, &inv)
	if errors.Is(err, errNotModified) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	inv.ETag = h.Get("ETag")
	return &inv, true, nil
}

// Update applies a partial update based on version.
func (c *Client) Update(ctx context.Context, id string, version int64, req UpdateRequest) (*Investigation, error) {
	return c.write(ctx, http.MethodPatch, investigationPath(id, ""), version, req)
}

// SubmitSettings stores settings and moves the investigation to SETTINGS.
func (c *Client) SubmitSettings(ctx context.Context, id string, version int64, s Settings) (*Investigation, error) {
	return c.write(ctx, http.MethodPut, investigationPath(id, "/settings"), version, s)
}

// Cancel cancels the investigation and any active run.
func (c *Client) Cancel(ctx context.Context, id string, version int64) (*Investigation, error) {
	return c.write(ctx, http.MethodPost, investigationPath(id, "/cancel"), version, nil)
}

// Run starts a run. req may be nil.
func (c *Client) Run(ctx context.Context, id string, version int64, req *RunRequest) (*RunResponse, error) {
	var body any
	if req != nil {
		body = req
	}
	var resp RunResponse
	h, err := c.do(ctx, http.MethodPost, investigationPath(id, "/run"), body, ifMatch(version), &resp)
	if err != nil {
		return nil, err
	}
	resp.Investigation.ETag = h.Get("ETag")
	return &resp, nil
}

// Pause pauses the active run between analyzer launches.
func (c *Client) Pause(ctx context.Context, id string) (*RunControl, error) {
	var rc RunControl
	if _, err := c.do(ctx, http.MethodPost, investigationPath(id, "/pause"), nil, nil, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Resume resumes a paused run.
func (c *Client) Resume(ctx context.Context, id string) (*RunControl, error) {
	var rc RunControl
	if _, err := c.do(ctx, http.MethodPost, investigationPath(id, "/resume"), nil, nil, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Message queues an operator message for the active run.
func (c *Client) Message(ctx context.Context, id, msg string) (*RunControl, error) {
	var rc RunControl
	body := map[string]string{"message": msg}
	if _, err := c.do(ctx, http.MethodPost, investigationPath(id, "/messages"), body, nil, &rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Progress reads the progress view.
func (c *Client) Progress(ctx context.Context, id string) (*Progress, error) {
	var p Progress
	if _, err := c.do(ctx, http.MethodGet, investigationPath(id, "/progress"), nil, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Events reads one page of the event stream.
func (c *Client) Events(ctx context.Context, id string, opts EventsOptions) (*EventPage, error) {
	q := url.Values{}
	if opts.Since != "" {
		q.Set("since", opts.Since)
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Wait > 0 {
		q.Set("wait", opts.Wait.String())
	}
	path := investigationPath(id, "/events")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page EventPage
	if _, err := c.do(ctx, http.MethodGet, path, nil, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Tools lists the tool execution ledger.
func (c *Client) Tools(ctx context.Context, id string) (*ToolsResponse, error) {
	var t ToolsResponse
	if _, err := c.do(ctx, http.MethodGet, investigationPath(id, "/tools"), nil, nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Follow long-polls the event stream, calling fn for every event, until the
// investigation reaches a terminal stage. It returns the final progress view.
func (c *Client) Follow(ctx context.Context, id string, fn func(Event)) (*Progress, error) {
	since := ""
	for {
		page, err := c.Events(ctx, id, EventsOptions{Since: since, Wait: 20 * time.Second})
		if err != nil {
			return nil, err
		}
		for _, ev := range page.Items {
			if fn != nil {
				fn(ev)
			}
		}
		if page.NextCursor != "" {
			since = page.NextCursor
		}
		if page.HasMore {
			continue
		}
		p, err := c.Progress(ctx, id)
		if err != nil {
			return nil, err
		}
		if Terminal(p.Stage) {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
}

func investigationPath(id, suffix string) string {
	return "/v1/investigations/" + url.PathEscape(id) + suffix
}

func ifMatch(version int64) map[string]string {
	return map[string]string{"If-Match": strconv.FormatInt(version, 10)}
}

func (c *Client) write(ctx context.Context, method, path string, version int64, body any) (*Investigation, error) {
	var inv Investigation
	h, err := c.do(ctx, method, path, body, ifMatch(version), &inv)
	if err != nil {
		return nil, err
	}
	inv.ETag = h.Get("ETag")
	return &inv, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

var errNotModified = &Error{StatusCode: http.StatusNotModified, Code: "NOT_MODIFIED"}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// conflictBody is the flat 409 body of a stale conditional write.
type conflictBody struct {
	Error            string `json:"error"`
	Message          string `json:"message"`
	CurrentVersion   int64  `json:"current_version"`
	SubmittedVersion int64  `json:"submitted_version"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, headers map[string]string, dest any) (http.Header, error) {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("olorin: marshal request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("olorin: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.actor != "":
		req.Header.Set("X-Actor", c.actor)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("olorin: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return resp.Header, errNotModified
	}
	return resp.Header, handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("olorin: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("olorin: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("olorin: response has no data")
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) error {
	if statusCode == http.StatusConflict {
		var cb conflictBody
		if err := json.Unmarshal(body, &cb); err == nil && cb.Error == "version_conflict" {
			return &VersionConflictError{Current: cb.CurrentVersion, Submitted: cb.SubmittedVersion, Message: cb.Message}
		}
	}

	apiErr := &Error{StatusCode: statusCode}
	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
