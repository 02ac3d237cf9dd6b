// Package analyzer provides domain analyzer clients. Every analyzer scores one
// dimension of an entity (network, device, location...) over a time window.
package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// Analyzer scores one domain. ctx carries the deadline; an analyzer that
// outlives it is treated as failed.
type Analyzer interface {
	Domain() string
	Analyze(ctx context.Context, entity model.Entity, window model.TimeRange) (model.DomainFinding, error)
}

// StatusError is a non-200 response from an analyzer service.
type StatusError struct {
	Domain     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analyzer %s: status %d: %s", e.Domain, e.StatusCode, e.Body)
}

// HTTP calls a remote analyzer service at POST <base>/v1/analyze/<domain>.
type HTTP struct {
	domain     string
	endpoint   string
	httpClient *http.Client
}

// NewHTTP creates an HTTP analyzer for domain. timeout bounds each call in
// addition to the caller's context.
func NewHTTP(baseURL, domain string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTP{
		domain:     domain,
		endpoint:   strings.TrimRight(baseURL, "/") + "/v1/analyze/" + url.PathEscape(domain),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Domain implements Analyzer.
func (a *HTTP) Domain() string { return a.domain }

type analyzeRequest struct {
	Entity    model.Entity    `json:"entity"`
	TimeRange model.TimeRange `json:"time_range"`
}

type analyzeResponse struct {
	RiskScore  *float64        `json:"risk_score"`
	Narrative  string          `json:"narrative"`
	Confidence float64         `json:"confidence"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
}

// Analyze implements Analyzer.
func (a *HTTP) Analyze(ctx context.Context, entity model.Entity, window model.TimeRange) (model.DomainFinding, error) {
	body, err := json.Marshal(analyzeRequest{Entity: entity, TimeRange: window})
	if err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: marshal: %w", a.domain, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: create request: %w", a.domain, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: request failed: %w", a.domain, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.DomainFinding{}, &StatusError{Domain: a.domain, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var out analyzeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: decode response: %w", a.domain, err)
	}
	if out.RiskScore == nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: response has no risk_score", a.domain)
	}
	if err := checkUnit("risk_score", *out.RiskScore); err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: %w", a.domain, err)
	}
	if err := checkUnit("confidence", out.Confidence); err != nil {
		return model.DomainFinding{}, fmt.Errorf("analyzer %s: %w", a.domain, err)
	}
	return model.DomainFinding{
		Domain:     a.domain,
		RiskScore:  *out.RiskScore,
		Narrative:  out.Narrative,
		Confidence: out.Confidence,
		Evidence:   out.Evidence,
		TokensUsed: out.TokensUsed,
		Cost:       out.Cost,
	}, nil
}

func checkUnit(field string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s %v outside [0,1]", field, v)
	}
	return nil
}

// Static returns a fixed finding, or Err when set. Delay simulates work and
// honours ctx. Used for local runs and tests.
type Static struct {
	Name    string
	Finding model.DomainFinding
	Err     error
	Delay   time.Duration
}

// Domain implements Analyzer.
func (s Static) Domain() string { return s.Name }

// Analyze implements Analyzer.
func (s Static) Analyze(ctx context.Context, _ model.Entity, _ model.TimeRange) (model.DomainFinding, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return model.DomainFinding{}, ctx.Err()
		case <-t.C:
		}
	}
	if s.Err != nil {
		return model.DomainFinding{}, s.Err
	}
	f := s.Finding
	f.Domain = s.Name
	return f, nil
}

// NewHTTPSet builds one HTTP analyzer per domain against baseURL.
func NewHTTPSet(baseURL string, domains []string, timeout time.Duration) []Analyzer {
	out := make([]Analyzer, 0, len(domains))
	for _, d := range domains {
		out = append(out, NewHTTP(baseURL, d, timeout))
	}
	return out
}
