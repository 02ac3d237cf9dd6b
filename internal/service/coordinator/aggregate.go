package coordinator

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/summarize"
)

// Weights is the contribution of each known domain to the overall score.
// Aggregation renormalizes by the weights actually present.
var Weights = map[string]float64{
	model.DomainNetwork:        0.20,
	model.DomainDevice:         0.20,
	model.DomainLocation:       0.15,
	model.DomainLogs:           0.15,
	model.DomainAuthentication: 0.20,
	model.DomainRisk:           0.10,
}

// ErrNoScorableDomain is the aggregation failure when no finding carries weight.
var ErrNoScorableDomain = errors.New("coordinator: no scorable domain")

// Aggregate is Σ(weight·score)/Σ(weight present) over successful findings of
// known domains, clamped to [0,1].
func Aggregate(findings []model.DomainFinding) (float64, error) {
	var weighted, total float64
	for _, f := range findings {
		if f.Failed {
			continue
		}
		w, ok := Weights[f.Domain]
		if !ok || w <= 0 {
			continue
		}
		weighted += w * f.RiskScore
		total += w
	}
	if total == 0 {
		return 0, ErrNoScorableDomain
	}
	return clamp(weighted / total), nil
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Fallback policies applied when aggregation or summarization fails.
type Fallback int

const (
	// FallbackAverage is the unweighted mean of available domain scores.
	FallbackAverage Fallback = iota
	// FallbackMax is the maximum available domain score.
	FallbackMax
)

// ClassifyFailure picks the fallback policy for err: malformed-request
// signatures bias toward caution with the maximum score; transient and
// unknown failures use the average.
func ClassifyFailure(err error) Fallback {
	if isMalformed(err) {
		return FallbackMax
	}
	return FallbackAverage
}

// IsTransient reports whether err looks like a temporary external failure.
func IsTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, summarize.ErrUnavailable) {
		return true
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}
	switch statusOf(err) {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isMalformed(err error) bool {
	if errors.Is(err, summarize.ErrMalformed) || errors.Is(err, ErrNoScorableDomain) {
		return true
	}
	switch statusOf(err) {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return true
	}
	return false
}

func statusOf(err error) int {
	var herr *summarize.HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	var serr *analyzer.StatusError
	if errors.As(err, &serr) {
		return serr.StatusCode
	}
	return 0
}

// ApplyFallback computes the policy's score over successful findings of any
// domain. With no usable score it yields 0.
func ApplyFallback(policy Fallback, findings []model.DomainFinding) float64 {
	var (
		sum, peak float64
		n         int
	)
	for _, f := range findings {
		if f.Failed {
			continue
		}
		sum += f.RiskScore
		peak = max(peak, f.RiskScore)
		n++
	}
	if n == 0 {
		return 0
	}
	if policy == FallbackMax {
		return clamp(peak)
	}
	return clamp(sum / float64(n))
}

func (f Fallback) method() string {
	if f == FallbackMax {
		return model.ScoringFallbackMax
	}
	return model.ScoringFallbackAverage
}
