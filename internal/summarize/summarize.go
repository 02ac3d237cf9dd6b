// Package summarize turns an aggregate risk score into a narrative through an
// external summarization capability.
//
// Summarizers only ever see the aggregate score and which domains completed
// or failed. Individual domain scores are never passed on.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable marks transient failures: the capability is down or
	// overloaded and a later call may succeed.
	ErrUnavailable = errors.New("summarize: unavailable")

	// ErrMalformed marks requests or responses the capability could not use.
	ErrMalformed = errors.New("summarize: malformed")
)

// HTTPError carries the status code of a failed summarizer call.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("summarize: status %d", e.StatusCode)
	}
	return fmt.Sprintf("summarize: status %d: %s", e.StatusCode, e.Body)
}

// DomainStatus names a domain and whether its analyzer completed or failed.
type DomainStatus struct {
	Domain string `json:"domain"`
	Status string `json:"status"`
}

// Input is everything a summarizer may see.
type Input struct {
	InvestigationID string
	EntityType      string
	AggregateScore  float64
	Domains         []DomainStatus
}

// Summary is the capability's verdict: a score in [0,1] and narrative text.
type Summary struct {
	Score     float64
	Narrative string
}

// Summarizer produces a Summary.
type Summarizer interface {
	Summarize(ctx context.Context, in Input) (Summary, error)
}

// Noop returns the aggregate score unchanged with a templated narrative.
type Noop struct{}

// Summarize implements Summarizer.
func (Noop) Summarize(_ context.Context, in Input) (Summary, error) {
	return Summary{Score: in.AggregateScore, Narrative: Template(in)}, nil
}

// Template renders the narrative used when no summarizer is configured and
// as the text of every fallback result.
func Template(in Input) string {
	var completed, failed []string
	for _, d := range in.Domains {
		if d.Status == "failed" {
			failed = append(failed, d.Domain)
		} else {
			completed = append(completed, d.Domain)
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Overall risk %.2f (%s).", in.AggregateScore, Level(in.AggregateScore))
	if len(completed) > 0 {
		fmt.Fprintf(&b, " Analyzed: %s.", strings.Join(completed, ", "))
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, " Unavailable: %s.", strings.Join(failed, ", "))
	}
	return b.String()
}

// Level buckets a score for display.
func Level(score float64) string {
	switch {
	case score >= 0.8:
		return "critical"
	case score >= 0.6:
		return "high"
	case score >= 0.3:
		return "medium"
	default:
		return "low"
	}
}
