package model

import (
	"encoding/json"
	"time"
)

// Well-known analyzer domains.
const (
	DomainNetwork        = "network"
	DomainDevice         = "device"
	DomainLocation       = "location"
	DomainLogs           = "logs"
	DomainAuthentication = "authentication"
	DomainRisk           = "risk"
)

// Entity is the subject of an investigation.
type Entity struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// TimeRange bounds the activity an analyzer inspects.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Settings is the decoded settings blob.
type Settings struct {
	Entity        Entity     `json:"entity"`
	TimeRange     *TimeRange `json:"time_range,omitempty"`
	WindowDays    int        `json:"window_days,omitempty"`
	Domains       []string   `json:"domains,omitempty"`
	ForceStrategy string     `json:"force_strategy,omitempty"`
}

// DefaultWindowDays applies when settings carry neither time_range nor window_days.
const DefaultWindowDays = 30

// Window resolves the analysis window relative to now.
func (s Settings) Window(now time.Time) TimeRange {
	if s.TimeRange != nil {
		return *s.TimeRange
	}
	days := s.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}
	end := now.UTC()
	return TimeRange{Start: end.AddDate(0, 0, -days), End: end}
}

// DomainFinding is one analyzer's verdict. Failed findings are synthesized
// defaults that carry no weight in aggregation.
type DomainFinding struct {
	Domain     string          `json:"domain"`
	RiskScore  float64         `json:"risk_score"`
	Narrative  string          `json:"narrative,omitempty"`
	Confidence float64         `json:"confidence"`
	Evidence   json.RawMessage `json:"evidence,omitempty"`
	Failed     bool            `json:"failed,omitempty"`
	Error      string          `json:"error,omitempty"`

	// Usage reported by the analyzer, copied to the ledger row.
	TokensUsed int64   `json:"tokens_used,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// DefaultFinding is the zero-impact finding used when an analyzer fails or times out.
func DefaultFinding(domain string, cause error) DomainFinding {
	f := DomainFinding{Domain: domain, Failed: true}
	if cause != nil {
		f.Error = cause.Error()
	}
	return f
}

// Results is the results blob written when a run finishes. WeightedScore is
// the domain-weighted aggregate and is set whenever any domain scored, even
// when OverallRiskScore came from the summarizer or a fallback.
type Results struct {
	OverallRiskScore float64        `json:"overall_risk_score"`
	ScoringMethod    string         `json:"scoring_method"`
	WeightedScore    *float64       `json:"weighted_score,omitempty"`
	Narrative        string         `json:"narrative"`
	Strategy         Strategy       `json:"strategy"`
	Domains          []DomainResult `json:"domains"`
	CompletedCount   int            `json:"completed_count"`
	FailedCount      int            `json:"failed_count"`
	CompletedAt      time.Time      `json:"completed_at"`
}

// DomainResult is the per-domain status kept in results so partial outcomes
// stay queryable.
type DomainResult struct {
	Domain     string   `json:"domain"`
	Status     string   `json:"status"`
	RiskScore  *float64 `json:"risk_score,omitempty"`
	Confidence float64  `json:"confidence"`
	Error      string   `json:"error,omitempty"`
}

// Scoring methods recorded in Results.ScoringMethod.
const (
	ScoringWeighted        = "weighted"
	ScoringFallbackAverage = "fallback_average"
	ScoringFallbackMax     = "fallback_max"
)
