package olorin

import (
	"encoding/json"
	"time"
)

// Entity is the subject of an investigation.
type Entity struct {
	ID   string
	Type string // user_id, email, ip, device_id or account_id
}

// TimeRange bounds the activity an analyzer inspects.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Finding is one analyzer's verdict on one domain.
// No internal package imports, so extensions can build it freely.
type Finding struct {
	RiskScore  float64 // in [0, 1]
	Confidence float64 // in [0, 1]
	Narrative  string
	Evidence   json.RawMessage
	TokensUsed int64
	Cost       float64
}

// DomainStatus names a domain and whether its analyzer completed or failed.
type DomainStatus struct {
	Domain string
	Status string
}

// SummaryInput is what a Summarizer sees. Individual domain scores are
// deliberately absent.
type SummaryInput struct {
	InvestigationID string
	EntityType      string
	AggregateScore  float64
	Domains         []DomainStatus
}

// Summary is a summarizer verdict.
type Summary struct {
	Score     float64
	Narrative string
}
