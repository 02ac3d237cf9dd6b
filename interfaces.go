package olorin

import "context"

// Analyzer scores one domain of an entity. When provided via WithAnalyzers,
// replaces the HTTP analyzers built from OLORIN_ANALYZER_URL.
// ctx carries the per-analyzer deadline; an analyzer that outlives it counts
// as failed.
type Analyzer interface {
	Domain() string
	Analyze(ctx context.Context, entity Entity, window TimeRange) (Finding, error)
}

// Summarizer turns the aggregate score and domain statuses into a final score
// and narrative. When provided via WithSummarizer, replaces the Ollama or
// template summarizer. Errors trigger the numeric fallback policies.
type Summarizer interface {
	Summarize(ctx context.Context, in SummaryInput) (Summary, error)
}
