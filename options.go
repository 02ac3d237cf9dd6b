package olorin

import (
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	sqlitePath  string
	logger      *slog.Logger
	version     string
	analyzers   []Analyzer
	summarizer  Summarizer
}

// WithPort overrides the TCP port from config (OLORIN_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL selects the Postgres driver with the given connection string.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithSQLitePath selects the SQLite driver backed by the file at path.
// Takes precedence over WithDatabaseURL.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithAnalyzers replaces the configured HTTP domain analyzers.
// Later calls append.
func WithAnalyzers(analyzers ...Analyzer) Option {
	return func(o *resolvedOptions) { o.analyzers = append(o.analyzers, analyzers...) }
}

// WithSummarizer replaces the built-in summarizer. Only the last call wins.
func WithSummarizer(s Summarizer) Option {
	return func(o *resolvedOptions) { o.summarizer = s }
}
