// Package olorin is the public API for embedding the Olorin investigation
// engine.
//
// Consumers construct and run the server without forking it:
//
//	app, err := olorin.New(
//	    olorin.WithVersion(version),
//	    olorin.WithLogger(logger),
//	    olorin.WithAnalyzers(networkAnalyzer{}, deviceAnalyzer{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// olorin (root) imports internal/*, never the other way around. Public types
// carry no internal imports; the adapters that convert between the two sides
// live in this file.
package olorin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/api"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/auth"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/config"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/mcp"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/ratelimit"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/server"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/coordinator"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage/sqlite"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/summarize"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/telemetry"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/migrations"
)

const (
	httpDrainTimeout = 15 * time.Second
	runDrainTimeout  = 30 * time.Second
)

// App is the engine lifecycle. Construct with New, run with Run.
type App struct {
	cfg     config.Config
	store   storage.Store
	pg      *storage.DB // nil on SQLite
	srv     *server.Server
	runner  *coordinator.Runner
	logger  *slog.Logger
	version string

	notifier   *progress.Notifier
	fileSource *routing.FileSource // nil without OLORIN_ROUTING_FILE
	monitor    *routing.RollbackMonitor
	limiter    *ratelimit.MemoryLimiter // nil when rate limiting is off

	stopRuns     context.CancelFunc
	otelShutdown telemetry.Shutdown
}

// New loads configuration, opens the store, applies migrations and wires
// every subsystem. It starts no goroutines; call Run.
func New(opts ...Option) (*App, error) {
	o := resolve(opts)
	ctx := context.Background()

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}
	logger := o.logger

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     o.version,
	})
	if err != nil {
		return nil, err
	}

	store, pg, err := openStore(ctx, cfg, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, err
	}

	a := &App{
		cfg:          cfg,
		store:        store,
		pg:           pg,
		logger:       logger,
		version:      o.version,
		otelShutdown: otelShutdown,
	}
	if err := a.wire(o); err != nil {
		store.Close(ctx)
		_ = otelShutdown(ctx)
		return nil, err
	}
	return a, nil
}

func (a *App) wire(o resolvedOptions) error {
	cfg, logger := a.cfg, a.logger

	a.notifier = progress.NewNotifier(logger)
	events := progress.New(a.store, a.notifier, logger)
	records := investigations.New(a.store, events, logger)

	a.monitor = routing.NewRollbackMonitor(a.store, routing.RollbackConfig{
		Interval:   cfg.RollbackInterval,
		Window:     cfg.RollbackWindow,
		ErrorRate:  cfg.RollbackErrorRate,
		Latency:    cfg.RollbackLatency,
		MinSamples: cfg.RollbackMinSamples,
	}, logger)
	signals := routing.Signals{Base: routing.StaticSource{}, Monitor: a.monitor}
	if cfg.RoutingFile != "" {
		fs, err := routing.NewFileSource(cfg.RoutingFile, logger)
		if err != nil {
			return fmt.Errorf("routing: %w", err)
		}
		a.fileSource = fs
		signals.Base = fs
	}
	defaultStrategy := model.Strategy(cfg.DefaultStrategy)
	if !defaultStrategy.Valid() {
		return fmt.Errorf("config: OLORIN_DEFAULT_STRATEGY must be %q or %q, got %q",
			model.StrategyParallel, model.StrategySequential, cfg.DefaultStrategy)
	}
	selector := routing.NewSelector(signals, defaultStrategy, logger)

	analyzers := newAnalyzers(cfg, o, logger)
	coord := coordinator.New(a.store, events, newSummarizer(cfg, o, logger), coordinator.Config{
		AnalyzerTimeout: cfg.AnalyzerTimeout,
		ProgressRetries: cfg.ProgressRetries,
	}, logger)

	runCtx, stopRuns := context.WithCancel(context.Background())
	a.stopRuns = stopRuns
	a.runner = coordinator.NewRunner(runCtx, coordinator.RunnerConfig{
		Coordinator:    coord,
		Investigations: records,
		Store:          a.store,
		Selector:       selector,
		Analyzers:      analyzers,
		Events:         events,
		RunTimeout:     cfg.RunTimeout,
		Logger:         logger,
	})

	var verifier *auth.Verifier
	if cfg.JWTPublicKeyPath != "" {
		pub, err := auth.LoadPublicKey(cfg.JWTPublicKeyPath)
		if err != nil {
			stopRuns()
			return fmt.Errorf("auth: %w", err)
		}
		verifier = auth.NewVerifier(pub, cfg.JWTAudience)
	} else {
		logger.Warn("OLORIN_JWT_PUBLIC_KEY not set: requests are unauthenticated")
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		limiter = a.limiter
	}

	mcpSrv := mcp.New(records, events, selector, logger, a.version)

	a.srv = server.New(server.ServerConfig{
		Investigations:      records,
		Runner:              a.runner,
		Progress:            events,
		Selector:            selector,
		Store:               a.store,
		Logger:              logger,
		Verifier:            verifier,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         api.OpenAPISpec,
	})
	return nil
}

// Handler returns the root HTTP handler without starting a listener.
func (a *App) Handler() http.Handler { return a.srv.Handler() }

// Run starts background goroutines and the HTTP server, then blocks until
// ctx is cancelled or the server fails. Shutdown is called on return.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("olorin starting", "version", a.version, "port", a.cfg.Port, "db_driver", a.cfg.DBDriver)

	if a.pg != nil && a.pg.HasNotifyConn() {
		go a.notifier.Run(ctx, a.pg)
	}
	if a.fileSource != nil {
		go func() {
			if err := a.fileSource.Watch(ctx); err != nil {
				a.logger.Error("routing file watch stopped", "error", err)
			}
		}()
	}
	if err := a.monitor.Start(ctx); err != nil {
		return errors.Join(err, a.Shutdown(context.Background()))
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	return errors.Join(runErr, a.Shutdown(context.Background()))
}

// Shutdown stops accepting requests, gives in-flight runs a bounded time to
// finish and then cancels them, and finally releases the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("olorin shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, httpDrainTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	runCtx, runCancel := context.WithTimeout(ctx, runDrainTimeout)
	if err := a.runner.Wait(runCtx); err != nil {
		a.logger.Warn("runs still active at shutdown, cancelling", "error", err)
		a.stopRuns()
		// Cancelled runs record their terminal stage before returning.
		_ = a.runner.Wait(context.Background())
	}
	runCancel()
	a.stopRuns()

	a.monitor.Stop()
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		a.logger.Warn("telemetry shutdown", "error", err)
	}
	a.store.Close(context.Background())

	a.logger.Info("olorin stopped")
	return nil
}

// Migrate opens the configured store and applies the schema, then closes it.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolve(opts)
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	store, _, err := openStore(ctx, cfg, o.logger)
	if err != nil {
		return err
	}
	store.Close(ctx)
	return nil
}

func resolve(opts []Option) resolvedOptions {
	o := resolvedOptions{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// loadConfig reads .env and the environment, then applies option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	switch {
	case o.sqlitePath != "":
		cfg.DBDriver = config.DriverSQLite
		cfg.SQLitePath = o.sqlitePath
	case o.databaseURL != "":
		cfg.DBDriver = config.DriverPostgres
		cfg.DatabaseURL = o.databaseURL
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// openStore returns the store for cfg.DBDriver. The *storage.DB is non-nil
// only for Postgres, which also carries LISTEN/NOTIFY.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (storage.Store, *storage.DB, error) {
	if cfg.DBDriver == config.DriverSQLite {
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, nil, err
	}
	db.RegisterPoolMetrics()
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return db, db, nil
}

func newAnalyzers(cfg config.Config, o resolvedOptions, logger *slog.Logger) []analyzer.Analyzer {
	if len(o.analyzers) > 0 {
		out := make([]analyzer.Analyzer, 0, len(o.analyzers))
		for _, a := range o.analyzers {
			out = append(out, analyzerAdapter{a})
		}
		return out
	}
	if cfg.AnalyzerURL == "" {
		logger.Warn("OLORIN_ANALYZER_URL not set and no analyzers provided: runs will be rejected")
		return nil
	}
	return analyzer.NewHTTPSet(cfg.AnalyzerURL, cfg.AnalyzerDomains, cfg.AnalyzerTimeout)
}

func newSummarizer(cfg config.Config, o resolvedOptions, logger *slog.Logger) summarize.Summarizer {
	switch {
	case o.summarizer != nil:
		return summarizerAdapter{o.summarizer}
	case cfg.SummarizerURL != "":
		logger.Info("summarizer: ollama", "url", cfg.SummarizerURL, "model", cfg.SummarizerModel)
		return summarize.NewOllama(cfg.SummarizerURL, cfg.SummarizerModel)
	default:
		logger.Info("summarizer: template")
		return summarize.Noop{}
	}
}

// analyzerAdapter wraps a public Analyzer to satisfy analyzer.Analyzer.
type analyzerAdapter struct {
	inner Analyzer
}

func (a analyzerAdapter) Domain() string { return a.inner.Domain() }

func (a analyzerAdapter) Analyze(ctx context.Context, entity model.Entity, window model.TimeRange) (model.DomainFinding, error) {
	f, err := a.inner.Analyze(ctx,
		Entity{ID: entity.ID, Type: entity.Type},
		TimeRange{Start: window.Start, End: window.End},
	)
	if err != nil {
		return model.DomainFinding{}, err
	}
	return model.DomainFinding{
		Domain:     a.inner.Domain(),
		RiskScore:  f.RiskScore,
		Confidence: f.Confidence,
		Narrative:  f.Narrative,
		Evidence:   f.Evidence,
		TokensUsed: f.TokensUsed,
		Cost:       f.Cost,
	}, nil
}

// summarizerAdapter wraps a public Summarizer to satisfy summarize.Summarizer.
type summarizerAdapter struct {
	inner Summarizer
}

func (s summarizerAdapter) Summarize(ctx context.Context, in summarize.Input) (summarize.Summary, error) {
	domains := make([]DomainStatus, len(in.Domains))
	for i, d := range in.Domains {
		domains[i] = DomainStatus{Domain: d.Domain, Status: d.Status}
	}
	out, err := s.inner.Summarize(ctx, SummaryInput{
		InvestigationID: in.InvestigationID,
		EntityType:      in.EntityType,
		AggregateScore:  in.AggregateScore,
		Domains:         domains,
	})
	if err != nil {
		return summarize.Summary{}, err
	}
	return summarize.Summary{Score: out.Score, Narrative: out.Narrative}, nil
}
