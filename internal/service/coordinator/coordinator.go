// Package coordinator runs an investigation's domain analyzers and turns
// their findings into a result.
//
// Each analyzer is an independent task bounded by the strategy's concurrency
// limit. Tasks record themselves in the tool ledger and hand their finding to
// a single fan-in loop, which is the only writer of progress. Analyzer
// failures are absorbed into zero-impact default findings; the run fails
// (stage ERROR) only when every analyzer fails.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/summarize"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/telemetry"
)

// storeTimeout bounds each store call. Store calls run detached from the run
// context so ledger rows and the final write land even after cancellation.
const storeTimeout = 10 * time.Second

// errStopped ends a progress write when the record left IN_PROGRESS.
var errStopped = errors.New("coordinator: record no longer in progress")

// Store is the persistence the coordinator writes through.
type Store interface {
	GetInvestigation(ctx context.Context, id string) (model.Investigation, error)
	UpdateInvestigation(ctx context.Context, id string, expectedVersion int64, patch model.InvestigationPatch, actor string) (model.Investigation, error)
	PersistToolExecution(ctx context.Context, exec model.ToolExecution) (uuid.UUID, error)
}

// EventSink records best-effort events.
type EventSink interface {
	Emit(ctx context.Context, id string, typ model.EventType, payload any)
}

// Config tunes a Coordinator.
type Config struct {
	AnalyzerTimeout time.Duration // per-analyzer deadline; zero leaves only the run deadline
	ProgressRetries int           // conflict retries per progress write
	ProgressBackoff time.Duration // base delay between conflict retries
}

// Coordinator executes runs.
type Coordinator struct {
	store      Store
	events     EventSink
	summarizer summarize.Summarizer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	tracer           trace.Tracer
	analyzerDuration metric.Float64Histogram
	analyzerFailures metric.Int64Counter
	runOutcomes      metric.Int64Counter
}

// Actor is recorded in version history for writes the coordinator makes.
const Actor = "coordinator"

// New creates a Coordinator. summarizer nil uses summarize.Noop.
func New(store Store, events EventSink, summarizer summarize.Summarizer, cfg Config, logger *slog.Logger) *Coordinator {
	if summarizer == nil {
		summarizer = summarize.Noop{}
	}
	if cfg.ProgressRetries <= 0 {
		cfg.ProgressRetries = 5
	}
	if cfg.ProgressBackoff <= 0 {
		cfg.ProgressBackoff = 10 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("olorin/coordinator")
	dur, _ := meter.Float64Histogram("olorin.analyzer.duration",
		metric.WithDescription("Analyzer call duration (ms)"),
		metric.WithUnit("ms"),
	)
	failures, _ := meter.Int64Counter("olorin.analyzer.failures",
		metric.WithDescription("Analyzer calls that failed or timed out"),
	)
	outcomes, _ := meter.Int64Counter("olorin.run.outcomes",
		metric.WithDescription("Finished runs by outcome"),
	)
	return &Coordinator{
		store:            store,
		events:           events,
		summarizer:       summarizer,
		cfg:              cfg,
		logger:           logger.With("component", "coordinator"),
		now:              time.Now,
		tracer:           telemetry.Tracer("olorin/coordinator"),
		analyzerDuration: dur,
		analyzerFailures: failures,
		runOutcomes:      outcomes,
	}
}

func (c *Coordinator) emit(ctx context.Context, id string, typ model.EventType, payload any) {
	if c.events == nil {
		return
	}
	ectx, cancel := detached(ctx)
	defer cancel()
	c.events.Emit(ectx, id, typ, payload)
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
}

func (c *Coordinator) progressBackoff() storage.Backoff {
	return storage.Backoff{Attempts: c.cfg.ProgressRetries, Base: c.cfg.ProgressBackoff}
}

// Plan is one run's input.
type Plan struct {
	InvestigationID string
	Entity          model.Entity
	Window          model.TimeRange
	Analyzers       []analyzer.Analyzer
	Strategy        model.Strategy
}

// Outcome is what a run produced.
type Outcome struct {
	Investigation model.Investigation
	Results       model.Results
	Findings      []model.DomainFinding
	Cancelled     bool
}

type taskResult struct {
	finding model.DomainFinding
	err     error
}

// Limit is the number of analyzers a strategy runs at once.
func Limit(s model.Strategy, n int) int {
	if s == model.StrategyParallel {
		return max(n, 1)
	}
	return 1
}

// Execute runs every analyzer in plan and writes the result. h may be nil; a
// handle lets operators pause, cancel and message the run.
func (c *Coordinator) Execute(ctx context.Context, h *Handle, plan Plan) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "coordinator.execute", trace.WithAttributes(
		attribute.String("olorin.investigation_id", plan.InvestigationID),
		attribute.String("olorin.strategy", string(plan.Strategy)),
		attribute.Int("olorin.analyzers", len(plan.Analyzers)),
	))
	defer span.End()

	log := c.logger.With("investigation_id", plan.InvestigationID, "strategy", plan.Strategy)
	total := len(plan.Analyzers)
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	// Pending rows first so the ledger reports the full total from the start.
	input, _ := json.Marshal(map[string]any{"entity": plan.Entity, "time_range": plan.Window})
	rows := make([]model.ToolExecution, total)
	for i, a := range plan.Analyzers {
		rows[i] = model.ToolExecution{
			InvestigationID: plan.InvestigationID,
			AgentName:       a.Domain() + "_agent",
			ToolName:        a.Domain(),
			Status:          model.ToolStatusPending,
			Input:           input,
			StartedAt:       c.now().UTC(),
		}
		sctx, cancel := detached(ctx)
		id, err := c.store.PersistToolExecution(sctx, rows[i])
		cancel()
		if err != nil {
			log.Warn("ledger: pending row not written", "domain", a.Domain(), "error", err)
		}
		rows[i].ID = id
	}

	results := make(chan taskResult, total)
	var g errgroup.Group
	g.SetLimit(Limit(plan.Strategy, total))
	go func() {
		for i, a := range plan.Analyzers {
			if h != nil {
				_ = h.wait(ctx)
			}
			exec := rows[i]
			if err := ctx.Err(); err != nil {
				results <- c.skipTask(ctx, plan, a, exec, err)
				continue
			}
			g.Go(func() error {
				results <- c.runTask(ctx, plan, a, exec)
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	var (
		findings          []model.DomainFinding
		completed, failed int
		cancelled         bool
	)
	for r := range results {
		findings = append(findings, r.finding)
		if r.finding.Failed {
			failed++
		} else {
			completed++
		}
		if h != nil {
			_ = h.wait(ctx)
			for _, msg := range h.drain() {
				c.emit(ctx, plan.InvestigationID, model.EventOperatorMessage, map[string]string{"message": msg})
			}
		}

		prog := model.Progress{
			CompletionPercent: (completed + failed) * 100 / total,
			CurrentPhase:      model.PhaseDomainAnalysis,
			TotalTools:        total,
			CompletedTools:    completed,
			FailedTools:       failed,
			UpdatedAt:         c.now().UTC(),
		}
		stopped, err := c.writeProgress(ctx, plan.InvestigationID, prog)
		if stopped {
			cancelled = true
			break
		}
		if err != nil {
			log.Warn("progress write failed", "error", err)
			continue
		}
		c.emit(ctx, plan.InvestigationID, model.EventProgress, prog)
	}

	if cancelled {
		// In-flight tasks see the cancelled context and settle their ledger rows.
		stop()
		for range results {
		}
		log.Info("run cancelled, discarding remaining results", "received", len(findings), "total", total)
		c.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cancelled")))
		span.SetAttributes(attribute.Bool("olorin.cancelled", true))
		return Outcome{Findings: findings, Cancelled: true}, nil
	}

	res := c.synthesize(ctx, plan, findings, completed, failed)
	inv, stopped, err := c.finish(ctx, plan.InvestigationID, res, total)
	if stopped {
		c.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "cancelled")))
		return Outcome{Findings: findings, Results: res, Cancelled: true}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "final write failed")
		return Outcome{Findings: findings, Results: res}, fmt.Errorf("coordinator: final write: %w", err)
	}

	outcome := "completed"
	evType := model.EventRunCompleted
	if inv.Stage == model.StageError {
		outcome, evType = "error", model.EventRunFailed
	}
	c.runOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	c.emit(ctx, plan.InvestigationID, evType, map[string]any{
		"overall_risk_score": res.OverallRiskScore,
		"scoring_method":     res.ScoringMethod,
		"completed_count":    res.CompletedCount,
		"failed_count":       res.FailedCount,
	})
	log.Info("run finished", "stage", inv.Stage, "score", res.OverallRiskScore,
		"method", res.ScoringMethod, "completed", completed, "failed", failed)
	return Outcome{Investigation: inv, Results: res, Findings: findings}, nil
}

// runTask executes one analyzer and moves its ledger row to a terminal status.
func (c *Coordinator) runTask(ctx context.Context, plan Plan, a analyzer.Analyzer, exec model.ToolExecution) taskResult {
	domain := a.Domain()
	ctx, span := c.tracer.Start(ctx, "coordinator.analyze", trace.WithAttributes(
		attribute.String("olorin.domain", domain),
	))
	defer span.End()

	exec.Status = model.ToolStatusRunning
	exec.StartedAt = c.now().UTC()
	c.persist(ctx, &exec)
	c.emit(ctx, plan.InvestigationID, model.EventToolStarted, map[string]string{"domain": domain, "tool_execution_id": exec.ID.String()})

	actx := ctx
	if c.cfg.AnalyzerTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.cfg.AnalyzerTimeout)
		defer cancel()
	}
	start := time.Now()
	finding, err := a.Analyze(actx, plan.Entity, plan.Window)
	elapsed := time.Since(start)
	if err == nil {
		err = checkFinding(finding)
	}
	c.analyzerDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attribute.String("domain", domain)))

	done := c.now().UTC()
	exec.DurationMS = elapsed.Milliseconds()
	exec.CompletedAt = &done
	if err != nil {
		finding = model.DefaultFinding(domain, err)
		exec.Status = model.ToolStatusFailed
		exec.Error = err.Error()
		c.analyzerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "analyzer failed")
		c.persist(ctx, &exec)
		c.emit(ctx, plan.InvestigationID, model.EventToolFailed, map[string]string{"domain": domain, "error": err.Error()})
		return taskResult{finding: finding, err: err}
	}

	finding.Domain = domain
	out, _ := json.Marshal(finding)
	exec.Status = model.ToolStatusCompleted
	exec.Output = out
	exec.TokensUsed = finding.TokensUsed
	exec.Cost = finding.Cost
	c.persist(ctx, &exec)
	c.emit(ctx, plan.InvestigationID, model.EventToolCompleted, map[string]any{
		"domain":      domain,
		"duration_ms": exec.DurationMS,
	})
	return taskResult{finding: finding}
}

// skipTask settles the ledger row of an analyzer that never launched because
// ctx ended first. The run still gets a default finding for its domain.
func (c *Coordinator) skipTask(ctx context.Context, plan Plan, a analyzer.Analyzer, exec model.ToolExecution, cause error) taskResult {
	domain := a.Domain()
	err := fmt.Errorf("not started: %w", cause)
	done := c.now().UTC()
	exec.Status = model.ToolStatusFailed
	exec.Error = err.Error()
	exec.CompletedAt = &done
	c.persist(ctx, &exec)
	c.analyzerFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", domain)))
	c.emit(ctx, plan.InvestigationID, model.EventToolFailed, map[string]string{"domain": domain, "error": err.Error()})
	return taskResult{finding: model.DefaultFinding(domain, err), err: err}
}

func checkFinding(f model.DomainFinding) error {
	if f.RiskScore < 0 || f.RiskScore > 1 {
		return fmt.Errorf("risk_score %v outside [0,1]", f.RiskScore)
	}
	if f.Confidence < 0 || f.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", f.Confidence)
	}
	return nil
}

// persist writes exec, inserting it when the pending insert failed earlier.
func (c *Coordinator) persist(ctx context.Context, exec *model.ToolExecution) {
	sctx, cancel := detached(ctx)
	defer cancel()
	id, err := c.store.PersistToolExecution(sctx, *exec)
	if err != nil {
		c.logger.Warn("ledger write failed", "investigation_id", exec.InvestigationID,
			"tool", exec.ToolName, "status", exec.Status, "error", err)
		return
	}
	exec.ID = id
}

// writeProgress updates the progress blob, retrying on version conflicts.
// stopped is true when the record was cancelled or left IN_PROGRESS.
func (c *Coordinator) writeProgress(ctx context.Context, id string, prog model.Progress) (stopped bool, err error) {
	raw, err := json.Marshal(prog)
	if err != nil {
		return false, err
	}
	sctx, cancel := detached(ctx)
	defer cancel()
	err = c.progressBackoff().Retry(sctx, storage.IsVersionConflict, func() error {
		cur, err := c.store.GetInvestigation(sctx, id)
		if err != nil {
			return err
		}
		if cur.Stage != model.StageInProgress {
			return errStopped
		}
		_, err = c.store.UpdateInvestigation(sctx, id, cur.Version, model.InvestigationPatch{Progress: raw}, Actor)
		return err
	})
	if errors.Is(err, errStopped) {
		return true, nil
	}
	return false, err
}

// synthesize aggregates findings and asks the summarizer for the narrative.
// Aggregation or summarizer failure selects a numeric fallback.
func (c *Coordinator) synthesize(ctx context.Context, plan Plan, findings []model.DomainFinding, completed, failed int) model.Results {
	res := model.Results{
		Strategy:       plan.Strategy,
		Domains:        domainResults(findings),
		CompletedCount: completed,
		FailedCount:    failed,
		CompletedAt:    c.now().UTC(),
	}
	in := summarize.Input{
		InvestigationID: plan.InvestigationID,
		EntityType:      plan.Entity.Type,
		Domains:         domainStatuses(findings),
	}

	agg, err := Aggregate(findings)
	if err == nil {
		res.WeightedScore = &agg
		in.AggregateScore = agg
		var sum summarize.Summary
		sum, err = c.summarizer.Summarize(ctx, in)
		if err == nil && (sum.Score < 0 || sum.Score > 1) {
			err = fmt.Errorf("%w: score %v outside [0,1]", summarize.ErrMalformed, sum.Score)
		}
		if err == nil {
			res.OverallRiskScore = sum.Score
			res.Narrative = sum.Narrative
			res.ScoringMethod = model.ScoringWeighted
			return res
		}
	}

	policy := ClassifyFailure(err)
	res.OverallRiskScore = ApplyFallback(policy, findings)
	res.ScoringMethod = policy.method()
	in.AggregateScore = res.OverallRiskScore
	res.Narrative = summarize.Template(in)
	c.logger.Warn("aggregation fallback applied",
		"investigation_id", plan.InvestigationID,
		"method", res.ScoringMethod,
		"transient", IsTransient(err),
		"error", err)
	return res
}

func domainResults(findings []model.DomainFinding) []model.DomainResult {
	out := make([]model.DomainResult, 0, len(findings))
	for _, f := range findings {
		r := model.DomainResult{Domain: f.Domain, Status: string(model.ToolStatusCompleted), Confidence: f.Confidence}
		if f.Failed {
			r.Status = string(model.ToolStatusFailed)
			r.Error = f.Error
		} else {
			score := f.RiskScore
			r.RiskScore = &score
		}
		out = append(out, r)
	}
	return out
}

func domainStatuses(findings []model.DomainFinding) []summarize.DomainStatus {
	out := make([]summarize.DomainStatus, 0, len(findings))
	for _, f := range findings {
		st := string(model.ToolStatusCompleted)
		if f.Failed {
			st = string(model.ToolStatusFailed)
		}
		out = append(out, summarize.DomainStatus{Domain: f.Domain, Status: st})
	}
	return out
}

// finish writes results and the terminal stage.
func (c *Coordinator) finish(ctx context.Context, id string, res model.Results, total int) (model.Investigation, bool, error) {
	stage, status, phase := model.StageCompleted, "completed", model.PhaseCompleted
	if res.CompletedCount == 0 {
		stage, status, phase = model.StageError, "failed", model.PhaseFailed
	}
	rawResults, err := json.Marshal(res)
	if err != nil {
		return model.Investigation{}, false, err
	}
	rawProgress, err := json.Marshal(model.Progress{
		CompletionPercent: 100,
		CurrentPhase:      phase,
		TotalTools:        total,
		CompletedTools:    res.CompletedCount,
		FailedTools:       res.FailedCount,
		UpdatedAt:         c.now().UTC(),
	})
	if err != nil {
		return model.Investigation{}, false, err
	}

	sctx, cancel := detached(ctx)
	defer cancel()
	var inv model.Investigation
	err = c.progressBackoff().Retry(sctx, storage.IsVersionConflict, func() error {
		cur, err := c.store.GetInvestigation(sctx, id)
		if err != nil {
			return err
		}
		if cur.Stage != model.StageInProgress {
			return errStopped
		}
		inv, err = c.store.UpdateInvestigation(sctx, id, cur.Version, model.InvestigationPatch{
			Stage:    &stage,
			Status:   &status,
			Progress: rawProgress,
			Results:  rawResults,
		}, Actor)
		return err
	})
	if errors.Is(err, errStopped) {
		return model.Investigation{}, true, nil
	}
	return inv, false, err
}
