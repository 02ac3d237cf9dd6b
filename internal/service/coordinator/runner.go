package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/analyzer"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
)

// Runner starts and controls runs. Runs execute on a context detached from
// the request that started them and bounded by the run timeout.
type Runner struct {
	coord     *Coordinator
	records   *investigations.Service
	store     Store
	selector  *routing.Selector
	analyzers []analyzer.Analyzer
	registry  *Registry
	events    EventSink
	logger    *slog.Logger

	runTimeout time.Duration
	baseCtx    context.Context
	wg         sync.WaitGroup
}

// RunnerConfig wires a Runner.
type RunnerConfig struct {
	Coordinator    *Coordinator
	Investigations *investigations.Service
	Store          Store
	Selector       *routing.Selector
	Analyzers      []analyzer.Analyzer
	Registry       *Registry // nil creates a fresh registry
	Events         EventSink
	RunTimeout     time.Duration
	Logger         *slog.Logger
}

// NewRunner creates a Runner. Runs are cancelled when baseCtx is done.
func NewRunner(baseCtx context.Context, cfg RunnerConfig) *Runner {
	if cfg.Registry == nil {
		cfg.Registry = NewRegistry()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{
		coord:      cfg.Coordinator,
		records:    cfg.Investigations,
		store:      cfg.Store,
		selector:   cfg.Selector,
		analyzers:  cfg.Analyzers,
		registry:   cfg.Registry,
		events:     cfg.Events,
		logger:     cfg.Logger.With("component", "runner"),
		runTimeout: cfg.RunTimeout,
		baseCtx:    baseCtx,
	}
}

// Registry returns the run registry.
func (r *Runner) Registry() *Registry { return r.registry }

// Analyzers lists the configured analyzer domains.
func (r *Runner) Analyzers() []string {
	out := make([]string, 0, len(r.analyzers))
	for _, a := range r.analyzers {
		out = append(out, a.Domain())
	}
	return out
}

func (r *Runner) emit(ctx context.Context, id string, typ model.EventType, payload any) {
	if r.events != nil {
		r.events.Emit(ctx, id, typ, payload)
	}
}

// selectAnalyzers narrows the configured analyzers to domains, keeping
// configuration order. An empty domains list selects all.
func (r *Runner) selectAnalyzers(domains []string) []analyzer.Analyzer {
	if len(domains) == 0 {
		return slices.Clone(r.analyzers)
	}
	var out []analyzer.Analyzer
	for _, a := range r.analyzers {
		if slices.Contains(domains, a.Domain()) {
			out = append(out, a)
		}
	}
	return out
}

// Start validates the record, selects a strategy, moves the record to
// IN_PROGRESS with the cached decision and launches the run. A finished
// record is only re-run when req.Force is set.
func (r *Runner) Start(ctx context.Context, id string, pre investigations.Precondition, req model.RunRequest, actor string) (model.RunResponse, string, error) {
	expected, err := r.records.Resolve(ctx, id, pre)
	if err != nil {
		return model.RunResponse{}, "", err
	}
	cur, err := r.store.GetInvestigation(ctx, id)
	if err != nil {
		return model.RunResponse{}, "", err
	}
	switch {
	case cur.Stage == model.StageSettings:
	case cur.Stage.Finished() && cur.Stage != model.StageCancelled && req.Force:
	default:
		return model.RunResponse{}, "", &model.ValidationError{
			Field:   "lifecycle_stage",
			Message: fmt.Sprintf("cannot run an investigation in stage %s", cur.Stage),
		}
	}

	settings, err := investigations.DecodeSettings(cur.Settings)
	if err != nil || settings.Entity.ID == "" {
		return model.RunResponse{}, "", &model.ValidationError{Field: "settings", Message: "settings with an entity are required before running"}
	}
	forced := req.ForceStrategy
	if forced == "" {
		forced = model.Strategy(settings.ForceStrategy)
	}
	if forced != "" && !forced.Valid() {
		return model.RunResponse{}, "", &model.ValidationError{Field: "force_strategy", Message: fmt.Sprintf("unknown strategy %q", forced)}
	}
	selected := r.selectAnalyzers(settings.Domains)
	if len(selected) == 0 {
		return model.RunResponse{}, "", &model.ValidationError{Field: "settings.domains", Message: "no configured analyzer matches the requested domains"}
	}

	decision := r.selector.Select(ctx, id, forced)

	runCtx, cancel := context.WithTimeout(r.baseCtx, r.runTimeout)
	h, err := r.registry.register(id, cancel)
	if err != nil {
		cancel()
		return model.RunResponse{}, "", err
	}

	stage := model.StageInProgress
	status := "running"
	progress, _ := json.Marshal(model.Progress{
		CurrentPhase: model.PhaseDomainAnalysis,
		TotalTools:   len(selected),
		UpdatedAt:    time.Now().UTC(),
	})
	patch := model.InvestigationPatch{
		Stage:    &stage,
		Status:   &status,
		Progress: progress,
		Strategy: &decision,
		Force:    req.Force,
	}
	if len(cur.Results) > 0 {
		patch.Results = json.RawMessage("null")
	}
	inv, err := r.store.UpdateInvestigation(ctx, id, expected, patch, actor)
	if err != nil {
		r.registry.remove(id, h)
		cancel()
		return model.RunResponse{}, "", err
	}

	names := make([]string, 0, len(selected))
	for _, a := range selected {
		names = append(names, a.Domain())
	}
	r.emit(ctx, id, model.EventRunStarted, map[string]any{
		"strategy":  decision.Selected,
		"reason":    decision.Reason,
		"degraded":  decision.Degraded,
		"analyzers": names,
		"force":     req.Force,
	})
	r.logger.Info("run started", "investigation_id", id, "strategy", decision.Selected,
		"reason", decision.Reason, "analyzers", len(selected), "actor", actor)

	plan := Plan{
		InvestigationID: id,
		Entity:          settings.Entity,
		Window:          settings.Window(time.Now()),
		Analyzers:       selected,
		Strategy:        decision.Selected,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.registry.remove(id, h)
		if _, err := r.coord.Execute(runCtx, h, plan); err != nil {
			r.logger.Error("run failed", "investigation_id", id, "error", err)
		}
	}()

	return model.RunResponse{Investigation: inv, Decision: decision, Analyzers: names}, etag.Record(inv), nil
}

// Cancel writes CANCELLED and then signals the local run, if any.
func (r *Runner) Cancel(ctx context.Context, id string, pre investigations.Precondition, actor string) (model.Investigation, string, error) {
	inv, tag, err := r.records.Cancel(ctx, id, pre, actor)
	if err != nil {
		return model.Investigation{}, "", err
	}
	r.registry.Cancel(id)
	return inv, tag, nil
}

// Pause holds the run for id.
func (r *Runner) Pause(ctx context.Context, id, actor string) error {
	if err := r.registry.Pause(id); err != nil {
		return err
	}
	r.emit(ctx, id, model.EventPaused, map[string]string{"actor": actor})
	return nil
}

// Resume releases a paused run.
func (r *Runner) Resume(ctx context.Context, id, actor string) error {
	if err := r.registry.Resume(id); err != nil {
		return err
	}
	r.emit(ctx, id, model.EventResumed, map[string]string{"actor": actor})
	return nil
}

// Message queues an operator message; the run drains it into the event log.
func (r *Runner) Message(_ context.Context, id, msg string) error {
	if msg == "" {
		return &model.ValidationError{Field: "message", Message: "message is required"}
	}
	return r.registry.Message(id, msg)
}

// Wait blocks until every launched run has returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
