// Package progress serves the cache-friendly progress and event views that
// polling clients use to follow an investigation, and records the events
// that feed them.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/cursor"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// Page size limits for the event stream.
const (
	DefaultEventLimit = 50
	MaxEventLimit     = 1000
)

// MaxWait bounds a long-poll.
const MaxWait = 30 * time.Second

// appendAttempts bounds retries when a cursor collides with one written by
// another instance in the same millisecond.
const appendAttempts = 3

// Store is the persistence the service reads and appends to.
type Store interface {
	GetInvestigation(ctx context.Context, id string) (model.Investigation, error)
	ListToolExecutions(ctx context.Context, investigationID string) ([]model.ToolExecution, error)
	ToolExecutionStats(ctx context.Context, investigationID string) (model.ToolExecutionStats, error)
	AppendEvent(ctx context.Context, ev model.InvestigationEvent) error
	ListEvents(ctx context.Context, investigationID, after string, limit int) ([]model.InvestigationEvent, error)
}

// Service builds progress and event views.
type Service struct {
	store    Store
	cursors  *cursor.Generator
	notifier *Notifier
	logger   *slog.Logger
	now      func() time.Time

	// appendMu orders cursor generation with the insert, so readers that
	// page past a cursor never miss a lower one committed later.
	appendMu sync.Mutex
}

// New creates a Service. notifier may be nil, in which case long-polls wait
// out their full duration.
func New(store Store, notifier *Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    store,
		cursors:  cursor.NewGenerator(),
		notifier: notifier,
		logger:   logger.With("component", "progress"),
		now:      time.Now,
	}
}

// Progress returns the progress view of an investigation and its tag.
// Counts come from the ledger rows of the current run; a COMPLETED record
// always reports 100.
func (s *Service) Progress(ctx context.Context, id string) (model.ProgressView, string, error) {
	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return model.ProgressView{}, "", err
	}
	execs, err := s.store.ListToolExecutions(ctx, id)
	if err != nil {
		return model.ProgressView{}, "", fmt.Errorf("progress: list executions: %w", err)
	}
	execs = currentRun(inv, execs)
	stats := model.SummarizeExecutions(execs)

	percent := stats.CompletionPercent()
	if inv.Stage == model.StageCompleted {
		percent = 100
	}
	view := model.ProgressView{
		InvestigationID:   inv.ID,
		Version:           inv.Version,
		Stage:             inv.Stage,
		Status:            inv.Status,
		CompletionPercent: percent,
		CurrentPhase:      currentPhase(inv),
		TotalTools:        stats.Total,
		CompletedTools:    stats.Completed,
		FailedTools:       stats.Failed,
		ToolExecutions:    execs,
	}
	return view, etag.Progress(inv.ID, inv.Version, percent), nil
}

// currentRun drops ledger rows written before the run's strategy decision,
// so a forced re-run starts again from zero. Stored timestamps may carry only
// microseconds.
func currentRun(inv model.Investigation, execs []model.ToolExecution) []model.ToolExecution {
	out := make([]model.ToolExecution, 0, len(execs))
	if inv.Strategy == nil || inv.Strategy.DecidedAt.IsZero() {
		return append(out, execs...)
	}
	since := inv.Strategy.DecidedAt.Truncate(time.Microsecond)
	for _, e := range execs {
		if !e.StartedAt.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// currentPhase prefers the phase the coordinator wrote and otherwise derives
// one from the stage.
func currentPhase(inv model.Investigation) string {
	if len(inv.Progress) > 0 {
		var p model.Progress
		if err := json.Unmarshal(inv.Progress, &p); err == nil && p.CurrentPhase != "" {
			return p.CurrentPhase
		}
	}
	switch inv.Stage {
	case model.StageSettings:
		return model.PhaseConfigured
	case model.StageInProgress:
		return model.PhaseDomainAnalysis
	case model.StageCompleted:
		return model.PhaseCompleted
	case model.StageError:
		return model.PhaseFailed
	case model.StageCancelled:
		return model.PhaseCancelled
	default:
		return model.PhaseCreated
	}
}

// EventsQuery selects one page of the event stream.
type EventsQuery struct {
	Since string        // exclusive lower bound cursor; empty starts at the beginning
	Limit int           // defaults to DefaultEventLimit, capped at MaxEventLimit
	Wait  time.Duration // long-poll duration when the page would be empty; capped at MaxWait
}

// Events returns the page of events after q.Since and its tag. An invalid
// since cursor is a *model.ValidationError.
func (s *Service) Events(ctx context.Context, id string, q EventsQuery) (model.EventPage, string, error) {
	if q.Since != "" {
		if _, err := cursor.Parse(q.Since); err != nil {
			return model.EventPage{}, "", &model.ValidationError{Field: "since", Message: err.Error()}
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	limit = min(limit, MaxEventLimit)

	if _, err := s.store.GetInvestigation(ctx, id); err != nil {
		return model.EventPage{}, "", err
	}

	page, err := s.page(ctx, id, q.Since, limit)
	if err != nil {
		return model.EventPage{}, "", err
	}
	if len(page.Items) == 0 && q.Wait > 0 && s.notifier != nil {
		page, err = s.waitPage(ctx, id, q.Since, limit, min(q.Wait, MaxWait))
		if err != nil {
			return model.EventPage{}, "", err
		}
	}

	last := ""
	if n := len(page.Items); n > 0 {
		last = page.Items[n-1].Cursor
	}
	return page, etag.Events(id, q.Since, last, len(page.Items), page.HasMore), nil
}

func (s *Service) page(ctx context.Context, id, since string, limit int) (model.EventPage, error) {
	// One extra row tells us whether another page exists.
	items, err := s.store.ListEvents(ctx, id, since, limit+1)
	if err != nil {
		return model.EventPage{}, fmt.Errorf("progress: list events: %w", err)
	}
	page := model.EventPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.HasMore = true
	}
	if page.Items == nil {
		page.Items = []model.InvestigationEvent{}
	}
	if n := len(page.Items); n > 0 {
		page.NextCursor = page.Items[n-1].Cursor
	} else {
		page.NextCursor = since
	}
	return page, nil
}

func (s *Service) waitPage(ctx context.Context, id, since string, limit int, wait time.Duration) (model.EventPage, error) {
	ch := s.notifier.Subscribe(id)
	defer s.notifier.Unsubscribe(id, ch)

	// An event appended between the first read and Subscribe would be missed
	// without this re-check.
	page, err := s.page(ctx, id, since, limit)
	if err != nil || len(page.Items) > 0 {
		return page, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
		return model.EventPage{}, ctx.Err()
	}
	return s.page(ctx, id, since, limit)
}

// Append writes one event with a fresh cursor and wakes waiters.
func (s *Service) Append(ctx context.Context, id string, typ model.EventType, payload any) (model.InvestigationEvent, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return model.InvestigationEvent{}, fmt.Errorf("progress: marshal %s payload: %w", typ, err)
		}
		raw = b
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()
	var err error
	for range appendAttempts {
		ev := model.InvestigationEvent{
			Cursor:          s.cursors.Generate(),
			InvestigationID: id,
			Type:            typ,
			Payload:         raw,
			CreatedAt:       s.now().UTC(),
		}
		err = s.store.AppendEvent(ctx, ev)
		if err == nil {
			if s.notifier != nil {
				s.notifier.Publish(id)
			}
			return ev, nil
		}
		if !errors.Is(err, storage.ErrAlreadyExists) {
			break
		}
	}
	return model.InvestigationEvent{}, fmt.Errorf("progress: append %s: %w", typ, err)
}

// Emit is Append for callers that treat the event log as best effort.
// Failures are logged.
func (s *Service) Emit(ctx context.Context, id string, typ model.EventType, payload any) {
	if _, err := s.Append(ctx, id, typ, payload); err != nil {
		s.logger.Warn("event append failed", "investigation_id", id, "event_type", typ, "error", err)
	}
}

// Tools returns the ledger rows and their summary for an investigation.
func (s *Service) Tools(ctx context.Context, id string) (model.ToolExecutionsResponse, error) {
	if _, err := s.store.GetInvestigation(ctx, id); err != nil {
		return model.ToolExecutionsResponse{}, err
	}
	execs, err := s.store.ListToolExecutions(ctx, id)
	if err != nil {
		return model.ToolExecutionsResponse{}, fmt.Errorf("progress: list tool executions: %w", err)
	}
	stats, err := s.store.ToolExecutionStats(ctx, id)
	if err != nil {
		return model.ToolExecutionsResponse{}, fmt.Errorf("progress: tool execution stats: %w", err)
	}
	if execs == nil {
		execs = []model.ToolExecution{}
	}
	return model.ToolExecutionsResponse{Executions: execs, Stats: stats}, nil
}
