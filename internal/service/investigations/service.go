// Package investigations holds the record-level operations shared by the HTTP
// API, the MCP tools and the coordinator: create, conditional read, conditional
// update, settings submission, cancellation and version history.
//
// Every write goes through the store's compare-and-swap. Callers supply the
// version (or tag) they last read; the service never retries on their behalf.
package investigations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

var (
	// ErrNotModified is returned by Get when the caller's tag is current.
	ErrNotModified = errors.New("investigations: not modified")

	// ErrPreconditionRequired is returned when a write carries no version or tag.
	ErrPreconditionRequired = errors.New("investigations: precondition required")
)

// EventSink records best-effort events.
type EventSink interface {
	Emit(ctx context.Context, id string, typ model.EventType, payload any)
}

// Precondition identifies the state a writer last observed. Exactly one of
// Version or Tag is set.
type Precondition struct {
	Version int64
	Tag     string
}

// ParsePrecondition interprets an If-Match style value: a bare integer is a
// version, anything else is a record tag (quotes and W/ are stripped).
func ParsePrecondition(v string) (Precondition, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Precondition{}, ErrPreconditionRequired
	}
	tag := etag.Unquote(v)
	if n, err := strconv.ParseInt(tag, 10, 64); err == nil {
		if n < 1 {
			return Precondition{}, &model.ValidationError{Field: "if_match", Message: "version must be positive"}
		}
		return Precondition{Version: n}, nil
	}
	return Precondition{Tag: tag}, nil
}

// Service implements investigation record operations.
type Service struct {
	store  storage.InvestigationStore
	events EventSink
	logger *slog.Logger
}

// New creates a Service. events may be nil.
func New(store storage.InvestigationStore, events EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, events: events, logger: logger.With("component", "investigations")}
}

func (s *Service) emit(ctx context.Context, id string, typ model.EventType, payload any) {
	if s.events != nil {
		s.events.Emit(ctx, id, typ, payload)
	}
}

// Create stores a new investigation at version 1 in stage CREATED. An empty
// id is replaced by a generated UUID. Settings, when present, are validated
// but do not advance the stage.
func (s *Service) Create(ctx context.Context, req model.CreateInvestigationRequest, actor string) (model.Investigation, string, error) {
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	if err := model.ValidateInvestigationID(id); err != nil {
		return model.Investigation{}, "", err
	}
	owner := req.Owner
	if owner == "" {
		owner = actor
	}
	if len(req.Settings) > 0 {
		if _, err := ValidateSettings(req.Settings); err != nil {
			return model.Investigation{}, "", err
		}
	}

	inv, err := s.store.CreateInvestigation(ctx, model.Investigation{
		ID:       id,
		Owner:    owner,
		Stage:    model.StageCreated,
		Status:   "created",
		Settings: req.Settings,
	}, actor)
	if err != nil {
		return model.Investigation{}, "", err
	}
	s.logger.Info("investigation created", "investigation_id", inv.ID, "owner", inv.Owner, "actor", actor)
	s.emit(ctx, inv.ID, model.EventCreated, map[string]any{"owner": inv.Owner, "version": inv.Version})
	return inv, etag.Record(inv), nil
}

// Get returns the record and its tag. When ifNoneMatch names the current tag
// it returns ErrNotModified. last_accessed is bumped best effort.
func (s *Service) Get(ctx context.Context, id, ifNoneMatch string) (model.Investigation, string, error) {
	inv, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return model.Investigation{}, "", err
	}
	if err := s.store.TouchInvestigation(ctx, id, time.Now()); err != nil {
		s.logger.Debug("touch failed", "investigation_id", id, "error", err)
	}
	tag := etag.Record(inv)
	if ifNoneMatch != "" && etag.Matches(ifNoneMatch, tag) {
		return inv, tag, ErrNotModified
	}
	return inv, tag, nil
}

// Resolve turns a precondition into the expected version. A stale tag fails
// with *storage.VersionConflictError carrying the version the tag names.
func (s *Service) Resolve(ctx context.Context, id string, pre Precondition) (int64, error) {
	if pre.Tag == "" {
		if pre.Version < 1 {
			return 0, ErrPreconditionRequired
		}
		return pre.Version, nil
	}
	cur, err := s.store.GetInvestigation(ctx, id)
	if err != nil {
		return 0, err
	}
	if etag.Record(cur) != pre.Tag {
		submitted, _ := etag.RecordVersion(pre.Tag)
		return 0, &storage.VersionConflictError{InvestigationID: id, Current: cur.Version, Submitted: submitted}
	}
	return cur.Version, nil
}

// Update applies patch if pre still matches the stored record. Settings in
// the patch are validated against the settings schema.
func (s *Service) Update(ctx context.Context, id string, pre Precondition, patch model.InvestigationPatch, actor string) (model.Investigation, string, error) {
	if len(patch.Settings) > 0 {
		if _, err := ValidateSettings(patch.Settings); err != nil {
			return model.Investigation{}, "", err
		}
	}
	expected, err := s.Resolve(ctx, id, pre)
	if err != nil {
		return model.Investigation{}, "", err
	}
	inv, err := s.store.UpdateInvestigation(ctx, id, expected, patch, actor)
	if err != nil {
		return model.Investigation{}, "", err
	}
	s.logger.Info("investigation updated",
		"investigation_id", id, "version", inv.Version, "fields", patch.ChangedFields(), "actor", actor)
	s.emit(ctx, id, model.EventUpdated, map[string]any{"version": inv.Version, "changed_fields": patch.ChangedFields()})
	return inv, etag.Record(inv), nil
}

// SubmitSettings validates settings and moves the record to SETTINGS.
func (s *Service) SubmitSettings(ctx context.Context, id string, pre Precondition, settings json.RawMessage, actor string) (model.Investigation, string, error) {
	if len(settings) == 0 {
		return model.Investigation{}, "", &model.ValidationError{Field: "settings", Message: "settings are required"}
	}
	if _, err := ValidateSettings(settings); err != nil {
		return model.Investigation{}, "", err
	}
	expected, err := s.Resolve(ctx, id, pre)
	if err != nil {
		return model.Investigation{}, "", err
	}
	stage := model.StageSettings
	status := "configured"
	progress, _ := json.Marshal(model.Progress{CurrentPhase: model.PhaseConfigured, UpdatedAt: time.Now().UTC()})
	inv, err := s.store.UpdateInvestigation(ctx, id, expected, model.InvestigationPatch{
		Stage:    &stage,
		Status:   &status,
		Settings: settings,
		Progress: progress,
	}, actor)
	if err != nil {
		return model.Investigation{}, "", err
	}
	s.emit(ctx, id, model.EventSettingsSubmitted, map[string]any{"version": inv.Version})
	return inv, etag.Record(inv), nil
}

// Cancel moves the record to CANCELLED. Running analyzers observe the stage
// before their next progress write.
func (s *Service) Cancel(ctx context.Context, id string, pre Precondition, actor string) (model.Investigation, string, error) {
	expected, err := s.Resolve(ctx, id, pre)
	if err != nil {
		return model.Investigation{}, "", err
	}
	stage := model.StageCancelled
	status := "cancelled"
	inv, err := s.store.UpdateInvestigation(ctx, id, expected, model.InvestigationPatch{
		Stage:  &stage,
		Status: &status,
	}, actor)
	if err != nil {
		return model.Investigation{}, "", err
	}
	s.logger.Info("investigation cancelled", "investigation_id", id, "version", inv.Version, "actor", actor)
	s.emit(ctx, id, model.EventCancelled, map[string]any{"version": inv.Version, "actor": actor})
	return inv, etag.Record(inv), nil
}

// History pages the version history, oldest first.
func (s *Service) History(ctx context.Context, id string, limit, offset int) ([]model.VersionChange, int, error) {
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 1000)
	offset = max(offset, 0)
	if _, err := s.store.GetInvestigation(ctx, id); err != nil {
		return nil, 0, err
	}
	changes, total, err := s.store.ListVersionHistory(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("investigations: history: %w", err)
	}
	if changes == nil {
		changes = []model.VersionChange{}
	}
	return changes, total, nil
}
