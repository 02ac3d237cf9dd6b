package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/routing"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/coordinator"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/storage"
)

// Pinger reports storage health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	records             *investigations.Service
	runner              *coordinator.Runner
	progress            *progress.Service
	selector            *routing.Selector
	store               Pinger
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	Investigations      *investigations.Service
	Runner              *coordinator.Runner
	Progress            *progress.Service
	Selector            *routing.Selector
	Store               Pinger
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte // optional
}

// NewHandlers creates Handlers.
func NewHandlers(d HandlersDeps) *Handlers {
	if d.MaxRequestBodyBytes <= 0 {
		d.MaxRequestBodyBytes = 1 << 20
	}
	return &Handlers{
		records:             d.Investigations,
		runner:              d.Runner,
		progress:            d.Progress,
		selector:            d.Selector,
		store:               d.Store,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:     "ok",
		Version:    h.version,
		Storage:    "ok",
		Routing:    h.selector.Status(r.Context()),
		ActiveRuns: h.runner.Registry().Active(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: storage ping failed", "error", err)
		resp.Status, resp.Storage = "unhealthy", "unreachable"
		writeJSON(w, r, http.StatusServiceUnavailable, resp)
		return
	}
	if resp.Routing == "degraded" {
		resp.Status = "degraded"
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI document.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleRoutingPreview handles GET /v1/routing/preview/{id}. The decision is
// computed fresh and never cached on a record.
func (h *Handlers) HandleRoutingPreview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := model.ValidateInvestigationID(id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	forced := model.Strategy(r.URL.Query().Get("force_strategy"))
	if forced != "" && !forced.Valid() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown force_strategy")
		return
	}
	writeJSON(w, r, http.StatusOK, h.selector.Select(r.Context(), id, forced))
}

// writeServiceError maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		conflict *storage.VersionConflictError
		verr     *model.ValidationError
	)
	switch {
	case errors.As(err, &conflict):
		writeVersionConflict(w, r, conflict)
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, verr.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "investigation not found")
	case errors.Is(err, investigations.ErrPreconditionRequired):
		writeError(w, r, http.StatusPreconditionRequired, model.ErrCodePreconditionRequired,
			"If-Match with the current version or ETag is required")
	case errors.Is(err, storage.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "investigation already exists")
	case errors.Is(err, coordinator.ErrRunActive):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "a run is already active for this investigation")
	case errors.Is(err, coordinator.ErrRunState):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, coordinator.ErrNoActiveRun):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no active run on this instance")
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "storage timed out")
	default:
		h.logger.Error("request failed", "error", err, "path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

// writeVersionConflict writes the flat 409 body clients key their retry on.
func writeVersionConflict(w http.ResponseWriter, r *http.Request, e *storage.VersionConflictError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(model.VersionConflictResponse{
		Error:            model.VersionConflictCode,
		Message:          "investigation was modified; re-read and retry",
		CurrentVersion:   e.Current,
		SubmittedVersion: e.Submitted,
		Meta:             responseMeta(r),
	})
}

// notModified answers a conditional GET whose tag still matches.
func notModified(w http.ResponseWriter, tag string) {
	w.Header().Set("ETag", etag.Quote(tag))
	w.WriteHeader(http.StatusNotModified)
}

// precondition reads If-Match. A missing header is ErrPreconditionRequired.
func precondition(r *http.Request) (investigations.Precondition, error) {
	return investigations.ParsePrecondition(r.Header.Get("If-Match"))
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// maxQueryOffset bounds offsets that would force long scans.
const maxQueryOffset = 100_000

func queryOffset(r *http.Request) int {
	return min(max(queryInt(r, "offset", 0), 0), maxQueryOffset)
}

// queryLimit clamps the limit parameter to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	return min(max(queryInt(r, "limit", defaultVal), 1), maxQueryLimit)
}

// queryWait parses a long-poll duration given as seconds ("15") or a Go
// duration ("15s").
func queryWait(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("wait")
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, &model.ValidationError{Field: "wait", Message: "wait must be seconds or a duration like 10s"}
	}
	return d, nil
}
