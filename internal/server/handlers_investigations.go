package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/investigations"
)

// HandleCreateInvestigation handles POST /v1/investigations.
func (h *Handlers) HandleCreateInvestigation(w http.ResponseWriter, r *http.Request) {
	var req model.CreateInvestigationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	inv, tag, err := h.records.Create(r.Context(), req, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	w.Header().Set("Location", "/v1/investigations/"+inv.ID)
	writeJSON(w, r, http.StatusCreated, inv)
}

// HandleGetInvestigation handles GET /v1/investigations/{id}. A matching
// If-None-Match yields 304 with no body.
func (h *Handlers) HandleGetInvestigation(w http.ResponseWriter, r *http.Request) {
	inv, tag, err := h.records.Get(r.Context(), r.PathValue("id"), r.Header.Get("If-None-Match"))
	if errors.Is(err, investigations.ErrNotModified) {
		notModified(w, tag)
		return
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, inv)
}

// HandleUpdateInvestigation handles PATCH /v1/investigations/{id}.
// Runs are started through the run endpoint and finished by the run itself,
// never by patching the stage.
func (h *Handlers) HandleUpdateInvestigation(w http.ResponseWriter, r *http.Request) {
	pre, err := precondition(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.UpdateInvestigationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.Stage != nil {
		switch *req.Stage {
		case model.StageInProgress:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"lifecycle_stage IN_PROGRESS is entered through POST /v1/investigations/{id}/run")
			return
		case model.StageCompleted, model.StageError:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				fmt.Sprintf("lifecycle_stage %s is set by the run that finishes the investigation", *req.Stage))
			return
		}
	}
	patch := model.InvestigationPatch{Stage: req.Stage, Status: req.Status, Settings: req.Settings}
	if patch.Empty() {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "patch changes nothing")
		return
	}

	inv, tag, err := h.records.Update(r.Context(), r.PathValue("id"), pre, patch, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, inv)
}

// HandleSubmitSettings handles PUT /v1/investigations/{id}/settings. The body
// is the settings document itself.
func (h *Handlers) HandleSubmitSettings(w http.ResponseWriter, r *http.Request) {
	pre, err := precondition(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes))
	if err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if !json.Valid(raw) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "settings must be valid JSON")
		return
	}

	inv, tag, err := h.records.SubmitSettings(r.Context(), r.PathValue("id"), pre, raw, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, inv)
}

// HandleCancel handles POST /v1/investigations/{id}/cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	pre, err := precondition(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	inv, tag, err := h.runner.Cancel(r.Context(), r.PathValue("id"), pre, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, inv)
}

// HandleVersions handles GET /v1/investigations/{id}/versions.
func (h *Handlers) HandleVersions(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	offset := queryOffset(r)
	changes, total, err := h.records.History(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeList(w, r, changes, total, limit, offset, len(changes))
}
