package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/model"
)

// runControlResponse acknowledges pause, resume and message requests.
type runControlResponse struct {
	InvestigationID string `json:"investigation_id"`
	RunStatus       string `json:"run_status"`
}

// HandleRun handles POST /v1/investigations/{id}/run. The run proceeds in the
// background; the 202 carries the strategy decision.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	pre, err := precondition(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	var req model.RunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}

	resp, tag, err := h.runner.Start(r.Context(), r.PathValue("id"), pre, req, ActorFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	w.Header().Set("Location", "/v1/investigations/"+resp.Investigation.ID+"/progress")
	writeJSON(w, r, http.StatusAccepted, resp)
}

// HandlePause handles POST /v1/investigations/{id}/pause.
func (h *Handlers) HandlePause(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runner.Pause(r.Context(), id, ActorFromContext(r.Context())); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, runControlResponse{InvestigationID: id, RunStatus: "paused"})
}

// HandleResume handles POST /v1/investigations/{id}/resume.
func (h *Handlers) HandleResume(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.runner.Resume(r.Context(), id, ActorFromContext(r.Context())); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, runControlResponse{InvestigationID: id, RunStatus: "running"})
}

// HandleMessage handles POST /v1/investigations/{id}/messages.
func (h *Handlers) HandleMessage(w http.ResponseWriter, r *http.Request) {
	var req model.MessageRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	if err := h.runner.Message(r.Context(), id, req.Message); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	status := "running"
	if hnd, ok := h.runner.Registry().Get(id); ok {
		status = hnd.Status()
	}
	writeJSON(w, r, http.StatusAccepted, runControlResponse{InvestigationID: id, RunStatus: status})
}
