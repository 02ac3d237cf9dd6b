package server

import (
	"net/http"

	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/etag"
	"github.com/Olorin-ai-git/Bayit-Plus-sub034/internal/service/progress"
)

// HandleProgress handles GET /v1/investigations/{id}/progress.
func (h *Handlers) HandleProgress(w http.ResponseWriter, r *http.Request) {
	view, tag, err := h.progress.Progress(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if etag.Matches(r.Header.Get("If-None-Match"), tag) {
		notModified(w, tag)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, view)
}

// HandleEvents handles GET /v1/investigations/{id}/events?since&limit&wait.
// With wait, an empty page is held until an event arrives or wait elapses.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	wait, err := queryWait(r)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	page, tag, err := h.progress.Events(r.Context(), r.PathValue("id"), progress.EventsQuery{
		Since: r.URL.Query().Get("since"),
		Limit: queryLimit(r, progress.DefaultEventLimit),
		Wait:  wait,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if etag.Matches(r.Header.Get("If-None-Match"), tag) {
		notModified(w, tag)
		return
	}
	w.Header().Set("ETag", etag.Quote(tag))
	writeJSON(w, r, http.StatusOK, page)
}

// HandleTools handles GET /v1/investigations/{id}/tools.
func (h *Handlers) HandleTools(w http.ResponseWriter, r *http.Request) {
	resp, err := h.progress.Tools(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}
