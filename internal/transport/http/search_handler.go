package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opentrusty/opencrm/internal/search"
)

// TriggerSearch starts a search session for the caller.
func (h *Handler) TriggerSearch(w http.ResponseWriter, r *http.Request) {
	var c search.Criteria
	if err := decodeJSON(r, &c, false); err != nil {
		respondAppError(w, r, err)
		return
	}

	res, err := h.search.Trigger(r.Context(), GetUserID(r.Context()), c)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, res)
}

// GetProgress returns the progress of one of the caller's sessions.
func (h *Handler) GetProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.search.GetProgress(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "sessionID"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// ListResults pages through the results of one of the caller's sessions.
func (h *Handler) ListResults(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", search.DefaultResultsPage)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	results, err := h.search.Results(r.Context(), GetUserID(r.Context()), chi.URLParam(r, "sessionID"), limit, offset)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"data": nonNil(results)})
}
