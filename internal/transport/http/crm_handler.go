package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/crm"
)

// reservedParams are list query parameters that are not column filters.
var reservedParams = map[string]bool{
	"limit":  true,
	"offset": true,
	"q":      true,
	"search": true,
	"expand": true,
}

func entityParam(r *http.Request) (crm.Entity, error) {
	name := chi.URLParam(r, "entity")
	e, ok := crm.ParseEntity(name)
	if !ok {
		return "", apperr.NotFound("unknown resource: " + name)
	}
	return e, nil
}

// ListRecords lists records of one entity in the caller's active tenant.
// Query parameters other than limit, offset and q are equality filters.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	recs, err := h.crm.List(r.Context(), GetUserID(r.Context()), entity, opts)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"data":   recs,
		"limit":  opts.Limit,
		"offset": opts.Offset,
	})
}

func listOptions(r *http.Request) (crm.ListOptions, error) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		return crm.ListOptions{}, err
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return crm.ListOptions{}, err
	}
	opts := crm.ListOptions{Limit: limit, Offset: offset, Search: q.Get("q")}
	if opts.Search == "" {
		opts.Search = q.Get("search")
	}
	for key, vals := range q {
		if reservedParams[key] || len(vals) == 0 {
			continue
		}
		if opts.Filters == nil {
			opts.Filters = map[string]string{}
		}
		opts.Filters[key] = vals[0]
	}
	return opts, nil
}

// GetRecord returns one record. Accounts accept ?expand=contacts,deals.
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	principalID := GetUserID(r.Context())
	id := chi.URLParam(r, "id")

	if expand := r.URL.Query().Get("expand"); expand != "" {
		if entity != crm.EntityAccount {
			respondAppError(w, r, apperr.Validationf("%s cannot be expanded", entity))
			return
		}
		detail, err := h.crm.GetAccountDetail(r.Context(), principalID, id, strings.Split(expand, ","))
		if err != nil {
			respondAppError(w, r, err)
			return
		}
		respondJSON(w, http.StatusOK, detail)
		return
	}

	rec, err := h.crm.Get(r.Context(), principalID, entity, id)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// CreateRecord creates a record in the caller's active tenant. tenant_id
// and created_by in the body must match the server-side values if present.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	rec := crm.New(entity)
	if err := decodeJSON(r, rec, false); err != nil {
		respondAppError(w, r, err)
		return
	}

	created, err := h.crm.Create(r.Context(), GetUserID(r.Context()), rec)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// UpdateRecord applies a partial update. Only fields present in the body
// change; explicit nulls clear optional fields.
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	var raw map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil || raw == nil {
		respondAppError(w, r, apperr.Validation("request body must be a JSON object"))
		return
	}

	rec, err := h.crm.Update(r.Context(), GetUserID(r.Context()), entity, chi.URLParam(r, "id"), raw)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// DeleteRecord deletes a record.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	entity, err := entityParam(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if err := h.crm.Delete(r.Context(), GetUserID(r.Context()), entity, chi.URLParam(r, "id")); err != nil {
		respondAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DashboardStats returns aggregates over the caller's active tenant.
func (h *Handler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.crm.DashboardStats(r.Context(), GetUserID(r.Context()))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
