// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/search"
)

// readSigned reads the raw body and verifies its signature before anything
// parses it.
func (h *Handler) readSigned(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.Rejected(apperr.ReasonMalformed, "webhook body too large")
		}
		return nil, apperr.Rejected(apperr.ReasonMalformed, "failed to read webhook body")
	}
	if err := h.webhooks.Verify(body, r.Header.Get(ingest.SignatureHeader)); err != nil {
		h.ingest.RejectSignature(r.Context(), err)
		return nil, err
	}
	return body, nil
}

// ReceiveWebhook applies a job runner event. Unknown event types and
// repeats for finished sessions are acknowledged with 200 and change
// nothing.
func (h *Handler) ReceiveWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := h.readSigned(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	env, err := ingest.ParseEnvelope(body, r.URL.Query().Get("session_id"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}

	out, err := h.ingest.Handle(r.Context(), env)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

// ProgressRequest is an intermediate phase pushed by the job runner.
type ProgressRequest struct {
	SessionID      string `json:"session_id"`
	Status         string `json:"status"`
	Message        string `json:"message"`
	ProcessedCount int    `json:"processed_count"`
	TotalCount     int    `json:"total_count"`
}

// PushProgress records a progress update for a session. It is signed the
// same way as run events.
func (h *Handler) PushProgress(w http.ResponseWriter, r *http.Request) {
	body, err := h.readSigned(r)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	var req ProgressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondAppError(w, r, apperr.Validation("invalid request body"))
		return
	}
	if req.SessionID == "" {
		req.SessionID = r.URL.Query().Get("session_id")
	}

	changed, err := h.search.PushProgress(r.Context(), req.SessionID, search.Update{
		Status:         search.Status(req.Status),
		Message:        req.Message,
		ProcessedCount: req.ProcessedCount,
		TotalCount:     req.TotalCount,
	})
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": req.SessionID,
		"applied":    changed,
	})
}
