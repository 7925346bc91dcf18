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

// Package ingest receives job-runner callbacks and writes their results
// into the search session that requested them.
package ingest

import (
	"encoding/json"
	"strings"

	"github.com/opentrusty/opencrm/internal/apperr"
)

// Event types sent by the job runner.
const (
	EventRunSucceeded = "ACTOR_RUN_SUCCEEDED"
	EventRunFailed    = "ACTOR_RUN_FAILED"
	EventRunAborted   = "ACTOR_RUN_ABORTED"
	EventRunTimedOut  = "ACTOR_RUN_TIMED_OUT"
)

// Envelope is the webhook body.
type Envelope struct {
	EventType string    `json:"eventType"`
	EventData EventData `json:"eventData"`
	Resource  Resource  `json:"resource"`
}

type EventData struct {
	ActorID         string `json:"actorId"`
	ActorRunID      string `json:"actorRunId"`
	SearchSessionID string `json:"searchSessionId,omitempty"`
}

type Resource struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	DefaultDatasetID string `json:"defaultDatasetId"`
	StatusMessage    string `json:"statusMessage,omitempty"`
}

// Known reports whether the event type is one the service acts on.
func (e *Envelope) Known() bool {
	switch e.EventType {
	case EventRunSucceeded, EventRunFailed, EventRunAborted, EventRunTimedOut:
		return true
	}
	return false
}

// RunID returns the run id from whichever field carries it.
func (e *Envelope) RunID() string {
	if e.EventData.ActorRunID != "" {
		return e.EventData.ActorRunID
	}
	return e.Resource.ID
}

// ParseEnvelope decodes a webhook body. fallbackSessionID is used when the
// body does not carry a session id, as is the case when the id travels in
// the callback URL.
func ParseEnvelope(body []byte, fallbackSessionID string) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, apperr.Rejected(apperr.ReasonMalformed, "webhook body is not valid JSON")
	}
	env.EventType = strings.TrimSpace(env.EventType)
	if env.EventType == "" {
		return nil, apperr.Rejected(apperr.ReasonMalformed, "eventType is required")
	}
	if env.EventData.SearchSessionID == "" {
		env.EventData.SearchSessionID = strings.TrimSpace(fallbackSessionID)
	}
	return &env, nil
}
