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

// Package jobrunner talks to the external scraping job runner: it starts
// actor runs for search sessions and downloads the datasets they produce.
package jobrunner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/search"
)

// Config holds job runner client settings.
type Config struct {
	BaseURL string
	Token   string
	ActorID string
	// CallbackURL is where the runner posts run events. The session id is
	// appended as the session_id query parameter.
	CallbackURL string
	Timeout     time.Duration
	// MaxRetries bounds retries of a single call; MaxElapsed bounds the
	// total time spent retrying it.
	MaxRetries uint64
	MaxElapsed time.Duration
}

// webhookEvents are the run events the runner is asked to report.
var webhookEvents = []string{
	"ACTOR.RUN.SUCCEEDED",
	"ACTOR.RUN.FAILED",
	"ACTOR.RUN.ABORTED",
	"ACTOR.RUN.TIMED_OUT",
}

// Client is an HTTP client for the runner API. It implements search.Runner
// and ingest.DatasetFetcher.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a client. The transport is instrumented with OpenTelemetry.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = time.Minute
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// runInput is what the actor receives as its input document.
type runInput struct {
	SearchSessionID string   `json:"searchSessionId"`
	SearchStrings   []string `json:"searchStringsArray"`
	Location        string   `json:"locationQuery"`
	MaxPlaces       int      `json:"maxCrawledPlacesPerSearch"`
	MinRating       float64  `json:"minRating,omitempty"`
	MinReviews      int      `json:"minReviews,omitempty"`
	RequireWebsite  bool     `json:"requireWebsite,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
}

type webhookSpec struct {
	EventTypes []string `json:"eventTypes"`
	RequestURL string   `json:"requestUrl"`
}

type runResponse struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

// StartRun starts an actor run for s and returns the run id.
func (c *Client) StartRun(ctx context.Context, s *search.Session) (string, error) {
	if c.cfg.BaseURL == "" || c.cfg.ActorID == "" {
		return "", errors.New("job runner is not configured")
	}

	in := runInput{
		SearchSessionID: s.ID,
		SearchStrings:   []string{s.Criteria.MarketVertical},
		Location:        s.Criteria.Geography,
		MaxPlaces:       s.Criteria.BatchSize,
		MinRating:       s.Criteria.MinRating,
		MinReviews:      s.Criteria.MinReviews,
		RequireWebsite:  s.Criteria.RequireWebsite,
		Keywords:        s.Criteria.Keywords,
	}
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("failed to encode run input: %w", err)
	}

	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid job runner url: %w", err)
	}
	endpoint = endpoint.JoinPath("v2", "acts", c.cfg.ActorID, "runs")
	if c.cfg.CallbackURL != "" {
		hooks, err := c.webhooksParam(s.ID)
		if err != nil {
			return "", err
		}
		q := endpoint.Query()
		q.Set("webhooks", hooks)
		endpoint.RawQuery = q.Encode()
	}

	var out runResponse
	if err := c.do(ctx, http.MethodPost, endpoint.String(), body, &out); err != nil {
		return "", err
	}
	if out.Data.ID == "" {
		return "", errors.New("job runner returned no run id")
	}
	slog.InfoContext(ctx, "job run started",
		logger.SearchSessionID(s.ID),
		logger.RunID(out.Data.ID),
		logger.String("run_status", out.Data.Status),
	)
	return out.Data.ID, nil
}

// FetchItems downloads every item of a dataset as raw JSON objects.
func (c *Client) FetchItems(ctx context.Context, datasetID string) ([]json.RawMessage, error) {
	endpoint, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid job runner url: %w", err)
	}
	endpoint = endpoint.JoinPath("v2", "datasets", datasetID, "items")
	q := endpoint.Query()
	q.Set("format", "json")
	q.Set("clean", "true")
	endpoint.RawQuery = q.Encode()

	var items []json.RawMessage
	if err := c.do(ctx, http.MethodGet, endpoint.String(), nil, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) webhooksParam(sessionID string) (string, error) {
	cb, err := url.Parse(c.cfg.CallbackURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}
	q := cb.Query()
	q.Set("session_id", sessionID)
	cb.RawQuery = q.Encode()

	b, err := json.Marshal([]webhookSpec{{EventTypes: webhookEvents, RequestURL: cb.String()}})
	if err != nil {
		return "", fmt.Errorf("failed to encode webhooks: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// statusError is a non-2xx answer from the runner.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("job runner returned %d: %s", e.Code, e.Body)
}

// retryable reports whether a status is worth retrying. Client errors
// other than 408 and 429 are final.
func retryable(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// policy is the retry schedule for method. Starting a run is not
// idempotent, so a POST gets a single attempt.
func (c *Client) policy(ctx context.Context, method string) backoff.BackOffContext {
	retries := c.cfg.MaxRetries
	if method == http.MethodPost {
		retries = 0
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = c.cfg.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

// do performs one API call under the retry policy for its method. Any
// failure that survives the policy is reported as upstream unavailable.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out any) error {
	attempt := 0
	op := func() error {
		attempt++
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			serr := &statusError{Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
			if !retryable(resp.StatusCode) {
				return backoff.Permanent(serr)
			}
			return serr
		}

		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode job runner response: %w", err))
		}
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.WarnContext(ctx, "job runner call failed, retrying",
			logger.Method(method),
			logger.Error(err),
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
		)
	}

	if err := backoff.RetryNotify(op, c.policy(ctx, method), notify); err != nil {
		return apperr.Upstream("job runner request failed", err)
	}
	return nil
}
