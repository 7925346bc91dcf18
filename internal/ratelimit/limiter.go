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

// Package ratelimit provides a fixed-window request limiter with a
// pluggable counter store.
package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/opentrusty/opencrm/internal/observability/logger"
)

// Config configures a Limiter.
type Config struct {
	Window time.Duration
	Max    int
	// KeyFunc derives the counter key from a request. Defaults to ClientIP.
	KeyFunc func(*http.Request) string
	// Prefix namespaces keys so several limiters can share a store.
	Prefix string
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits at most Max requests per key per Window.
type Limiter struct {
	cfg   Config
	store Store
}

// New creates a limiter. The limiter owns store and closes it on Close.
func New(cfg Config, store Store) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Max <= 0 {
		cfg.Max = 60
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	return &Limiter{cfg: cfg, store: store}
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	n, reset, err := l.store.Incr(ctx, l.cfg.Prefix+key, l.cfg.Window)
	if err != nil {
		return Result{Allowed: true, Limit: l.cfg.Max}, err
	}
	res := Result{Allowed: n <= l.cfg.Max, Limit: l.cfg.Max, Remaining: l.cfg.Max - n}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !res.Allowed {
		res.RetryAfter = reset
	}
	return res, nil
}

// Middleware rejects requests over the limit with 429. When the store
// fails the request is let through.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := l.Allow(r.Context(), l.cfg.KeyFunc(r))
		if err != nil {
			slog.WarnContext(r.Context(), "rate limit store unavailable", logger.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.Allowed {
			secs := int(math.Ceil(res.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded",
				"code":  "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close releases the store.
func (l *Limiter) Close() error {
	return l.store.Close()
}

// ClientIP returns the host part of the connection address. Forwarding
// headers are ignored here; when the service sits behind a trusted proxy
// the router's RealIP middleware rewrites RemoteAddr before this runs.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
