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
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/principal"
)

// Tenant Context Principles:
// 1. The active tenant is read from the caller's stored profile, never from
//    the request.
// 2. tenant_id and created_by in a body are hints that must match the
//    server-side values; they never select a tenant.
//
// Anti-Patterns (FORBIDDEN):
// - X-Tenant-ID headers or tenant_id query parameters that select scope
// - Trusting a user id carried in a webhook payload

// LoggingMiddleware logs HTTP requests
func LoggingMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= http.StatusInternalServerError {
					level = slog.LevelError
				}
				slog.Log(r.Context(), level, "http_request",
					logger.RequestID(middleware.GetReqID(r.Context())),
					logger.Method(r.Method),
					logger.Path(r.URL.Path),
					logger.RemoteAddr(r.RemoteAddr),
					logger.UserAgent(r.UserAgent()),
					logger.StatusCode(status),
					logger.Duration(time.Since(start).Milliseconds()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// AuthMiddleware verifies the bearer token and puts the principal in the
// request context.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := principal.FromHeader(r.Header.Get("Authorization"))
		if !ok {
			h.authFailed()
			respondAppError(w, r, apperr.Unauthenticated("missing bearer token"))
			return
		}

		p, err := h.principals.Verify(token)
		if err != nil {
			h.authFailed()
			slog.DebugContext(r.Context(), "bearer token rejected", logger.Error(err))
			respondAppError(w, r, err)
			return
		}

		if r.Header.Get("X-Tenant-ID") != "" {
			slog.WarnContext(r.Context(), "tenant header on authenticated route ignored",
				logger.UserID(p.ID),
				logger.Path(r.URL.Path),
			)
		}

		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (h *Handler) authFailed() {
	if h.metrics != nil {
		h.metrics.AuthFailed()
	}
}

// MaxBodyMiddleware caps request bodies at n bytes.
func MaxBodyMiddleware(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if n <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, n)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware answers preflight requests and sets CORS headers for the
// configured origins. "*" allows any origin; no origins disables CORS.
func CORSMiddleware(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders:       []string{"Authorization", "Content-Type"},
		ExposedHeaders:       []string{"Retry-After", "X-Request-Id"},
		MaxAge:               300,
		OptionsSuccessStatus: http.StatusNoContent,
	})
}
