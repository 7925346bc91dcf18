// Package http exposes the CRM, tenant, search and webhook surfaces over a
// chi router.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opentrusty/opencrm/internal/apperr"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/crm"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/observability/metrics"
	"github.com/opentrusty/opencrm/internal/principal"
	"github.com/opentrusty/opencrm/internal/ratelimit"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/tenant"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies are the services the handlers call.
type Dependencies struct {
	CRM        *crm.Service
	Tenants    *tenant.Service
	Bootstrap  *tenant.BootstrapService
	Resolver   *authz.Resolver
	Search     *search.Service
	Ingest     *ingest.Service
	Principals *principal.Verifier
	Webhooks   *ingest.Verifier
	Metrics    *metrics.HTTPMetrics
	DB         Pinger
}

// Handler holds HTTP handlers and dependencies
type Handler struct {
	crm        *crm.Service
	tenants    *tenant.Service
	bootstrap  *tenant.BootstrapService
	resolver   *authz.Resolver
	search     *search.Service
	ingest     *ingest.Service
	principals *principal.Verifier
	webhooks   *ingest.Verifier
	metrics    *metrics.HTTPMetrics
	db         Pinger
}

// NewHandler creates a new HTTP handler
func NewHandler(d Dependencies) *Handler {
	webhooks := d.Webhooks
	if webhooks == nil {
		webhooks = ingest.NewVerifier("")
	}
	return &Handler{
		crm:        d.CRM,
		tenants:    d.Tenants,
		bootstrap:  d.Bootstrap,
		resolver:   d.Resolver,
		search:     d.Search,
		ingest:     d.Ingest,
		principals: d.Principals,
		webhooks:   webhooks,
		metrics:    d.Metrics,
		db:         d.DB,
	}
}

// RouterConfig holds the router-wide limits. Nil limiters disable the
// corresponding check.
type RouterConfig struct {
	RateLimiter      *RateLimiter
	AuthLimiter      *ratelimit.Limiter
	SearchLimiter    *ratelimit.Limiter
	WebhookPerMinute int
	AllowedOrigins   []string
	MaxBodyBytes     int64
	RequestTimeout   time.Duration
	// TrustProxyHeaders lets X-Forwarded-For and X-Real-IP replace the
	// connection address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// NewRouter creates a new HTTP router
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	if h.metrics != nil {
		r.Use(h.metrics.Middleware)
	}
	r.Use(RateLimitMiddleware(cfg.RateLimiter))
	r.Use(func(handler http.Handler) http.Handler {
		return otelhttp.NewHandler(handler, "http_request",
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(LoggingMiddleware())
	r.Use(middleware.Recoverer)
	r.Use(CORSMiddleware(cfg.AllowedOrigins))
	r.Use(MaxBodyMiddleware(cfg.MaxBodyBytes))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.Timeout(cfg.RequestTimeout))
	}

	r.Get("/health", h.HealthCheck)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	// Machine-to-machine callbacks from the job runner. No bearer token;
	// bodies are authenticated by HMAC.
	r.Route("/webhooks/job-runner", func(r chi.Router) {
		if cfg.WebhookPerMinute > 0 {
			r.Use(httprate.LimitByIP(cfg.WebhookPerMinute, time.Minute))
		}
		r.Post("/", h.ReceiveWebhook)
		r.Post("/progress", h.PushProgress)
	})

	// Remote procedures used by the client before it has a tenant.
	r.Route("/rpc", func(r chi.Router) {
		r.Use(h.AuthMiddleware)
		if cfg.AuthLimiter != nil {
			r.Use(cfg.AuthLimiter.Middleware)
		}
		r.Post("/current_tenant", h.CurrentTenantID)
		r.Post("/ensure_tenant", h.EnsureTenant)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Get("/dashboard", h.DashboardStats)

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/current", h.GetCurrentTenant)
			r.Post("/current", h.SwitchTenant)
			r.Get("/memberships", h.ListMemberships)
			r.Get("/members", h.ListMembers)
			r.Post("/members", h.AddMember)
			r.Delete("/members/{userID}", h.RevokeMember)
		})

		r.Route("/search", func(r chi.Router) {
			r.With(limit(cfg.SearchLimiter)).Post("/", h.TriggerSearch)
			r.Get("/{sessionID}/progress", h.GetProgress)
			r.Get("/{sessionID}/results", h.ListResults)
		})

		r.Route("/{entity}", func(r chi.Router) {
			r.Get("/", h.ListRecords)
			r.Post("/", h.CreateRecord)
			r.Get("/{id}", h.GetRecord)
			r.Patch("/{id}", h.UpdateRecord)
			r.Delete("/{id}", h.DeleteRecord)
		})
	})

	return r
}

func limit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}

// HealthCheck returns the health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			slog.ErrorContext(r.Context(), "health check failed", logger.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":   "unhealthy",
				"database": "unreachable",
			})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "opencrm",
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error             string `json:"error"`
	Code              string `json:"code"`
	Reason            string `json:"reason,omitempty"`
	BootstrapRequired bool   `json:"bootstrap_required,omitempty"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindAuthenticationMissing:
		return http.StatusUnauthorized
	case apperr.KindAuthorizationDenied:
		return http.StatusForbidden
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case apperr.KindIngestionRejected:
		if apperr.ReasonOf(err) == apperr.ReasonBadSignature {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondAppError writes err with its status. Internal errors are logged
// and their detail is withheld from the client.
func respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := apperr.KindOf(err)
	body := ErrorResponse{Code: string(kind), Reason: apperr.ReasonOf(err)}

	var ae *apperr.Error
	switch {
	case status == http.StatusInternalServerError:
		slog.ErrorContext(r.Context(), "request failed",
			logger.Path(r.URL.Path),
			logger.ErrorType(string(kind)),
			logger.Error(err),
		)
		body.Error = "internal server error"
	case errors.As(err, &ae) && ae.Message != "":
		body.Error = ae.Message
	default:
		body.Error = err.Error()
	}
	if kind == apperr.KindUpstreamUnavailable {
		slog.WarnContext(r.Context(), "upstream unavailable", logger.Path(r.URL.Path), logger.Error(err))
	}
	body.BootstrapRequired = body.Reason == apperr.ReasonUnprovisioned
	respondJSON(w, status, body)
}

// decodeJSON decodes the request body into dst. An empty body decodes to
// the zero value when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && allowEmpty:
			return nil
		case errors.As(err, &tooLarge):
			return apperr.Validation("request body too large")
		case errors.Is(err, io.EOF):
			return apperr.Validation("request body is required")
		}
		return apperr.Validation("invalid request body")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validationf("%s must be an integer", key)
	}
	return n, nil
}
