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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"

	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/authz"
	"github.com/opentrusty/opencrm/internal/config"
	"github.com/opentrusty/opencrm/internal/crm"
	"github.com/opentrusty/opencrm/internal/ingest"
	"github.com/opentrusty/opencrm/internal/jobrunner"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/observability/metrics"
	"github.com/opentrusty/opencrm/internal/observability/tracing"
	"github.com/opentrusty/opencrm/internal/principal"
	"github.com/opentrusty/opencrm/internal/ratelimit"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/store/postgres"
	"github.com/opentrusty/opencrm/internal/tenant"
	transportHTTP "github.com/opentrusty/opencrm/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
		OTel:        cfg.Observability.OTELEnabled,
	})

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	if err := run(cfg); err != nil {
		slog.Error("server exited", logger.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()
	slog.Info("starting opencrm", logger.String("environment", cfg.Environment))

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Environment,
		SamplingRate:   cfg.Observability.SamplingRate,
		Endpoint:       cfg.Observability.OTELEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	} else {
		defer tracer.Shutdown(context.Background())
	}

	var httpMetrics *metrics.HTTPMetrics
	if cfg.Observability.MetricsEnabled {
		httpMetrics = metrics.NewHTTPMetrics(cfg.Observability.MetricsPrefix)
		provider, err := metrics.NewProvider(httpMetrics.Registry(), cfg.Observability.ServiceName)
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		otel.SetMeterProvider(provider)
		defer provider.Shutdown(context.Background())
	}
	meter := metrics.New(metrics.Config{
		Enabled: cfg.Observability.MetricsEnabled,
		Prefix:  cfg.Observability.MetricsPrefix,
	}, cfg.Observability.ServiceName)

	var auditLogger audit.Logger = audit.NewSlogLogger()
	if counted, err := meter.CountAudit(auditLogger); err != nil {
		slog.Warn("audit counter disabled", logger.Error(err))
	} else {
		auditLogger = counted
	}

	db, err := postgres.New(ctx, postgres.Config{
		DSN:             cfg.Database.DSN(),
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer db.Close()
	slog.Info("connected to database")

	tenantRepo := postgres.NewTenantRepository(db)
	crmRepo := postgres.NewCRMRepository(db)
	searchRepo := postgres.NewSearchRepository(db)

	runner := jobrunner.New(jobrunner.Config{
		BaseURL:     cfg.JobRunner.BaseURL,
		Token:       cfg.JobRunner.Token,
		ActorID:     cfg.JobRunner.ActorID,
		CallbackURL: cfg.JobRunner.CallbackURL,
		Timeout:     cfg.JobRunner.Timeout,
		MaxRetries:  uint64(max(cfg.JobRunner.MaxRetries, 0)),
		MaxElapsed:  cfg.JobRunner.MaxElapsed,
	})

	resolver := authz.NewResolver(tenantRepo, auditLogger)
	tenantService := tenant.NewService(tenantRepo, tenantRepo, tenantRepo, auditLogger)
	bootstrapService := tenant.NewBootstrapService(tenantRepo, tenantRepo, auditLogger)
	crmService := crm.NewService(crmRepo, resolver, tenantRepo, auditLogger)
	searchService := search.NewService(searchRepo, resolver, runner, auditLogger)
	ingestService := ingest.NewService(searchRepo, runner, auditLogger)

	if cfg.Webhook.Secret == "" {
		slog.Warn("WEBHOOK_SECRET is empty, job runner callbacks are accepted unsigned")
	}

	authLimiter, err := newLimiter(ctx, cfg, ratelimit.Config{
		Window: cfg.RateLimit.AuthWindow,
		Max:    cfg.RateLimit.AuthMax,
		Prefix: "auth:",
	})
	if err != nil {
		return err
	}
	defer authLimiter.Close()

	// Search triggers are budgeted per principal, not per address.
	byPrincipal := func(r *http.Request) string {
		return transportHTTP.GetUserID(r.Context())
	}
	searchLimiter, err := newLimiter(ctx, cfg, ratelimit.Config{
		Window:  cfg.RateLimit.SearchWindow,
		Max:     cfg.RateLimit.SearchMax,
		Prefix:  "search:",
		KeyFunc: byPrincipal,
	})
	if err != nil {
		return err
	}
	defer searchLimiter.Close()

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.SweepInterval)
	defer rateLimiter.Close()

	principals := principal.NewVerifier(principal.Config{
		Secret:   cfg.Auth.JWTSecret,
		Issuer:   cfg.Auth.Issuer,
		Audience: cfg.Auth.Audience,
		Leeway:   cfg.Auth.Leeway,
	})

	handler := transportHTTP.NewHandler(transportHTTP.Dependencies{
		CRM:        crmService,
		Tenants:    tenantService,
		Bootstrap:  bootstrapService,
		Resolver:   resolver,
		Search:     searchService,
		Ingest:     ingestService,
		Principals: principals,
		Webhooks:   ingest.NewVerifier(cfg.Webhook.Secret),
		Metrics:    httpMetrics,
		DB:         db,
	})

	router := transportHTTP.NewRouter(handler, transportHTTP.RouterConfig{
		RateLimiter:      rateLimiter,
		AuthLimiter:      authLimiter,
		SearchLimiter:    searchLimiter,
		WebhookPerMinute: cfg.RateLimit.WebhookPerMinute,
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		RequestTimeout:   cfg.Server.WriteTimeout,

		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"), logger.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		slog.Info("shutting down server", logger.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
	return nil
}

// newLimiter backs a fixed window limiter with Redis when REDIS_ADDR is
// set, so every instance shares one budget, and with process memory
// otherwise.
func newLimiter(ctx context.Context, cfg *config.Config, lc ratelimit.Config) (*ratelimit.Limiter, error) {
	if cfg.Redis.Addr == "" {
		return ratelimit.New(lc, ratelimit.NewMemoryStore(cfg.RateLimit.SweepInterval)), nil
	}
	store, err := ratelimit.NewRedisStore(ctx, ratelimit.RedisConfig{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	return ratelimit.New(lc, store), nil
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: 1,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := db.Migrate(ctx)
	if err != nil {
		return err
	}
	for _, name := range applied {
		fmt.Println("applied", name)
	}
	fmt.Printf("Migration successful, %d new migration(s).\n", len(applied))
	return nil
}
