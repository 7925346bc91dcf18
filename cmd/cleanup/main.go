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

// Command cleanup fails search sessions whose job run never reported back.
// It is meant to run from cron or a Kubernetes CronJob.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/opentrusty/opencrm/internal/audit"
	"github.com/opentrusty/opencrm/internal/config"
	"github.com/opentrusty/opencrm/internal/observability/logger"
	"github.com/opentrusty/opencrm/internal/search"
	"github.com/opentrusty/opencrm/internal/store/postgres"
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
		ServiceName: cfg.Observability.ServiceName + "-cleanup",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := postgres.New(ctx, postgres.Config{DSN: cfg.Database.DSN(), MaxOpenConns: 2})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	// The sweeper never resolves a tenant or starts a run.
	svc := search.NewService(postgres.NewSearchRepository(db), nil, nil, audit.NewSlogLogger())

	total := 0
	for {
		n, err := svc.SweepStale(ctx, cfg.Search.StaleAfter, cfg.Search.SweepBatch)
		total += n
		if err != nil {
			slog.Error("stale session sweep failed", logger.Error(err), slog.Int("expired", total))
			os.Exit(1)
		}
		if n == 0 || n < cfg.Search.SweepBatch {
			break
		}
	}
	slog.Info("stale session sweep finished",
		logger.Operation("sweep_stale"),
		slog.Int("expired", total),
		slog.Duration("older_than", cfg.Search.StaleAfter),
	)
}
