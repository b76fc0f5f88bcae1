// Copyright (c) 2026 John Earle
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

// MyHomeTech — Email Context Backfill Command
//
// Standalone CLI tool that reconciles legacy email-sourced documents with
// the provider's historical delivery log. Documents that predate context
// capture get their email metadata filled in when a delivery matches with
// high confidence; ambiguous candidates are left untouched.
//
// Usage:
//
//	go run ./cmd/backfill/ [--dry-run] [--limit 500] [--lookback 48h] [--threshold 0.8]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/myhometech/ingestion/internal/backfill"
	"github.com/myhometech/ingestion/internal/config"
	"github.com/myhometech/ingestion/internal/persist"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	dryRunFlag := flag.Bool("dry-run", false, "Compute matches without writing email context")
	limitFlag := flag.Int("limit", 0, "Maximum documents to examine (0 = config default)")
	lookbackFlag := flag.String("lookback", "", "Event window around document creation (e.g. 48h; empty = config default)")
	thresholdFlag := flag.Float64("threshold", 0, "Minimum match confidence (0 = config default)")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if cfg.EventsAPIBaseURL == "" {
		slog.Error("events API base URL is required for backfill")
		os.Exit(1)
	}

	lookback := cfg.BackfillLookback
	if *lookbackFlag != "" {
		lookback, err = time.ParseDuration(*lookbackFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --lookback duration %q: %v\n", *lookbackFlag, err)
			os.Exit(1)
		}
	}

	threshold := cfg.BackfillThreshold
	if *thresholdFlag > 0 {
		threshold = *thresholdFlag
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	gateway := persist.NewGateway(pgPool, cfg.QueryTimeout)
	docs, err := persist.NewDocumentStore(ctx, gateway)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}

	// --- Events API Client ---
	events := backfill.NewClient(cfg.EventsAPIBaseURL, cfg.EventsAPIKey)

	// --- Run Backfill ---
	runner := backfill.NewRunner(backfill.RunnerConfig{
		Docs:       docs,
		Events:     events,
		Lookback:   lookback,
		Threshold:  threshold,
		MaxDocs:    *limitFlag,
		BatchSize:  cfg.BackfillBatchSize,
		BatchDelay: cfg.BackfillBatchDelay,
		DryRun:     *dryRunFlag,
	})

	metrics, err := runner.Run(ctx)
	if err != nil {
		slog.Error("backfill failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	slog.Info("backfill complete",
		"scanned", metrics.Scanned,
		"matched", metrics.Matched,
		"written", metrics.Written,
		"ambiguous", metrics.Ambiguous,
		"no_candidates", metrics.NoCandidates,
		"errors", metrics.Errors,
		"elapsed", metrics.Elapsed,
		"dry_run", *dryRunFlag,
	)
}
