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

// MyHomeTech — Email Ingestion Service
//
// Entry point for the Go ingestion service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis and ensures the documents schema
//  3. Builds the ingest pipeline (signature check, attachment policy,
//     conversion routing, artifact storage, OCR task publishing)
//  4. Serves the inbound-email webhook and a health endpoint
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/myhometech/ingestion/internal/attachment"
	"github.com/myhometech/ingestion/internal/config"
	"github.com/myhometech/ingestion/internal/convert"
	"github.com/myhometech/ingestion/internal/dedup"
	"github.com/myhometech/ingestion/internal/persist"
	"github.com/myhometech/ingestion/internal/queue"
	"github.com/myhometech/ingestion/internal/signature"
	"github.com/myhometech/ingestion/internal/storage"
	"github.com/myhometech/ingestion/internal/webhook"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting email ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"domain", cfg.IngestDomain,
		"max_attachment_size", cfg.MaxAttachmentSize,
		"replay_window", cfg.ReplayWindow,
	)

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

	// --- Resilient Persistence ---
	gateway := persist.NewGateway(pgPool, cfg.QueryTimeout)
	docs, err := persist.NewDocumentStore(ctx, gateway)
	if err != nil {
		slog.Error("failed to initialise document store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.OCRQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Dedup Filter ---
	filter := dedup.NewFilter(rdb, cfg.DedupTTL)

	// --- Pipeline Components ---
	verifier := signature.NewVerifier(cfg.SigningKey, cfg.ReplayWindow)
	validator := attachment.NewValidator(cfg.MaxAttachmentSize, cfg.WarnAttachmentSize, cfg.AllowedMimeTypes)
	classifier := attachment.NewClassifier(cfg.MaxAttachmentSize)
	engine := convert.NewConverter(ctx, cfg.Converter)
	blobs := storage.NewClient(cfg.StorageBaseURL, cfg.StorageAPIKey, cfg.StorageBucket)

	orchestrator := webhook.NewOrchestrator(webhook.OrchestratorConfig{
		Verifier:   verifier,
		Dedup:      filter,
		Validator:  validator,
		Classifier: classifier,
		Engine:     engine,
		Blobs:      blobs,
		Docs:       docs,
		Publisher:  publisher,
	})

	// --- Health Endpoint ---
	health := func(w http.ResponseWriter, r *http.Request) {
		h := gateway.CheckHealth(r.Context())
		if err := publisher.Ping(r.Context()); err != nil {
			h.Status = "unhealthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if h.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(h)
	}

	// --- Webhook Server ---
	handler := webhook.NewHandler(orchestrator)
	ready, err := webhook.Serve(ctx, cfg.Port, handler, health)
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready
	slog.Info("ingestion service listening", "port", cfg.Port)

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig)
	cancel() // Serve closes the listener when the context ends

	rdb.Close()
	pgPool.Close()

	slog.Info("ingestion service stopped")
}
