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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConverterConfig holds credentials for the external conversion service.
// The service issues OAuth2 tokens via the client-credentials grant.
type ConverterConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// Config holds all configuration for the ingestion service.
type Config struct {
	// Webhook
	SigningKey   string
	ReplayWindow time.Duration
	IngestDomain string // domain part expected in upload+<id>@<domain>

	// Attachment policy
	MaxAttachmentSize  int64
	WarnAttachmentSize int64
	AllowedMimeTypes   []string

	// Conversion service
	Converter ConverterConfig

	// Object storage
	StorageBaseURL string
	StorageAPIKey  string
	StorageBucket  string

	// Persistence
	DatabaseURL  string
	QueryTimeout time.Duration

	// Redis
	RedisURL string
	OCRQueue string
	DedupTTL time.Duration

	// Backfill
	EventsAPIBaseURL   string
	EventsAPIKey       string
	BackfillLookback   time.Duration
	BackfillThreshold  float64
	BackfillBatchSize  int
	BackfillBatchDelay time.Duration

	// Server
	Port int
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Webhook struct {
		SigningKey string `yaml:"signing_key"`
		Domain     string `yaml:"domain"`
	} `yaml:"webhook"`
	Converter struct {
		BaseURL      string `yaml:"base_url"`
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
	} `yaml:"converter"`
	Storage struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Bucket  string `yaml:"bucket"`
	} `yaml:"storage"`
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL    string `yaml:"url"`
		Queues struct {
			OCR string `yaml:"ocr"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Events struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"events"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		SigningKey:   firstNonEmpty(raw.Webhook.SigningKey, os.Getenv("MAILGUN_SIGNING_KEY")),
		ReplayWindow: envOrDefaultDuration("REPLAY_WINDOW", 15*time.Minute),
		IngestDomain: firstNonEmpty(raw.Webhook.Domain, envOrDefault("INGEST_DOMAIN", "myhome-tech.com")),

		MaxAttachmentSize:  envOrDefaultInt64("MAX_ATTACHMENT_SIZE", 10*1024*1024),
		WarnAttachmentSize: envOrDefaultInt64("WARN_ATTACHMENT_SIZE", 5*1024*1024),
		AllowedMimeTypes:   envOrDefaultList("ALLOWED_MIME_TYPES", defaultAllowedMimeTypes),

		Converter: ConverterConfig{
			BaseURL:      raw.Converter.BaseURL,
			TokenURL:     raw.Converter.TokenURL,
			ClientID:     raw.Converter.ClientID,
			ClientSecret: raw.Converter.ClientSecret,
		},

		StorageBaseURL: firstNonEmpty(raw.Storage.BaseURL, os.Getenv("STORAGE_BASE_URL")),
		StorageAPIKey:  firstNonEmpty(raw.Storage.APIKey, os.Getenv("STORAGE_API_KEY")),
		StorageBucket:  firstNonEmpty(raw.Storage.Bucket, envOrDefault("STORAGE_BUCKET", "documents")),

		DatabaseURL:  firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		QueryTimeout: envOrDefaultDuration("QUERY_TIMEOUT", 10*time.Second),

		RedisURL: firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		OCRQueue: firstNonEmpty(raw.Redis.Queues.OCR, envOrDefault("OCR_QUEUE", "documents")),
		DedupTTL: envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),

		EventsAPIBaseURL:   firstNonEmpty(raw.Events.BaseURL, os.Getenv("EVENTS_API_URL")),
		EventsAPIKey:       firstNonEmpty(raw.Events.APIKey, os.Getenv("EVENTS_API_KEY")),
		BackfillLookback:   envOrDefaultDuration("BACKFILL_LOOKBACK", 48*time.Hour),
		BackfillThreshold:  envOrDefaultFloat("BACKFILL_MIN_CONFIDENCE", 0.8),
		BackfillBatchSize:  envOrDefaultInt("BACKFILL_BATCH_SIZE", 25),
		BackfillBatchDelay: envOrDefaultDuration("BACKFILL_BATCH_DELAY", 2*time.Second),

		Port: envOrDefaultInt("PORT", 8080),
	}

	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("no webhook signing key configured — check config.yaml and MAILGUN_SIGNING_KEY")
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database URL configured — check config.yaml and DATABASE_URL")
	}

	return cfg, nil
}

// defaultAllowedMimeTypes is the attachment allow-list. Anything outside it
// is rejected before classification.
var defaultAllowedMimeTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/webp",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envOrDefaultList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
