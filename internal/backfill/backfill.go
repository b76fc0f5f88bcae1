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

// Package backfill reconciles legacy email-sourced documents that predate
// email-context capture with the provider's historical delivery log. It is
// best-effort and out-of-band: matches are accepted only above a confidence
// threshold, and anything ambiguous is left untouched rather than guessed.
package backfill

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/myhometech/ingestion/internal/models"
	"github.com/myhometech/ingestion/internal/persist"
	"github.com/myhometech/ingestion/internal/recipient"
)

// Scoring weights. They sum to 1.0; a match needs most components to agree
// to clear the default 0.8 threshold.
const (
	weightTimeProximity = 0.4
	weightTokenOverlap  = 0.3
	weightRecipient     = 0.3
)

// DeliveryEvent is one historical delivery from the provider's event log.
type DeliveryEvent struct {
	MessageID   string
	Recipient   string
	Sender      string
	Subject     string
	DeliveredAt time.Time
	Attachments []string // filenames reported by the provider
}

// DocumentSource is the slice of the document store the runner needs.
// Implemented by persist.DocumentStore.
type DocumentSource interface {
	ListMissingEmailContext(ctx context.Context, limit int) ([]persist.LegacyDocument, error)
	UpdateEmailContext(ctx context.Context, docID string, ec models.EmailContext) error
}

// EventSource lists historical deliveries around a point in time.
// Implemented by the events API Client.
type EventSource interface {
	DeliveriesAround(ctx context.Context, at time.Time, window time.Duration) ([]DeliveryEvent, error)
}

// Metrics summarises a completed backfill run.
type Metrics struct {
	Scanned      int
	Matched      int
	Written      int
	Ambiguous    int
	NoCandidates int
	Errors       int
	Elapsed      time.Duration
}

// Match is the scored pairing of a document and a candidate delivery.
// It exists only to pick a winner; nothing but the resulting email context
// is persisted.
type Match struct {
	Event      DeliveryEvent
	Score      float64
	TimeScore  float64
	TokenScore float64
	RecipScore float64
}

// RunnerConfig holds dependencies and tunables for the backfill runner.
type RunnerConfig struct {
	Docs       DocumentSource
	Events     EventSource
	Lookback   time.Duration // window around the document's creation time
	Threshold  float64       // minimum accepted confidence
	MaxDocs    int           // documents examined per run
	BatchSize  int
	BatchDelay time.Duration // pause between batches, respects API quotas
	DryRun     bool
}

// Runner performs the reconciliation.
type Runner struct {
	cfg RunnerConfig
}

// NewRunner creates a backfill runner, applying defaults for zero tunables.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Lookback == 0 {
		cfg.Lookback = 48 * time.Hour
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.8
	}
	if cfg.MaxDocs == 0 {
		cfg.MaxDocs = 500
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 25
	}
	if cfg.BatchDelay == 0 {
		cfg.BatchDelay = 2 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Run reconciles one batch of legacy documents and reports metrics.
func (r *Runner) Run(ctx context.Context) (*Metrics, error) {
	start := time.Now()
	m := &Metrics{}

	docs, err := r.cfg.Docs.ListMissingEmailContext(ctx, r.cfg.MaxDocs)
	if err != nil {
		return nil, err
	}

	slog.Info("starting email-context backfill",
		"documents", len(docs),
		"lookback", r.cfg.Lookback,
		"threshold", r.cfg.Threshold,
		"dry_run", r.cfg.DryRun,
	)

	for i, doc := range docs {
		// Rate limit between batches — the events API is quota-bound.
		if i > 0 && i%r.cfg.BatchSize == 0 {
			select {
			case <-ctx.Done():
				m.Elapsed = time.Since(start)
				return m, ctx.Err()
			case <-time.After(r.cfg.BatchDelay):
			}
		}

		r.reconcile(ctx, doc, m)
	}

	m.Elapsed = time.Since(start)

	slog.Info("email-context backfill complete",
		"scanned", m.Scanned,
		"matched", m.Matched,
		"written", m.Written,
		"ambiguous", m.Ambiguous,
		"no_candidates", m.NoCandidates,
		"errors", m.Errors,
		"elapsed", m.Elapsed,
	)

	return m, nil
}

// reconcile scores candidates for one document and writes the winner's
// email context when it clears the threshold.
func (r *Runner) reconcile(ctx context.Context, doc persist.LegacyDocument, m *Metrics) {
	m.Scanned++

	events, err := r.cfg.Events.DeliveriesAround(ctx, doc.CreatedAt, r.cfg.Lookback)
	if err != nil {
		slog.Warn("events lookup failed", "document_id", doc.ID, "error", err)
		m.Errors++
		return
	}

	if len(events) == 0 {
		m.NoCandidates++
		return
	}

	best := r.BestMatch(doc, events)
	if best.Score < r.cfg.Threshold {
		slog.Debug("best candidate below confidence threshold",
			"document_id", doc.ID,
			"score", best.Score,
			"threshold", r.cfg.Threshold,
		)
		m.Ambiguous++
		return
	}

	m.Matched++

	if r.cfg.DryRun {
		slog.Info("dry-run match",
			"document_id", doc.ID,
			"message_id", best.Event.MessageID,
			"score", best.Score,
		)
		return
	}

	ec := models.EmailContext{
		MessageID:  best.Event.MessageID,
		From:       best.Event.Sender,
		To:         []string{best.Event.Recipient},
		Subject:    best.Event.Subject,
		ReceivedAt: best.Event.DeliveredAt.UTC().Format(time.RFC3339),
	}
	if err := r.cfg.Docs.UpdateEmailContext(ctx, doc.ID, ec); err != nil {
		slog.Warn("failed to write email context", "document_id", doc.ID, "error", err)
		m.Errors++
		return
	}

	m.Written++
}

// BestMatch scores every candidate and returns the highest.
func (r *Runner) BestMatch(doc persist.LegacyDocument, events []DeliveryEvent) Match {
	var best Match
	for _, ev := range events {
		match := r.score(doc, ev)
		if match.Score > best.Score {
			best = match
		}
	}
	return best
}

// score combines the weighted heuristics for one candidate.
func (r *Runner) score(doc persist.LegacyDocument, ev DeliveryEvent) Match {
	m := Match{Event: ev}

	m.TimeScore = timeProximity(doc.CreatedAt, ev.DeliveredAt, r.cfg.Lookback) * weightTimeProximity
	m.TokenScore = tokenOverlap(doc.Filename, ev) * weightTokenOverlap
	m.RecipScore = recipientAffinity(doc.UserID, ev.Recipient) * weightRecipient
	m.Score = m.TimeScore + m.TokenScore + m.RecipScore

	return m
}

// timeProximity is 1.0 for a delivery at the document's creation instant,
// decaying linearly to 0 at the edge of the lookback window.
func timeProximity(created, delivered time.Time, window time.Duration) float64 {
	gap := created.Sub(delivered)
	if gap < 0 {
		gap = -gap
	}
	if gap >= window {
		return 0
	}
	return 1 - float64(gap)/float64(window)
}

// tokenOverlap is the fraction of the document's filename tokens found in
// the candidate's subject or reported attachment names.
func tokenOverlap(filename string, ev DeliveryEvent) float64 {
	docTokens := tokenize(filename)
	if len(docTokens) == 0 {
		return 0
	}

	candidate := make(map[string]bool)
	for _, tok := range tokenize(ev.Subject) {
		candidate[tok] = true
	}
	for _, name := range ev.Attachments {
		for _, tok := range tokenize(name) {
			candidate[tok] = true
		}
	}

	hits := 0
	for _, tok := range docTokens {
		if candidate[tok] {
			hits++
		}
	}
	return float64(hits) / float64(len(docTokens))
}

// recipientAffinity is 1.0 when the delivery's subaddress resolves to the
// document's owner, 0.5 for a well-formed ingest address of another user,
// and 0 otherwise.
func recipientAffinity(userID, rcpt string) float64 {
	id, err := recipient.ExtractUserID(rcpt)
	if err != nil {
		return 0
	}
	if id == userID {
		return 1
	}
	return 0.5
}

// tokenize lowercases and splits on non-alphanumeric characters, dropping
// short/noise tokens and the artifact extensions.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})

	var tokens []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		switch f {
		case "pdf", "jpg", "jpeg", "png", "webp", "docx", "email", "the", "and":
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}
