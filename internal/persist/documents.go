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

package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/myhometech/ingestion/internal/models"
)

// DocumentStore provides CRUD operations for document records, mediated by
// the Gateway's retry and circuit-breaker policy.
type DocumentStore struct {
	gw *Gateway
}

// NewDocumentStore creates a document store and ensures the schema exists.
func NewDocumentStore(ctx context.Context, gw *Gateway) (*DocumentStore, error) {
	s := &DocumentStore{gw: gw}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure documents schema: %w", err)
	}
	slog.Info("document store initialised")
	return s, nil
}

func (s *DocumentStore) ensureSchema(ctx context.Context) error {
	return s.gw.SafeExec(ctx, "ensure_schema_critical", `
		CREATE TABLE IF NOT EXISTS documents (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			filename          TEXT NOT NULL,
			mime_type         TEXT NOT NULL,
			size              BIGINT NOT NULL,
			upload_source     TEXT NOT NULL DEFAULT 'email',
			ingest_group_id   TEXT DEFAULT '',
			conversion_status TEXT DEFAULT 'not_applicable',
			email_context     JSONB,
			created_at        TIMESTAMPTZ DEFAULT NOW(),
			updated_at        TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_docs_user ON documents(user_id);
		CREATE INDEX IF NOT EXISTS idx_docs_group ON documents(ingest_group_id);
		CREATE INDEX IF NOT EXISTS idx_docs_source ON documents(upload_source);
	`)
}

// Insert persists a new document. The write is idempotent on the document
// ID: a redelivered message that survives dedup still cannot double-insert.
func (s *DocumentStore) Insert(ctx context.Context, doc models.Document) error {
	var emailContext []byte
	if doc.EmailContext != nil {
		var err error
		emailContext, err = json.Marshal(doc.EmailContext)
		if err != nil {
			return fmt.Errorf("marshal email context: %w", err)
		}
	}

	return s.gw.SafeExec(ctx, "insert_document", `
		INSERT INTO documents
			(id, user_id, filename, mime_type, size, upload_source, ingest_group_id, conversion_status, email_context)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, doc.ID, doc.UserID, doc.Filename, doc.MimeType, doc.Size,
		doc.UploadSource, doc.IngestGroupID, doc.ConversionStatus, emailContext)
}

// UpdateConversionStatus records the final outcome of an async conversion.
func (s *DocumentStore) UpdateConversionStatus(ctx context.Context, docID, status string) error {
	return s.gw.SafeExec(ctx, "update_conversion_status", `
		UPDATE documents
		SET conversion_status = $1, updated_at = NOW()
		WHERE id = $2
	`, status, docID)
}

// UpdateEmailContext writes email provenance onto an existing document.
// Used by the backfill job for legacy documents.
func (s *DocumentStore) UpdateEmailContext(ctx context.Context, docID string, ec models.EmailContext) error {
	payload, err := json.Marshal(ec)
	if err != nil {
		return fmt.Errorf("marshal email context: %w", err)
	}
	return s.gw.SafeExec(ctx, "update_email_context", `
		UPDATE documents
		SET email_context = $1, updated_at = NOW()
		WHERE id = $2
	`, payload, docID)
}

// LegacyDocument is a document missing email provenance, as seen by the
// backfill job.
type LegacyDocument struct {
	ID        string
	UserID    string
	Filename  string
	CreatedAt time.Time
}

// ListMissingEmailContext returns email-sourced documents without an
// email_context, oldest first, up to limit.
func (s *DocumentStore) ListMissingEmailContext(ctx context.Context, limit int) ([]LegacyDocument, error) {
	var docs []LegacyDocument

	err := s.gw.Do(ctx, "list_missing_email_context", func(ctx context.Context) error {
		rows, err := s.gw.pool.Query(ctx, `
			SELECT id, user_id, filename, created_at
			FROM documents
			WHERE upload_source = 'email' AND email_context IS NULL
			ORDER BY created_at
			LIMIT $1
		`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		docs = docs[:0]
		for rows.Next() {
			var d LegacyDocument
			if err := rows.Scan(&d.ID, &d.UserID, &d.Filename, &d.CreatedAt); err != nil {
				return err
			}
			docs = append(docs, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return docs, nil
}

// CountByIngestGroup returns how many documents share an ingest group.
func (s *DocumentStore) CountByIngestGroup(ctx context.Context, groupID string) (int, error) {
	var count int
	err := s.gw.SafeQueryRow(ctx, "count_ingest_group", `
		SELECT COUNT(*) FROM documents WHERE ingest_group_id = $1
	`, func(row pgx.Row) error {
		return row.Scan(&count)
	}, groupID)
	return count, err
}
