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

// Package webhook handles inbound email deliveries from the mail provider.
// The provider POSTs each received message (form fields + file parts) to
// the registered webhook URL; the orchestrator verifies the delivery,
// attributes it to a user, routes every attachment and the email body
// through the conversion pipeline, and persists the resulting documents.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/myhometech/ingestion/internal/attachment"
	"github.com/myhometech/ingestion/internal/convert"
	"github.com/myhometech/ingestion/internal/models"
	"github.com/myhometech/ingestion/internal/persist"
	"github.com/myhometech/ingestion/internal/queue"
	"github.com/myhometech/ingestion/internal/recipient"
)

// processTimeout bounds total per-message processing so one slow conversion
// cannot hold the webhook response indefinitely.
const processTimeout = 30 * time.Second

// Verifier checks webhook delivery signatures. Implemented by
// signature.Verifier.
type Verifier interface {
	Verify(timestamp, token, sig string) bool
}

// Deduper filters redelivered messages. Implemented by dedup.Filter.
type Deduper interface {
	IsNew(ctx context.Context, messageID string) (bool, error)
}

// Engine converts attachments and renders HTML bodies to PDF. Implemented
// by convert.Converter.
type Engine interface {
	Convert(ctx context.Context, engine attachment.Engine, filename, contentType string, content []byte) ([]byte, error)
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// BlobStore persists artifact bytes in object storage. Implemented by
// storage.Client.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
}

// DocumentWriter persists document metadata. Implemented by
// persist.DocumentStore.
type DocumentWriter interface {
	Insert(ctx context.Context, doc models.Document) error
	UpdateConversionStatus(ctx context.Context, docID, status string) error
}

// TaskPublisher hands stored documents to the OCR/insight workers.
// Implemented by queue.Publisher.
type TaskPublisher interface {
	PublishDocumentTask(ctx context.Context, task queue.DocumentTask) error
}

// Orchestrator coordinates the ingestion pipeline for one inbound message.
// All dependencies are injected so tests can substitute fakes.
type Orchestrator struct {
	verifier   Verifier
	dedup      Deduper
	validator  *attachment.Validator
	classifier *attachment.Classifier
	engine     Engine
	blobs      BlobStore
	docs       DocumentWriter
	publisher  TaskPublisher
}

// OrchestratorConfig holds dependencies for the orchestrator.
type OrchestratorConfig struct {
	Verifier   Verifier
	Dedup      Deduper
	Validator  *attachment.Validator
	Classifier *attachment.Classifier
	Engine     Engine
	Blobs      BlobStore
	Docs       DocumentWriter
	Publisher  TaskPublisher
}

// NewOrchestrator creates the ingest orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		verifier:   cfg.Verifier,
		dedup:      cfg.Dedup,
		validator:  cfg.Validator,
		classifier: cfg.Classifier,
		engine:     cfg.Engine,
		blobs:      cfg.Blobs,
		docs:       cfg.Docs,
		publisher:  cfg.Publisher,
	}
}

// Process runs the full pipeline for one inbound message and returns the
// response summary. It never returns an error: every failure mode is
// resolved internally (logged, reflected in the summary) so the webhook
// can answer 200 and stop the provider from retrying deliveries that
// would fail the same way again.
func (o *Orchestrator) Process(ctx context.Context, msg *models.InboundMessage) *models.IngestSummary {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	summary := &models.IngestSummary{
		ConversionEngine:   "myhome-convert",
		AttachmentResults:  []models.AttachmentResult{},
		HasFileAttachments: len(msg.Attachments) > 0,
	}

	// 1. Verify — drop silently on failure, retrying won't fix a bad key.
	if !o.verifier.Verify(msg.Timestamp, msg.Token, msg.Signature) {
		slog.Warn("webhook signature verification failed, dropping delivery",
			"message_id", msg.MessageID,
			"sender", msg.Sender,
		)
		return summary
	}

	// 2. Resolve — unattributable mail is dropped, not bounced.
	userID, err := recipient.ExtractUserID(msg.Recipient)
	if err != nil {
		logRecipientFailure(msg, err)
		return summary
	}

	// 3. Dedup — the provider redelivers on network flaps even though we
	// always answer 200.
	if msg.MessageID != "" && o.dedup != nil {
		isNew, err := o.dedup.IsNew(ctx, msg.MessageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if !isNew {
			slog.Info("skipping duplicate delivery", "message_id", msg.MessageID)
			return summary
		}
	}

	groupID := uuid.New().String()
	emailCtx := emailContextFor(msg)

	slog.Info("processing inbound email",
		"message_id", msg.MessageID,
		"user", userID,
		"ingest_group", groupID,
		"attachments", len(msg.Attachments),
	)

	// 4. Body artifact — every inbound email yields at least one document,
	// even with zero attachments.
	if bodyDocID := o.storeBodyArtifact(ctx, msg, userID, groupID, emailCtx); bodyDocID != "" {
		summary.EmailBodyPdf = bodyDocID
	}

	// 5. Attachments — failures are isolated per attachment; one bad file
	// never aborts its siblings.
	batch := o.validator.ValidateBatch(msg.Attachments)
	slog.Info("attachment batch validated", "summary", batch.Summary)

	for _, inv := range batch.Invalid {
		summary.AttachmentResults = append(summary.AttachmentResults, models.AttachmentResult{
			Filename: inv.Attachment.Filename,
			Action:   convert.ActionSkip.String(),
			Reason:   inv.Reason,
		})
	}

	for _, att := range batch.Valid {
		summary.AttachmentResults = append(summary.AttachmentResults,
			o.processAttachment(ctx, att, userID, groupID, emailCtx))
	}

	return summary
}

// processAttachment classifies, routes, converts, and persists a single
// validated attachment.
func (o *Orchestrator) processAttachment(ctx context.Context, att models.AttachmentData, userID, groupID string, emailCtx *models.EmailContext) models.AttachmentResult {
	cls := o.classifier.Classify(att.Filename, att.ContentType, att.Size)
	route := convert.RouteFor(cls)

	if cls.Type == attachment.TypeMalicious {
		// Internal-only distinction; the result below reads "unsupported".
		slog.Warn("attachment flagged by extension policy",
			"filename", att.Filename,
			"user", userID,
		)
	}

	result := models.AttachmentResult{
		Filename:         att.Filename,
		Action:           route.Action.String(),
		ConversionStatus: string(route.Status),
		Reason:           route.Reason,
	}

	switch route.Action {
	case convert.ActionSkip:
		slog.Info("attachment skipped",
			"filename", att.Filename,
			"reason", route.Reason,
			"status", route.Status,
		)
		return result

	case convert.ActionStoreOriginal:
		doc, err := o.storeArtifact(ctx, userID, groupID, att.Filename, att.ContentType, att.Content, string(route.Status), emailCtx)
		if err != nil {
			slog.Error("failed to store attachment",
				"filename", att.Filename,
				"error", err,
			)
			result.Reason = "storage failed"
			return result
		}
		result.DocumentID = doc.ID
		result.Stored = true
		return result

	case convert.ActionConvertAndStore:
		return o.convertAndStore(ctx, att, route, userID, groupID, emailCtx, result)
	}

	return result
}

// convertAndStore persists the original, drives the conversion engine, and
// persists the converted artifact. The original survives even when the
// conversion fails.
func (o *Orchestrator) convertAndStore(ctx context.Context, att models.AttachmentData, route convert.Route, userID, groupID string, emailCtx *models.EmailContext, result models.AttachmentResult) models.AttachmentResult {
	original, err := o.storeArtifact(ctx, userID, groupID, att.Filename, att.ContentType, att.Content, string(convert.StatusPending), emailCtx)
	if err != nil {
		slog.Error("failed to store original before conversion",
			"filename", att.Filename,
			"error", err,
		)
		result.Reason = "storage failed"
		return result
	}
	result.DocumentID = original.ID
	result.Stored = true

	pdf, err := o.engine.Convert(ctx, route.Engine, att.Filename, att.ContentType, att.Content)
	if err != nil {
		status := convert.StatusForError(err)
		slog.Warn("conversion failed, original preserved",
			"filename", att.Filename,
			"engine", route.Engine,
			"status", status,
			"error", err,
		)
		if uerr := o.docs.UpdateConversionStatus(ctx, original.ID, string(status)); uerr != nil {
			slog.Error("failed to record conversion status", "document_id", original.ID, "error", uerr)
		}
		result.ConversionStatus = string(status)
		return result
	}

	pdfName := pdfFilename(att.Filename)
	converted, err := o.storeArtifact(ctx, userID, groupID, pdfName, "application/pdf", pdf, string(convert.StatusCompleted), emailCtx)
	if err != nil {
		slog.Error("failed to store converted artifact",
			"filename", pdfName,
			"error", err,
		)
		if uerr := o.docs.UpdateConversionStatus(ctx, original.ID, string(convert.StatusFailed)); uerr != nil {
			slog.Error("failed to record conversion status", "document_id", original.ID, "error", uerr)
		}
		result.ConversionStatus = string(convert.StatusFailed)
		return result
	}

	if err := o.docs.UpdateConversionStatus(ctx, original.ID, string(convert.StatusCompleted)); err != nil {
		slog.Error("failed to record conversion status", "document_id", original.ID, "error", err)
	}

	slog.Info("attachment converted",
		"filename", att.Filename,
		"converted_id", converted.ID,
		"pdf_bytes", len(pdf),
	)

	result.ConversionStatus = string(convert.StatusCompleted)
	return result
}

// storeBodyArtifact renders the email body to PDF and stores it. When the
// render engine is down, the raw text body is stored instead so the email
// still yields a document. Returns the stored document ID, or "" if even
// the fallback write failed.
func (o *Orchestrator) storeBodyArtifact(ctx context.Context, msg *models.InboundMessage, userID, groupID string, emailCtx *models.EmailContext) string {
	name := bodyFilename(msg.Subject)

	html := msg.BodyHTML
	if html == "" {
		html = renderPlainBody(msg.Subject, msg.BodyPlain)
	}

	pdf, err := o.engine.RenderHTML(ctx, html)
	if err == nil {
		doc, serr := o.storeArtifact(ctx, userID, groupID, name+".pdf", "application/pdf", pdf, string(convert.StatusCompleted), emailCtx)
		if serr == nil {
			return doc.ID
		}
		slog.Error("failed to store body PDF", "error", serr)
	} else {
		slog.Warn("body render failed, storing plain text", "error", err)
	}

	// Fallback: raw text body, so the message is never lost.
	body := msg.BodyPlain
	if body == "" {
		body = msg.BodyHTML
	}
	doc, serr := o.storeArtifact(ctx, userID, groupID, name+".txt", "text/plain", []byte(body), string(convert.StatusFailed), emailCtx)
	if serr != nil {
		slog.Error("failed to store body artifact", "error", serr)
		return ""
	}
	return doc.ID
}

// storeArtifact writes artifact bytes to blob storage, persists the
// document record, and enqueues downstream processing.
func (o *Orchestrator) storeArtifact(ctx context.Context, userID, groupID, filename, mimeType string, content []byte, conversionStatus string, emailCtx *models.EmailContext) (*models.Document, error) {
	doc := models.Document{
		ID:               uuid.New().String(),
		UserID:           userID,
		Filename:         filename,
		MimeType:         mimeType,
		Size:             int64(len(content)),
		UploadSource:     "email",
		IngestGroupID:    groupID,
		ConversionStatus: conversionStatus,
		EmailContext:     emailCtx,
	}

	key := fmt.Sprintf("%s/%s/%s", userID, doc.ID, filename)
	if err := o.blobs.Put(ctx, key, mimeType, content); err != nil {
		return nil, fmt.Errorf("store blob %s: %w", key, err)
	}

	if err := o.docs.Insert(ctx, doc); err != nil {
		return nil, fmt.Errorf("insert document %s: %w", doc.ID, err)
	}

	if o.publisher != nil {
		if err := o.publisher.PublishDocumentTask(ctx, queue.DocumentTask{
			DocumentID:    doc.ID,
			UserID:        userID,
			IngestGroupID: groupID,
			MimeType:      mimeType,
		}); err != nil {
			// Downstream triggers are best-effort; the document is stored.
			slog.Warn("failed to enqueue document task", "document_id", doc.ID, "error", err)
		}
	}

	return &doc, nil
}

// emailContextFor builds the provenance record persisted with every
// document from this message.
func emailContextFor(msg *models.InboundMessage) *models.EmailContext {
	return &models.EmailContext{
		MessageID:  msg.MessageID,
		From:       msg.Sender,
		To:         []string{msg.Recipient},
		Subject:    msg.Subject,
		ReceivedAt: receivedAt(msg.Timestamp),
	}
}

// receivedAt converts the provider's unix timestamp to RFC3339, falling
// back to now when it is absent or malformed.
func receivedAt(timestamp string) string {
	if ts, err := strconv.ParseInt(timestamp, 10, 64); err == nil {
		return time.Unix(ts, 0).UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// bodyFilename derives the body artifact name from the subject.
func bodyFilename(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "No Subject"
	}
	if len(subject) > 80 {
		subject = subject[:80]
	}
	return "Email - " + subject
}

// renderPlainBody wraps a plain-text body in minimal HTML for the renderer.
func renderPlainBody(subject, body string) string {
	var b strings.Builder
	b.WriteString("<html><body><h2>")
	b.WriteString(htmlEscape(subject))
	b.WriteString("</h2><pre>")
	b.WriteString(htmlEscape(body))
	b.WriteString("</pre></body></html>")
	return b.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// pdfFilename swaps the extension for .pdf.
func pdfFilename(filename string) string {
	if i := strings.LastIndex(filename, "."); i > 0 {
		filename = filename[:i]
	}
	return filename + ".pdf"
}

// logRecipientFailure logs attribution failures with the distinct parse
// error so operators can tell misconfigured routes from garbage.
func logRecipientFailure(msg *models.InboundMessage, err error) {
	level := slog.LevelWarn
	if errors.Is(err, recipient.ErrMalformedAddress) {
		level = slog.LevelInfo // scanners and spam hit this constantly
	}
	slog.Log(context.Background(), level, "cannot attribute inbound email, dropping",
		"recipient", msg.Recipient,
		"message_id", msg.MessageID,
		"error", err,
	)
}

// Compile-time checks that the production types satisfy the dependency
// interfaces.
var (
	_ Engine         = (*convert.Converter)(nil)
	_ DocumentWriter = (*persist.DocumentStore)(nil)
	_ TaskPublisher  = (*queue.Publisher)(nil)
)
