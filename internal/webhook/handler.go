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

package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"strings"

	"github.com/myhometech/ingestion/internal/models"
)

// maxRequestMemory bounds in-memory multipart parsing; larger parts spill
// to temp files.
const maxRequestMemory = 32 << 20

// Handler serves the email-ingest webhook endpoint.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler creates the webhook handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// ServeIngest handles POST /email-ingest.
//
// The response is always 200 with a JSON summary, regardless of internal
// failures: a non-200 makes the provider redeliver, and redelivery cannot
// fix a bad signature, an unknown recipient, or a down converter — it only
// amplifies load.
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	summary := &models.IngestSummary{
		ConversionEngine:  "myhome-convert",
		AttachmentResults: []models.AttachmentResult{},
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in email ingest, responding 200 anyway", "panic", rec)
		}
		writeSummary(w, summary)
	}()

	if r.Method != http.MethodPost {
		return
	}

	msg, err := parseInbound(r)
	if err != nil {
		slog.Warn("unparseable webhook delivery", "error", err)
		return
	}

	summary = h.orchestrator.Process(r.Context(), msg)
}

// writeSummary writes the always-200 JSON response.
func writeSummary(w http.ResponseWriter, summary *models.IngestSummary) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		slog.Error("failed to write webhook response", "error", err)
	}
}

// parseInbound extracts the inbound message from a multipart or urlencoded
// webhook delivery.
func parseInbound(r *http.Request) (*models.InboundMessage, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if strings.HasPrefix(ct, "multipart/") {
		if err := r.ParseMultipartForm(maxRequestMemory); err != nil {
			return nil, fmt.Errorf("parse multipart form: %w", err)
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("parse form: %w", err)
		}
	}

	msg := &models.InboundMessage{
		MessageID: firstFormValue(r, "Message-Id", "message-id", "Message-ID"),
		Recipient: r.FormValue("recipient"),
		Sender:    r.FormValue("sender"),
		Subject:   r.FormValue("subject"),
		BodyPlain: r.FormValue("body-plain"),
		BodyHTML:  r.FormValue("body-html"),
		Timestamp: r.FormValue("timestamp"),
		Token:     r.FormValue("token"),
		Signature: r.FormValue("signature"),
	}

	if r.MultipartForm != nil {
		for _, headers := range r.MultipartForm.File {
			for _, fh := range headers {
				att, err := readAttachment(fh)
				if err != nil {
					slog.Warn("failed to read attachment part",
						"filename", fh.Filename,
						"error", err,
					)
					continue
				}
				msg.Attachments = append(msg.Attachments, att)
			}
		}
	}

	return msg, nil
}

// readAttachment buffers one file part into an AttachmentData.
func readAttachment(fh *multipart.FileHeader) (models.AttachmentData, error) {
	f, err := fh.Open()
	if err != nil {
		return models.AttachmentData{}, err
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return models.AttachmentData{}, err
	}

	return models.AttachmentData{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Size:        int64(len(content)),
		Content:     content,
	}, nil
}

// firstFormValue returns the first non-empty form value among keys.
// Providers are inconsistent about Message-Id casing.
func firstFormValue(r *http.Request, keys ...string) string {
	for _, k := range keys {
		if v := r.FormValue(k); v != "" {
			return v
		}
	}
	return ""
}

// Serve starts the webhook HTTP server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler *Handler, health http.HandlerFunc) (<-chan struct{}, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/email-ingest", handler.ServeIngest)
	mux.HandleFunc("/api/email-ingest", handler.ServeIngest)
	if health != nil {
		mux.HandleFunc("/health", health)
	}

	server := &http.Server{
		Handler: mux,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind webhook port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("webhook server shutting down")
		server.Close()
	}()

	go func() {
		slog.Info("webhook server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); err != http.ErrServerClosed {
			slog.Error("webhook server error", "error", err)
		}
	}()

	return ready, nil
}
