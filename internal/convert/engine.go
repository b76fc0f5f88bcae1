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

package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/myhometech/ingestion/internal/attachment"
	"github.com/myhometech/ingestion/internal/config"
)

// Conversion failure modes reported by the service. These map onto the
// Status values persisted with the document; the router never retries them.
var (
	ErrPasswordProtected = errors.New("document is password protected")
	ErrUnsupportedFormat = errors.New("converter does not support this format")
)

// Converter calls the external conversion service to turn Office documents,
// images, and HTML into PDFs. The service issues OAuth2 tokens via the
// client-credentials grant; the http.Client handles token refresh.
type Converter struct {
	httpClient *http.Client
	baseURL    string
}

// NewConverter builds a Converter from config. The returned client carries
// OAuth2 client-credentials transport when a token URL is configured;
// otherwise it talks to the service unauthenticated (local dev).
func NewConverter(ctx context.Context, cfg config.ConverterConfig) *Converter {
	client := &http.Client{Timeout: 60 * time.Second}

	if cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       []string{"convert"},
		}
		client = creds.Client(ctx)
		client.Timeout = 60 * time.Second
	}

	return &Converter{
		httpClient: client,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// NewConverterWithClient builds a Converter around an existing client.
// Used by tests.
func NewConverterWithClient(client *http.Client, baseURL string) *Converter {
	return &Converter{httpClient: client, baseURL: strings.TrimRight(baseURL, "/")}
}

// Convert dispatches an attachment to the engine selected during
// classification and returns the resulting PDF bytes.
func (c *Converter) Convert(ctx context.Context, engine attachment.Engine, filename, contentType string, content []byte) ([]byte, error) {
	switch engine {
	case attachment.EngineOffice:
		return c.convertFile(ctx, "/convert/office", filename, contentType, content)
	case attachment.EngineImage:
		return c.convertFile(ctx, "/convert/image", filename, contentType, content)
	default:
		return nil, fmt.Errorf("no conversion engine for %s", engine)
	}
}

// RenderHTML renders an HTML document (the email body) to PDF.
func (c *Converter) RenderHTML(ctx context.Context, html string) ([]byte, error) {
	payload, err := json.Marshal(map[string]string{"html": html})
	if err != nil {
		return nil, fmt.Errorf("marshal render request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render/html", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/pdf")

	return c.do(req)
}

// convertFile uploads one file as multipart form data and returns PDF bytes.
func (c *Converter) convertFile(ctx context.Context, path, filename, contentType string, content []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, fmt.Errorf("build multipart body: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("write multipart body: %w", err)
	}
	if err := mw.WriteField("content_type", contentType); err != nil {
		return nil, fmt.Errorf("write multipart field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/pdf")

	return c.do(req)
}

// converterError is the JSON error body the conversion service returns on
// non-2xx responses.
type converterError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do executes a conversion request and maps service errors to the typed
// failure modes.
func (c *Converter) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("conversion request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		pdf, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read converted PDF: %w", err)
		}
		return pdf, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var ce converterError
	if err := json.Unmarshal(body, &ce); err == nil {
		switch ce.Code {
		case "password_protected":
			return nil, ErrPasswordProtected
		case "unsupported_format":
			return nil, ErrUnsupportedFormat
		}
	}

	slog.Error("conversion service error",
		"status", resp.StatusCode,
		"path", req.URL.Path,
		"body", string(body),
	)
	return nil, fmt.Errorf("conversion service returned HTTP %d", resp.StatusCode)
}

// StatusForError maps an engine error to the persisted conversion status.
func StatusForError(err error) Status {
	switch {
	case errors.Is(err, ErrPasswordProtected):
		return StatusPasswordProtected
	case errors.Is(err, ErrUnsupportedFormat):
		return StatusSkippedUnsupported
	default:
		return StatusFailed
	}
}
