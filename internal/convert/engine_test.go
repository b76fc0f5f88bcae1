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
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/myhometech/ingestion/internal/attachment"
)

// TestConvert_Office verifies the multipart upload and PDF response path.
func TestConvert_Office(t *testing.T) {
	pdf := []byte("%PDF-1.4 fake")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/convert/office" {
			t.Errorf("path = %q, want /convert/office", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write(pdf)
	}))
	defer server.Close()

	c := NewConverterWithClient(server.Client(), server.URL)

	got, err := c.Convert(context.Background(), attachment.EngineOffice, "doc.docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document", []byte("content"))
	if err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	if string(got) != string(pdf) {
		t.Errorf("pdf bytes = %q, want %q", got, pdf)
	}
}

// TestConvert_PasswordProtected verifies the typed error mapping.
func TestConvert_PasswordProtected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"code": "password_protected", "message": "document requires a password"}`))
	}))
	defer server.Close()

	c := NewConverterWithClient(server.Client(), server.URL)

	_, err := c.Convert(context.Background(), attachment.EngineOffice, "locked.docx", "application/msword", []byte("x"))
	if !errors.Is(err, ErrPasswordProtected) {
		t.Fatalf("error = %v, want ErrPasswordProtected", err)
	}
	if StatusForError(err) != StatusPasswordProtected {
		t.Errorf("status = %s, want %s", StatusForError(err), StatusPasswordProtected)
	}
}

// TestConvert_ServerError verifies generic failures map to StatusFailed.
func TestConvert_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer server.Close()

	c := NewConverterWithClient(server.Client(), server.URL)

	_, err := c.Convert(context.Background(), attachment.EngineImage, "scan.jpg", "image/jpeg", []byte("x"))
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if StatusForError(err) != StatusFailed {
		t.Errorf("status = %s, want %s", StatusForError(err), StatusFailed)
	}
}

// TestRenderHTML verifies the body render endpoint.
func TestRenderHTML(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render/html" {
			t.Errorf("path = %q, want /render/html", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("%PDF-1.4 body"))
	}))
	defer server.Close()

	c := NewConverterWithClient(server.Client(), server.URL)

	pdf, err := c.RenderHTML(context.Background(), "<html><body>hi</body></html>")
	if err != nil {
		t.Fatalf("RenderHTML failed: %v", err)
	}
	if len(pdf) == 0 {
		t.Error("empty PDF returned")
	}
}

// TestConvert_NoEngine verifies dispatch fails cleanly without an engine.
func TestConvert_NoEngine(t *testing.T) {
	c := NewConverterWithClient(http.DefaultClient, "http://unused")

	if _, err := c.Convert(context.Background(), attachment.EngineNone, "a.pdf", "application/pdf", nil); err == nil {
		t.Fatal("expected error for EngineNone")
	}
}
