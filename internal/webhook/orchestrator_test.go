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
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/myhometech/ingestion/internal/attachment"
	"github.com/myhometech/ingestion/internal/convert"
	"github.com/myhometech/ingestion/internal/models"
	"github.com/myhometech/ingestion/internal/queue"
)

// --- Fakes ---

type fakeVerifier struct{ ok bool }

func (f *fakeVerifier) Verify(timestamp, token, sig string) bool { return f.ok }

type fakeDedup struct {
	mu   sync.Mutex
	seen map[string]bool
	err  error
}

func (f *fakeDedup) IsNew(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[id] {
		return false, nil
	}
	f.seen[id] = true
	return true, nil
}

type fakeEngine struct {
	convertErr error
	renderErr  error
	converted  int
	rendered   int
}

func (f *fakeEngine) Convert(_ context.Context, _ attachment.Engine, _, _ string, _ []byte) ([]byte, error) {
	f.converted++
	if f.convertErr != nil {
		return nil, f.convertErr
	}
	return []byte("%PDF-1.4 converted"), nil
}

func (f *fakeEngine) RenderHTML(_ context.Context, _ string) ([]byte, error) {
	f.rendered++
	if f.renderErr != nil {
		return nil, f.renderErr
	}
	return []byte("%PDF-1.4 body"), nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeBlobs) Put(_ context.Context, key, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	return nil
}

type fakeDocs struct {
	mu       sync.Mutex
	inserted []models.Document
	statuses map[string]string
	err      error
}

func (f *fakeDocs) Insert(_ context.Context, doc models.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.inserted = append(f.inserted, doc)
	return nil
}

func (f *fakeDocs) UpdateConversionStatus(_ context.Context, docID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statuses == nil {
		f.statuses = make(map[string]string)
	}
	f.statuses[docID] = status
	return nil
}

type fakePublisher struct {
	mu    sync.Mutex
	tasks []queue.DocumentTask
}

func (f *fakePublisher) PublishDocumentTask(_ context.Context, task queue.DocumentTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

// --- Helpers ---

type fixture struct {
	orch      *Orchestrator
	engine    *fakeEngine
	blobs     *fakeBlobs
	docs      *fakeDocs
	publisher *fakePublisher
	dedup     *fakeDedup
}

func newFixture() *fixture {
	f := &fixture{
		engine:    &fakeEngine{},
		blobs:     &fakeBlobs{},
		docs:      &fakeDocs{},
		publisher: &fakePublisher{},
		dedup:     &fakeDedup{},
	}
	f.orch = NewOrchestrator(OrchestratorConfig{
		Verifier:   &fakeVerifier{ok: true},
		Dedup:      f.dedup,
		Validator:  attachment.NewValidator(0, 0, nil),
		Classifier: attachment.NewClassifier(0),
		Engine:     f.engine,
		Blobs:      f.blobs,
		Docs:       f.docs,
		Publisher:  f.publisher,
	})
	return f
}

func inbound(atts ...models.AttachmentData) *models.InboundMessage {
	return &models.InboundMessage{
		MessageID:   "msg-1",
		Recipient:   "upload+user-1@myhome-tech.com",
		Sender:      "alice@example.com",
		Subject:     "Insurance renewal",
		BodyPlain:   "see attached",
		BodyHTML:    "<html><body>see attached</body></html>",
		Timestamp:   "1754925000",
		Token:       "tok",
		Signature:   "sig",
		Attachments: atts,
	}
}

func pdfAtt(name string) models.AttachmentData {
	return models.AttachmentData{Filename: name, ContentType: "application/pdf", Size: 100, Content: []byte("pdf")}
}

// --- Tests ---

// TestProcess_BodyOnlyMessage verifies an email with zero attachments still
// yields exactly one stored document: the rendered body.
func TestProcess_BodyOnlyMessage(t *testing.T) {
	f := newFixture()

	summary := f.orch.Process(context.Background(), inbound())

	if len(f.docs.inserted) != 1 {
		t.Fatalf("documents = %d, want 1 (body artifact)", len(f.docs.inserted))
	}

	body := f.docs.inserted[0]
	if body.MimeType != "application/pdf" {
		t.Errorf("body mime = %q, want application/pdf", body.MimeType)
	}
	if !strings.HasPrefix(body.Filename, "Email - ") {
		t.Errorf("body filename = %q", body.Filename)
	}
	if body.UploadSource != "email" {
		t.Errorf("upload source = %q, want email", body.UploadSource)
	}
	if body.EmailContext == nil || body.EmailContext.MessageID != "msg-1" {
		t.Errorf("email context = %+v", body.EmailContext)
	}
	if summary.EmailBodyPdf != body.ID {
		t.Errorf("summary body id = %q, want %q", summary.EmailBodyPdf, body.ID)
	}
	if summary.HasFileAttachments {
		t.Error("HasFileAttachments = true for body-only message")
	}
}

// TestProcess_SignatureFailure verifies an unverified delivery is dropped
// with no side effects.
func TestProcess_SignatureFailure(t *testing.T) {
	f := newFixture()
	f.orch.verifier = &fakeVerifier{ok: false}

	f.orch.Process(context.Background(), inbound(pdfAtt("a.pdf")))

	if len(f.docs.inserted) != 0 {
		t.Errorf("documents = %d, want 0 after signature failure", len(f.docs.inserted))
	}
	if len(f.blobs.keys) != 0 {
		t.Errorf("blobs = %d, want 0", len(f.blobs.keys))
	}
}

// TestProcess_UnknownRecipient verifies unattributable mail is dropped.
func TestProcess_UnknownRecipient(t *testing.T) {
	f := newFixture()

	msg := inbound(pdfAtt("a.pdf"))
	msg.Recipient = "nobody@myhome-tech.com"
	f.orch.Process(context.Background(), msg)

	if len(f.docs.inserted) != 0 {
		t.Errorf("documents = %d, want 0 for unknown recipient", len(f.docs.inserted))
	}
}

// TestProcess_DuplicateDelivery verifies the second delivery of the same
// message is acknowledged without reprocessing.
func TestProcess_DuplicateDelivery(t *testing.T) {
	f := newFixture()

	f.orch.Process(context.Background(), inbound())
	f.orch.Process(context.Background(), inbound())

	if len(f.docs.inserted) != 1 {
		t.Errorf("documents = %d after redelivery, want 1", len(f.docs.inserted))
	}
}

// TestProcess_DedupErrorProceeds verifies a dedup outage does not drop mail.
func TestProcess_DedupErrorProceeds(t *testing.T) {
	f := newFixture()
	f.dedup.err = errors.New("redis down")

	f.orch.Process(context.Background(), inbound())

	if len(f.docs.inserted) != 1 {
		t.Errorf("documents = %d, want 1 despite dedup error", len(f.docs.inserted))
	}
}

// TestProcess_MixedAttachments verifies per-attachment routing: a PDF is
// stored as-is, an image is converted, and a zip is skipped with a reason.
func TestProcess_MixedAttachments(t *testing.T) {
	f := newFixture()

	msg := inbound(
		pdfAtt("invoice.pdf"),
		models.AttachmentData{Filename: "scan.jpg", ContentType: "image/jpeg", Size: 200, Content: []byte("jpg")},
		models.AttachmentData{Filename: "stuff.zip", ContentType: "application/zip", Size: 300, Content: []byte("zip")},
	)
	summary := f.orch.Process(context.Background(), msg)

	if !summary.HasFileAttachments {
		t.Error("HasFileAttachments = false")
	}
	if len(summary.AttachmentResults) != 3 {
		t.Fatalf("attachment results = %d, want 3", len(summary.AttachmentResults))
	}

	byName := map[string]models.AttachmentResult{}
	for _, res := range summary.AttachmentResults {
		byName[res.Filename] = res
	}

	if res := byName["invoice.pdf"]; res.Action != "store_original" || !res.Stored {
		t.Errorf("invoice.pdf result = %+v", res)
	}
	if res := byName["scan.jpg"]; res.Action != "convert_and_store" || res.ConversionStatus != "completed" {
		t.Errorf("scan.jpg result = %+v", res)
	}
	if res := byName["stuff.zip"]; res.Action != "skip" || res.Reason == "" || res.Stored {
		t.Errorf("stuff.zip result = %+v", res)
	}

	// body + pdf original + image original + image converted
	if len(f.docs.inserted) != 4 {
		t.Errorf("documents = %d, want 4", len(f.docs.inserted))
	}

	// Every document shares the message's ingest group.
	group := f.docs.inserted[0].IngestGroupID
	if group == "" {
		t.Fatal("empty ingest group")
	}
	for _, doc := range f.docs.inserted {
		if doc.IngestGroupID != group {
			t.Errorf("document %s has group %q, want %q", doc.Filename, doc.IngestGroupID, group)
		}
	}

	// Downstream tasks fired for every stored document.
	if len(f.publisher.tasks) != len(f.docs.inserted) {
		t.Errorf("tasks = %d, want %d", len(f.publisher.tasks), len(f.docs.inserted))
	}
}

// TestProcess_ConversionFailurePreservesOriginal verifies a failing engine
// leaves the original stored with the failure status recorded, and does not
// abort sibling attachments.
func TestProcess_ConversionFailurePreservesOriginal(t *testing.T) {
	f := newFixture()
	f.engine.convertErr = convert.ErrPasswordProtected

	msg := inbound(
		models.AttachmentData{Filename: "locked.docx", ContentType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document", Size: 100, Content: []byte("doc")},
		pdfAtt("fine.pdf"),
	)
	summary := f.orch.Process(context.Background(), msg)

	byName := map[string]models.AttachmentResult{}
	for _, res := range summary.AttachmentResults {
		byName[res.Filename] = res
	}

	locked := byName["locked.docx"]
	if !locked.Stored {
		t.Error("original not preserved after conversion failure")
	}
	if locked.ConversionStatus != string(convert.StatusPasswordProtected) {
		t.Errorf("conversion status = %q, want %q", locked.ConversionStatus, convert.StatusPasswordProtected)
	}
	if got := f.docs.statuses[locked.DocumentID]; got != string(convert.StatusPasswordProtected) {
		t.Errorf("persisted status = %q, want %q", got, convert.StatusPasswordProtected)
	}

	if res := byName["fine.pdf"]; !res.Stored {
		t.Error("sibling attachment aborted by conversion failure")
	}
}

// TestProcess_StoreFailureIsolated verifies a database failure on one unit
// of work is recorded but never propagates.
func TestProcess_StoreFailureIsolated(t *testing.T) {
	f := newFixture()
	f.docs.err = errors.New("insert failed")

	summary := f.orch.Process(context.Background(), inbound(pdfAtt("a.pdf")))

	if summary == nil {
		t.Fatal("no summary returned")
	}
	if summary.EmailBodyPdf != "" {
		t.Error("body marked stored despite insert failure")
	}
	for _, res := range summary.AttachmentResults {
		if res.Stored {
			t.Errorf("%s marked stored despite insert failure", res.Filename)
		}
	}
}

// TestProcess_BodyRenderFallback verifies the plain-text fallback keeps the
// body artifact when the render engine is down.
func TestProcess_BodyRenderFallback(t *testing.T) {
	f := newFixture()
	f.engine.renderErr = errors.New("renderer down")

	f.orch.Process(context.Background(), inbound())

	if len(f.docs.inserted) != 1 {
		t.Fatalf("documents = %d, want 1", len(f.docs.inserted))
	}
	body := f.docs.inserted[0]
	if body.MimeType != "text/plain" {
		t.Errorf("fallback mime = %q, want text/plain", body.MimeType)
	}
	if body.ConversionStatus != string(convert.StatusFailed) {
		t.Errorf("fallback status = %q, want %q", body.ConversionStatus, convert.StatusFailed)
	}
}

// TestProcess_MaliciousSurfacedAsUnsupported verifies the external result
// for a dangerous extension is indistinguishable from unsupported.
func TestProcess_MaliciousSurfacedAsUnsupported(t *testing.T) {
	f := newFixture()

	msg := inbound(models.AttachmentData{
		Filename: "invoice.exe", ContentType: "application/pdf", Size: 100, Content: []byte("x"),
	})
	summary := f.orch.Process(context.Background(), msg)

	var res models.AttachmentResult
	for _, r := range summary.AttachmentResults {
		if r.Filename == "invoice.exe" {
			res = r
		}
	}

	if res.Action != "skip" {
		t.Fatalf("action = %q, want skip", res.Action)
	}
	if res.ConversionStatus != string(convert.StatusSkippedUnsupported) {
		t.Errorf("status = %q, want %q", res.ConversionStatus, convert.StatusSkippedUnsupported)
	}
	if strings.Contains(strings.ToLower(res.Reason), "malicious") {
		t.Errorf("reason %q leaks detection logic", res.Reason)
	}
}

// TestPdfFilename verifies extension swapping.
func TestPdfFilename(t *testing.T) {
	tests := map[string]string{
		"scan.jpg":   "scan.pdf",
		"doc.docx":   "doc.pdf",
		"no-ext":     "no-ext.pdf",
		"a.b.c.xlsx": "a.b.c.pdf",
		".hidden":    ".hidden.pdf",
	}
	for in, want := range tests {
		if got := pdfFilename(in); got != want {
			t.Errorf("pdfFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
