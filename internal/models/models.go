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

// Package models defines the data structures shared across the ingestion service.
package models

import "time"

// InboundMessage is a parsed inbound email webhook delivery. It lives only
// for the duration of one request; only derived Documents are persisted.
type InboundMessage struct {
	MessageID   string
	Recipient   string
	Sender      string
	Subject     string
	BodyPlain   string
	BodyHTML    string
	Timestamp   string
	Token       string
	Signature   string
	Attachments []AttachmentData
}

// AttachmentData is one file part of an inbound message. The content buffer
// is owned by the request and discarded once routing decisions are made and
// artifacts are persisted.
type AttachmentData struct {
	Filename    string
	ContentType string
	Size        int64
	Content     []byte
}

// EmailContext records the provenance of a document created from an email.
//
// This struct's JSON serialisation is read by the document UI and by the
// OCR/insight workers; field names are part of that contract.
type EmailContext struct {
	MessageID  string   `json:"message_id"`
	From       string   `json:"from"`
	To         []string `json:"to"`
	Subject    string   `json:"subject"`
	ReceivedAt string   `json:"received_at"`
}

// Document identifies a stored artifact (original or converted).
type Document struct {
	ID               string
	UserID           string
	Filename         string
	MimeType         string
	Size             int64
	UploadSource     string // always "email" for this pipeline
	IngestGroupID    string // correlates body + attachments from one message
	ConversionStatus string
	EmailContext     *EmailContext
	CreatedAt        time.Time
}

// AttachmentResult summarises what happened to one attachment. It is
// returned in the webhook response body and logged for triage.
type AttachmentResult struct {
	Filename         string `json:"filename"`
	Action           string `json:"action"`
	ConversionStatus string `json:"conversion_status,omitempty"`
	DocumentID       string `json:"document_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	Stored           bool   `json:"stored"`
}

// IngestSummary is the JSON body returned to the webhook sender. The sender
// ignores it, but it makes manual replays and test probes self-describing.
type IngestSummary struct {
	ConversionEngine   string             `json:"conversionEngine"`
	EmailBodyPdf       string             `json:"emailBodyPdf,omitempty"`
	AttachmentResults  []AttachmentResult `json:"attachmentResults"`
	HasFileAttachments bool               `json:"hasFileAttachments"`
}
