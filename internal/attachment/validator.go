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

// Package attachment enforces the inbound attachment policy and classifies
// attachments for the conversion router. Validation and classification are
// pure functions of (filename, contentType, size) plus static policy tables.
package attachment

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/myhometech/ingestion/internal/models"
)

// Default policy limits. Overridable via config at construction.
const (
	DefaultMaxSize  = 10 * 1024 * 1024
	DefaultWarnSize = 5 * 1024 * 1024
)

// defaultAllowedTypes is the MIME allow-list applied before classification.
var defaultAllowedTypes = []string{
	"application/pdf",
	"image/jpeg",
	"image/jpg",
	"image/png",
	"image/webp",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// expectedExtensions maps a MIME type to the filename extensions it should
// carry. A mismatch is a warning, not a rejection — senders rename files.
var expectedExtensions = map[string][]string{
	"application/pdf": {".pdf"},
	"image/jpeg":      {".jpg", ".jpeg"},
	"image/jpg":       {".jpg", ".jpeg"},
	"image/png":       {".png"},
	"image/webp":      {".webp"},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {".docx"},
}

// Validation is the outcome for a single attachment.
type Validation struct {
	IsValid  bool
	Error    string
	Warnings []string
}

// Invalid pairs a rejected attachment with its reason.
type Invalid struct {
	Attachment models.AttachmentData
	Reason     string
}

// BatchValidation splits a batch into accepted and rejected attachments.
type BatchValidation struct {
	Valid               []models.AttachmentData
	Invalid             []Invalid
	HasValidAttachments bool
	Summary             string
}

// Validator applies the attachment policy.
type Validator struct {
	maxSize  int64
	warnSize int64
	allowed  map[string]bool
}

// NewValidator creates a validator. Zero limits and a nil allow-list select
// the defaults.
func NewValidator(maxSize, warnSize int64, allowedTypes []string) *Validator {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	if warnSize == 0 {
		warnSize = DefaultWarnSize
	}
	if allowedTypes == nil {
		allowedTypes = defaultAllowedTypes
	}

	allowed := make(map[string]bool, len(allowedTypes))
	for _, t := range allowedTypes {
		allowed[strings.ToLower(t)] = true
	}

	return &Validator{
		maxSize:  maxSize,
		warnSize: warnSize,
		allowed:  allowed,
	}
}

// Validate checks a single attachment against the policy. Hard failures set
// Error and clear IsValid; soft issues accumulate as Warnings.
func (v *Validator) Validate(att models.AttachmentData) Validation {
	if att.Filename == "" {
		return Validation{Error: "attachment has no filename"}
	}
	if att.ContentType == "" {
		return Validation{Error: fmt.Sprintf("%s: attachment has no content type", att.Filename)}
	}
	if att.Size <= 0 {
		return Validation{Error: fmt.Sprintf("%s: attachment has no size", att.Filename)}
	}
	if att.Size > v.maxSize {
		return Validation{Error: fmt.Sprintf("%s: %d bytes exceeds the %d byte limit", att.Filename, att.Size, v.maxSize)}
	}

	contentType := normalizeContentType(att.ContentType)
	if !v.allowed[contentType] {
		return Validation{Error: fmt.Sprintf("%s: content type %q is not allowed", att.Filename, contentType)}
	}

	var warnings []string

	if exts, ok := expectedExtensions[contentType]; ok {
		ext := strings.ToLower(filepath.Ext(att.Filename))
		if !containsString(exts, ext) {
			warnings = append(warnings, fmt.Sprintf("extension %q does not match content type %q", ext, contentType))
		}
	}

	if att.Size > v.warnSize {
		warnings = append(warnings, fmt.Sprintf("large attachment (%d bytes), processing may take longer", att.Size))
	}

	return Validation{IsValid: true, Warnings: warnings}
}

// ValidateBatch validates every attachment and splits the batch. No
// attachment is silently dropped: each one lands in Valid or Invalid.
func (v *Validator) ValidateBatch(atts []models.AttachmentData) BatchValidation {
	var result BatchValidation
	var acceptedBytes int64

	for _, att := range atts {
		val := v.Validate(att)
		if !val.IsValid {
			result.Invalid = append(result.Invalid, Invalid{Attachment: att, Reason: val.Error})
			continue
		}
		result.Valid = append(result.Valid, att)
		acceptedBytes += att.Size
	}

	result.HasValidAttachments = len(result.Valid) > 0
	result.Summary = fmt.Sprintf("%d of %d attachments accepted (%d rejected, %d bytes total)",
		len(result.Valid), len(atts), len(result.Invalid), acceptedBytes)

	return result
}

// normalizeContentType lowercases and strips parameters ("; charset=...").
func normalizeContentType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if base, _, found := strings.Cut(ct, ";"); found {
		return strings.TrimSpace(base)
	}
	return ct
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
