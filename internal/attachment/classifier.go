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

package attachment

import (
	"path/filepath"
	"strings"
)

// Type is the attachment category the router dispatches on.
type Type int

const (
	TypeUnsupported Type = iota
	TypePDF
	TypeOffice
	TypeImage
	TypeMalicious
)

// String returns the wire/log name for a Type.
func (t Type) String() string {
	switch t {
	case TypePDF:
		return "pdf"
	case TypeOffice:
		return "office"
	case TypeImage:
		return "image"
	case TypeMalicious:
		return "malicious"
	default:
		return "unsupported"
	}
}

// Engine selects which external converter handles an attachment.
type Engine int

const (
	EngineNone Engine = iota
	EngineOffice
	EngineImage
)

// String returns the log name for an Engine.
func (e Engine) String() string {
	switch e {
	case EngineOffice:
		return "office-converter"
	case EngineImage:
		return "image-converter"
	default:
		return "none"
	}
}

// Classification is the routing input derived from one attachment.
type Classification struct {
	Type            Type
	NeedsConversion bool
	SizeValid       bool
	Supported       bool
	Engine          Engine
}

// dangerousExtensions are rejected outright regardless of declared MIME
// type. The list mirrors common executable and script carriers.
var dangerousExtensions = map[string]bool{
	".exe": true, ".bat": true, ".cmd": true, ".com": true, ".scr": true,
	".pif": true, ".msi": true, ".dll": true, ".js": true, ".jse": true,
	".vbs": true, ".vbe": true, ".wsf": true, ".ps1": true, ".sh": true,
	".jar": true, ".apk": true, ".hta": true, ".lnk": true,
}

// officeTypes maps Office MIME types that need the office converter.
var officeTypes = map[string]bool{
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	"application/msword":            true,
	"application/vnd.ms-excel":      true,
	"application/vnd.ms-powerpoint": true,
}

// imageTypes maps image MIME types that need the image converter.
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/webp": true,
}

// Classifier categorises attachments. It is stateless apart from the size
// ceiling; identical inputs always classify identically.
type Classifier struct {
	maxSize int64
}

// NewClassifier creates a classifier. A zero maxSize selects DefaultMaxSize.
func NewClassifier(maxSize int64) *Classifier {
	if maxSize == 0 {
		maxSize = DefaultMaxSize
	}
	return &Classifier{maxSize: maxSize}
}

// Classify categorises an attachment by filename, content type, and size.
//
// Precedence, first match wins:
//  1. dangerous extension → malicious
//  2. over the size ceiling → oversize (type still resolved for logging)
//  3. pdf → store as-is
//  4. office → convert via office engine
//  5. image → convert via image engine
//  6. anything else → unsupported
func (c *Classifier) Classify(filename, contentType string, size int64) Classification {
	ext := strings.ToLower(filepath.Ext(filename))
	ct := normalizeContentType(contentType)

	if dangerousExtensions[ext] {
		return Classification{Type: TypeMalicious, SizeValid: size <= c.maxSize}
	}

	base := classifyType(ct)

	if size > c.maxSize {
		return Classification{Type: base, SizeValid: false}
	}

	switch base {
	case TypePDF:
		return Classification{Type: TypePDF, SizeValid: true, Supported: true}
	case TypeOffice:
		return Classification{Type: TypeOffice, NeedsConversion: true, SizeValid: true, Supported: true, Engine: EngineOffice}
	case TypeImage:
		return Classification{Type: TypeImage, NeedsConversion: true, SizeValid: true, Supported: true, Engine: EngineImage}
	default:
		return Classification{Type: TypeUnsupported, SizeValid: true}
	}
}

// classifyType resolves the base category from a normalised content type.
func classifyType(ct string) Type {
	switch {
	case ct == "application/pdf":
		return TypePDF
	case officeTypes[ct]:
		return TypeOffice
	case imageTypes[ct]:
		return TypeImage
	default:
		return TypeUnsupported
	}
}
