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

// Package convert decides the processing route for each classified
// attachment and drives the external conversion service. Routing is a pure
// function of the classification; the fallible network call is isolated
// behind the Converter client.
package convert

import (
	"fmt"

	"github.com/myhometech/ingestion/internal/attachment"
)

// Action is the terminal processing decision for one attachment.
type Action int

const (
	ActionSkip Action = iota
	ActionStoreOriginal
	ActionConvertAndStore
)

// String returns the wire/log name for an Action.
func (a Action) String() string {
	switch a {
	case ActionStoreOriginal:
		return "store_original"
	case ActionConvertAndStore:
		return "convert_and_store"
	default:
		return "skip"
	}
}

// Status records how a conversion attempt ended, or why it was bypassed.
// The value is persisted on the document and read by the UI.
type Status string

const (
	StatusNotApplicable      Status = "not_applicable"
	StatusPending            Status = "pending"
	StatusCompleted          Status = "completed"
	StatusSkippedUnsupported Status = "skipped_unsupported"
	StatusSkippedTooLarge    Status = "skipped_too_large"
	StatusPasswordProtected  Status = "skipped_password_protected"
	StatusFailed             Status = "failed"
)

// Route is the processing decision for one attachment. A skip always
// carries a non-empty Reason.
type Route struct {
	Action Action
	Reason string
	Status Status
	Engine attachment.Engine
}

// RouteFor derives the processing route from a classification.
//
// Malicious attachments are deliberately surfaced with the same external
// status as unsupported ones; the distinction stays in internal logs so the
// detection logic is not signalled to senders.
func RouteFor(cls attachment.Classification) Route {
	if !cls.SizeValid {
		return Route{
			Action: ActionSkip,
			Reason: fmt.Sprintf("%s attachment exceeds the size limit", cls.Type),
			Status: StatusSkippedTooLarge,
		}
	}

	switch cls.Type {
	case attachment.TypePDF:
		return Route{Action: ActionStoreOriginal, Status: StatusNotApplicable}
	case attachment.TypeOffice, attachment.TypeImage:
		return Route{Action: ActionConvertAndStore, Status: StatusPending, Engine: cls.Engine}
	case attachment.TypeMalicious:
		return Route{
			Action: ActionSkip,
			Reason: "unsupported attachment type",
			Status: StatusSkippedUnsupported,
		}
	default:
		return Route{
			Action: ActionSkip,
			Reason: "unsupported attachment type",
			Status: StatusSkippedUnsupported,
		}
	}
}
