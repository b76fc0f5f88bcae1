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

// Package recipient resolves the owning user from a subaddressed ingest
// address. upload+<userId>@<domain> is the sole tenant-attribution
// mechanism: there are no per-user mailboxes, only the subaddress.
package recipient

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Resolution failure modes. Callers match with errors.Is; the messages are
// for operator logs, never for the webhook sender.
var (
	// ErrMalformedAddress means the recipient is not a plausible email address.
	ErrMalformedAddress = errors.New("malformed recipient address")

	// ErrNoSubaddress means the address has no +<id> part in its local part.
	ErrNoSubaddress = errors.New("recipient has no +userId subaddress (expected upload+<userId>@<domain>)")

	// ErrBadUserID means the subaddress exists but its charset is invalid.
	ErrBadUserID = errors.New("recipient userId contains invalid characters (expected [a-z0-9_-]+)")
)

// userIDPattern restricts user IDs to the charset we issue (UUIDs and slugs).
var userIDPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// ExtractUserID parses `upload+<userId>@<domain>` and returns the userId.
// The address is normalised (trimmed, lowercased) before matching.
func ExtractUserID(recipient string) (string, error) {
	addr := strings.ToLower(strings.TrimSpace(recipient))
	if addr == "" {
		return "", fmt.Errorf("%w: empty recipient", ErrMalformedAddress)
	}

	if strings.Count(addr, "@") != 1 {
		return "", fmt.Errorf("%w: %q", ErrMalformedAddress, addr)
	}

	local, _, _ := strings.Cut(addr, "@")

	prefix, id, found := strings.Cut(local, "+")
	if !found {
		return "", fmt.Errorf("%w: got %q", ErrNoSubaddress, addr)
	}

	if prefix != "upload" {
		return "", fmt.Errorf("%w: unexpected mailbox %q", ErrMalformedAddress, prefix)
	}

	if !userIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: got %q", ErrBadUserID, id)
	}

	return id, nil
}
