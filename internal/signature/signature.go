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

// Package signature verifies inbound webhook authenticity. The provider
// signs each delivery with HMAC-SHA256 over timestamp+token using the
// account's webhook signing key.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"strconv"
	"time"
)

// DefaultReplayWindow is how far a delivery timestamp may drift from local
// time before we flag it. Provider-side delivery delays make a hard
// rejection here a false-negative machine, so drift is logged, not fatal.
const DefaultReplayWindow = 15 * time.Minute

// Verifier validates webhook signatures against a signing key.
type Verifier struct {
	signingKey   string
	replayWindow time.Duration
	now          func() time.Time // overridable for tests
}

// NewVerifier creates a signature verifier. A zero replayWindow selects
// DefaultReplayWindow.
func NewVerifier(signingKey string, replayWindow time.Duration) *Verifier {
	if replayWindow == 0 {
		replayWindow = DefaultReplayWindow
	}
	return &Verifier{
		signingKey:   signingKey,
		replayWindow: replayWindow,
		now:          time.Now,
	}
}

// Verify reports whether the signature matches HMAC-SHA256(key, timestamp+token).
// It returns false (never panics) on empty or malformed input, and uses a
// constant-time comparison for the signature bytes. A length mismatch is an
// immediate false — the provided value cannot be a hex SHA-256 digest.
func (v *Verifier) Verify(timestamp, token, sig string) bool {
	if timestamp == "" || token == "" || sig == "" || v.signingKey == "" {
		slog.Warn("webhook signature check with missing fields",
			"has_timestamp", timestamp != "",
			"has_token", token != "",
			"has_signature", sig != "",
		)
		return false
	}

	v.checkReplayWindow(timestamp)

	mac := hmac.New(sha256.New, []byte(v.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		slog.Warn("webhook signature length mismatch", "got_len", len(sig))
		return false
	}

	return subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) == 1
}

// checkReplayWindow logs when the delivery timestamp drifts outside the
// replay window. This is a monitored anomaly, not a rejection: the signature
// still has to verify on its own.
func (v *Verifier) checkReplayWindow(timestamp string) {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		slog.Warn("webhook timestamp not numeric", "timestamp", timestamp)
		return
	}

	drift := v.now().UTC().Sub(time.Unix(ts, 0).UTC())
	if drift < 0 {
		drift = -drift
	}

	if drift > v.replayWindow {
		slog.Warn("webhook timestamp outside replay window",
			"timestamp", timestamp,
			"drift", drift,
			"window", v.replayWindow,
		)
	}
}
