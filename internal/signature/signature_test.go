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

package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"
)

// sign computes the provider-side signature for a timestamp+token pair.
func sign(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

// TestVerify_RoundTrip verifies that a correctly computed signature passes.
func TestVerify_RoundTrip(t *testing.T) {
	keys := []string{"key-1", "another-signing-key", "k"}
	for _, key := range keys {
		v := NewVerifier(key, 0)
		ts := fmt.Sprintf("%d", time.Now().Unix())
		token := "tok-abc123"

		if !v.Verify(ts, token, sign(key, ts, token)) {
			t.Errorf("key %q: valid signature rejected", key)
		}
	}
}

// TestVerify_MutatedSignature verifies that flipping any hex digit fails.
func TestVerify_MutatedSignature(t *testing.T) {
	v := NewVerifier("secret", 0)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	token := "tok"
	good := sign("secret", ts, token)

	for i := 0; i < len(good); i++ {
		mutated := []byte(good)
		if mutated[i] == 'a' {
			mutated[i] = 'b'
		} else {
			mutated[i] = 'a'
		}
		if string(mutated) == good {
			continue
		}
		if v.Verify(ts, token, string(mutated)) {
			t.Fatalf("mutated signature at index %d accepted", i)
		}
	}
}

// TestVerify_MissingFields verifies empty inputs fail without panicking.
func TestVerify_MissingFields(t *testing.T) {
	v := NewVerifier("secret", 0)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	good := sign("secret", ts, "tok")

	tests := []struct {
		name      string
		timestamp string
		token     string
		signature string
	}{
		{"no timestamp", "", "tok", good},
		{"no token", ts, "", good},
		{"no signature", ts, "tok", ""},
		{"all empty", "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if v.Verify(tt.timestamp, tt.token, tt.signature) {
				t.Error("expected false for missing field")
			}
		})
	}
}

// TestVerify_EmptyKey verifies a verifier with no key rejects everything.
func TestVerify_EmptyKey(t *testing.T) {
	v := NewVerifier("", 0)
	ts := fmt.Sprintf("%d", time.Now().Unix())
	if v.Verify(ts, "tok", sign("", ts, "tok")) {
		t.Error("verifier with empty key must reject")
	}
}

// TestVerify_LengthMismatch verifies short/long signatures fail immediately.
func TestVerify_LengthMismatch(t *testing.T) {
	v := NewVerifier("secret", 0)
	ts := fmt.Sprintf("%d", time.Now().Unix())

	for _, sig := range []string{"abc", sign("secret", ts, "tok") + "00"} {
		if v.Verify(ts, "tok", sig) {
			t.Errorf("signature with length %d accepted", len(sig))
		}
	}
}

// TestVerify_StaleTimestampStillVerifies verifies that a timestamp far
// outside the replay window is logged but does not fail verification.
func TestVerify_StaleTimestampStillVerifies(t *testing.T) {
	v := NewVerifier("secret", time.Minute)
	v.now = func() time.Time { return time.Unix(2_000_000_000, 0) }

	ts := "1754925000" // hours of drift from the fake clock
	if !v.Verify(ts, "tok", sign("secret", ts, "tok")) {
		t.Error("stale but correctly signed delivery rejected")
	}
}

// TestVerify_NonNumericTimestamp verifies the HMAC still decides the outcome
// when the timestamp is not a unix epoch.
func TestVerify_NonNumericTimestamp(t *testing.T) {
	v := NewVerifier("secret", 0)

	if !v.Verify("not-a-number", "tok", sign("secret", "not-a-number", "tok")) {
		t.Error("correctly signed delivery with odd timestamp rejected")
	}
	if v.Verify("not-a-number", "tok", sign("secret", "other", "tok")) {
		t.Error("wrong signature accepted")
	}
}
