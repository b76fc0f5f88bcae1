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

package persist

import (
	"testing"
	"time"
)

// fakeClock drives the breaker's notion of time in tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker()
	b.now = clock.now
	return b, clock
}

// TestBreaker_OpensOnErrorRate verifies closed→open at >=50% failures.
func TestBreaker_OpensOnErrorRate(t *testing.T) {
	b, _ := newTestBreaker()

	// 3 successes, 3 failures inside the window: 50% error rate, 6 samples.
	for i := 0; i < 3; i++ {
		b.Record(true)
	}
	for i := 0; i < 3; i++ {
		b.Record(false)
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}
	if b.Allow() {
		t.Error("open breaker allowed a call")
	}
}

// TestBreaker_StaysClosedBelowThreshold verifies a minority of failures
// does not trip the breaker.
func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b, _ := newTestBreaker()

	for i := 0; i < 8; i++ {
		b.Record(true)
	}
	b.Record(false)
	b.Record(false)

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed", b.State())
	}
}

// TestBreaker_MinimumSamples verifies a tiny sample cannot trip it.
func TestBreaker_MinimumSamples(t *testing.T) {
	b, _ := newTestBreaker()

	b.Record(false)
	b.Record(false)

	if b.State() != StateClosed {
		t.Errorf("state = %s after 2 failures, want closed (below minimum samples)", b.State())
	}
}

// TestBreaker_HalfOpenProbe verifies open→half-open→closed on a good probe.
func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 6; i++ {
		b.Record(false)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	// Cooldown has not elapsed yet
	clock.advance(breakerCooldown - time.Second)
	if b.Allow() {
		t.Fatal("breaker admitted a call before the cooldown elapsed")
	}

	// After the cooldown one probe is admitted
	clock.advance(2 * time.Second)
	if !b.Allow() {
		t.Fatal("breaker did not admit the half-open probe")
	}
	if b.Allow() {
		t.Error("breaker admitted a second concurrent probe")
	}

	b.Record(true)
	if b.State() != StateClosed {
		t.Errorf("state = %s after successful probe, want closed", b.State())
	}
	if !b.Allow() {
		t.Error("closed breaker rejected a call")
	}
}

// TestBreaker_ReopensOnFailedProbe verifies half-open→open on a bad probe.
func TestBreaker_ReopensOnFailedProbe(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 6; i++ {
		b.Record(false)
	}
	clock.advance(breakerCooldown + time.Second)

	if !b.Allow() {
		t.Fatal("probe not admitted")
	}
	b.Record(false)

	if b.Allow() {
		t.Error("breaker admitted a call right after a failed probe")
	}
}

// TestBreaker_WindowExpiry verifies old failures age out of the window.
func TestBreaker_WindowExpiry(t *testing.T) {
	b, clock := newTestBreaker()

	for i := 0; i < 4; i++ {
		b.Record(false)
	}

	// Failures fall out of the rolling window
	clock.advance(breakerWindow + time.Second)
	for i := 0; i < 5; i++ {
		b.Record(true)
	}

	if b.State() != StateClosed {
		t.Errorf("state = %s, want closed after window expiry", b.State())
	}
}
