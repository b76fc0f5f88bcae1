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

// Package persist wraps database access with retry on transient errors and
// a circuit breaker, so the webhook path degrades instead of stalling when
// Postgres is under duress. One Gateway is shared process-wide.
package persist

import (
	"log/slog"
	"sync"
	"time"
)

// Breaker tunables.
const (
	breakerWindow     = 30 * time.Second
	breakerCooldown   = 15 * time.Second
	breakerThreshold  = 0.5
	breakerMinSamples = 5
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the log name for a State.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// outcome is one recorded call result inside the rolling window.
type outcome struct {
	at time.Time
	ok bool
}

// Breaker is a rolling-window circuit breaker. It opens when the error rate
// over the window reaches the threshold, fails fast while open, and probes
// recovery with a single call after the cooldown.
type Breaker struct {
	mu       sync.Mutex
	state    State
	openedAt time.Time
	window   []outcome
	probing  bool

	now func() time.Time // overridable for tests
}

// NewBreaker creates a closed breaker.
func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether a call may proceed. While open, it returns false
// until the cooldown elapses, then admits a single half-open probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < breakerCooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = false
		slog.Info("circuit breaker half-open, probing database")
		fallthrough
	case StateHalfOpen:
		if b.probing {
			return false // one probe at a time
		}
		b.probing = true
		return true
	}
	return true
}

// Record registers a call outcome and drives state transitions.
func (b *Breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == StateHalfOpen {
		b.probing = false
		if ok {
			b.state = StateClosed
			b.window = nil
			slog.Info("circuit breaker closed after successful probe")
		} else {
			b.state = StateOpen
			b.openedAt = now
			slog.Warn("circuit breaker reopened after failed probe")
		}
		return
	}

	b.window = append(b.window, outcome{at: now, ok: ok})
	b.trim(now)

	if b.state == StateClosed && b.errorRate() >= breakerThreshold && len(b.window) >= breakerMinSamples {
		b.state = StateOpen
		b.openedAt = now
		slog.Warn("circuit breaker opened",
			"error_rate", b.errorRate(),
			"samples", len(b.window),
		)
	}
}

// State returns the current breaker state, applying the open→half-open
// transition if the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= breakerCooldown {
		return StateHalfOpen
	}
	return b.state
}

// trim drops outcomes older than the rolling window.
func (b *Breaker) trim(now time.Time) {
	cutoff := now.Add(-breakerWindow)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	b.window = b.window[i:]
}

func (b *Breaker) errorRate() float64 {
	if len(b.window) == 0 {
		return 0
	}
	failures := 0
	for _, o := range b.window {
		if !o.ok {
			failures++
		}
	}
	return float64(failures) / float64(len(b.window))
}
