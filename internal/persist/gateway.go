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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrCircuitOpen is returned when the breaker is open and the operation is
// not critical. Callers treat it as "use the fallback / skip the write".
var ErrCircuitOpen = errors.New("database circuit breaker is open")

// Retry tunables. Backoff doubles per attempt: 1s, 2s, 4s.
const (
	maxAttempts         = 3
	defaultBackoffBase  = time.Second
	defaultQueryTimeout = 10 * time.Second
)

// Postgres error codes treated as transient.
const (
	pgTooManyConnections = "53300"
	pgAdminShutdown      = "57P01"
)

// Gateway mediates all database access: per-query timeout, retry on
// transient errors, and circuit breaking. Construct one at startup and
// inject it; it is safe for concurrent use.
type Gateway struct {
	pool         *pgxpool.Pool
	breaker      *Breaker
	queryTimeout time.Duration
	backoffBase  time.Duration
}

// NewGateway creates a gateway over the given pool. A zero queryTimeout
// selects the 10s default.
func NewGateway(pool *pgxpool.Pool, queryTimeout time.Duration) *Gateway {
	if queryTimeout == 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Gateway{
		pool:         pool,
		breaker:      NewBreaker(),
		queryTimeout: queryTimeout,
		backoffBase:  defaultBackoffBase,
	}
}

// Do runs op through the breaker and retry policy.
//
// While the breaker is open, non-critical operations fail fast with
// ErrCircuitOpen without touching the database. Operations whose name
// contains "critical" or "auth" bypass the fail-fast and attempt the
// database anyway — the caller has signalled these must not silently
// degrade, so they get the real error instead of the fallback.
func (g *Gateway) Do(ctx context.Context, opName string, op func(ctx context.Context) error) error {
	if !g.breaker.Allow() && !isCritical(opName) {
		slog.Warn("short-circuiting database operation", "op", opName)
		return ErrCircuitOpen
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, g.queryTimeout)
		err := op(opCtx)
		cancel()

		if err == nil {
			g.breaker.Record(true)
			return nil
		}

		lastErr = err
		g.breaker.Record(false)

		if !isTransient(err) {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		backoff := g.backoffBase << (attempt - 1)
		slog.Warn("transient database error, retrying",
			"op", opName,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", opName, maxAttempts, lastErr)
}

// SafeExec runs a statement through Do.
func (g *Gateway) SafeExec(ctx context.Context, opName, sql string, args ...any) error {
	return g.Do(ctx, opName, func(ctx context.Context) error {
		_, err := g.pool.Exec(ctx, sql, args...)
		return err
	})
}

// SafeQueryRow runs a single-row query through Do, passing the row to scan.
func (g *Gateway) SafeQueryRow(ctx context.Context, opName, sql string, scan func(pgx.Row) error, args ...any) error {
	return g.Do(ctx, opName, func(ctx context.Context) error {
		return scan(g.pool.QueryRow(ctx, sql, args...))
	})
}

// SafeTransaction runs fn inside a transaction through Do. The transaction
// is rolled back on error and retried as a unit when the error is transient.
func (g *Gateway) SafeTransaction(ctx context.Context, opName string, fn func(pgx.Tx) error) error {
	return g.Do(ctx, opName, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, g.pool, fn)
	})
}

// Health reports gateway health from a lightweight probe query.
type Health struct {
	Status       string        `json:"status"` // healthy, degraded, unhealthy
	CircuitState string        `json:"circuit_state"`
	ProbeLatency time.Duration `json:"probe_latency"`
}

// CheckHealth probes the database and combines latency with breaker state.
func (g *Gateway) CheckHealth(ctx context.Context) Health {
	state := g.breaker.State()

	probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	err := g.pool.Ping(probeCtx)
	latency := time.Since(start)

	h := Health{CircuitState: state.String(), ProbeLatency: latency}
	switch {
	case err != nil:
		h.Status = "unhealthy"
	case state != StateClosed || latency > 500*time.Millisecond:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}

// isCritical reports whether an operation must not silently degrade.
func isCritical(opName string) bool {
	name := strings.ToLower(opName)
	return strings.Contains(name, "critical") || strings.Contains(name, "auth")
}

// isTransient reports whether an error is worth retrying: connection blips,
// timeouts, and the Postgres saturation/shutdown codes.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgTooManyConnections || pgErr.Code == pgAdminShutdown
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "unexpected EOF")
}
