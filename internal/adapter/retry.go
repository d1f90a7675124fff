// Kiln is an agent-operated control plane for heterogeneous 3D-printer fleets.
// Copyright (C) 2026  Kiln Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package adapter

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"kiln/internal/metrics"
	"kiln/pkg/faults"
)

// Transport-level retry defaults. These sit below the scheduler's job
// retries and never overlap with them: a call that exhausts its transport
// attempts surfaces one failure to the caller.
const (
	retryMaxAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
	retryJitterFrac  = 0.25
)

// RetryConfig tunes the transport retry loop for one operation.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	JitterFrac  float64
	Op          string // metrics/logging operation label
	Backend     string
	// Idempotent must be true for the loop to retry at all. Operations with
	// side effects (start_print, send_gcode, upload) get exactly one attempt.
	Idempotent bool
}

// DefaultRetryConfig returns the standard transport retry parameters.
func DefaultRetryConfig(op, backend string, idempotent bool) RetryConfig {
	return RetryConfig{
		MaxAttempts: retryMaxAttempts,
		BaseDelay:   retryBaseDelay,
		JitterFrac:  retryJitterFrac,
		Op:          op,
		Backend:     backend,
		Idempotent:  idempotent,
	}
}

// DoWithRetry executes fn with exponential backoff on transient failures
// (200ms, 400ms, 800ms with jitter). Only TRANSPORT and TIMEOUT faults on
// idempotent operations are retried; everything else returns on the first
// attempt. Each attempt is recorded in metrics.
func DoWithRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = retryMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = retryBaseDelay
	}
	if cfg.JitterFrac <= 0 {
		cfg.JitterFrac = retryJitterFrac
	}

	attempts := cfg.MaxAttempts
	if !cfg.Idempotent {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		err := fn(ctx)
		dur := time.Since(start)

		result := "ok"
		if err != nil {
			result = string(faults.KindOf(err))
		}
		metrics.ObserveAdapterRequest(cfg.Op, cfg.Backend, result, dur)

		if err == nil {
			return nil
		}
		lastErr = err

		kind := faults.KindOf(err)
		if kind != faults.KindTransport && kind != faults.KindTimeout {
			return err
		}

		if attempt < attempts {
			exp := attempt - 1
			backoff := cfg.BaseDelay * (1 << exp)
			jitter := time.Duration(rand.Float64() * cfg.JitterFrac * float64(backoff))
			sleep := backoff + jitter
			metrics.IncAdapterRetry(cfg.Op, cfg.Backend)
			slog.Debug("adapter retry",
				"op", cfg.Op, "backend", cfg.Backend, "attempt", attempt, "sleep", sleep, "err", err.Error())

			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return faults.Wrap(faults.KindCancelled, ctx.Err(), "%s cancelled during retry backoff", cfg.Op)
			case <-timer.C:
			}
		}
	}
	return lastErr
}
