// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package assistant

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Executor owns the outbound retry policy for homeserver calls. Rate-limit
// responses are retried after the server-directed wait, gateway timeouts
// with bounded exponential backoff. Everything else passes through.
type Executor struct {
	log zerolog.Logger

	// MaxAttempts bounds both the gateway-timeout and the rate-limit
	// retry budgets.
	MaxAttempts int
	// BaseWait is the first gateway-timeout backoff interval. Doubles on
	// each retry.
	BaseWait time.Duration
	// DefaultRetryAfter is used when a 429 response omits retry_after_ms.
	DefaultRetryAfter time.Duration
}

// NewExecutor returns an Executor with the production retry budget:
// 3 attempts, 1s base backoff, 5s default rate-limit wait.
func NewExecutor(log zerolog.Logger) *Executor {
	return &Executor{
		log:               log.With().Str("component", "executor").Logger(),
		MaxAttempts:       3,
		BaseWait:          time.Second,
		DefaultRetryAfter: 5 * time.Second,
	}
}

// Do runs op until it succeeds, fails with a non-retryable error, or the
// retry budget is exhausted (in which case the last error is returned).
func (e *Executor) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = e.BaseWait
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 8 * e.BaseWait
	bo.Reset()

	var timeouts, rateLimits int
	for {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wait, limited := retryAfter(err, e.DefaultRetryAfter); limited {
			rateLimits++
			if rateLimits >= e.MaxAttempts {
				e.log.Warn().Str("op", name).Dur("retry_after", wait).
					Msg("Rate limited, retry budget exhausted")
				return &RateLimitedError{RetryAfter: wait}
			}
			e.log.Warn().Str("op", name).Dur("retry_after", wait).
				Int("attempt", rateLimits).
				Msg("Rate limited, honoring server wait")
			if err = sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		if isGatewayTimeout(err) {
			timeouts++
			if timeouts >= e.MaxAttempts {
				return err
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
			e.log.Warn().Str("op", name).Dur("wait", wait).
				Int("attempt", timeouts).
				Msg("Gateway timeout, backing off")
			if err = sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

// sleep waits for d unless ctx is cancelled first. Also used by the
// orchestrator for pacing between remote calls.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
