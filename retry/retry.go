/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package retry holds the backoff policy shared by the resolver's attempt
// re-queues and by best-effort side calls.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Policy configures exponential backoff with a cap and random jitter.
type Policy struct {
	// MaxRetries is the maximum number of re-queues of one attempt.
	// 0 means the first transient failure is terminal.
	MaxRetries int
	// BaseBackoff is the delay before the first retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the exponential delay.
	MaxBackoff time.Duration
	// MaxJitter is the maximum random jitter added to each delay.
	MaxJitter time.Duration
}

// Validate checks that the policy has valid values.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if p.BaseBackoff < 0 {
		return errors.New("base backoff cannot be negative")
	}
	if p.MaxBackoff < 0 {
		return errors.New("max backoff cannot be negative")
	}
	if p.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		MaxRetries:  3,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  60 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number n (zero-based):
// BaseBackoff * 2^n capped at MaxBackoff, plus jitter.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	// Guard the shift against overflow for large n.
	backoff := p.MaxBackoff
	if n < 32 {
		backoff = min(p.BaseBackoff<<n, p.MaxBackoff)
	}
	if backoff < 0 {
		backoff = p.MaxBackoff
	}

	var jitter time.Duration
	if p.MaxJitter > 0 {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(p.MaxJitter)))
		if err == nil {
			jitter = time.Duration(j.Int64())
		}
	}
	return backoff + jitter
}

// Sleep waits for d or until ctx is done, returning the context's cause in
// the latter case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return context.Cause(ctx)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	case <-t.C:
		return nil
	}
}

// Do executes fn, retrying errors classified as retryable with the policy's
// backoff.
func Do[T any](ctx context.Context, p Policy, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}
		if !isRetryable(lastErr) {
			return result, lastErr
		}
		if attempt >= p.MaxRetries {
			break
		}

		wait := p.Backoff(attempt)
		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_retries", p.MaxRetries).
			With("backoff", wait).
			With("error", lastErr.Error()).
			Warn("Transient failure, retrying")

		if err := Sleep(ctx, wait); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, p.MaxRetries, lastErr)
}
