/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/metrics"
	"chainguard.dev/issuefix/watch"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// sweepBatch bounds how many active attempts one sweep looks at.
const sweepBatch = 100

// Cancel supersedes an attempt. A run in this process observes the
// cancellation at its next suspension point and records a failed attempt
// with a "cancelled" message. A queued attempt not running here is failed
// directly. Terminal attempts are left alone.
func (o *Orchestrator) Cancel(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	o.mu.Lock()
	cancel, ok := o.running[id]
	o.mu.Unlock()
	if ok {
		cancel(&cancellation{reason: reason})
		clog.FromContext(ctx).With("attempt_id", id).With("reason", reason).Info("Cancelling running attempt")
		return nil
	}

	a, err := o.Tracker.Get(ctx, id)
	if err != nil {
		return err
	}
	switch a.Status {
	case attempt.StatusQueued:
		_, err := o.finish(ctx, a, failure(ClassCancelled, nil, "%s", (&cancellation{reason: reason}).Error()))
		return err
	case attempt.StatusInProgress:
		return fmt.Errorf("attempt %s is running in another process", id)
	}
	return nil
}

// Await polls the attempt until it is terminal or ctx is done.
func (o *Orchestrator) Await(ctx context.Context, id string, interval time.Duration) (*attempt.Attempt, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a, err := o.Tracker.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if a.Status.Terminal() {
			return a, nil
		}
		select {
		case <-ctx.Done():
			return a, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// Sweep resumes attempts nobody is running: queued attempts whose backoff
// has elapsed, and in_progress attempts not updated within staleAfter,
// which are re-queued first (or failed at the retry ceiling). It returns
// how many attempts it acted on.
func (o *Orchestrator) Sweep(ctx context.Context, staleAfter time.Duration) (int, error) {
	log := clog.FromContext(ctx)
	now := time.Now()

	active, err := o.Tracker.ListActive(ctx, now, sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("listing active attempts: %w", err)
	}

	var handled atomic.Int64
	eg, ectx := errgroup.WithContext(ctx)
	eg.SetLimit(o.sweepWorkers)
	for _, a := range active {
		if o.Running(a.ID) {
			continue
		}
		switch a.Status {
		case attempt.StatusQueued:
			if a.NextAttemptAt != nil && a.NextAttemptAt.After(now) {
				continue
			}
		case attempt.StatusInProgress:
			if a.UpdatedAt.After(now.Add(-staleAfter)) {
				continue
			}
		default:
			continue
		}

		eg.Go(func() error {
			ctx := clog.WithLogger(ectx, log.With("attempt_id", a.ID))
			acted, err := o.recover(ctx, a)
			if acted {
				handled.Add(1)
			}
			if err != nil {
				clog.FromContext(ctx).With("error", err).Warn("Failed to recover attempt")
			}
			return nil
		})
	}
	_ = eg.Wait()

	if n := handled.Load(); n > 0 {
		log.With("count", n).Info("Sweep recovered attempts")
	}
	return int(handled.Load()), nil
}

func (o *Orchestrator) recover(ctx context.Context, a *attempt.Attempt) (bool, error) {
	if a.Status == attempt.StatusInProgress {
		if a.RetryCount >= o.Tracker.MaxRetries() {
			_, err := o.finish(ctx, a, failure(ClassRetryExhausted, nil,
				"retries exhausted after %d retries: run was interrupted", a.RetryCount))
			return err == nil, ignoreConflict(err)
		}
		requeued, err := o.Tracker.Requeue(ctx, a, time.Now())
		if err != nil {
			return false, ignoreConflict(err)
		}
		metrics.RecordRetry("interrupted")
		a = requeued
	}

	repo, err := o.Repositories.GetRepository(ctx, a.RepositoryID)
	if err != nil && !errors.Is(err, watch.ErrNotFound) {
		return false, err
	}
	if err != nil || !repo.Watched {
		c := &cancellation{reason: notWatchedReason}
		_, err := o.finish(ctx, a, failure(ClassCancelled, c, "%s", c.Error()))
		return err == nil, ignoreConflict(err)
	}

	_, err, _ = o.group.Do(issueKey(a.RepositoryID, a.IssueNumber), func() (any, error) {
		return o.run(ctx, a, repo)
	})
	return true, err
}

func ignoreConflict(err error) error {
	if errors.Is(err, attempt.ErrConflict) {
		return nil
	}
	return err
}
