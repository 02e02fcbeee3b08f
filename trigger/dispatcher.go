/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/resolver"
	"github.com/chainguard-dev/clog"
	"golang.org/x/sync/errgroup"
)

// Resolver handles one event.
type Resolver interface {
	Resolve(ctx context.Context, ev resolver.Event) (*attempt.Attempt, error)
}

// Sweeper recovers attempts nobody is running.
type Sweeper interface {
	Sweep(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Dispatcher drains a queue into a resolver with bounded concurrency.
type Dispatcher struct {
	queue      Queue
	resolver   Resolver
	workers    int
	retryDelay time.Duration
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher) error

// WithRetryDelay sets how long a worker waits before handing back an event
// that failed before any attempt was recorded.
func WithRetryDelay(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) error {
		if d < 0 {
			return fmt.Errorf("retry delay cannot be negative, got %s", d)
		}
		dp.retryDelay = d
		return nil
	}
}

// NewDispatcher constructs a Dispatcher running up to workers events at
// once.
func NewDispatcher(queue Queue, r Resolver, workers int, opts ...DispatcherOption) (*Dispatcher, error) {
	if queue == nil {
		return nil, errors.New("queue cannot be nil")
	}
	if r == nil {
		return nil, errors.New("resolver cannot be nil")
	}
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", workers)
	}
	d := &Dispatcher{queue: queue, resolver: r, workers: workers, retryDelay: 5 * time.Second}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return d, nil
}

// Run dequeues and resolves events until ctx is done or the queue is
// closed, then waits for in-flight events.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := clog.FromContext(ctx)
	log.With("workers", d.workers).Info("Dispatcher started")

	var eg errgroup.Group
	eg.SetLimit(d.workers)

	for {
		delivery, err := d.queue.Dequeue(ctx)
		switch {
		case errors.Is(err, ErrQueueClosed):
			log.Info("Queue closed, dispatcher stopping")
			return eg.Wait()
		case ctx.Err() != nil:
			log.Info("Dispatcher stopping")
			return eg.Wait()
		case err != nil:
			log.With("error", err).Warn("Failed to dequeue event")
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		eg.Go(func() error {
			d.handle(ctx, delivery)
			return nil
		})
	}
}

func (d *Dispatcher) handle(ctx context.Context, delivery *Delivery) {
	ev := delivery.Event
	ctx = clog.WithLogger(ctx, clog.FromContext(ctx).
		With("delivery_id", ev.DeliveryID).
		With("repository_id", ev.RepositoryID).
		With("issue", ev.IssueNumber))
	log := clog.FromContext(ctx)

	a, err := d.resolver.Resolve(ctx, ev)
	switch {
	case errors.Is(err, resolver.ErrNotWatched):
		log.Info("Ignoring event for a repository that is not watched")
	case errors.Is(err, resolver.ErrInvalidEvent):
		log.With("error", err).Warn("Dropping invalid event")
	case err != nil && a == nil:
		// Nothing records the issue yet, so the event is its only trace.
		log.With("error", err).Error("Resolution failed before an attempt was recorded")
		d.retry(ctx, delivery)
		return
	case err != nil:
		log.With("attempt_id", a.ID).With("error", err).Error("Resolution aborted, leaving the attempt for the sweeper")
	case a != nil:
		log.With("attempt_id", a.ID).With("status", a.Status.String()).Info("Event handled")
	}

	if err := delivery.Ack(context.WithoutCancel(ctx)); err != nil {
		log.With("error", err).Warn("Failed to acknowledge event")
	}
}

// retry hands the delivery back to the queue after the retry delay, or at
// once when the dispatcher is stopping.
func (d *Dispatcher) retry(ctx context.Context, delivery *Delivery) {
	log := clog.FromContext(ctx)
	select {
	case <-ctx.Done():
	case <-time.After(d.retryDelay):
	}
	if err := delivery.Retry(context.WithoutCancel(ctx)); err != nil {
		log.With("error", err).Error("Failed to return event to the queue")
		return
	}
	log.With("delay", d.retryDelay).Info("Returned event to the queue")
}

// RunSweeper calls s.Sweep every interval until ctx is done.
func RunSweeper(ctx context.Context, s Sweeper, interval, staleAfter time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, staleAfter); err != nil {
				clog.FromContext(ctx).With("error", err).Warn("Sweep failed")
			}
		}
	}
}
