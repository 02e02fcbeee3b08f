/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package trigger feeds issue events to the resolver: queues that carry
// events between processes, a bounded worker pool draining them, and the
// HTTP intake that fills them.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chainguard.dev/issuefix/resolver"
	"github.com/chainguard-dev/clog"
	"github.com/redis/go-redis/v9"
)

// ErrQueueClosed is returned by Dequeue once a queue was closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Delivery is a dequeued event. It must be either acknowledged or retried
// once handled.
type Delivery struct {
	Event resolver.Event
	ack   func(context.Context) error
	retry func(context.Context) error
}

// Ack removes the delivery from the queue for good.
func (d *Delivery) Ack(ctx context.Context) error {
	if d.ack == nil {
		return nil
	}
	return d.ack(ctx)
}

// Retry hands the event back to the queue, behind events already waiting.
func (d *Delivery) Retry(ctx context.Context) error {
	if d.retry == nil {
		return errors.New("delivery cannot be retried")
	}
	return d.retry(ctx)
}

// Queue carries issue events to workers.
type Queue interface {
	Enqueue(ctx context.Context, ev resolver.Event) error
	// Dequeue blocks until an event is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
}

// MemoryQueue is an in-process Queue.
type MemoryQueue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan resolver.Event
}

var (
	_ Queue = (*MemoryQueue)(nil)
	_ Queue = (*RedisQueue)(nil)
)

// NewMemoryQueue creates a queue buffering up to size events.
func NewMemoryQueue(size int) *MemoryQueue {
	return &MemoryQueue{ch: make(chan resolver.Event, size)}
}

// Enqueue implements Queue. It blocks while the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, ev resolver.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case ev, ok := <-q.ch:
		if !ok {
			return nil, ErrQueueClosed
		}
		return &Delivery{
			Event: ev,
			retry: func(context.Context) error {
				return q.offer(ev)
			},
		}, nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// offer enqueues without blocking. Workers retrying into a full buffer
// would otherwise wait on the dispatcher that waits on them.
func (q *MemoryQueue) offer(ev resolver.Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- ev:
		return nil
	default:
		return errors.New("queue is full")
	}
}

// Close stops accepting events. Buffered events can still be dequeued.
func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// RedisQueue is a reliable queue on two Redis lists: events are moved
// atomically from the pending list to a processing list when dequeued and
// removed from it on Ack.
type RedisQueue struct {
	client     redis.UniversalClient
	pending    string
	processing string
	poll       time.Duration
}

// NewRedisQueue creates a queue on the list named key.
func NewRedisQueue(client redis.UniversalClient, key string) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if key == "" {
		return nil, errors.New("queue key cannot be empty")
	}
	return &RedisQueue{
		client:     client,
		pending:    key,
		processing: key + ":processing",
		poll:       time.Second,
	}, nil
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, ev resolver.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := q.client.LPush(ctx, q.pending, data).Err(); err != nil {
		return fmt.Errorf("pushing event: %w", err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	for {
		raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.poll).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if cerr := context.Cause(ctx); cerr != nil {
				return nil, cerr
			}
			return nil, fmt.Errorf("popping event: %w", err)
		}

		var ev resolver.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			clog.FromContext(ctx).With("error", err).Warn("Dropping undecodable event")
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			continue
		}
		return &Delivery{
			Event: ev,
			ack: func(ctx context.Context) error {
				return q.client.LRem(ctx, q.processing, 1, raw).Err()
			},
			retry: func(ctx context.Context) error {
				_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.LRem(ctx, q.processing, 1, raw)
					pipe.LPush(ctx, q.pending, raw)
					return nil
				})
				if err != nil {
					return fmt.Errorf("returning event to the queue: %w", err)
				}
				return nil
			},
		}, nil
	}
}

// Recover moves events left in the processing list by a previous run back
// to the pending list and returns how many were moved. Call it before any
// worker of this queue starts.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.pending).Err()
		switch {
		case errors.Is(err, redis.Nil):
			if n > 0 {
				clog.FromContext(ctx).With("count", n).Warn("Recovered unacknowledged events")
			}
			return n, nil
		case err != nil:
			return n, fmt.Errorf("recovering events: %w", err)
		}
		n++
	}
}
