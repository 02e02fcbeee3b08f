/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/terraform-infra-common/pkg/httpmetrics"
	"github.com/chainguard-dev/terraform-infra-common/pkg/profiler"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/issuefix/trigger"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept issue events over HTTP and resolve them",
		Long: `serve runs the HTTP intake, a bounded pool of resolution workers and the
sweeper that resumes re-queued and interrupted attempts. Events are queued
in Redis when REDIS_ADDR is set, otherwise in memory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the database schema before serving")
	return cmd
}

func (c *cli) serve(ctx context.Context, migrate bool) error {
	go httpmetrics.ScrapeDiskUsage(ctx)
	profiler.SetupProfiler()
	defer httpmetrics.SetupTracer(ctx)()

	log := clog.FromContext(ctx)

	st, err := openStore(ctx, c.cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	if migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("migrating database: %w", err)
		}
	}

	o, cleanup, err := newOrchestrator(ctx, c.cfg, st)
	if err != nil {
		return err
	}
	defer cleanup()

	queue, closeQueue, err := c.newQueue(ctx)
	if err != nil {
		return err
	}
	defer closeQueue()

	d, err := trigger.NewDispatcher(queue, o, c.cfg.Workers)
	if err != nil {
		return err
	}
	srv, err := trigger.NewServer(ctx, queue, o.Tracker)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.Run(ctx)
	})
	eg.Go(func() error {
		return trigger.RunSweeper(ctx, o, c.cfg.SweepInterval, c.cfg.StaleAfter)
	})
	eg.Go(func() error {
		log.With("addr", c.cfg.Addr()).Info("Serving issue events")
		return srv.Listen(c.cfg.Addr())
	})
	eg.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		log.Info("Shutting down")
		return srv.Shutdown(sctx)
	})
	return eg.Wait()
}

// newQueue returns the Redis queue when configured, otherwise an in-memory
// queue that does not survive restarts.
func (c *cli) newQueue(ctx context.Context) (trigger.Queue, func(), error) {
	log := clog.FromContext(ctx)
	if c.cfg.RedisAddr == "" {
		log.Warn("REDIS_ADDR not set, queueing events in memory")
		q := trigger.NewMemoryQueue(c.cfg.Workers * 16)
		return q, q.Close, nil
	}

	client := redis.NewClient(&redis.Options{Addr: c.cfg.RedisAddr})
	closeClient := func() {
		if err := client.Close(); err != nil {
			log.With("error", err).Warn("Failed to close redis client")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", c.cfg.RedisAddr, err)
	}
	q, err := trigger.NewRedisQueue(client, c.cfg.RedisQueue)
	if err != nil {
		closeClient()
		return nil, nil, err
	}
	// Events a previous process dequeued but never acknowledged. Resolving
	// one that is already tracked is a no-op.
	if _, err := q.Recover(ctx); err != nil {
		closeClient()
		return nil, nil, fmt.Errorf("recovering unacknowledged events: %w", err)
	}
	return q, closeClient, nil
}
