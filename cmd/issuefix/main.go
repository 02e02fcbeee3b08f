/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Command issuefix turns newly filed issues on watched repositories into
// pull requests proposed by an LLM provider.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	_ "github.com/chainguard-dev/clog/gcp/init"
	"github.com/spf13/cobra"

	"chainguard.dev/issuefix/config"
)

// cli carries state shared by every subcommand.
type cli struct {
	envFile string
	cfg     *config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "issuefix",
		Short: "Resolve issues on watched repositories into pull requests",
		Long: `issuefix watches repositories for newly filed issues, asks an LLM provider
for a patch, applies it on a fresh branch and opens a pull request. Every
attempt is tracked so duplicate triggers are no-ops and transient failures
are retried with backoff.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Context(), c.envFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before the environment, if it exists")

	root.AddCommand(
		c.serveCmd(),
		c.resolveCmd(),
		c.attemptsCmd(),
		c.credentialsCmd(),
		c.reposCmd(),
		c.migrateCmd(),
		c.sweepCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		clog.FatalContextf(ctx, "issuefix: %v", err)
	}
}
