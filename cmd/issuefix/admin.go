/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/watch"
)

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.Migrate(ctx); err != nil {
				return fmt.Errorf("migrating database: %w", err)
			}
			clog.FromContext(ctx).With("driver", c.cfg.DatabaseDriver).Info("Database schema is up to date")
			return nil
		},
	}
}

func (c *cli) sweepCmd() *cobra.Command {
	var staleAfter time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resume due and interrupted attempts once, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if staleAfter <= 0 {
				staleAfter = c.cfg.StaleAfter
			}
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			o, cleanup, err := newOrchestrator(ctx, c.cfg, st)
			if err != nil {
				return err
			}
			defer cleanup()

			n, err := o.Sweep(ctx, staleAfter)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Resumed %d attempt(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&staleAfter, "stale-after", 0, "treat in_progress attempts idle this long as interrupted (default STALE_AFTER)")
	return cmd
}

func (c *cli) credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored provider API keys",
	}
	cmd.AddCommand(c.credentialsPutCmd())
	return cmd
}

func (c *cli) credentialsPutCmd() *cobra.Command {
	var user, name string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Encrypt and store a provider API key read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			key, err := readKey(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if !credential.ValidateFormat(key, name) {
				return fmt.Errorf("key does not look like a %s API key", name)
			}

			cipher, err := newCipher(ctx, c.cfg)
			if err != nil {
				return err
			}
			sealed, err := cipher.Encrypt([]byte(key))
			if err != nil {
				return err
			}
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.PutCredential(ctx, credential.Record{
				UserID:    user,
				Provider:  name,
				Sealed:    sealed,
				Valid:     true,
				UpdatedAt: time.Now().UTC(),
			}); err != nil {
				return fmt.Errorf("storing credential: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s key for %s\n", color.New(color.FgGreen).Sprint("Stored"), name, user)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user the key belongs to")
	cmd.Flags().StringVar(&name, "provider", "", "provider name: anthropic, openai or gemini")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

// readKey reads the first line of r.
func readKey(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading key: %w", err)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", errors.New("no key on stdin")
	}
	return key, nil
}

func (c *cli) reposCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Register and unregister watched repositories",
	}
	cmd.AddCommand(c.reposWatchCmd(), c.reposUnwatchCmd())
	return cmd
}

func (c *cli) reposWatchCmd() *cobra.Command {
	var r watch.Repository
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch a repository for new issues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			r.Watched = true
			if err := st.PutRepository(ctx, r); err != nil {
				return fmt.Errorf("storing repository: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s as %s\n", color.New(color.FgGreen).Sprint("Watching"), r.FullName(), r.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&r.ID, "id", "", "repository id")
	cmd.Flags().StringVar(&r.UserID, "user", "", "user the repository belongs to")
	cmd.Flags().StringVar(&r.Owner, "owner", "", "repository owner")
	cmd.Flags().StringVar(&r.Name, "name", "", "repository name")
	cmd.Flags().StringVar(&r.DefaultBranch, "branch", "main", "default branch")
	for _, f := range []string{"id", "user", "owner", "name"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func (c *cli) reposUnwatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unwatch [repository-id]",
		Short: "Stop watching a repository; running attempts for it are cancelled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			r, err := st.GetRepository(ctx, args[0])
			if errors.Is(err, watch.ErrNotFound) {
				return fmt.Errorf("repository %s not found", args[0])
			} else if err != nil {
				return err
			}
			r.Watched = false
			if err := st.PutRepository(ctx, *r); err != nil {
				return fmt.Errorf("storing repository: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.New(color.FgYellow).Sprint("Unwatched"), r.FullName())
			return nil
		},
	}
}
