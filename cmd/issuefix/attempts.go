/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/resolver"
)

func (c *cli) resolveCmd() *cobra.Command {
	var (
		ev       resolver.Event
		bodyFile string
	)
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve one issue synchronously",
		Long: `resolve runs a single resolution attempt in the foreground and prints the
resulting attempt. If the issue already has an active attempt it is printed
unchanged.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if bodyFile != "" {
				body, err := readBody(cmd.InOrStdin(), bodyFile)
				if err != nil {
					return err
				}
				ev.IssueBody = body
			}
			if err := ev.Validate(); err != nil {
				return err
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

			a, err := o.Resolve(ctx, ev)
			if err != nil {
				return err
			}
			renderAttempt(cmd.OutOrStdout(), a)
			return nil
		},
	}
	cmd.Flags().StringVar(&ev.UserID, "user", "", "owner of the watched repository")
	cmd.Flags().StringVar(&ev.RepositoryID, "repo", "", "watched repository id")
	cmd.Flags().IntVar(&ev.IssueNumber, "issue", 0, "issue number")
	cmd.Flags().StringVar(&ev.IssueTitle, "title", "", "issue title")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "file holding the issue body, - for stdin")
	for _, f := range []string{"user", "repo", "issue"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func readBody(stdin io.Reader, path string) (string, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("reading issue body: %w", err)
	}
	return string(b), nil
}

func (c *cli) attemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts",
		Short: "Inspect and cancel resolution attempts",
	}
	cmd.AddCommand(c.attemptsListCmd(), c.attemptsShowCmd(), c.attemptsCancelCmd())
	return cmd
}

func (c *cli) attemptsListCmd() *cobra.Command {
	var (
		repo  string
		issue int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List attempts for a repository, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			attempts, err := st.List(ctx, repo, issue, limit)
			if err != nil {
				return fmt.Errorf("listing attempts: %w", err)
			}
			if len(attempts) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No attempts found")
				return nil
			}
			return renderAttempts(cmd.OutOrStdout(), attempts)
		},
	}
	cmd.Flags().StringVar(&repo, "repo", "", "watched repository id")
	cmd.Flags().IntVar(&issue, "issue", 0, "only attempts for this issue")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of attempts")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func (c *cli) attemptsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [attempt-id]",
		Short: "Show one attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := openStore(ctx, c.cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			a, err := st.Get(ctx, args[0])
			if errors.Is(err, attempt.ErrNotFound) {
				return fmt.Errorf("attempt %s not found", args[0])
			} else if err != nil {
				return err
			}
			renderAttempt(cmd.OutOrStdout(), a)
			return nil
		},
	}
}

func (c *cli) attemptsCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [attempt-id]",
		Short: "Cancel a queued attempt",
		Long: `cancel marks a queued attempt failed so the sweeper does not resume it.
Attempts currently running in a serve process are cancelled through that
process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
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

			if err := o.Cancel(ctx, args[0], strings.TrimSpace(reason)); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s attempt %s\n", color.New(color.FgYellow).Sprint("Cancelled"), args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the attempt")
	return cmd
}
