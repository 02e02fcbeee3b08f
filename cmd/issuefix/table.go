/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"

	"chainguard.dev/issuefix/attempt"
)

func newTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		MaxWidth: 120,
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleLight),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}

func statusLabel(s attempt.Status) string {
	switch s {
	case attempt.StatusSucceeded:
		return color.New(color.FgGreen).Sprint(s.String())
	case attempt.StatusFailed:
		return color.New(color.FgRed).Sprint(s.String())
	case attempt.StatusInProgress:
		return color.New(color.FgYellow).Sprint(s.String())
	default:
		return s.String()
	}
}

func outcome(a *attempt.Attempt) string {
	switch {
	case a.PRURL != nil:
		return *a.PRURL
	case a.ErrorMessage != nil:
		return *a.ErrorMessage
	case a.NextAttemptAt != nil:
		return "next attempt " + a.NextAttemptAt.Format(time.RFC3339)
	}
	return ""
}

func renderAttempts(w io.Writer, attempts []*attempt.Attempt) error {
	table := newTable([]string{"ID", "Issue", "Status", "Retries", "Provider", "Updated", "Outcome"}, w)
	for _, a := range attempts {
		if err := table.Append([]string{
			a.ID,
			"#" + strconv.Itoa(a.IssueNumber),
			statusLabel(a.Status),
			strconv.Itoa(a.RetryCount),
			a.Provider,
			a.UpdatedAt.Format(time.RFC3339),
			outcome(a),
		}); err != nil {
			return fmt.Errorf("appending row: %w", err)
		}
	}
	return table.Render()
}

func renderAttempt(w io.Writer, a *attempt.Attempt) {
	fmt.Fprintf(w, "Attempt:    %s\n", a.ID)
	fmt.Fprintf(w, "Repository: %s\n", a.RepositoryID)
	fmt.Fprintf(w, "Issue:      #%d %s\n", a.IssueNumber, a.IssueTitle)
	fmt.Fprintf(w, "Status:     %s\n", statusLabel(a.Status))
	fmt.Fprintf(w, "Retries:    %d\n", a.RetryCount)
	if a.Provider != "" {
		fmt.Fprintf(w, "Provider:   %s\n", a.Provider)
	}
	if a.Branch != "" {
		fmt.Fprintf(w, "Branch:     %s\n", a.Branch)
	}
	if a.PRURL != nil {
		fmt.Fprintf(w, "PR:         %s\n", *a.PRURL)
	}
	if a.ErrorMessage != nil {
		fmt.Fprintf(w, "Error:      %s\n", *a.ErrorMessage)
	}
	if a.NextAttemptAt != nil {
		fmt.Fprintf(w, "Next:       %s\n", a.NextAttemptAt.Format(time.RFC3339))
	}
	fmt.Fprintf(w, "Created:    %s\n", a.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:    %s\n", a.UpdatedAt.Format(time.RFC3339))
}
