/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package archive keeps a copy of every proposed patch so a reviewer can
// see what a provider suggested even when the attempt failed to apply it.
package archive

import (
	"context"
	"fmt"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/provider"
)

// Record is the archived form of a proposed patch.
type Record struct {
	AttemptID    string `json:"attempt_id"`
	RepositoryID string `json:"repository_id"`
	Repository   string `json:"repository"`
	IssueNumber  int    `json:"issue_number"`
	RetryCount   int    `json:"retry_count"`

	Provider      string                `json:"provider"`
	Model         string                `json:"model,omitempty"`
	BaseSHA       string                `json:"base_sha,omitempty"`
	Summary       string                `json:"summary"`
	Explanation   string                `json:"explanation,omitempty"`
	CommitMessage string                `json:"commit_message,omitempty"`
	Confidence    float64               `json:"confidence,omitempty"`
	Diff          string                `json:"diff,omitempty"`
	Files         []provider.FileChange `json:"files,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewRecord builds the record of p proposed for attempt a against the
// repository named fullName.
func NewRecord(a *attempt.Attempt, fullName string, p *provider.Patch, now time.Time) Record {
	return Record{
		AttemptID:     a.ID,
		RepositoryID:  a.RepositoryID,
		Repository:    fullName,
		IssueNumber:   a.IssueNumber,
		RetryCount:    a.RetryCount,
		Provider:      p.Provider,
		Model:         p.Model,
		BaseSHA:       p.BaseSHA,
		Summary:       p.Summary,
		Explanation:   p.Explanation,
		CommitMessage: p.CommitMessage,
		Confidence:    p.Confidence,
		Diff:          p.Diff,
		Files:         p.Files,
		CreatedAt:     now.UTC(),
	}
}

// ObjectName is the record's key: one object per attempt run, grouped by
// repository and issue.
func (r Record) ObjectName() string {
	return fmt.Sprintf("%s/%d/%s-%d.json", r.RepositoryID, r.IssueNumber, r.AttemptID, r.RetryCount)
}

// Archive stores records and returns their location.
type Archive interface {
	Put(ctx context.Context, r Record) (string, error)
}

// Discard drops every record.
type Discard struct{}

// Put implements Archive.
func (Discard) Put(context.Context, Record) (string, error) {
	return "", nil
}
