/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package attempt

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no attempt matches the lookup.
	ErrNotFound = errors.New("attempt not found")

	// ErrActiveExists is returned by Store.Create when the (repository, issue)
	// pair already has a queued or in_progress attempt.
	ErrActiveExists = errors.New("an active attempt already exists for this issue")

	// ErrConflict is returned when a transition lost an optimistic
	// concurrency race: the row's version no longer matches.
	ErrConflict = errors.New("attempt was modified concurrently")

	// ErrInvalidTransition is returned for edges outside the state machine.
	ErrInvalidTransition = errors.New("invalid attempt transition")

	// ErrRetryCeiling is returned when a re-queue would exceed the
	// configured maximum retry count.
	ErrRetryCeiling = errors.New("retry ceiling reached")
)

// Attempt is one tracked effort to resolve a specific issue into a pull
// request.
type Attempt struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	RepositoryID string `json:"repository_id"`
	IssueNumber  int    `json:"issue_number"`
	IssueTitle   string `json:"issue_title"`
	// IssueBody is kept so resumed runs see the same issue text.
	IssueBody string `json:"issue_body,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	Version    int    `json:"version"`

	PRNumber     *int    `json:"pr_number,omitempty"`
	PRURL        *string `json:"pr_url,omitempty"`
	ErrorMessage *string `json:"error_message,omitempty"`
	Provider     string  `json:"provider,omitempty"`
	Branch       string  `json:"branch,omitempty"`

	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Key returns the idempotency key of the attempt.
func (a *Attempt) Key() Key {
	return Key{RepositoryID: a.RepositoryID, IssueNumber: a.IssueNumber}
}

// Key is the (repository, issue number) idempotency key.
type Key struct {
	RepositoryID string
	IssueNumber  int
}

// NewAttempt carries the fields needed to create an attempt.
type NewAttempt struct {
	ID           string
	UserID       string
	RepositoryID string
	IssueNumber  int
	IssueTitle   string
	IssueBody    string
}

// Change describes a single transition. Pointer fields left nil are not
// written.
type Change struct {
	From            Status
	To              Status
	ExpectedVersion int

	IncrementRetry bool
	PRNumber       *int
	PRURL          *string
	ErrorMessage   *string
	Provider       string
	Branch         string
	NextAttemptAt  *time.Time
}

// Store is the persistence contract for attempts. Implementations must make
// Create atomic with respect to the active-attempt uniqueness constraint and
// must apply Transition as a compare-and-set on (ID, From, ExpectedVersion).
type Store interface {
	// Create inserts a queued attempt, returning ErrActiveExists when the
	// key already has an active attempt.
	Create(ctx context.Context, na NewAttempt) (*Attempt, error)

	// Get loads an attempt by ID.
	Get(ctx context.Context, id string) (*Attempt, error)

	// LoadActive returns the queued or in_progress attempt for the key, or
	// ErrNotFound.
	LoadActive(ctx context.Context, key Key) (*Attempt, error)

	// Transition applies the change and returns the updated attempt, or
	// ErrConflict when the expected status and version no longer match.
	Transition(ctx context.Context, id string, c Change) (*Attempt, error)

	// List returns attempts for a repository newest first. An issue number
	// of zero matches every issue.
	List(ctx context.Context, repositoryID string, issueNumber int, limit int) ([]*Attempt, error)

	// ListActive returns active attempts last updated before the cutoff.
	ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*Attempt, error)
}
