/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package attempt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/google/uuid"
)

// Fields carries the optional outcome data written with a transition.
type Fields struct {
	PRNumber      *int
	PRURL         *string
	ErrorMessage  *string
	Provider      string
	Branch        string
	NextAttemptAt *time.Time
}

// Tracker owns the attempt state machine on top of a Store. It is the only
// component that issues transitions.
type Tracker struct {
	store      Store
	maxRetries int
}

// NewTracker constructs a Tracker. maxRetries is the number of re-queues
// permitted before the only remaining edge out of in_progress is failed.
func NewTracker(store Store, maxRetries int) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store cannot be nil")
	}
	if maxRetries < 0 {
		return nil, errors.New("max retries cannot be negative")
	}
	return &Tracker{store: store, maxRetries: maxRetries}, nil
}

// MaxRetries returns the configured retry ceiling.
func (t *Tracker) MaxRetries() int {
	return t.maxRetries
}

// Create inserts a queued attempt for the key, or returns the existing
// active attempt with created=false.
func (t *Tracker) Create(ctx context.Context, na NewAttempt) (_ *Attempt, created bool, _ error) {
	switch {
	case na.UserID == "":
		return nil, false, errors.New("user id cannot be empty")
	case na.RepositoryID == "":
		return nil, false, errors.New("repository id cannot be empty")
	case na.IssueNumber <= 0:
		return nil, false, fmt.Errorf("issue number must be positive, got %d", na.IssueNumber)
	}
	if na.ID == "" {
		na.ID = uuid.NewString()
	}

	key := Key{RepositoryID: na.RepositoryID, IssueNumber: na.IssueNumber}
	// The active attempt can reach a terminal state between a failed insert
	// and the lookup, so the pair is retried a bounded number of times.
	for range 3 {
		a, err := t.store.Create(ctx, na)
		if err == nil {
			clog.FromContext(ctx).With("attempt_id", a.ID).Info("Created resolution attempt")
			return a, true, nil
		}
		if !errors.Is(err, ErrActiveExists) {
			return nil, false, fmt.Errorf("creating attempt: %w", err)
		}

		existing, err := t.store.LoadActive(ctx, key)
		switch {
		case err == nil:
			return existing, false, nil
		case errors.Is(err, ErrNotFound):
			continue
		default:
			return nil, false, fmt.Errorf("loading active attempt: %w", err)
		}
	}
	return nil, false, fmt.Errorf("creating attempt for %s#%d: %w", na.RepositoryID, na.IssueNumber, ErrConflict)
}

// Get loads an attempt by ID.
func (t *Tracker) Get(ctx context.Context, id string) (*Attempt, error) {
	return t.store.Get(ctx, id)
}

// LoadActive returns the active attempt for the key, or ErrNotFound.
func (t *Tracker) LoadActive(ctx context.Context, key Key) (*Attempt, error) {
	return t.store.LoadActive(ctx, key)
}

// Transition moves the attempt to the new status, validating the edge, the
// retry ceiling and the outcome field invariants before writing.
func (t *Tracker) Transition(ctx context.Context, a *Attempt, to Status, f Fields) (*Attempt, error) {
	if a == nil {
		return nil, errors.New("attempt cannot be nil")
	}
	if a.Status.Terminal() {
		return nil, fmt.Errorf("%w: attempt %s is %s", ErrInvalidTransition, a.ID, a.Status)
	}
	if !CanTransition(a.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}

	c := Change{
		From:            a.Status,
		To:              to,
		ExpectedVersion: a.Version,
		Provider:        f.Provider,
		Branch:          f.Branch,
	}

	switch to {
	case StatusQueued:
		if a.RetryCount >= t.maxRetries {
			return nil, fmt.Errorf("%w: %d of %d", ErrRetryCeiling, a.RetryCount, t.maxRetries)
		}
		c.IncrementRetry = true
		c.NextAttemptAt = f.NextAttemptAt

	case StatusSucceeded:
		if f.PRNumber == nil || f.PRURL == nil || *f.PRURL == "" {
			return nil, errors.New("succeeded attempt requires a pull request number and url")
		}
		if f.ErrorMessage != nil {
			return nil, errors.New("succeeded attempt cannot carry an error message")
		}
		c.PRNumber, c.PRURL = f.PRNumber, f.PRURL

	case StatusFailed:
		if f.ErrorMessage == nil || strings.TrimSpace(*f.ErrorMessage) == "" {
			return nil, errors.New("failed attempt requires an error message")
		}
		if f.PRNumber != nil || f.PRURL != nil {
			return nil, errors.New("failed attempt cannot carry a pull request reference")
		}
		c.ErrorMessage = f.ErrorMessage
	}

	updated, err := t.store.Transition(ctx, a.ID, c)
	if err != nil {
		return nil, fmt.Errorf("transition %s %s -> %s: %w", a.ID, a.Status, to, err)
	}
	return updated, nil
}

// Start moves a queued attempt to in_progress.
func (t *Tracker) Start(ctx context.Context, a *Attempt) (*Attempt, error) {
	return t.Transition(ctx, a, StatusInProgress, Fields{})
}

// Heartbeat records that the in_progress attempt is still being worked on
// by bumping its version and update time. It returns ErrConflict when the
// attempt was re-queued or finished elsewhere in the meantime.
func (t *Tracker) Heartbeat(ctx context.Context, a *Attempt) (*Attempt, error) {
	if a == nil {
		return nil, errors.New("attempt cannot be nil")
	}
	if a.Status != StatusInProgress {
		return nil, fmt.Errorf("%w: heartbeat on %s attempt %s", ErrInvalidTransition, a.Status, a.ID)
	}
	updated, err := t.store.Transition(ctx, a.ID, Change{
		From:            StatusInProgress,
		To:              StatusInProgress,
		ExpectedVersion: a.Version,
	})
	if err != nil {
		return nil, fmt.Errorf("heartbeat %s: %w", a.ID, err)
	}
	return updated, nil
}

// Requeue moves an in_progress attempt back to queued, incrementing the
// retry counter. It returns ErrRetryCeiling once the ceiling is reached.
func (t *Tracker) Requeue(ctx context.Context, a *Attempt, notBefore time.Time) (*Attempt, error) {
	return t.Transition(ctx, a, StatusQueued, Fields{NextAttemptAt: &notBefore})
}

// Succeed records the terminal success with its pull request reference.
func (t *Tracker) Succeed(ctx context.Context, a *Attempt, prNumber int, prURL, provider, branch string) (*Attempt, error) {
	return t.Transition(ctx, a, StatusSucceeded, Fields{
		PRNumber: &prNumber,
		PRURL:    &prURL,
		Provider: provider,
		Branch:   branch,
	})
}

// Fail records the terminal failure with a human-readable message.
func (t *Tracker) Fail(ctx context.Context, a *Attempt, message string) (*Attempt, error) {
	return t.Transition(ctx, a, StatusFailed, Fields{ErrorMessage: &message})
}

// List returns attempts for a repository newest first. An issue number of
// zero matches every issue.
func (t *Tracker) List(ctx context.Context, repositoryID string, issueNumber, limit int) ([]*Attempt, error) {
	return t.store.List(ctx, repositoryID, issueNumber, limit)
}

// ListActive returns active attempts last updated before the cutoff.
func (t *Tracker) ListActive(ctx context.Context, updatedBefore time.Time, limit int) ([]*Attempt, error) {
	return t.store.ListActive(ctx, updatedBefore, limit)
}
