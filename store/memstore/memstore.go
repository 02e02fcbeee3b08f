/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package memstore is an in-memory implementation of the attempt,
// credential and watch stores. It honors the same uniqueness and
// compare-and-set semantics as the SQL store and is used by tests and local
// runs.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"chainguard.dev/issuefix/attempt"
	"chainguard.dev/issuefix/credential"
	"chainguard.dev/issuefix/watch"
)

// Store holds all records in maps guarded by a single mutex.
type Store struct {
	mu           sync.Mutex
	now          func() time.Time
	attempts     map[string]*attempt.Attempt
	credentials  map[credKey]*credential.Record
	repositories map[string]*watch.Repository
}

type credKey struct {
	userID   string
	provider string
}

var (
	_ attempt.Store    = (*Store)(nil)
	_ credential.Store = (*Store)(nil)
	_ watch.Store      = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		now:          time.Now,
		attempts:     make(map[string]*attempt.Attempt),
		credentials:  make(map[credKey]*credential.Record),
		repositories: make(map[string]*watch.Repository),
	}
}

// SetClock replaces the clock used to stamp records.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func clone(a *attempt.Attempt) *attempt.Attempt {
	c := *a
	return &c
}

// Create implements attempt.Store.
func (s *Store) Create(_ context.Context, na attempt.NewAttempt) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.attempts {
		if a.RepositoryID == na.RepositoryID && a.IssueNumber == na.IssueNumber && a.Status.Active() {
			return nil, attempt.ErrActiveExists
		}
	}

	now := s.now().UTC()
	a := &attempt.Attempt{
		ID:           na.ID,
		UserID:       na.UserID,
		RepositoryID: na.RepositoryID,
		IssueNumber:  na.IssueNumber,
		IssueTitle:   na.IssueTitle,
		IssueBody:    na.IssueBody,
		Status:       attempt.StatusQueued,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.attempts[a.ID] = a
	return clone(a), nil
}

// Get implements attempt.Store.
func (s *Store) Get(_ context.Context, id string) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, attempt.ErrNotFound
	}
	return clone(a), nil
}

// LoadActive implements attempt.Store.
func (s *Store) LoadActive(_ context.Context, key attempt.Key) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.attempts {
		if a.RepositoryID == key.RepositoryID && a.IssueNumber == key.IssueNumber && a.Status.Active() {
			return clone(a), nil
		}
	}
	return nil, attempt.ErrNotFound
}

// Transition implements attempt.Store.
func (s *Store) Transition(_ context.Context, id string, c attempt.Change) (*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, attempt.ErrNotFound
	}
	if a.Status != c.From || a.Version != c.ExpectedVersion {
		return nil, attempt.ErrConflict
	}

	a.Status = c.To
	a.Version++
	a.UpdatedAt = s.now().UTC()
	if c.IncrementRetry {
		a.RetryCount++
	}
	a.NextAttemptAt = c.NextAttemptAt
	if c.PRNumber != nil {
		a.PRNumber = c.PRNumber
	}
	if c.PRURL != nil {
		a.PRURL = c.PRURL
	}
	if c.ErrorMessage != nil {
		a.ErrorMessage = c.ErrorMessage
	}
	if c.Provider != "" {
		a.Provider = c.Provider
	}
	if c.Branch != "" {
		a.Branch = c.Branch
	}
	return clone(a), nil
}

// List implements attempt.Store.
func (s *Store) List(_ context.Context, repositoryID string, issueNumber int, limit int) ([]*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*attempt.Attempt
	for _, a := range s.attempts {
		if a.RepositoryID != repositoryID {
			continue
		}
		if issueNumber != 0 && a.IssueNumber != issueNumber {
			continue
		}
		out = append(out, clone(a))
	}
	slices.SortFunc(out, func(x, y *attempt.Attempt) int {
		return y.CreatedAt.Compare(x.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActive implements attempt.Store.
func (s *Store) ListActive(_ context.Context, updatedBefore time.Time, limit int) ([]*attempt.Attempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*attempt.Attempt
	for _, a := range s.attempts {
		if a.Status.Active() && a.UpdatedAt.Before(updatedBefore) {
			out = append(out, clone(a))
		}
	}
	slices.SortFunc(out, func(x, y *attempt.Attempt) int {
		return x.UpdatedAt.Compare(y.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetCredential implements credential.Store.
func (s *Store) GetCredential(_ context.Context, userID, provider string) (*credential.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.credentials[credKey{userID, provider}]
	if !ok {
		return nil, credential.ErrNotFound
	}
	c := *r
	return &c, nil
}

// PutCredential implements credential.Store. Saving a key always marks it
// valid.
func (s *Store) PutCredential(_ context.Context, r credential.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.Valid = true
	r.UpdatedAt = s.now().UTC()
	s.credentials[credKey{r.UserID, r.Provider}] = &r
	return nil
}

// InvalidateCredential implements credential.Store.
func (s *Store) InvalidateCredential(_ context.Context, userID, provider string, sealed credential.Sealed) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.credentials[credKey{userID, provider}]
	if !ok || !r.Sealed.Equal(sealed) || !r.Valid {
		return false, nil
	}
	r.Valid = false
	r.UpdatedAt = s.now().UTC()
	return true, nil
}

// GetRepository implements watch.Store.
func (s *Store) GetRepository(_ context.Context, id string) (*watch.Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.repositories[id]
	if !ok {
		return nil, watch.ErrNotFound
	}
	c := *r
	return &c, nil
}

// PutRepository adds or replaces a watched repository.
func (s *Store) PutRepository(r watch.Repository) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repositories[r.ID] = &r
}

// SetWatched flips the watch flag of a repository.
func (s *Store) SetWatched(id string, watched bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.repositories[id]; ok {
		r.Watched = watched
	}
}
