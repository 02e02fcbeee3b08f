/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package watch exposes the read side of watched repositories. Watch
// registration is owned elsewhere; resolution only needs to know whether a
// repository is still watched and where it lives.
package watch

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the repository is unknown.
var ErrNotFound = errors.New("watched repository not found")

// Repository identifies a source repository and its watch state.
type Repository struct {
	ID            string `json:"id"`
	UserID        string `json:"user_id"`
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	DefaultBranch string `json:"default_branch"`
	Watched       bool   `json:"is_watched"`
}

// FullName returns owner/name.
func (r *Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// Store loads watched repositories.
type Store interface {
	GetRepository(ctx context.Context, id string) (*Repository, error)
}
