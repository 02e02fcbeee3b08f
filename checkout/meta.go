/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package checkout

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
)

// TokenSourceForRepo resolves an OAuth2 token source for an owner/repo pair.
type TokenSourceForRepo func(ctx context.Context, owner, repo string) (oauth2.TokenSource, error)

// Meta caches one Manager per owner/repo and creates them on first use.
type Meta struct {
	tokenSourceFor TokenSourceForRepo
	identity       string
	opts           []Option

	mu       sync.RWMutex
	managers map[string]*Manager
}

// NewMeta creates a Meta. tokenSourceFor is called once per repository and
// opts are applied to every Manager.
func NewMeta(tokenSourceFor TokenSourceForRepo, identity string, opts ...Option) *Meta {
	return &Meta{
		tokenSourceFor: tokenSourceFor,
		identity:       identity,
		opts:           opts,
		managers:       make(map[string]*Manager),
	}
}

// Lease leases a clone of target from its repository's Manager.
func (m *Meta) Lease(ctx context.Context, target Target) (*Lease, error) {
	mgr, err := m.Get(ctx, target.Owner, target.Repo)
	if err != nil {
		return nil, err
	}
	return mgr.Lease(ctx, target)
}

// Get returns the Manager for owner/repo, creating one if needed.
func (m *Meta) Get(ctx context.Context, owner, repo string) (*Manager, error) {
	key := owner + "/" + repo

	m.mu.RLock()
	mgr, ok := m.managers[key]
	m.mu.RUnlock()
	if ok {
		return mgr, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if mgr, ok := m.managers[key]; ok {
		return mgr, nil
	}

	ts, err := m.tokenSourceFor(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("create token source: %w", err)
	}
	mgr, err = New(ts, m.identity, m.opts...)
	if err != nil {
		return nil, fmt.Errorf("create clone manager: %w", err)
	}
	m.managers[key] = mgr
	return mgr, nil
}

// Close removes the pooled clones of every cached Manager.
func (m *Meta) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mgr := range m.managers {
		mgr.Close()
	}
}
