/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"context"
	"errors"
	"fmt"

	"chainguard.dev/issuefix/checkout"
	"chainguard.dev/issuefix/patch"
	"chainguard.dev/issuefix/provider"
	"chainguard.dev/issuefix/watch"
	"github.com/chainguard-dev/clog"
)

// Workspace is the git side of a run.
type Workspace interface {
	// Snapshot builds the repository context from the head of the default
	// branch.
	Snapshot(ctx context.Context, repo *watch.Repository, issue provider.IssueContext) (provider.RepoContext, error)
	// Apply applies p to a fresh checkout of the default branch and
	// commits it on branch. Expected failures are *patch.Failure.
	Apply(ctx context.Context, repo *watch.Repository, p *provider.Patch, branch string) (*Applied, error)
}

// Applied is a committed, not yet pushed, change.
type Applied struct {
	Branch  string
	BaseSHA string
	HeadSHA string
	Files   []string

	pusher  interface{ Push(context.Context) error }
	release func(context.Context)
}

// Push pushes the branch to origin.
func (a *Applied) Push(ctx context.Context) error {
	if a.pusher == nil {
		return errors.New("applied change has nothing to push")
	}
	return a.pusher.Push(ctx)
}

// Release gives the checkout back. It is safe to call more than once.
func (a *Applied) Release(ctx context.Context) {
	if a.release != nil {
		a.release(ctx)
		a.release = nil
	}
}

// GitWorkspace implements Workspace on pooled clones.
type GitWorkspace struct {
	checkouts *checkout.Meta
	applier   *patch.Applier
	opts      patch.ContextOptions
}

// NewGitWorkspace constructs a GitWorkspace.
func NewGitWorkspace(checkouts *checkout.Meta, applier *patch.Applier, opts patch.ContextOptions) (*GitWorkspace, error) {
	if checkouts == nil {
		return nil, errors.New("checkouts cannot be nil")
	}
	if applier == nil {
		return nil, errors.New("applier cannot be nil")
	}
	return &GitWorkspace{checkouts: checkouts, applier: applier, opts: opts}, nil
}

func target(repo *watch.Repository) checkout.Target {
	return checkout.Target{Owner: repo.Owner, Repo: repo.Name, Ref: repo.DefaultBranch}
}

// Snapshot implements Workspace.
func (w *GitWorkspace) Snapshot(ctx context.Context, repo *watch.Repository, issue provider.IssueContext) (provider.RepoContext, error) {
	lease, err := w.checkouts.Lease(ctx, target(repo))
	if err != nil {
		return provider.RepoContext{}, fmt.Errorf("leasing %s: %w", repo.FullName(), err)
	}
	defer returnLease(ctx, lease)
	return patch.RepoContext(lease, issue, w.opts)
}

// Apply implements Workspace.
func (w *GitWorkspace) Apply(ctx context.Context, repo *watch.Repository, p *provider.Patch, branch string) (*Applied, error) {
	lease, err := w.checkouts.Lease(ctx, target(repo))
	if err != nil {
		return nil, fmt.Errorf("leasing %s: %w", repo.FullName(), err)
	}
	b, err := w.applier.Apply(ctx, p, lease, branch)
	if err != nil {
		returnLease(ctx, lease)
		return nil, err
	}
	return &Applied{
		Branch:  b.Name,
		BaseSHA: b.BaseSHA,
		HeadSHA: b.HeadSHA,
		Files:   b.Files,
		pusher:  b,
		release: func(ctx context.Context) {
			if err := b.Discard(); err != nil {
				clog.FromContext(ctx).With("branch", b.Name).With("error", err).Warn("Failed to discard local branch")
			}
			returnLease(ctx, lease)
		},
	}, nil
}

func returnLease(ctx context.Context, lease *checkout.Lease) {
	t := lease.Target()
	if err := lease.Return(ctx); err != nil {
		clog.FromContext(ctx).With("repo", t.Owner+"/"+t.Repo).With("error", err).Warn("Failed to return lease")
	}
}
