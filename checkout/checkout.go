/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checkout leases pooled git clones of watched repositories. A lease
// is checked out at the tip of the repository's default branch and can cut a
// branch, commit staged changes, and force push the branch back to origin.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"golang.org/x/oauth2"
)

const cloneDirPrefix = "issuefix-clone-"

// ErrNothingToCommit is returned by Lease.Commit when the index matches the
// base commit.
var ErrNothingToCommit = errors.New("no staged changes to commit")

// repoURL resolves the remote git URL for a target. Tests point it at local
// repositories.
var repoURL = defaultRemoteURL

// Target names the repository and branch a lease is prepared for.
type Target struct {
	Owner string
	Repo  string
	// Ref is the branch the lease is checked out at, normally the
	// repository's default branch.
	Ref string
}

func (t Target) validate() error {
	switch {
	case t.Owner == "":
		return errors.New("target owner cannot be empty")
	case t.Repo == "":
		return errors.New("target repo cannot be empty")
	case t.Ref == "":
		return errors.New("target ref cannot be empty")
	}
	return nil
}

// Manager owns a pool of clones of a single repository. Each lease gets a
// clone reset to the current tip of its ref.
type Manager struct {
	tokenSource oauth2.TokenSource
	identity    string
	remoteURL   func(Target) string

	mu        sync.Mutex
	available []*clone
}

type clone struct {
	path string
	repo *git.Repository
}

// Option configures a Manager.
type Option func(*Manager) error

// WithRemoteURL overrides how a target maps to its git remote.
func WithRemoteURL(fn func(Target) string) Option {
	return func(m *Manager) error {
		if fn == nil {
			return errors.New("remote url func cannot be nil")
		}
		m.remoteURL = fn
		return nil
	}
}

// New constructs a Manager. The token source must allow cloning and pushing
// to the repository. Identity is the commit author name; without a domain it
// is suffixed with @chainguard.dev to form the email.
func New(tokenSource oauth2.TokenSource, identity string, opts ...Option) (*Manager, error) {
	if tokenSource == nil {
		return nil, errors.New("token source cannot be nil")
	}
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, errors.New("identity cannot be empty")
	}
	m := &Manager{tokenSource: tokenSource, identity: identity}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return m, nil
}

// Lease hydrates a clone for the target and returns it checked out at the
// tip of target.Ref. Callers must Return the lease.
func (m *Manager) Lease(ctx context.Context, target Target) (*Lease, error) {
	if err := target.validate(); err != nil {
		return nil, err
	}

	cl, err := m.acquireClone(ctx, target)
	if err != nil {
		return nil, err
	}

	sha, err := m.prepareClone(ctx, cl, target)
	if err != nil {
		clog.FromContext(ctx).Warnf("Discarding clone after prepare failure: %v", err)
		m.discardClone(cl)
		return nil, err
	}

	return &Lease{manager: m, clone: cl, target: target, sha: sha}, nil
}

// acquireClone takes from the front of the pool; releaseClone appends to the
// back so a clone that keeps failing ages out instead of being reused.
func (m *Manager) acquireClone(ctx context.Context, target Target) (*clone, error) {
	m.mu.Lock()
	if len(m.available) > 0 {
		cl := m.available[0]
		m.available = m.available[1:]
		m.mu.Unlock()
		return cl, nil
	}
	m.mu.Unlock()

	return m.createClone(ctx, target)
}

func (m *Manager) createClone(ctx context.Context, target Target) (*clone, error) {
	dir, err := os.MkdirTemp("", cloneDirPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}

	remote := repoURL(target)
	if m.remoteURL != nil {
		remote = m.remoteURL(target)
	}
	clog.FromContext(ctx).Infof("Cloning repository %s into %s", remote, dir)

	auth, err := m.auth()
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("getting token: %w", err)
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:           remote,
		ReferenceName: plumbing.NewBranchReferenceName(target.Ref),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("cloning repository: %w", err)
	}

	return &clone{path: dir, repo: repo}, nil
}

func (m *Manager) prepareClone(ctx context.Context, cl *clone, target Target) (string, error) {
	if err := resetWorktree(cl.repo); err != nil {
		return "", err
	}

	auth, err := m.auth()
	if err != nil {
		return "", fmt.Errorf("getting token: %w", err)
	}

	spec := gitconfig.RefSpec(fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", target.Ref, target.Ref))
	clog.FromContext(ctx).Infof("Fetching ref %s", target.Ref)
	if err := cl.repo.FetchContext(ctx, &git.FetchOptions{
		RefSpecs: []gitconfig.RefSpec{spec},
		Auth:     auth,
	}); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return "", fmt.Errorf("fetching ref %s: %w", target.Ref, err)
	}

	remoteRef, err := cl.repo.Reference(plumbing.NewRemoteReferenceName("origin", target.Ref), true)
	if err != nil {
		return "", fmt.Errorf("getting remote ref %s: %w", target.Ref, err)
	}
	sha := remoteRef.Hash().String()

	wt, err := cl.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: remoteRef.Hash(), Force: true}); err != nil {
		return sha, fmt.Errorf("checking out ref %s: %w", target.Ref, err)
	}

	status, err := wt.Status()
	if err != nil {
		return sha, fmt.Errorf("getting worktree status: %w", err)
	}
	if !status.IsClean() {
		return sha, errors.New("worktree is not clean after checkout")
	}

	return sha, nil
}

func resetWorktree(repo *git.Repository) error {
	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
		return fmt.Errorf("resetting worktree: %w", err)
	}
	if err := wt.Clean(&git.CleanOptions{Dir: true}); err != nil {
		return fmt.Errorf("cleaning worktree: %w", err)
	}
	return nil
}

func (m *Manager) releaseClone(cl *clone) {
	m.mu.Lock()
	m.available = append(m.available, cl)
	m.mu.Unlock()
}

func (m *Manager) discardClone(cl *clone) {
	os.RemoveAll(cl.path)
}

// Close removes every pooled clone from disk.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cl := range m.available {
		m.discardClone(cl)
	}
	m.available = nil
}

func (m *Manager) auth() (*githttp.BasicAuth, error) {
	token, err := m.tokenSource.Token()
	if err != nil {
		return nil, err
	}
	return &githttp.BasicAuth{
		Username: "unused-when-using-access-tokens",
		Password: token.AccessToken,
	}, nil
}

func (m *Manager) signature() *object.Signature {
	email := m.identity
	if !strings.Contains(email, "@") {
		email = fmt.Sprintf("%s@chainguard.dev", email)
	}
	return &object.Signature{Name: m.identity, Email: email, When: time.Now()}
}

func defaultRemoteURL(t Target) string {
	return fmt.Sprintf("https://github.com/%s/%s", t.Owner, t.Repo)
}

// Lease is an acquired clone prepared for one target.
type Lease struct {
	manager *Manager
	clone   *clone
	target  Target
	sha     string
}

// ID returns a clone ID based on the working tree path.
func (l *Lease) ID() string {
	return filepath.Base(l.clone.path)
}

// Target returns the repository and ref the lease was prepared for.
func (l *Lease) Target() Target {
	return l.target
}

// Repo returns the underlying git repository.
func (l *Lease) Repo() *git.Repository {
	return l.clone.repo
}

// WorkingTree returns the absolute path of the working directory.
func (l *Lease) WorkingTree() string {
	return l.clone.path
}

// Worktree returns the go-git worktree of the lease.
func (l *Lease) Worktree() (*git.Worktree, error) {
	return l.clone.repo.Worktree()
}

// SHA returns the base commit the lease was checked out at.
func (l *Lease) SHA() string {
	return l.sha
}

// CreateBranch points a fresh local branch at the base commit and checks it
// out, replacing any branch of the same name.
func (l *Lease) CreateBranch(name string) error {
	if name == "" {
		return errors.New("branch name cannot be empty")
	}

	refName := plumbing.NewBranchReferenceName(name)
	if err := l.clone.repo.Storer.SetReference(plumbing.NewHashReference(refName, plumbing.NewHash(l.sha))); err != nil {
		return fmt.Errorf("setting branch reference: %w", err)
	}

	wt, err := l.clone.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Branch: refName, Force: true}); err != nil {
		return fmt.Errorf("checking out branch: %w", err)
	}
	return nil
}

// Commit records the staged changes on the checked out branch and returns
// the new commit hash.
func (l *Lease) Commit(message string) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", errors.New("commit message cannot be empty")
	}

	wt, err := l.clone.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree: %w", err)
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("getting worktree status: %w", err)
	}
	staged := false
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			staged = true
			break
		}
	}
	if !staged {
		return "", ErrNothingToCommit
	}

	hash, err := wt.Commit(message, &git.CommitOptions{Author: l.manager.signature()})
	if err != nil {
		return "", fmt.Errorf("committing: %w", err)
	}
	return hash.String(), nil
}

// DeleteBranch discards the working tree, detaches HEAD at the base commit
// and removes the local branch. Deleting a missing branch is not an error.
func (l *Lease) DeleteBranch(name string) error {
	wt, err := l.clone.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree: %w", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(l.sha), Force: true}); err != nil {
		return fmt.Errorf("detaching at base: %w", err)
	}
	if err := resetWorktree(l.clone.repo); err != nil {
		return err
	}
	err = l.clone.repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("removing branch %s: %w", name, err)
	}
	return nil
}

// BranchHead returns the commit the local branch points at.
func (l *Lease) BranchHead(name string) (string, error) {
	ref, err := l.clone.repo.Reference(plumbing.NewBranchReferenceName(name), true)
	if err != nil {
		return "", fmt.Errorf("resolving branch %s: %w", name, err)
	}
	return ref.Hash().String(), nil
}

// Push force pushes the local branch to the same name on origin. The
// returned error wraps the transport error unchanged.
func (l *Lease) Push(ctx context.Context, name string) error {
	log := clog.FromContext(ctx)

	auth, err := l.manager.auth()
	if err != nil {
		return fmt.Errorf("getting token: %w", err)
	}

	ref := plumbing.NewBranchReferenceName(name)
	refSpec := gitconfig.RefSpec(fmt.Sprintf("+%s:%s", ref, ref))
	log.Infof("Force pushing %s", refSpec)

	if err := l.clone.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: "origin",
		Auth:       auth,
		Force:      true,
		RefSpecs:   []gitconfig.RefSpec{refSpec},
	}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			log.Info("Branch already up to date")
			return nil
		}
		return fmt.Errorf("force pushing: %w", err)
	}
	return nil
}

// Return resets the working tree and places the clone back in the pool. The
// lease is invalid afterwards.
func (l *Lease) Return(context.Context) error {
	if l.clone == nil {
		return nil
	}
	if err := resetWorktree(l.clone.repo); err != nil {
		l.manager.discardClone(l.clone)
		l.clone = nil
		return err
	}

	l.manager.releaseClone(l.clone)
	l.clone = nil
	l.manager = nil
	l.sha = ""
	return nil
}
