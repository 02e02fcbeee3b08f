/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package patch applies proposed patches to a leased checkout, producing a
// committed branch or a classified failure.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"chainguard.dev/issuefix/checkout"
	"chainguard.dev/issuefix/provider"
	"github.com/chainguard-dev/clog"
)

// Kind classifies an apply failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConflict means the base moved since the context was built.
	KindConflict
	KindEmptyDiff
	KindInvalidFormat
)

func (k Kind) String() string {
	switch k {
	case KindConflict:
		return "conflict"
	case KindEmptyDiff:
		return "empty_diff"
	case KindInvalidFormat:
		return "invalid_format"
	default:
		return "unknown"
	}
}

// Failure is returned by Apply for expected failure modes.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("apply %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether regenerating against a fresh base may succeed.
func (f *Failure) Transient() bool {
	return f.Kind == KindConflict
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func fail(kind Kind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Branch is a committed branch in a leased checkout.
type Branch struct {
	Name    string
	BaseSHA string
	HeadSHA string
	// Base is the branch the change was cut from.
	Base  string
	Files []string

	lease *checkout.Lease
}

// Push force pushes the branch to origin.
func (b *Branch) Push(ctx context.Context) error {
	if b.lease == nil {
		return errors.New("branch has no checkout to push from")
	}
	return b.lease.Push(ctx, b.Name)
}

// Discard removes the local branch and resets the checkout.
func (b *Branch) Discard() error {
	if b.lease == nil {
		return nil
	}
	return b.lease.DeleteBranch(b.Name)
}

// Applier applies patches.
type Applier struct {
	maxOffset int
}

// Option configures an Applier.
type Option func(*Applier) error

// WithMaxOffset bounds how many lines away from its header position a hunk
// may be found. Zero searches the whole file.
func WithMaxOffset(n int) Option {
	return func(a *Applier) error {
		if n < 0 {
			return errors.New("max offset cannot be negative")
		}
		a.maxOffset = n
		return nil
	}
}

// New constructs an Applier.
func New(opts ...Option) (*Applier, error) {
	a := &Applier{}
	for _, opt := range opts {
		if err := opt(a); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return a, nil
}

// Apply cuts branch from the lease's base commit, applies the diff and then
// the whole-file changes of p, and commits. On any failure the branch is
// removed and the checkout reset.
func (a *Applier) Apply(ctx context.Context, p *provider.Patch, l *checkout.Lease, branch string) (_ *Branch, err error) {
	if l == nil {
		return nil, errors.New("lease cannot be nil")
	}
	if branch == "" {
		return nil, errors.New("branch name cannot be empty")
	}
	if p.Empty() {
		return nil, fail(KindEmptyDiff, "patch contains no changes")
	}

	var files []fileDiff
	if strings.TrimSpace(p.Diff) != "" {
		if files, err = parseDiff(p.Diff); err != nil {
			return nil, &Failure{Kind: KindInvalidFormat, Err: err}
		}
	}
	for _, fc := range p.Files {
		if err := provider.ValidatePath(fc.Path); err != nil {
			return nil, &Failure{Kind: KindInvalidFormat, Err: err}
		}
	}

	// Mismatches against a base other than the one the patch was generated
	// from are conflicts; against the same base the patch itself is wrong.
	mismatch := KindInvalidFormat
	if p.BaseSHA != "" && p.BaseSHA != l.SHA() {
		mismatch = KindConflict
	}

	log := clog.FromContext(ctx).With("branch", branch).With("base", l.SHA())
	if err := l.CreateBranch(branch); err != nil {
		return nil, fmt.Errorf("creating branch: %w", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if derr := l.DeleteBranch(branch); derr != nil {
			log.Warnf("Failed to clean up branch after apply failure: %v", derr)
		}
	}()

	wt, err := l.Worktree()
	if err != nil {
		return nil, fmt.Errorf("getting worktree: %w", err)
	}
	root := l.WorkingTree()

	var touched []string
	for _, fd := range files {
		if err := context.Cause(ctx); err != nil {
			return nil, err
		}
		changed, err := a.applyFile(root, fd, mismatch)
		if err != nil {
			return nil, err
		}
		for _, c := range changed {
			if c.removed {
				if _, err := wt.Remove(c.path); err != nil {
					return nil, fmt.Errorf("staging removal of %s: %w", c.path, err)
				}
			} else if _, err := wt.Add(c.path); err != nil {
				return nil, fmt.Errorf("staging %s: %w", c.path, err)
			}
			touched = append(touched, c.path)
		}
	}

	for _, fc := range p.Files {
		name := path.Clean(fc.Path)
		full := filepath.Join(root, filepath.FromSlash(name))
		if fc.Delete {
			if _, err := os.Stat(full); err != nil {
				if os.IsNotExist(err) {
					return nil, fail(mismatch, "cannot delete %s: file does not exist", name)
				}
				return nil, err
			}
			if _, err := wt.Remove(name); err != nil {
				return nil, fmt.Errorf("staging removal of %s: %w", name, err)
			}
		} else {
			if err := writeFile(full, fc.Content); err != nil {
				return nil, err
			}
			if _, err := wt.Add(name); err != nil {
				return nil, fmt.Errorf("staging %s: %w", name, err)
			}
		}
		touched = append(touched, name)
	}

	head, err := l.Commit(commitMessage(p))
	if errors.Is(err, checkout.ErrNothingToCommit) {
		return nil, fail(KindEmptyDiff, "patch leaves the tree unchanged")
	}
	if err != nil {
		return nil, err
	}

	log.With("head", head).With("files", len(touched)).Info("Committed patch")
	return &Branch{
		Name:    branch,
		BaseSHA: l.SHA(),
		HeadSHA: head,
		Base:    l.Target().Ref,
		Files:   touched,
		lease:   l,
	}, nil
}

type change struct {
	path    string
	removed bool
}

func (a *Applier) applyFile(root string, fd fileDiff, mismatch Kind) ([]change, error) {
	full := func(p string) string { return filepath.Join(root, filepath.FromSlash(p)) }

	switch {
	case fd.deleted:
		if _, err := os.Stat(full(fd.from)); err != nil {
			if os.IsNotExist(err) {
				return nil, fail(mismatch, "cannot delete %s: file does not exist", fd.from)
			}
			return nil, err
		}
		return []change{{path: fd.from, removed: true}}, nil

	case fd.created:
		content := joinLines(newSide(fd.hunks), true)
		existing, err := os.ReadFile(full(fd.to))
		switch {
		case err == nil && string(existing) != content:
			return nil, fail(mismatch, "cannot create %s: file already exists", fd.to)
		case err != nil && !os.IsNotExist(err):
			return nil, err
		}
		if err := writeFile(full(fd.to), content); err != nil {
			return nil, err
		}
		return []change{{path: fd.to}}, nil
	}

	data, err := os.ReadFile(full(fd.from))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fail(mismatch, "cannot modify %s: file does not exist", fd.from)
		}
		return nil, err
	}
	out, err := applyHunks(string(data), fd.hunks, a.maxOffset)
	if err != nil {
		return nil, &Failure{Kind: mismatch, Err: fmt.Errorf("%s: %w", fd.from, err)}
	}
	if err := writeFile(full(fd.to), out); err != nil {
		return nil, err
	}
	if fd.to != fd.from {
		return []change{{path: fd.to}, {path: fd.from, removed: true}}, nil
	}
	return []change{{path: fd.to}}, nil
}

func writeFile(full, content string) error {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", full, err)
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(full); err == nil {
		mode = fi.Mode().Perm()
	}
	if err := os.WriteFile(full, []byte(content), mode); err != nil {
		return fmt.Errorf("writing %s: %w", full, err)
	}
	return nil
}

func commitMessage(p *provider.Patch) string {
	msg := strings.TrimSpace(p.CommitMessage)
	if msg == "" {
		msg = strings.TrimSpace(p.Summary)
	}
	if msg == "" {
		msg = "Apply proposed fix"
	}
	return msg
}
