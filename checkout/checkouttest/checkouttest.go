/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package checkouttest builds local git repositories that stand in for
// remotes in tests.
package checkouttest

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// InitRepo creates a repository on branch master holding files and returns
// its directory and head commit.
func InitRepo(t testing.TB, files map[string]string) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		write(t, dir, p, files[p])
		if _, err := wt.Add(p); err != nil {
			t.Fatalf("Add(%s): %v", p, err)
		}
	}

	hash, err := wt.Commit("initial", &git.CommitOptions{Author: author(), AllowEmptyCommits: len(files) == 0})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("master"))); err != nil {
		t.Fatalf("SetReference: %v", err)
	}
	return dir, hash.String()
}

// CommitFile writes and commits one file in the repository at dir and
// returns the new head.
func CommitFile(t testing.TB, dir, path, content string) string {
	t.Helper()

	repo, err := git.PlainOpen(dir)
	if err != nil {
		t.Fatalf("PlainOpen: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}
	write(t, dir, path, content)
	if _, err := wt.Add(path); err != nil {
		t.Fatalf("Add: %v", err)
	}
	hash, err := wt.Commit("update "+path, &git.CommitOptions{Author: author()})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return hash.String()
}

func write(t testing.TB, dir, path, content string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func author() *object.Signature {
	return &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()}
}
