/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package patch

import (
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"chainguard.dev/issuefix/checkout"
	"chainguard.dev/issuefix/provider"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ContextOptions bounds the repository snapshot sent to a provider.
type ContextOptions struct {
	// MaxTree caps the number of listed paths.
	MaxTree int
	// MaxFiles caps the number of files whose content is included.
	MaxFiles int
	// MaxFileBytes skips files larger than this.
	MaxFileBytes int64
}

// DefaultContextOptions returns the bounds used by the resolver.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{MaxTree: 2000, MaxFiles: 12, MaxFileBytes: 64 << 10}
}

// RepoContext snapshots the lease's base commit: the tracked file listing
// plus the contents of the files the issue most likely concerns. Files are
// ranked by how directly the issue text mentions them; top-level READMEs
// are always candidates.
func RepoContext(l *checkout.Lease, issue provider.IssueContext, opts ContextOptions) (provider.RepoContext, error) {
	rc := provider.RepoContext{DefaultBranch: l.Target().Ref, BaseSHA: l.SHA()}

	commit, err := l.Repo().CommitObject(plumbing.NewHash(l.SHA()))
	if err != nil {
		return rc, fmt.Errorf("loading base commit: %w", err)
	}
	iter, err := commit.Files()
	if err != nil {
		return rc, fmt.Errorf("listing files: %w", err)
	}
	defer iter.Close()

	text := strings.ToLower(issue.Title + "\n" + issue.Body)

	type candidate struct {
		file  *object.File
		score int
	}
	var candidates []candidate
	err = iter.ForEach(func(f *object.File) error {
		if opts.MaxTree <= 0 || len(rc.Tree) < opts.MaxTree {
			rc.Tree = append(rc.Tree, f.Name)
		}
		if s := relevance(f.Name, text); s > 0 {
			candidates = append(candidates, candidate{file: f, score: s})
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return rc, fmt.Errorf("walking tree: %w", err)
	}
	sort.Strings(rc.Tree)

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].file.Name < candidates[j].file.Name
	})

	for _, c := range candidates {
		if opts.MaxFiles > 0 && len(rc.Files) >= opts.MaxFiles {
			break
		}
		if opts.MaxFileBytes > 0 && c.file.Size > opts.MaxFileBytes {
			continue
		}
		if bin, err := c.file.IsBinary(); err != nil || bin {
			continue
		}
		content, err := c.file.Contents()
		if err != nil {
			return rc, fmt.Errorf("reading %s: %w", c.file.Name, err)
		}
		rc.Files = append(rc.Files, provider.File{Path: c.file.Name, Content: content})
	}
	return rc, nil
}

func relevance(name, text string) int {
	lower := strings.ToLower(name)
	base := path.Base(lower)
	stem := strings.TrimSuffix(base, path.Ext(base))

	switch {
	case strings.Contains(text, lower):
		return 3
	case len(base) >= 4 && strings.Contains(text, base):
		return 2
	case len(stem) >= 5 && strings.Contains(text, stem):
		return 1
	case !strings.Contains(lower, "/") && strings.HasPrefix(base, "readme"):
		return 1
	}
	return 0
}
