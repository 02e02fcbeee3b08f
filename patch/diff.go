/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package patch

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"chainguard.dev/issuefix/provider"
	"github.com/waigani/diffparser"
)

// fileDiff is one file section of a unified diff.
type fileDiff struct {
	from, to         string
	created, deleted bool
	hunks            []hunk
}

type hunk struct {
	// origStart is the 1-based first line of the hunk in the original file.
	origStart int
	old, new  []string
}

// parseDiff parses a unified diff. Model output is normalized first: code
// fences are dropped, missing "diff --git" and a/ b/ prefixes are added, and
// blank context lines are restored.
func parseDiff(text string) (files []fileDiff, err error) {
	defer func() {
		if r := recover(); r != nil {
			files, err = nil, fmt.Errorf("parsing diff: %v", r)
		}
	}()

	d, err := diffparser.Parse(normalizeDiff(text))
	if err != nil {
		return nil, fmt.Errorf("parsing diff: %w", err)
	}

	for _, f := range d.Files {
		fd := fileDiff{
			from:    trimName(f.OrigName),
			to:      trimName(f.NewName),
			created: f.Mode == diffparser.NEW,
			deleted: f.Mode == diffparser.DELETED,
		}
		switch {
		case fd.created:
			fd.from = fd.to
		case fd.deleted:
			fd.to = fd.from
		}
		if fd.to == "" {
			fd.to = fd.from
		}
		if fd.from == "" {
			fd.from = fd.to
		}
		for _, p := range []string{fd.from, fd.to} {
			if err := provider.ValidatePath(p); err != nil {
				return nil, err
			}
		}
		fd.from, fd.to = path.Clean(fd.from), path.Clean(fd.to)

		for _, h := range f.Hunks {
			hk := hunk{origStart: h.OrigRange.Start}
			for _, l := range h.OrigRange.Lines {
				hk.old = append(hk.old, l.Content)
			}
			for _, l := range h.NewRange.Lines {
				hk.new = append(hk.new, l.Content)
			}
			fd.hunks = append(fd.hunks, hk)
		}
		if len(fd.hunks) == 0 && !fd.deleted && !fd.created && fd.from == fd.to {
			return nil, fmt.Errorf("file section for %s has no hunks", fd.from)
		}
		files = append(files, fd)
	}

	if len(files) == 0 {
		return nil, errors.New("diff contains no file sections")
	}
	return files, nil
}

// trimName drops /dev/null and any trailing tab-separated timestamp. The
// parser has already removed the a/ and b/ prefixes.
func trimName(name string) string {
	name = strings.TrimSpace(name)
	if name == "/dev/null" {
		return ""
	}
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	return name
}

func normalizeDiff(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	out := make([]string, 0, len(lines)+8)
	sawHeader, inHunk := false, false
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "```"):
			continue

		case strings.HasPrefix(l, "diff "):
			sawHeader, inHunk = true, false

		case strings.HasPrefix(l, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ "):
			from := sideName(l[4:], "a/")
			to := sideName(lines[i+1][4:], "b/")
			if !sawHeader {
				out = append(out, fmt.Sprintf("diff --git %s %s", headerName(from, to, "a/"), headerName(to, from, "b/")))
			}
			sawHeader, inHunk = false, false
			l = "--- " + from

		case strings.HasPrefix(l, "+++ ") && i > 0 && strings.HasPrefix(lines[i-1], "--- "):
			l = "+++ " + sideName(l[4:], "b/")

		case strings.HasPrefix(l, "@@"):
			inHunk = true

		case inHunk && l == "" && i < len(lines)-1 && !strings.HasPrefix(lines[i+1], "diff "):
			l = " "
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}

func sideName(name, prefix string) string {
	name = strings.TrimSpace(name)
	if i := strings.IndexByte(name, '\t'); i >= 0 {
		name = name[:i]
	}
	if name == "/dev/null" || strings.HasPrefix(name, prefix) {
		return name
	}
	return prefix + strings.TrimPrefix(name, "/")
}

func headerName(name, other, prefix string) string {
	if name == "/dev/null" {
		return prefix + strings.TrimPrefix(strings.TrimPrefix(other, "a/"), "b/")
	}
	return name
}

// applyHunks applies hunks in order. Each hunk is searched for nearest its
// header position adjusted by the line delta of earlier hunks; maxOffset
// bounds the search distance when positive.
func applyHunks(content string, hunks []hunk, maxOffset int) (string, error) {
	lines, trailingNewline := splitLines(content)

	delta := 0
	for i, h := range hunks {
		want := h.origStart - 1 + delta
		if len(h.old) == 0 {
			want = h.origStart + delta
		}
		pos := locate(lines, h.old, want, maxOffset, exact)
		if pos < 0 {
			pos = locate(lines, h.old, want, maxOffset, trimmed)
		}
		if pos < 0 {
			return "", fmt.Errorf("hunk %d does not match near line %d", i+1, h.origStart)
		}

		next := make([]string, 0, len(lines)+len(h.new)-len(h.old))
		next = append(next, lines[:pos]...)
		next = append(next, h.new...)
		next = append(next, lines[pos+len(h.old):]...)
		lines = next
		delta += len(h.new) - len(h.old)
	}
	return joinLines(lines, trailingNewline), nil
}

func exact(a, b string) bool { return a == b }

func trimmed(a, b string) bool {
	return strings.TrimRight(a, " \t") == strings.TrimRight(b, " \t")
}

func locate(lines, block []string, want, maxOffset int, eq func(a, b string) bool) int {
	last := len(lines) - len(block)
	if last < 0 {
		return -1
	}
	want = max(0, min(want, last))

	matches := func(at int) bool {
		for j, b := range block {
			if !eq(lines[at+j], b) {
				return false
			}
		}
		return true
	}

	for d := 0; want-d >= 0 || want+d <= last; d++ {
		if maxOffset > 0 && d > maxOffset {
			break
		}
		if want-d >= 0 && matches(want-d) {
			return want - d
		}
		if d > 0 && want+d <= last && matches(want+d) {
			return want + d
		}
	}
	return -1
}

func splitLines(content string) ([]string, bool) {
	if content == "" {
		return nil, true
	}
	trailing := strings.HasSuffix(content, "\n")
	return strings.Split(strings.TrimSuffix(content, "\n"), "\n"), trailing
}

func joinLines(lines []string, trailingNewline bool) string {
	if len(lines) == 0 {
		return ""
	}
	s := strings.Join(lines, "\n")
	if trailingNewline {
		s += "\n"
	}
	return s
}

func newSide(hunks []hunk) []string {
	var out []string
	for _, h := range hunks {
		out = append(out, h.new...)
	}
	return out
}
