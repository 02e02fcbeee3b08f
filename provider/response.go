/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
)

// ExtractJSON pulls the JSON document out of a model response that may wrap
// it in a markdown code fence.
func ExtractJSON(text string) string {
	var buf bytes.Buffer
	inBlock, found := false, false

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if !inBlock && trimmed == "```json" {
			inBlock, found = true, true
			continue
		}
		if inBlock && trimmed == "```" {
			break
		}
		if inBlock {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
		}
	}
	if found {
		return strings.TrimSpace(buf.String())
	}

	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	// Models occasionally add prose around a bare object.
	if !strings.HasPrefix(text, "{") {
		if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
			text = text[start : end+1]
		}
	}
	return text
}

// ParseResponse decodes a model response into a Patch. Unparseable or
// structurally invalid output is a malformed_response failure; a well-formed
// response that changes nothing is no_change_produced.
func ParseResponse(provider, text string) (*Patch, error) {
	body := ExtractJSON(text)
	if body == "" {
		return nil, NewFailure(provider, KindMalformedResponse, errors.New("empty response"))
	}

	var p Patch
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		return nil, NewFailure(provider, KindMalformedResponse, fmt.Errorf("decoding response: %w", err))
	}
	if err := p.validate(); err != nil {
		return nil, NewFailure(provider, KindMalformedResponse, err)
	}
	if p.Empty() {
		return nil, NewFailure(provider, KindNoChangeProduced, errors.New("response proposes no changes"))
	}
	p.Provider = provider
	return &p, nil
}

func (p *Patch) validate() error {
	if strings.TrimSpace(p.Summary) == "" {
		return errors.New("response is missing a summary")
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("confidence %v is outside [0, 1]", p.Confidence)
	}
	for _, f := range p.Files {
		if err := ValidatePath(f.Path); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePath rejects paths that would escape the repository root.
func ValidatePath(p string) error {
	if p == "" {
		return errors.New("file change is missing a path")
	}
	clean := path.Clean(p)
	if path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path %q escapes the repository", p)
	}
	if clean == ".git" || strings.HasPrefix(clean, ".git/") {
		return fmt.Errorf("path %q is inside the git directory", p)
	}
	return nil
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
