/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package provider defines the contract between the resolver and the LLM
// backends that turn an issue into a proposed patch, along with the shared
// prompt, response schema and failure classification.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Known provider names, also the keys of stored credentials.
const (
	Anthropic = "anthropic"
	OpenAI    = "openai"
	Gemini    = "gemini"
)

// IssueContext describes the issue being resolved.
type IssueContext struct {
	Repository string `yaml:"repository"`
	Number     int    `yaml:"number"`
	Title      string `yaml:"title"`
	Body       string `yaml:"-"`
	URL        string `yaml:"url,omitempty"`
}

// File is a repository file handed to the provider as context.
type File struct {
	Path    string
	Content string
}

// RepoContext is the repository snapshot the patch is generated against.
type RepoContext struct {
	DefaultBranch string
	BaseSHA       string
	// Tree lists every tracked path.
	Tree []string
	// Files carries the contents of the files most likely to be relevant.
	Files []File
}

// FileChange replaces or removes a whole file.
type FileChange struct {
	Path    string `json:"path" jsonschema:"required,description=Repository-relative path of the file"`
	Content string `json:"content,omitempty" jsonschema:"description=Full new content of the file"`
	Delete  bool   `json:"delete,omitempty" jsonschema:"description=Remove the file instead of writing it"`
}

// Patch is a proposed change set.
type Patch struct {
	// Diff is a unified diff against the base commit.
	Diff string `json:"diff,omitempty" jsonschema:"description=Unified diff against the base commit"`
	// Files are whole-file changes, applied after Diff.
	Files []FileChange `json:"files,omitempty" jsonschema:"description=Whole-file changes applied after the diff"`

	Summary       string  `json:"summary" jsonschema:"required,description=One-line summary used as the pull request title"`
	Explanation   string  `json:"explanation,omitempty" jsonschema:"description=Why the change resolves the issue"`
	CommitMessage string  `json:"commit_message,omitempty" jsonschema:"description=Commit message for the change"`
	Confidence    float64 `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`

	// Provider and Model are filled in by the adapter, not the model.
	Provider string `json:"-"`
	Model    string `json:"-"`
	// BaseSHA is the commit the repository context was built from.
	BaseSHA string `json:"-"`
}

// Empty reports whether the patch changes nothing.
func (p *Patch) Empty() bool {
	return p == nil || (len(p.Files) == 0 && isBlank(p.Diff))
}

// Adapter generates patches with one provider.
type Adapter interface {
	// Name returns the provider name, matching the credential key.
	Name() string
	// GeneratePatch makes a single attempt. Adapters never retry on their
	// own; failures are returned as *Failure.
	GeneratePatch(ctx context.Context, apiKey string, issue IssueContext, repo RepoContext) (*Patch, error)
}

// Kind classifies a provider failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnauthorized
	KindRateLimited
	KindTimeout
	KindMalformedResponse
	KindNoChangeProduced
)

func (k Kind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindMalformedResponse:
		return "malformed_response"
	case KindNoChangeProduced:
		return "no_change_produced"
	default:
		return "unknown"
	}
}

// Failure is the error type returned by adapters.
type Failure struct {
	Kind     Kind
	Provider string
	Err      error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Provider, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Provider, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether the same provider may succeed on a later retry.
func (f *Failure) Transient() bool {
	return f.Kind == KindRateLimited || f.Kind == KindTimeout
}

// NewFailure constructs a Failure.
func NewFailure(provider string, kind Kind, err error) *Failure {
	return &Failure{Kind: kind, Provider: provider, Err: err}
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// KindForStatus maps an HTTP status returned by a provider API to a Kind.
func KindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthorized
	case http.StatusTooManyRequests, 529:
		return KindRateLimited
	case http.StatusRequestTimeout, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return KindTimeout
	}
	return KindMalformedResponse
}

// Classify turns an error from a provider SDK call into the error returned
// by an adapter. status is the HTTP status extracted from the SDK's error
// type, or 0 when none was available. Cancellation of ctx is passed through
// unclassified so callers can tell it apart from provider failures.
func Classify(ctx context.Context, provider string, err error, status int) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, context.Cause(ctx))
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return NewFailure(provider, KindTimeout, err)
	}
	if status > 0 {
		return NewFailure(provider, KindForStatus(status), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewFailure(provider, KindTimeout, err)
	}
	return NewFailure(provider, KindMalformedResponse, err)
}
