/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package publish pushes a patch branch and opens the pull request for it.
package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v84/github"
	"github.com/shurcooL/githubv4"
)

// Kind classifies a publish failure.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransientNetwork
	KindPermissionDenied
	// KindDuplicatePRExists is never returned as an error: the existing pull
	// request is returned instead with PullRequest.Existing set.
	KindDuplicatePRExists
	// KindRejected covers validation failures such as a branch with no
	// commits against its base.
	KindRejected
)

func (k Kind) String() string {
	switch k {
	case KindTransientNetwork:
		return "transient_network"
	case KindPermissionDenied:
		return "permission_denied"
	case KindDuplicatePRExists:
		return "duplicate_pr_exists"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Failure is returned by Publish for expected failure modes.
type Failure struct {
	Kind Kind
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("publish %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Transient reports whether retrying the publish may succeed.
func (f *Failure) Transient() bool {
	return f.Kind == KindTransientNetwork
}

// AsFailure extracts a *Failure from err.
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// Pusher pushes a local branch to origin.
type Pusher interface {
	Push(ctx context.Context) error
}

// Request describes the pull request to open.
type Request struct {
	Owner string
	Repo  string
	// Head is the branch carrying the change and Base the branch it targets.
	Head   string
	Base   string
	Branch Pusher

	IssueNumber int
	IssueTitle  string
	AttemptID   string

	Summary     string
	Explanation string
	Provider    string
	Model       string
	Confidence  float64
}

func (r *Request) validate() error {
	switch {
	case r.Owner == "" || r.Repo == "":
		return errors.New("repository owner and name are required")
	case r.Head == "" || r.Base == "":
		return errors.New("head and base branches are required")
	case r.Branch == nil:
		return errors.New("branch cannot be nil")
	case r.IssueNumber <= 0:
		return fmt.Errorf("issue number must be positive, got %d", r.IssueNumber)
	}
	return nil
}

// PullRequest is a published pull request.
type PullRequest struct {
	Number int
	URL    string
	// Existing is set when an open pull request for the head branch was
	// found instead of created.
	Existing bool
}

// ClientFor returns an authenticated GitHub client for owner/repo.
type ClientFor func(ctx context.Context, owner, repo string) (*github.Client, error)

var (
	defaultTitle = template.Must(template.New("title").Parse(
		`{{if .Summary}}{{.Summary}}{{else}}Fix #{{.IssueNumber}}: {{.IssueTitle}}{{end}}`))

	defaultBody = template.Must(template.New("body").Parse(`Fixes #{{.IssueNumber}}
{{with .Explanation}}
{{.}}
{{end}}
---
Proposed by issuefix{{with .Provider}} using {{.}}{{end}}{{with .Model}} ({{.}}){{end}}{{if .Confidence}} with confidence {{printf "%.2f" .Confidence}}{{end}}.{{with .AttemptID}} Attempt ` + "`{{.}}`" + `.{{end}}
`))
)

// Publisher opens pull requests.
type Publisher struct {
	clientFor     ClientFor
	titleTemplate *template.Template
	bodyTemplate  *template.Template
	draft         bool
}

// Option configures a Publisher.
type Option func(*Publisher) error

// WithTitleTemplate overrides the pull request title template. It executes
// against the Request.
func WithTitleTemplate(t *template.Template) Option {
	return func(p *Publisher) error {
		if t == nil {
			return errors.New("title template cannot be nil")
		}
		p.titleTemplate = t
		return nil
	}
}

// WithBodyTemplate overrides the pull request body template. It executes
// against the Request.
func WithBodyTemplate(t *template.Template) Option {
	return func(p *Publisher) error {
		if t == nil {
			return errors.New("body template cannot be nil")
		}
		p.bodyTemplate = t
		return nil
	}
}

// WithDraft opens pull requests as drafts.
func WithDraft(draft bool) Option {
	return func(p *Publisher) error {
		p.draft = draft
		return nil
	}
}

// New constructs a Publisher.
func New(clientFor ClientFor, opts ...Option) (*Publisher, error) {
	if clientFor == nil {
		return nil, errors.New("client factory cannot be nil")
	}
	p := &Publisher{
		clientFor:     clientFor,
		titleTemplate: defaultTitle,
		bodyTemplate:  defaultBody,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return p, nil
}

// Publish pushes the head branch and returns the open pull request for it,
// creating one when none exists.
func (p *Publisher) Publish(ctx context.Context, req Request) (*PullRequest, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	log := clog.FromContext(ctx).With("head", req.Head).With("base", req.Base)

	gh, err := p.clientFor(ctx, req.Owner, req.Repo)
	if err != nil {
		return nil, &Failure{Kind: KindPermissionDenied, Err: fmt.Errorf("creating client: %w", err)}
	}

	if err := req.Branch.Push(ctx); err != nil {
		return nil, classifyPush(ctx, err)
	}

	gql := githubv4.NewEnterpriseClient(graphqlURL(gh), gh.Client())
	if pr, err := findOpen(ctx, gql, req); err != nil {
		return nil, classifyGraphQL(ctx, err)
	} else if pr != nil {
		log.Infof("Found existing PR #%d: %s", pr.Number, pr.URL)
		return pr, nil
	}

	title, err := render(p.titleTemplate, req)
	if err != nil {
		return nil, err
	}
	body, err := render(p.bodyTemplate, req)
	if err != nil {
		return nil, err
	}

	log.Infof("Creating new PR with head %s and base %s", req.Head, req.Base)
	created, _, err := gh.PullRequests.Create(ctx, req.Owner, req.Repo, &github.NewPullRequest{
		Title: github.Ptr(strings.TrimSpace(title)),
		Body:  github.Ptr(body),
		Head:  github.Ptr(req.Head),
		Base:  github.Ptr(req.Base),
		Draft: github.Ptr(p.draft),
	})
	if err != nil {
		if !alreadyExists(err) {
			return nil, classifyREST(ctx, err)
		}
		// Another attempt opened it between the lookup and the create.
		pr, ferr := findOpen(ctx, gql, req)
		switch {
		case ferr != nil:
			return nil, classifyGraphQL(ctx, ferr)
		case pr == nil:
			return nil, &Failure{Kind: KindTransientNetwork, Err: fmt.Errorf("pull request reported as existing but not found: %w", err)}
		}
		log.Infof("Resolved existing PR #%d after create race", pr.Number)
		return pr, nil
	}

	log.Infof("Created PR #%d: %s", created.GetNumber(), created.GetHTMLURL())
	return &PullRequest{Number: created.GetNumber(), URL: created.GetHTMLURL()}, nil
}

func findOpen(ctx context.Context, gql *githubv4.Client, req Request) (*PullRequest, error) {
	var query struct {
		Repository struct {
			PullRequests struct {
				Nodes []struct {
					Number int
					Url    string
				}
			} `graphql:"pullRequests(headRefName: $headRef, baseRefName: $baseRef, states: [OPEN], first: 1)"`
		} `graphql:"repository(owner: $owner, name: $repo)"`
	}
	variables := map[string]any{
		"owner":   githubv4.String(req.Owner),
		"repo":    githubv4.String(req.Repo),
		"headRef": githubv4.String(req.Head),
		"baseRef": githubv4.String(req.Base),
	}
	if err := gql.Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("querying pull request: %w", err)
	}
	if len(query.Repository.PullRequests.Nodes) == 0 {
		return nil, nil
	}
	n := query.Repository.PullRequests.Nodes[0]
	return &PullRequest{Number: n.Number, URL: n.Url, Existing: true}, nil
}

func render(t *template.Template, req Request) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("executing %s template: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// graphqlURL derives the GraphQL endpoint from the REST base URL:
// https://api.github.com/ and https://ghe.example.com/api/v3/ map to
// .../graphql and .../api/graphql.
func graphqlURL(gh *github.Client) string {
	base := strings.TrimSuffix(gh.BaseURL.String(), "/")
	base = strings.TrimSuffix(base, "/v3")
	return base + "/graphql"
}
