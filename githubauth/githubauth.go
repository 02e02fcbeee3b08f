/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package githubauth produces GitHub credentials for cloning, pushing and
// API calls, either from a static token or a GitHub App installation.
package githubauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// Auth hands out token sources and API clients. One installation or token
// covers every watched repository.
type Auth struct {
	ts      oauth2.TokenSource
	baseURL string
}

// Option configures an Auth.
type Option func(*options) error

type options struct {
	baseURL   string
	transport http.RoundTripper
}

// WithBaseURL targets a GitHub Enterprise API, e.g.
// https://ghe.example.com/api/v3/.
func WithBaseURL(u string) Option {
	return func(o *options) error {
		if u == "" {
			return errors.New("base url cannot be empty")
		}
		o.baseURL = u
		return nil
	}
}

// WithTransport sets the transport used to mint installation tokens.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) error {
		if rt == nil {
			return errors.New("transport cannot be nil")
		}
		o.transport = rt
		return nil
	}
}

func apply(opts []Option) (*options, error) {
	o := &options{transport: http.DefaultTransport}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}
	return o, nil
}

// NewStatic authenticates with a personal access or fine-grained token.
func NewStatic(token string, opts ...Option) (*Auth, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("token cannot be empty")
	}
	o, err := apply(opts)
	if err != nil {
		return nil, err
	}
	return &Auth{
		ts:      oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}),
		baseURL: o.baseURL,
	}, nil
}

// NewApp authenticates as a GitHub App installation. Installation tokens
// are cached until shortly before they expire.
func NewApp(appID, installationID int64, privateKey []byte, opts ...Option) (*Auth, error) {
	if appID <= 0 || installationID <= 0 {
		return nil, errors.New("app id and installation id must be positive")
	}
	o, err := apply(opts)
	if err != nil {
		return nil, err
	}
	tr, err := ghinstallation.New(o.transport, appID, installationID, privateKey)
	if err != nil {
		return nil, fmt.Errorf("creating installation transport: %w", err)
	}
	if o.baseURL != "" {
		tr.BaseURL = strings.TrimSuffix(o.baseURL, "/")
	}
	return &Auth{
		ts:      oauth2.ReuseTokenSource(nil, &installationTokenSource{tr: tr}),
		baseURL: o.baseURL,
	}, nil
}

// TokenSource returns the token source for owner/repo.
func (a *Auth) TokenSource(context.Context, string, string) (oauth2.TokenSource, error) {
	return a.ts, nil
}

// Client returns a GitHub API client for owner/repo.
func (a *Auth) Client(ctx context.Context, _, _ string) (*github.Client, error) {
	gh := github.NewClient(oauth2.NewClient(ctx, a.ts))
	if a.baseURL == "" {
		return gh, nil
	}
	gh, err := gh.WithEnterpriseURLs(a.baseURL, a.baseURL)
	if err != nil {
		return nil, fmt.Errorf("configuring enterprise urls: %w", err)
	}
	return gh, nil
}

type installationTokenSource struct {
	tr *ghinstallation.Transport
}

func (s *installationTokenSource) Token() (*oauth2.Token, error) {
	token, err := s.tr.Token(context.Background())
	if err != nil {
		return nil, fmt.Errorf("minting installation token: %w", err)
	}
	tok := &oauth2.Token{AccessToken: token}
	if expiresAt, _, err := s.tr.Expiry(); err == nil {
		tok.Expiry = expiresAt
	}
	return tok, nil
}
