/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package publish

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/google/go-github/v84/github"
)

// cancelled returns the cause when ctx was cancelled rather than timed out.
func cancelled(ctx context.Context) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return context.Cause(ctx)
	}
	return nil
}

func classifyPush(ctx context.Context, err error) error {
	if cerr := cancelled(ctx); cerr != nil {
		return fmt.Errorf("pushing branch: %w", cerr)
	}
	err = fmt.Errorf("pushing branch: %w", err)

	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrInvalidAuthMethod):
		return &Failure{Kind: KindPermissionDenied, Err: err}
	}

	var herr *githttp.Err
	if errors.As(err, &herr) {
		return &Failure{Kind: kindForStatus(herr.StatusCode()), Err: err}
	}
	// Rejected ref updates (git.ErrForceNeeded), dropped connections and
	// timeouts are all worth another attempt.
	return &Failure{Kind: KindTransientNetwork, Err: err}
}

func classifyREST(ctx context.Context, err error) error {
	if cerr := cancelled(ctx); cerr != nil {
		return fmt.Errorf("creating pull request: %w", cerr)
	}
	err = fmt.Errorf("creating pull request: %w", err)

	var rle *github.RateLimitError
	var arle *github.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &arle) {
		return &Failure{Kind: KindTransientNetwork, Err: err}
	}

	var er *github.ErrorResponse
	if errors.As(err, &er) && er.Response != nil {
		return &Failure{Kind: kindForStatus(er.Response.StatusCode), Err: err}
	}

	// Anything without a status is a transport problem.
	return &Failure{Kind: KindTransientNetwork, Err: err}
}

// classifyGraphQL classifies lookup errors. The GraphQL client only exposes
// the status line in the error text.
func classifyGraphQL(ctx context.Context, err error) error {
	if cerr := cancelled(ctx); cerr != nil {
		return fmt.Errorf("looking up pull request: %w", cerr)
	}
	msg := err.Error()
	for _, code := range []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		if strings.Contains(msg, fmt.Sprintf("non-200 OK status code: %d ", code)) {
			return &Failure{Kind: KindPermissionDenied, Err: err}
		}
	}
	if strings.Contains(msg, "Could not resolve to a Repository") {
		return &Failure{Kind: KindPermissionDenied, Err: err}
	}
	return &Failure{Kind: KindTransientNetwork, Err: err}
}

func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusNotFound:
		return KindPermissionDenied
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransientNetwork
	}
	return KindRejected
}

// alreadyExists reports whether err is GitHub's 422 for a head branch that
// already has an open pull request.
func alreadyExists(err error) bool {
	var er *github.ErrorResponse
	if !errors.As(err, &er) || er.Response == nil || er.Response.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	if strings.Contains(strings.ToLower(er.Message), "already exists") {
		return true
	}
	for _, e := range er.Errors {
		if strings.Contains(strings.ToLower(e.Message), "a pull request already exists") {
			return true
		}
	}
	return false
}
