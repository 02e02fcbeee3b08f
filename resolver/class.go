/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package resolver

import (
	"context"
	"errors"
	"fmt"
)

// Class is the orchestrator-level classification of a failed run.
type Class int

const (
	ClassNone Class = iota
	ClassCredentialUnavailable
	ClassProviderTransient
	ClassProviderTerminal
	ClassApplyTransient
	ClassApplyTerminal
	ClassPublishTransient
	ClassPublishTerminal
	ClassRetryExhausted
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassCredentialUnavailable:
		return "credential_unavailable"
	case ClassProviderTransient:
		return "provider_transient"
	case ClassProviderTerminal:
		return "provider_terminal"
	case ClassApplyTransient:
		return "apply_transient"
	case ClassApplyTerminal:
		return "apply_terminal"
	case ClassPublishTransient:
		return "publish_transient"
	case ClassPublishTerminal:
		return "publish_terminal"
	case ClassRetryExhausted:
		return "retry_exhausted"
	case ClassCancelled:
		return "cancelled"
	default:
		return "none"
	}
}

// Transient reports whether the run should be re-queued.
func (c Class) Transient() bool {
	switch c {
	case ClassProviderTransient, ClassApplyTransient, ClassPublishTransient:
		return true
	}
	return false
}

// stageError is an expected failure of one stage. Its message is what gets
// written to the attempt's error message.
type stageError struct {
	class   Class
	message string
	err     error
}

func (e *stageError) Error() string {
	return e.message
}

func (e *stageError) Unwrap() error {
	return e.err
}

func failure(class Class, err error, format string, args ...any) *stageError {
	return &stageError{class: class, message: fmt.Sprintf(format, args...), err: err}
}

// cancellation is the cause attached to a run's context by Cancel.
type cancellation struct {
	reason string
}

func (c *cancellation) Error() string {
	return "cancelled: " + c.reason
}

// interrupted inspects the run context after a stage failed. A cancellation
// requested through Cancel becomes a Cancelled stage error; any other
// cancellation of the parent context aborts the run unclassified.
func interrupted(ctx context.Context) error {
	cause := context.Cause(ctx)
	if cause == nil {
		return nil
	}
	var c *cancellation
	if errors.As(cause, &c) {
		return failure(ClassCancelled, c, "%s", c.Error())
	}
	return fmt.Errorf("run aborted: %w", cause)
}
