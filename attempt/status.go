/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package attempt

import "fmt"

// Status is the lifecycle state of a resolution attempt.
type Status int

const (
	// StatusUnknown is the zero value and is never persisted.
	StatusUnknown Status = iota
	StatusQueued
	StatusInProgress
	StatusSucceeded
	StatusFailed
)

var statusNames = map[Status]string{
	StatusQueued:     "queued",
	StatusInProgress: "in_progress",
	StatusSucceeded:  "succeeded",
	StatusFailed:     "failed",
}

// ParseStatus converts the persisted string form into a Status. Values
// outside the known vocabulary are rejected.
func ParseStatus(s string) (Status, error) {
	for st, name := range statusNames {
		if name == s {
			return st, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unrecognized attempt status %q", s)
}

// String returns the persisted form of the status.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	if _, ok := statusNames[s]; !ok {
		return nil, fmt.Errorf("cannot marshal attempt status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Terminal reports whether no further transitions may occur.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Active reports whether the status holds the per-issue exclusivity slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusInProgress
}

// transitions lists the allowed edges of the state machine. The
// in_progress -> queued edge is the retry re-queue and is additionally
// bounded by the retry ceiling in Tracker.
var transitions = map[Status][]Status{
	StatusQueued:     {StatusInProgress, StatusFailed},
	StatusInProgress: {StatusQueued, StatusSucceeded, StatusFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
