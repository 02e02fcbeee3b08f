/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package metrics holds the Prometheus collectors and OpenTelemetry
// instruments reported by the resolution pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuefix_attempt_outcomes_total",
			Help: "Resolution attempts that reached a terminal status",
		},
		[]string{"status", "class"},
	)

	attemptRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuefix_attempt_retries_total",
			Help: "Re-queues of resolution attempts by failure class",
		},
		[]string{"class"},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "issuefix_stage_duration_seconds",
			Help:    "Duration of each pipeline stage",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "result"},
	)

	providerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuefix_provider_failures_total",
			Help: "Provider calls that failed, by provider and failure kind",
		},
		[]string{"provider", "kind"},
	)

	credentialInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuefix_credential_invalidations_total",
			Help: "Stored provider credentials flagged invalid after rejection",
		},
		[]string{"provider"},
	)

	eventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "issuefix_events_total",
			Help: "Issue events taken off the queue, by disposition",
		},
		[]string{"disposition"},
	)
)

// Stage names used as the stage label.
const (
	StageCredential = "credential"
	StageGenerate   = "generate"
	StageApply      = "apply"
	StagePublish    = "publish"
)

// RecordOutcome counts an attempt reaching a terminal status. class is the
// failure class, or empty on success.
func RecordOutcome(status, class string) {
	if class == "" {
		class = "none"
	}
	attemptOutcomes.With(prometheus.Labels{"status": status, "class": class}).Inc()
}

// RecordRetry counts a re-queue.
func RecordRetry(class string) {
	attemptRetries.With(prometheus.Labels{"class": class}).Inc()
}

// ObserveStage records how long a stage took. err decides the result label.
func ObserveStage(stage string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	stageDuration.With(prometheus.Labels{"stage": stage, "result": result}).Observe(time.Since(start).Seconds())
}

// RecordProviderFailure counts a failed provider call.
func RecordProviderFailure(provider, kind string) {
	providerFailures.With(prometheus.Labels{"provider": provider, "kind": kind}).Inc()
}

// RecordCredentialInvalidation counts a credential flagged invalid.
func RecordCredentialInvalidation(provider string) {
	credentialInvalidations.With(prometheus.Labels{"provider": provider}).Inc()
}

// RecordEvent counts an event taken off the queue.
func RecordEvent(disposition string) {
	eventsReceived.With(prometheus.Labels{"disposition": disposition}).Inc()
}
