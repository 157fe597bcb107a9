// Package metrics registers the dispatcher collectors on the prometheus
// default registry, the server exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values used with Submissions.
const (
	SubmissionAccepted     = "accepted"
	SubmissionDuplicate    = "duplicate"
	SubmissionInvalid      = "invalid"
	SubmissionUnauthorized = "unauthorized"
	SubmissionError        = "error"
)

var (
	// Submissions counts review submissions by outcome.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewd_submissions_total",
		Help: "Review submissions by outcome.",
	}, []string{"status"})

	// Assignments counts conversations handed to a reviewer.
	Assignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewd_assignments_total",
		Help: "Conversations handed to a reviewer.",
	})

	// Reviews counts finished reviews, scored or expired.
	Reviews = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewd_reviews_total",
		Help: "Finished reviews by outcome.",
	}, []string{"status"})

	// CallbackFailures counts scoring callbacks that exhausted their
	// retries.
	CallbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reviewd_callback_failures_total",
		Help: "Scoring callbacks that exhausted their retries.",
	})

	// Sessions mirrors the session counter kept in the store.
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewd_sessions",
		Help: "Reviewer sessions registered in the store.",
	})

	// QueueDepth mirrors the length of the review queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reviewd_queue_depth",
		Help: "Conversations sitting in the review queue.",
	})
)
