// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "runledger"

var (
	MutationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mutation_duration_seconds",
		Help:      "Time spent inside one locked account mutation, including lock wait.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	LockTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_timeouts_total",
		Help:      "Account lock acquisitions that timed out.",
	})

	Estimates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "estimates_total",
		Help:      "Pricing quotes by model and outcome.",
	}, []string{"model", "outcome"})

	Spends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "spends_total",
		Help:      "Spend attempts by outcome.",
	}, []string{"outcome"})

	CreditsSpent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "credits_spent_total",
		Help:      "Credits debited by spends, before corrections.",
	})

	Corrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "corrections_total",
		Help:      "Post-usage corrections by direction (refund, charge, none).",
	}, []string{"direction"})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_events_total",
		Help:      "Payment provider events by type and outcome.",
	}, []string{"type", "outcome"})

	RotatedAccounts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_accounts_total",
		Help:      "Accounts visited by the rotation passes, by pass and outcome.",
	}, []string{"pass", "outcome"})

	ThrottleTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "throttle_trips_total",
		Help:      "Accounts flipped into the throttled state.",
	})

	IntegrityDiscrepancies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_discrepancies_total",
		Help:      "Accounts whose balance disagrees with their transaction log.",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code.",
	}, []string{"route", "status"})
)
