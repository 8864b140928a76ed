// Package metrics holds the Prometheus collectors shared across the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vanguard"

var (
	// GenerationRequestsTotal counts orchestrated generation requests by resolved tier and outcome.
	GenerationRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "generation",
		Name:      "requests_total",
		Help:      "Generation requests by resolved tier and outcome.",
	}, []string{"tier", "outcome"})

	// DispatchAttemptsTotal counts backend attempts by backend and classified outcome.
	DispatchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Backend attempts by backend name and outcome.",
	}, []string{"backend", "outcome"})

	// DispatchAttemptDuration tracks per-attempt backend latency.
	DispatchAttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "attempt_duration_seconds",
		Help:      "Backend attempt latency in seconds.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 45, 90},
	}, []string{"backend"})

	// DispatchExhaustedTotal counts requests where every backend failed.
	DispatchExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "exhausted_total",
		Help:      "Dispatches that exhausted every configured backend.",
	})

	// CooldownRejectionsTotal counts requests denied by the cooldown guard.
	CooldownRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cooldown",
		Name:      "rejections_total",
		Help:      "Requests rejected by the cooldown guard, by guard backend.",
	}, []string{"guard"})

	// CooldownFallbacksTotal counts Redis failures that fell back to the in-memory guard.
	CooldownFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cooldown",
		Name:      "fallbacks_total",
		Help:      "Cooldown checks served by the in-memory fallback after a Redis error.",
	})

	// EntitlementFallbacksTotal counts requests degraded to the base tier after a store error.
	EntitlementFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "store_fallbacks_total",
		Help:      "Requests served with the base policy because the entitlement store failed.",
	})

	// EntitlementChangesTotal counts tier mutations by source.
	EntitlementChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "entitlement",
		Name:      "changes_total",
		Help:      "Entitlement tier changes by source and new tier.",
	}, []string{"source", "tier"})

	// ReconcileTotal counts payment reconciliation outcomes.
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "reconcile_total",
		Help:      "Payment reconciliation outcomes.",
	}, []string{"outcome"})

	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// ArchiveWritesTotal counts archive saves by outcome.
	ArchiveWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "archive",
		Name:      "writes_total",
		Help:      "Archive save attempts by outcome.",
	}, []string{"outcome"})
)
