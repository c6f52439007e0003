// Package metrics holds the Prometheus collectors for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "family_events"

// Registry is the registry every collector in this package is registered with.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

var (
	// Transitions counts applied event status transitions.
	Transitions = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transitions_total",
		Help:      "Event status transitions applied.",
	}, []string{"from", "to"})

	// ApprovalsResolved counts pending approvals by resolution.
	ApprovalsResolved = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_resolved_total",
		Help:      "Pending approvals resolved, by resolution.",
	}, []string{"resolution"})

	// RepliesClassified counts inbound replies by classified intent.
	RepliesClassified = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replies_classified_total",
		Help:      "Inbound replies by classified intent.",
	}, []string{"intent"})

	// MessagesSent counts outbound messages by channel and result.
	MessagesSent = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_sent_total",
		Help:      "Outbound messages by channel and result.",
	}, []string{"channel", "result"})

	// RegistrationAttempts counts adapter invocations by outcome.
	RegistrationAttempts = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "registration_attempts_total",
		Help:      "Registration attempts by adapter and outcome.",
	}, []string{"adapter", "outcome"})

	// RegistrationDuration observes how long a single attempt takes.
	RegistrationDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "registration_attempt_duration_seconds",
		Help:      "Duration of a single registration attempt.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"adapter"})

	// GuardTrips counts payment guard blocks.
	GuardTrips = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_guard_trips_total",
		Help:      "Registration pages blocked by the payment guard.",
	})

	// CalendarFailures counts calendar account query failures.
	CalendarFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calendar_account_failures_total",
		Help:      "Calendar account queries that failed or timed out.",
	}, []string{"account"})

	// EventsDiscovered counts discovered events by source and whether they were new.
	EventsDiscovered = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_discovered_total",
		Help:      "Events received from discovery, by source.",
	}, []string{"source", "new"})

	// HTTPRequests counts API requests by route template and status code.
	HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPPanics counts handler panics caught by the recovery middleware.
	HTTPPanics = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_panics_total",
		Help:      "Handler panics recovered by the API.",
	})

	// PendingApprovals reports the number of approvals awaiting a reply.
	PendingApprovals = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_approvals",
		Help:      "Approvals awaiting a human reply.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
