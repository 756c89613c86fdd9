// Package metrics provides Prometheus instrumentation for the formguard
// gateway. It exposes counters for validation verdicts and webhook delivery
// outcomes, and a histogram for validation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ValidationsTotal counts validation verdicts, labeled by result:
	// "accept" or "reject".
	ValidationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formguard_validations_total",
		Help: "Total number of validation verdicts",
	}, []string{"result"})

	// RejectsTotal counts rejects by reason code.
	RejectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formguard_rejects_total",
		Help: "Total number of rejected submissions by reason",
	}, []string{"reason"})

	// SessionsIssued counts one-time session ids handed out at page render.
	SessionsIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formguard_sessions_issued_total",
		Help: "Total number of session ids issued",
	})

	// ValidationDuration records end-to-end pipeline latency in seconds.
	ValidationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "formguard_validation_duration_seconds",
		Help:    "Validation pipeline latency in seconds",
		Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
	})

	// WebhookDeliveries counts webhook dispatch outcomes, labeled
	// "delivered", "failed", or "dropped" (queue full).
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "formguard_webhook_deliveries_total",
		Help: "Total number of abuse webhook dispatch outcomes",
	}, []string{"outcome"})

	// AbuseEventsPublished counts abuse events published to the message bus.
	AbuseEventsPublished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "formguard_abuse_events_published_total",
		Help: "Total number of abuse events published to NATS",
	})
)

func init() {
	prometheus.MustRegister(
		ValidationsTotal,
		RejectsTotal,
		SessionsIssued,
		ValidationDuration,
		WebhookDeliveries,
		AbuseEventsPublished,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
