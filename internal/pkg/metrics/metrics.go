package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every PayFox collector. A dedicated registry keeps test
// binaries free of duplicate-registration panics.
var Registry = prometheus.NewRegistry()

var (
	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "webhook_deliveries_total",
		Help:      "Inbound processor webhooks by event type and intake result.",
	}, []string{"event_type", "result"})

	WebhookProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "webhook_events_processed_total",
		Help:      "Webhook side-effect executions by event type and outcome.",
	}, []string{"event_type", "outcome"})

	SideEffectFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "side_effect_failures_total",
		Help:      "Failed background side effects by job type.",
	}, []string{"job_type"})

	DeadLetters = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "dead_letters_total",
		Help:      "Jobs moved to the dead-letter list after exhausting retries.",
	}, []string{"job_type"})

	SettlementActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "settlement_actions_total",
		Help:      "Settlement operations by name and result.",
	}, []string{"operation", "result"})

	IdempotentReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "idempotent_replays_total",
		Help:      "Calls answered from a recorded result instead of executing.",
	}, []string{"operation"})

	FetchRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "transaction_fetch_retries_total",
		Help:      "Retried processor transaction page requests.",
	})

	StaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payfox",
		Name:      "stale_subscription_events_total",
		Help:      "Subscription events discarded because a newer event was already applied.",
	})
)

func init() {
	Registry.MustRegister(
		WebhookDeliveries,
		WebhookProcessed,
		SideEffectFailures,
		DeadLetters,
		SettlementActions,
		IdempotentReplays,
		FetchRetries,
		StaleEvents,
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
