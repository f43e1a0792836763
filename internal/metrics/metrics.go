package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_rows_total",
			Help: "Outbox rows handled by the publisher, by result",
		},
		[]string{"result"}, // processed|failed
	)

	OutboxCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_outbox_cycle_seconds",
			Help:    "Duration of one outbox publisher cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	SinkPublishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sink_publish_total",
			Help: "Publish attempts per sink and result",
		},
		[]string{"sink", "result"}, // ok|error
	)

	InboxMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_inbox_messages_total",
			Help: "Messages seen by inbox guards, by consumer and outcome",
		},
		[]string{"consumer", "outcome"}, // processed|duplicate|conflict|rejected|failed
	)

	RetryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_resilience_retries_total",
			Help: "Failed attempts absorbed by a resilience pipeline",
		},
		[]string{"pipeline"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"pipeline", "to"},
	)

	SSEConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_sse_connections",
			Help: "Currently registered SSE connections",
		},
	)

	SSEDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sse_dropped_total",
			Help: "Frames dropped because a connection queue was full",
		},
	)

	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by subscription and result",
		},
		[]string{"subscription", "result"},
	)

	WebhookRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_inbound_rejected_total",
			Help: "Inbound webhook requests rejected by the verification gate",
		},
		[]string{"reason"},
	)
)

var registerOnce sync.Once

// MustRegister registers all collectors once; later calls are no-ops so both
// the HTTP server and workers can call it in the same process.
func MustRegister(r prometheus.Registerer) {
	registerOnce.Do(func() {
		r.MustRegister(
			OutboxRows,
			OutboxCycleDuration,
			SinkPublishes,
			InboxMessages,
			RetryAttempts,
			BreakerTransitions,
			SSEConnections,
			SSEDropped,
			WebhookDeliveries,
			WebhookRejected,
		)
	})
}
