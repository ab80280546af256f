package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfabridge_transaction_transitions_total",
			Help: "Total number of applied transaction status transitions",
		},
		[]string{"from", "to"},
	)

	StaleUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfabridge_stale_updates_total",
			Help: "Conditioned updates that lost to a concurrent change",
		},
		[]string{"operation"},
	)

	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfabridge_gateway_calls_total",
			Help: "Outbound gateway calls by result",
		},
		[]string{"gateway", "operation", "result"},
	)

	GatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cfabridge_gateway_call_duration_seconds",
			Help:    "Duration of outbound gateway calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 15},
		},
		[]string{"gateway", "operation"},
	)

	Callbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfabridge_callbacks_total",
			Help: "Gateway callbacks by outcome and how they were handled",
		},
		[]string{"gateway", "outcome", "result"},
	)

	Quotes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cfabridge_quotes_total",
			Help: "Quotes computed",
		},
		[]string{"direction"},
	)

	EventPublishErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cfabridge_event_publish_errors_total",
			Help: "Status change events that could not be published",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}
