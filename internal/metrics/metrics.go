// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "montana"

var (
	// Attempts counts completed orchestrated calls by outcome ("success" or an error kind).
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_attempts_total",
		Help:      "Orchestrated completion calls by outcome.",
	}, []string{"outcome"})

	// Rejections counts sends refused before any network call.
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chat_rejections_total",
		Help:      "Sends rejected by the usage gate or the in-flight guard.",
	}, []string{"reason"})

	// Unlocks counts unlock attempts by result.
	Unlocks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "gate_unlocks_total",
		Help:      "Gate unlock attempts by result.",
	}, []string{"result"})

	// InFlight is the number of completion calls currently outstanding.
	InFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "chat_in_flight",
		Help:      "Completion calls currently in flight.",
	})

	// RelayRequests counts proxied requests by mode and HTTP status.
	RelayRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relay_requests_total",
		Help:      "Relay requests by mode (buffered or stream) and status code.",
	}, []string{"mode", "status"})

	// StreamDeltas counts text deltas reassembled from event streams.
	StreamDeltas = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_deltas_total",
		Help:      "Text deltas read from event-stream responses.",
	})

	// StreamRecordsSkipped counts malformed event-stream records that were dropped.
	StreamRecordsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_records_skipped_total",
		Help:      "Malformed event-stream records skipped during aggregation.",
	})
)

func init() {
	prometheus.MustRegister(Attempts, Rejections, Unlocks, InFlight, RelayRequests, StreamDeltas, StreamRecordsSkipped)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
