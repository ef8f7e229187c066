// Package obs implements Prometheus instrumentation for the tester itself.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts completed requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strest_requests_total",
			Help: "Total number of completed requests",
		},
		[]string{"outcome"},
	)

	// InFlightOps tracks requests currently in flight.
	InFlightOps = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strest_in_flight_ops",
			Help: "Number of requests currently in flight",
		},
	)

	// SinkQueueDepth tracks the queued metric count per log shard.
	SinkQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "strest_log_sink_queue_depth",
			Help: "Queued metrics per log shard",
		},
		[]string{"shard"},
	)

	// AggregatorDropsTotal counts metrics dropped on the lossy aggregator
	// channel. The shard log remains authoritative for the summary.
	AggregatorDropsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "strest_aggregator_drops_total",
			Help: "Metrics dropped on the aggregator ingress channel",
		},
	)

	// RunRPS tracks the trailing-second request rate, refreshed on sink
	// ticks.
	RunRPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strest_run_rps",
			Help: "Requests per second over the trailing second",
		},
	)

	// AgentsConnected tracks agents currently registered on the controller.
	AgentsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "strest_controller_agents_connected",
			Help: "Agents currently connected to the controller",
		},
	)
)

// Outcome label values for RequestsTotal.
const (
	OutcomeSuccess        = "success"
	OutcomeTimeout        = "timeout"
	OutcomeTransportError = "transport_error"
	OutcomeBadStatus      = "non_expected_status"
)
