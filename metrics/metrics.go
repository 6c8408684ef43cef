package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PacketsForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_packets_forwarded_total",
		Help: "Data-plane packets forwarded by the broker, by destination.",
	}, []string{"destination"})
	SubscriptionsSeen = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermes_subscriptions_seen_total",
		Help: "Subscription-interest frames propagated upstream.",
	})
	LateSamples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_late_samples_dropped_total",
		Help: "Samples dropped because their snapshot was already emitted.",
	}, []string{"device"})
	SnapshotsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermes_snapshots_emitted_total",
		Help: "Aligned snapshots emitted by the buffer.",
	})
	NullSlots = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_snapshot_null_slots_total",
		Help: "Snapshot slots emitted empty because a device was silent.",
	}, []string{"device"})
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermes_broker_state_transitions_total",
		Help: "Broker lifecycle state transitions.",
	}, []string{"state"})
)

// Serve exposes the prometheus endpoint. Returns immediately; the listener
// lives for the rest of the process.
func Serve(port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
