package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	busPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "bus",
			Name:      "messages_published_total",
			Help:      "Messages published to the bus.",
		},
		[]string{"topic"},
	)
	busDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "bus",
			Name:      "messages_delivered_total",
			Help:      "Messages handed to a subscriber.",
		},
		[]string{"topic"},
	)
	busDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "bus",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before reaching a handler.",
		},
		[]string{"topic", "reason"},
	)
	fundingPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "escrow",
			Name:      "funding_polls_total",
			Help:      "Escrow funding poll attempts by outcome.",
		},
		[]string{"outcome"},
	)
	escrowRPCs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "escrow",
			Name:      "ledger_rpc_total",
			Help:      "Escrow ledger RPC calls.",
		},
		[]string{"op", "success"},
	)
	verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "verify",
			Name:      "verifications_total",
			Help:      "Verification verdicts issued.",
		},
		[]string{"verdict"},
	)
	jobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "registry",
			Name:      "job_transitions_total",
			Help:      "Job state transitions applied by the registry.",
		},
		[]string{"to"},
	)
	reputationUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "jobmesh",
			Subsystem: "reputation",
			Name:      "updates_total",
			Help:      "Reputation update applications, including redelivery dedups.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			busPublished, busDelivered, busDropped,
			fundingPolls, escrowRPCs,
			verifications, jobTransitions, reputationUpdates,
		)
	})
}

func RecordBusPublish(topic string) {
	RegisterMetrics()
	busPublished.WithLabelValues(topic).Inc()
}

func RecordBusDeliver(topic string) {
	RegisterMetrics()
	busDelivered.WithLabelValues(topic).Inc()
}

func RecordBusDrop(topic, reason string) {
	RegisterMetrics()
	busDropped.WithLabelValues(topic, reason).Inc()
}

func RecordFundingPoll(outcome string) {
	RegisterMetrics()
	fundingPolls.WithLabelValues(outcome).Inc()
}

func RecordEscrowRPC(op string, success bool) {
	RegisterMetrics()
	escrowRPCs.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

func RecordVerification(passed bool) {
	RegisterMetrics()
	verdict := "failed"
	if passed {
		verdict = "passed"
	}
	verifications.WithLabelValues(verdict).Inc()
}

func RecordJobTransition(to string) {
	RegisterMetrics()
	jobTransitions.WithLabelValues(to).Inc()
}

func RecordReputationUpdate(applied bool) {
	RegisterMetrics()
	result := "duplicate"
	if applied {
		result = "applied"
	}
	reputationUpdates.WithLabelValues(result).Inc()
}
