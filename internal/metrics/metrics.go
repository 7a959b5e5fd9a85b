package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels shared by the mining collectors.
const (
	OutcomeOK           = "ok"
	OutcomeConflict     = "conflict"
	OutcomeTransient    = "transient"
	OutcomeTimeout      = "timeout"
	OutcomeSkipped      = "skipped"
	OutcomeInsufficient = "insufficient"
	OutcomeNotFound     = "not_found"
	OutcomeUncredited   = "uncredited"
	OutcomeFailed       = "failed"
)

var (
	FlushTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_heartbeat_flush_total",
			Help: "Heartbeat checkpoint writes by outcome",
		},
		[]string{"outcome"},
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_claim_total",
			Help: "Claim attempts by outcome",
		},
		[]string{"outcome"},
	)
	ClaimedUnits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mining_claimed_units_total",
			Help: "Reward units moved from pending into total mined",
		},
	)
	ReconcileTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mining_reconcile_total",
			Help: "Owed claim credits processed by the reconciler",
		},
		[]string{"outcome"},
	)
	ActiveControllers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mining_active_controllers",
			Help: "Session controllers currently held in memory",
		},
	)
	FaultedControllers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mining_faulted_controllers",
			Help: "Session controllers that cannot reach the store",
		},
	)
	StreamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mining_stream_connections",
			Help: "Open websocket pending streams",
		},
	)
)

func init() {
	prometheus.MustRegister(FlushTotal)
	prometheus.MustRegister(ClaimTotal)
	prometheus.MustRegister(ClaimedUnits)
	prometheus.MustRegister(ReconcileTotal)
	prometheus.MustRegister(ActiveControllers)
	prometheus.MustRegister(FaultedControllers)
	prometheus.MustRegister(StreamConnections)
}
