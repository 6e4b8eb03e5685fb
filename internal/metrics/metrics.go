// Package metrics exposes the facilitator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerifyTotal counts verification attempts by namespace and outcome
	// (valid, invalid, error).
	VerifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "verify_total",
		Help:      "Payment verification attempts by namespace and outcome.",
	}, []string{"namespace", "outcome"})

	// SettleTotal counts settlement attempts by namespace and outcome
	// (success, failure, error).
	SettleTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "settle_total",
		Help:      "Payment settlement attempts by namespace and outcome.",
	}, []string{"namespace", "outcome"})

	// ReplayConflicts counts rejected duplicate transaction hashes.
	ReplayConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "replay_conflicts_total",
		Help:      "Payments rejected because their transaction hash was already used.",
	})

	// VerifyDuration observes verification latency.
	VerifyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "verify_duration_seconds",
		Help:      "Payment verification latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"namespace"})

	// SettleDuration observes settlement latency.
	SettleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "settle_duration_seconds",
		Help:      "Payment settlement latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"namespace"})

	// BackupTotal counts ledger backup runs by outcome.
	BackupTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "h402",
		Subsystem: "facilitator",
		Name:      "backup_total",
		Help:      "Ledger backup runs by outcome.",
	}, []string{"outcome"})
)
