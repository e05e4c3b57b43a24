package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	confirmOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vote_confirm_outcomes_total",
		Help: "Confirmation attempts by terminal outcome tag.",
	}, []string{"outcome"})

	compensatingDeletes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vote_compensating_deletes_total",
		Help: "Unconfirmed records deleted on a failed confirmation step.",
	})

	integrityAppendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vote_integrity_append_failures_total",
		Help: "Best-effort integrity log appends that failed after a confirmed vote.",
	})

	ledgerCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vote_ledger_call_seconds",
		Help:    "Duration of distributed ledger calls.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(confirmOutcomes, compensatingDeletes, integrityAppendFailures, ledgerCallDuration)
}
