package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipledger_submissions_total",
		Help: "Submit calls by outcome",
	}, []string{"outcome"})

	creditsChargedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipledger_credits_charged_total",
		Help: "Credits debited for accepted jobs",
	})

	creditsRefundedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipledger_credits_refunded_total",
		Help: "Credits returned by job refunds",
	})

	jobTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipledger_job_transitions_total",
		Help: "Applied job status transitions",
	}, []string{"to"})

	pollProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipledger_poll_provider_errors_total",
		Help: "Provider failures swallowed by Poll",
	}, []string{"op"})

	migrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipledger_result_migrations_total",
		Help: "Result migrations by outcome",
	}, []string{"result"})

	providerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clipledger_provider_request_duration_seconds",
		Help:    "Provider call latency",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"op"})
)
