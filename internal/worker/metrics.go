package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	fetchCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_fetch_cycles_total",
			Help: "Total number of fetch-and-lock cycles by result.",
		},
		[]string{"result"},
	)

	leasesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_leases_fetched_total",
			Help: "Total number of tasks locked by this worker.",
		},
		[]string{"topic"},
	)

	leaseOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_lease_outcomes_total",
			Help: "Total number of leases reaching a terminal status.",
		},
		[]string{"topic", "status"},
	)

	handlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_handler_duration_seconds",
			Help:    "Handler execution time in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)

	handlersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "forge_handlers_in_flight",
			Help: "Number of handler invocations currently running.",
		},
	)

	reportErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_report_errors_total",
			Help: "Total number of failed report calls to the engine.",
		},
		[]string{"call"},
	)
)

func init() {
	prometheus.MustRegister(fetchCyclesTotal)
	prometheus.MustRegister(leasesFetchedTotal)
	prometheus.MustRegister(leaseOutcomesTotal)
	prometheus.MustRegister(handlerDuration)
	prometheus.MustRegister(handlersInFlight)
	prometheus.MustRegister(reportErrorsTotal)
}
