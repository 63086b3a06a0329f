// Package metrics holds the Prometheus collectors of modules and the manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry collects every modbridge metric.
var Registry = prometheus.NewRegistry()

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_dispatch_total",
			Help: "Number of dispatched command calls by implementation and command.",
		},
		[]string{"implementation", "command"},
	)
	DispatchRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_dispatch_rejected_total",
			Help: "Number of command calls whose arguments did not validate.",
		},
		[]string{"implementation", "command", "reason"},
	)
	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modbridge_dispatch_duration_seconds",
			Help:    "Time spent in the command handler.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"implementation", "command"},
	)

	ErrorEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_error_events_total",
			Help: "Number of error events published by state.",
		},
		[]string{"state"},
	)
	ErrorEventsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_error_events_rejected_total",
			Help: "Number of received error events not delivered to the module.",
		},
		[]string{"source", "reason"},
	)

	ManagerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_manager_requests_total",
			Help: "Number of manager requests by operation and outcome.",
		},
		[]string{"op", "result"},
	)
	ManagerModulesReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "modbridge_manager_modules_ready",
			Help: "Number of configured modules that signalled ready.",
		},
	)
	ManagerSchemaReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modbridge_manager_schema_reloads_total",
			Help: "Number of schema directory reloads by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		DispatchTotal,
		DispatchRejectedTotal,
		DispatchDuration,
		ErrorEventsTotal,
		ErrorEventsRejectedTotal,
		ManagerRequestsTotal,
		ManagerModulesReady,
		ManagerSchemaReloadsTotal,
	)
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
