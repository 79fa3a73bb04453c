package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_health_checks_total",
			Help: "Health checks performed, by outcome",
		},
		[]string{"outcome"},
	)

	probeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "registry_probe_latency_milliseconds",
			Help:    "Latency of successful probes through proxies",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	proxiesCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_proxies_created_total",
			Help: "Proxies registered",
		},
	)

	proxiesDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_proxies_deleted_total",
			Help: "Proxies removed",
		},
	)

	assignmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_assignments_total",
			Help: "Profile assignments, by mode (direct or auto)",
		},
		[]string{"mode"},
	)

	unassignmentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_unassignments_total",
			Help: "Profile unassignments",
		},
	)

	degradedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "registry_proxies_degraded_total",
			Help: "Transitions into the error status",
		},
	)
)

func RecordHealthCheck(success bool, latencyMS float64) {
	outcome := "failure"
	if success {
		outcome = "success"
		probeLatency.Observe(latencyMS)
	}
	healthChecksTotal.WithLabelValues(outcome).Inc()
}

func RecordProxyCreated() {
	proxiesCreatedTotal.Inc()
}

func RecordProxyDeleted() {
	proxiesDeletedTotal.Inc()
}

func RecordAssignment(auto bool) {
	mode := "direct"
	if auto {
		mode = "auto"
	}
	assignmentsTotal.WithLabelValues(mode).Inc()
}

func RecordUnassignment() {
	unassignmentsTotal.Inc()
}

func RecordDegradation() {
	degradedTotal.Inc()
}
