package manager

import "github.com/prometheus/client_golang/prometheus"

// Reclamation reasons.
const (
	reasonStale  = "stale"
	reasonMaxAge = "max_age"
)

var (
	activeContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_contexts_active",
			Help: "Number of contexts currently tracked by the manager.",
		},
	)

	contextsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_contexts_created_total",
			Help: "Total context creation attempts by backend type and result.",
		},
		[]string{"type", "result"},
	)

	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_executions_total",
			Help: "Total executions by kind and outcome status.",
		},
		[]string{"kind", "status"},
	)

	reclaimPassesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "sandboxd_reclaim_passes_total",
			Help: "Total reclamation passes run.",
		},
	)

	contextsReclaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_contexts_reclaimed_total",
			Help: "Total contexts deleted by reclamation, by reason.",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(activeContexts)
	prometheus.MustRegister(contextsCreatedTotal)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(reclaimPassesTotal)
	prometheus.MustRegister(contextsReclaimedTotal)

	for _, reason := range []string{reasonStale, reasonMaxAge} {
		contextsReclaimedTotal.WithLabelValues(reason)
	}
}
