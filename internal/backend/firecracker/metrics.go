package firecracker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for guest operation results.
const (
	resultOK      = "ok"
	resultFailed  = "failed"
	resultTimeout = "timeout"
)

var (
	vmBootDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_firecracker_vm_boot_seconds",
			Help:    "Duration from VM start to guest agent ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	activeVMs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sandboxd_firecracker_active_vms",
			Help: "Number of currently running Firecracker microVMs.",
		},
	)

	guestOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandboxd_firecracker_guest_op_seconds",
			Help:    "Duration of guest agent operations over vsock, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	guestOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandboxd_firecracker_guest_ops_total",
			Help: "Total guest agent operations by op and result.",
		},
		[]string{"op", "result"},
	)

	vmCleanupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sandboxd_firecracker_vm_cleanup_seconds",
			Help:    "Duration of VM stop and network teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(guestOpDuration)
	prometheus.MustRegister(guestOpsTotal)
	prometheus.MustRegister(vmCleanupDuration)

	// Pre-initialize label combinations so they appear in /metrics at zero.
	for _, op := range []string{OpPing, OpExec, OpRead, OpWrite, OpRemove} {
		for _, res := range []string{resultOK, resultFailed, resultTimeout} {
			guestOpsTotal.WithLabelValues(op, res)
		}
	}
}
