package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferrum_nodes_total",
			Help: "Total number of nodes by provision state",
		},
		[]string{"provision_state"},
	)

	NodesInMaintenance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferrum_nodes_maintenance_total",
			Help: "Number of nodes in maintenance mode",
		},
	)

	ConductorsOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ferrum_conductors_online",
			Help: "Number of conductors with a fresh heartbeat",
		},
	)

	AllocationsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ferrum_allocations_total",
			Help: "Total number of allocations by state",
		},
		[]string{"state"},
	)

	// Locking metrics
	LockAcquiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrum_lock_acquires_total",
			Help: "Node lock acquisition attempts by outcome",
		},
		[]string{"outcome"},
	)

	LockHoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferrum_lock_hold_duration_seconds",
			Help:    "Time an exclusive node lock was held",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Power metrics
	PowerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrum_power_actions_total",
			Help: "Power actions by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	PowerActionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferrum_power_action_duration_seconds",
			Help:    "Power action duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Provisioning metrics
	ProvisionEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrum_provision_events_total",
			Help: "Provision state machine events processed",
		},
		[]string{"event"},
	)

	WaitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrum_wait_timeouts_total",
			Help: "Wait-state timeouts handled, by phase",
		},
		[]string{"phase"},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ferrum_periodic_sweep_duration_seconds",
			Help:    "Duration of one periodic timeout sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Image service metrics
	ImageDownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ferrum_image_downloads_total",
			Help: "Image downloads by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(NodesInMaintenance)
	prometheus.MustRegister(ConductorsOnline)
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(LockAcquiresTotal)
	prometheus.MustRegister(LockHoldDuration)
	prometheus.MustRegister(PowerActionsTotal)
	prometheus.MustRegister(PowerActionDuration)
	prometheus.MustRegister(ProvisionEventsTotal)
	prometheus.MustRegister(WaitTimeoutsTotal)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(ImageDownloadsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
