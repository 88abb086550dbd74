package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	filesDiscovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "famsupply",
		Name:      "files_discovered_total",
		Help:      "Files found by discovery and placed on the work queue.",
	}, []string{"supplier"})

	filesDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "famsupply",
		Name:      "files_delivered_total",
		Help:      "Files handed to the FAM target.",
	}, []string{"supplier"})

	filesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "famsupply",
		Name:      "files_dropped_total",
		Help:      "Files skipped after a fetch failure.",
	}, []string{"supplier", "reason"})

	discoveryFaults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "famsupply",
		Name:      "discovery_faults_total",
		Help:      "Transient faults observed while polling a source.",
	}, []string{"supplier"})

	sessionsActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "famsupply",
		Name:      "sessions_active",
		Help:      "Running supply sessions (1 while a supplier is started).",
	}, []string{"supplier"})

	sessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "famsupply",
		Name:      "sessions_ended_total",
		Help:      "Supply sessions ended, by outcome.",
	}, []string{"supplier", "outcome"})

	deliveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "famsupply",
		Name:      "delivery_duration_seconds",
		Help:      "Time spent fetching and handing a file to the target.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	}, []string{"supplier"})
)

func registerSupplierCollectors(reg prometheus.Registerer) {
	reg.MustRegister(filesDiscovered, filesDelivered, filesDropped, discoveryFaults,
		sessionsActive, sessionsEnded, deliveryLatency)
}

// FileDiscovered counts a file placed on the work queue.
func FileDiscovered(supplier string) {
	filesDiscovered.WithLabelValues(supplier).Inc()
}

// FileDelivered counts a file handed to the target.
func FileDelivered(supplier string, duration time.Duration) {
	filesDelivered.WithLabelValues(supplier).Inc()
	deliveryLatency.WithLabelValues(supplier).Observe(duration.Seconds())
}

// FileDropped counts a file abandoned after a fetch failure.
func FileDropped(supplier, reason string) {
	filesDropped.WithLabelValues(supplier, reason).Inc()
}

// DiscoveryFault counts a transient polling failure.
func DiscoveryFault(supplier string) {
	discoveryFaults.WithLabelValues(supplier).Inc()
}

// SessionStarted marks a supplier session as running.
func SessionStarted(supplier string) {
	sessionsActive.WithLabelValues(supplier).Set(1)
}

// SessionEnded marks a supplier session as finished with the given outcome.
func SessionEnded(supplier, outcome string) {
	sessionsActive.WithLabelValues(supplier).Set(0)
	sessionsEnded.WithLabelValues(supplier, outcome).Inc()
}
