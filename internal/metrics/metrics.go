// Package metrics exposes Prometheus instrumentation for the engine and
// summarises outages from the event journal.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleetmon/internal/models"
)

var (
	namespace = "fleetmon"

	aggregationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "duration_seconds",
			Help:      "Duration of one fleet-wide aggregation pass",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
	)

	aggregationTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "timeouts_total",
			Help:      "Targets replaced by a timeout placeholder",
		},
	)

	targetStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "target_status",
			Help:      "1 for the current status of each target, 0 otherwise",
		},
		[]string{"target", "status"},
	)

	targetResources = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregator",
			Name:      "target_resource_percent",
			Help:      "Last known resource usage per target",
		},
		[]string{"target", "resource"},
	)

	probeOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "prober",
			Name:      "probes_total",
			Help:      "Reconnection probe outcomes",
		},
		[]string{"outcome"},
	)

	restartAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remediation",
			Name:      "restarts_total",
			Help:      "Restart attempts by item kind and result",
		},
		[]string{"kind", "result"},
	)

	pushReports = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pushstore",
			Name:      "reports_total",
			Help:      "Push reports received per target",
		},
		[]string{"target"},
	)

	reconnections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pushstore",
			Name:      "reconnections_total",
			Help:      "Offline to online transitions per target",
		},
		[]string{"target"},
	)

	offlineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pushstore",
			Name:      "offline_duration_seconds",
			Help:      "How long targets stayed offline before reconnecting",
			Buckets:   []float64{15, 30, 60, 120, 300, 900, 3600, 14400},
		},
	)
)

var allStatuses = []models.TargetStatus{
	models.StatusNormal, models.StatusWarning, models.StatusError, models.StatusOffline,
}

// ObserveSnapshot records the duration and per-target state of a snapshot.
func ObserveSnapshot(s models.FleetSnapshot) {
	aggregationDuration.Observe(s.Duration.Seconds())
	for _, t := range s.Targets {
		for _, st := range allStatuses {
			v := 0.0
			if t.Status == st {
				v = 1
			}
			targetStatus.WithLabelValues(t.ID, string(st)).Set(v)
		}
		if t.Reason == models.ReasonTimeout {
			aggregationTimeouts.Inc()
		}
		targetResources.WithLabelValues(t.ID, "cpu").Set(t.Resources.CPU)
		targetResources.WithLabelValues(t.ID, "memory").Set(t.Resources.Memory)
		targetResources.WithLabelValues(t.ID, "disk").Set(t.Resources.Disk)
	}
}

// RecordProbe counts one probe outcome.
func RecordProbe(outcome string) {
	probeOutcomes.WithLabelValues(outcome).Inc()
}

// RecordRestart counts one restart attempt.
func RecordRestart(kind models.ItemKind, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	restartAttempts.WithLabelValues(string(kind), result).Inc()
}

// RecordPush counts one push report.
func RecordPush(targetID string) {
	pushReports.WithLabelValues(targetID).Inc()
}

// RecordReconnect counts one reconnection and how long the target was away.
func RecordReconnect(targetID string, offlineFor time.Duration) {
	reconnections.WithLabelValues(targetID).Inc()
	offlineDuration.Observe(offlineFor.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
