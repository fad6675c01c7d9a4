// Package metrics exposes bootstrapd's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bootstrapd_nodes_total",
			Help: "Total number of tracked nodes by state",
		},
		[]string{"state"},
	)

	ClustersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bootstrapd_clusters_total",
			Help: "Total number of tracked clusters by state",
		},
		[]string{"state"},
	)

	CheckinsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapd_checkins_total",
			Help: "Total number of checkin callbacks received, by endpoint",
		},
		[]string{"endpoint"},
	)

	RedfishSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapd_redfish_sessions_total",
			Help: "Total number of Redfish sessions opened, by outcome",
		},
		[]string{"outcome"},
	)

	RedfishInitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "bootstrapd_redfish_init_duration_seconds",
			Help:    "Time taken to run a full Redfish init sequence for one node",
			Buckets: []float64{30, 60, 120, 300, 600, 1200, 2400, 3600},
		},
	)

	HookRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapd_hook_runs_total",
			Help: "Total number of hooks executed, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	BarrierAdvancesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapd_barrier_advances_total",
			Help: "Total number of cluster barrier state transitions, by target state",
		},
		[]string{"state"},
	)

	TaskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bootstrapd_task_queue_depth",
			Help: "Number of tasks currently pending in the task queue",
		},
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bootstrapd_task_duration_seconds",
			Help:    "Time taken to process one task, by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bootstrapd_notifications_total",
			Help: "Total number of webhook notifications sent, by status and outcome",
		},
		[]string{"status", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		ClustersTotal,
		CheckinsTotal,
		RedfishSessionsTotal,
		RedfishInitDuration,
		HookRunsTotal,
		BarrierAdvancesTotal,
		TaskQueueDepth,
		TaskDuration,
		NotificationsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
