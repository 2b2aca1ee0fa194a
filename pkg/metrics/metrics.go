// Package metrics exposes the Prometheus counters and gauges the Manager
// and Tester publish on an optional /metrics endpoint, grounded on the
// teacher's pkg/metrics package (package-level prometheus.Collector vars
// registered in init, plus a Handler() for promhttp), generalized from
// warren's cluster-operation metrics to tattoo's job-dispatch domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RosterSize is the number of Testers currently registered with a
	// Manager (§4.8).
	RosterSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tattoo_manager_roster_size",
		Help: "Number of Testers currently registered with this Manager",
	})

	// QueueDepth is the current bugs_queue length, labeled by the worker's
	// canonical architecture (§4.4).
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tattoo_tester_queue_depth",
		Help: "Current depth of the Tester's priority bug queue",
	}, []string{"arch"})

	// JobsTotal counts completed job pipeline runs by architecture and
	// outcome (§4.5, §4.7).
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tattoo_tester_jobs_total",
		Help: "Total number of job pipeline runs by architecture and outcome",
	}, []string{"arch", "outcome"})

	// JobDuration measures the full job pipeline's wall-clock time (§4.5).
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tattoo_tester_job_duration_seconds",
		Help:    "Job pipeline duration in seconds, by architecture",
		Buckets: prometheus.DefBuckets,
	}, []string{"arch"})

	// StoreWritesTotal counts results-store upserts by outcome (§4.2).
	StoreWritesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tattoo_manager_store_writes_total",
		Help: "Total number of results-store writes by test outcome",
	}, []string{"success"})

	// ScanCyclesTotal counts scan-orchestrator runs by trigger kind (§4.10).
	ScanCyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "tattoo_manager_scan_cycles_total",
		Help: "Total number of scan cycles run, by trigger (manual or auto)",
	}, []string{"trigger"})
)

func init() {
	prometheus.MustRegister(
		RosterSize,
		QueueDepth,
		JobsTotal,
		JobDuration,
		StoreWritesTotal,
		ScanCyclesTotal,
	)
}

// Handler returns the Prometheus scrape handler for mounting on an HTTP
// mux or listening standalone.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for recording into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time into histogram, labeled by
// labelValues.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labelValues ...string) {
	histogram.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}
