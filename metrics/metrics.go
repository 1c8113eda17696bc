// Package metrics registers the Prometheus metrics the GC cycle
// orchestrator updates on every run. VaultSizeBytes is registered as well,
// but no package in this module sets it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TotalRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3refgc_total_runs",
			Help: "Total number of GC cycles completed.",
		},
	)

	TotalDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3refgc_total_deleted",
			Help: "Total number of objects deleted across all GC cycles.",
		},
	)

	TotalBackedUp = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3refgc_total_backed_up",
			Help: "Total number of objects backed up across all GC cycles.",
		},
	)

	TotalErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "s3refgc_total_errors",
			Help: "Total number of per-key errors encountered across all GC cycles.",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "s3refgc_cycle_duration_seconds",
			Help:    "Duration of a complete GC cycle in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	CandidatesFound = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3refgc_last_cycle_candidates_found",
			Help: "Orphan candidates found in the most recent GC cycle.",
		},
	)

	VerifiedOrphans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3refgc_last_cycle_verified_orphans",
			Help: "Verified orphans in the most recent GC cycle.",
		},
	)

	VaultSizeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "s3refgc_vault_size_bytes",
			Help: "Total size of compressed backup blobs currently retained in the vault.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TotalRuns,
		TotalDeleted,
		TotalBackedUp,
		TotalErrors,
		CycleDuration,
		CandidatesFound,
		VerifiedOrphans,
		VaultSizeBytes,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
