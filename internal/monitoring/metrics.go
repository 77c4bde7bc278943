// Package monitoring exposes Prometheus metrics for fitting campaigns and
// summarizes the fit ledger.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FitsTotal counts finished orchestration calls by terminal status.
	FitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agnfit_fits_total",
			Help: "Per-source orchestration calls by terminal status",
		},
		[]string{"status"},
	)

	// StageDuration times the external collaborator calls.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agnfit_stage_duration_seconds",
			Help:    "Duration of builder, sampler and writer calls",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200, 14400},
		},
		[]string{"stage", "outcome"},
	)

	// GridResolutions counts model grid cache outcomes.
	GridResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agnfit_grid_resolutions_total",
			Help: "Model grid cache resolutions by result",
		},
		[]string{"result"},
	)

	// GridLockWaits counts backoff sleeps on a held grid lock.
	GridLockWaits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agnfit_grid_lock_waits_total",
			Help: "Times a worker waited for another worker's grid build",
		},
	)

	// WorkersBusy is the number of sources currently being fit.
	WorkersBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agnfit_workers_busy",
			Help: "Sources currently in orchestration",
		},
	)
)

// Grid resolution results.
const (
	GridBuilt    = "built"
	GridReused   = "reused"
	GridStale    = "stale_accepted"
	GridRejected = "inconsistent"
	GridCorrupt  = "corrupt"
)
