package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MinimizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emoscal_minimizations_total",
			Help: "Total CRPS minimisations by distribution and outcome",
		},
		[]string{"distribution", "status"},
	)

	MinimizerIterations = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emoscal_minimizer_iterations",
			Help:    "Nelder-Mead iterations per minimisation",
			Buckets: []float64{10, 25, 50, 100, 150, 200},
		},
		[]string{"distribution"},
	)

	ConvergenceWarnings = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emoscal_convergence_warnings_total",
			Help: "Calibration diagnostics raised, by kind",
		},
		[]string{"kind"},
	)

	FinalLoss = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "emoscal_final_crps",
			Help: "CRPS at the optimum of the most recent minimisation",
		},
		[]string{"diagnostic", "distribution"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emoscal_run_duration_seconds",
			Help:    "Calibration run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	FieldsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emoscal_fields_ingested_total",
			Help: "Total fields loaded, by source scheme",
		},
		[]string{"source"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "emoscal_fetch_latency_seconds",
			Help:    "Remote field fetch latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)
)
