package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_jobs_total",
			Help: "Total number of finished job runs.",
		},
		[]string{"processor", "status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_job_duration_seconds",
			Help:    "Job run duration in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"processor"},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_jobs_running",
			Help: "Number of job runs in flight.",
		},
	)

	progressUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_progress_updates_total",
			Help: "Total number of progress records received from workers.",
		},
		[]string{"processor"},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal)
	prometheus.MustRegister(jobDuration)
	prometheus.MustRegister(jobsRunning)
	prometheus.MustRegister(progressUpdates)
}
