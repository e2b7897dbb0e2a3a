package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	// jobsProcessed counts finished jobs by name and outcome.
	jobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_processed_total",
			Help: "Total number of queue jobs finished, by outcome.",
		},
		[]string{"job", "outcome"},
	)

	// jobRetries counts retry attempts by job name.
	jobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_job_retries_total",
			Help: "Total number of queue job retries.",
		},
		[]string{"job"},
	)
)

func init() {
	prometheus.MustRegister(jobsProcessed, jobRetries)
}
