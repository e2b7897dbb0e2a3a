package crm

import "github.com/prometheus/client_golang/prometheus"

var (
	// requestsTotal counts upstream CRM requests by method and status.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_requests_total",
			Help: "Total number of requests dispatched to the CRM API.",
		},
		[]string{"method", "status"},
	)

	// requestDuration records upstream request latency in seconds.
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crm_request_duration_seconds",
			Help:    "Duration of CRM API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// retriesTotal counts retry attempts after a transient status.
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crm_request_retries_total",
			Help: "Total number of CRM request retries.",
		},
		[]string{"method"},
	)

	// budgetRejectionsTotal counts mutations refused by the daily cap.
	budgetRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crm_mutation_budget_rejections_total",
			Help: "Total number of mutations rejected by the daily budget.",
		},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, retriesTotal, budgetRejectionsTotal)
}
