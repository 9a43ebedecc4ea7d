package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "blood_match"

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_created_total", Help: "Emergency requests created"})
	MatchesNotified = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_notified_total", Help: "Match records created in notified state"})
	EmptyMatchRuns  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "empty_match_runs_total", Help: "Requests created with no eligible donor"})
	MatchRunLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_run_seconds", Help: "Filter, score and rank duration per request"})
	NotifyFailures  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_failures_total", Help: "Notifications the sink failed to deliver"})

	DonorProfileUpserts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "donor_profile_upserts_total", Help: "Donor profile upserts applied by this process"})

	DonorResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "donor_responses_total", Help: "Donor match transitions by resulting status"},
		[]string{"status"},
	)
	ResponseLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "response_latency_seconds",
		Help:      "Time from notification to accept or decline",
		Buckets:   []float64{15, 30, 60, 120, 300, 600, 1800, 3600},
	})
	RequestTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "request_transitions_total", Help: "Request status transitions"},
		[]string{"from", "to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
