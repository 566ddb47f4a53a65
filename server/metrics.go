package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "registry",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method, path and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "registry",
		Name:      "discovery_duration_seconds",
		Help:      "End-to-end discovery pipeline latency.",
		Buckets:   prometheus.DefBuckets,
	})

	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "registry",
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	rateLimiterIPs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "registry",
		Name:      "rate_limiter_tracked_ips",
		Help:      "IPs currently holding a rate-limit window entry.",
	})
)
