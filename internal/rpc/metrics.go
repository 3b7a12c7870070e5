package rpc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_rpc_requests_total",
		Help: "Tool calls processed, labeled by tool and outcome.",
	}, []string{"tool", "outcome"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "opsgate_rpc_request_duration_seconds",
		Help:    "Tool call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tool"})
)
