package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	callsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_ipc_calls_total",
		Help: "Broker-to-agent calls by outcome (ok or error kind).",
	}, []string{"outcome"})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsgate_ipc_reconnects_total",
		Help: "Reconnect attempts made by the broker IPC client.",
	})

	inflightCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opsgate_ipc_inflight_calls",
		Help: "Calls currently awaiting an agent response.",
	})
)
