package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	samplerTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsgate_sampler_ticks_total",
		Help: "Sampling rounds completed, labeled by outcome.",
	}, []string{"outcome"})

	samplesWrittenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsgate_sampler_samples_written_total",
		Help: "Samples persisted to the metrics store.",
	})

	retentionDeletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsgate_sampler_retention_deleted_total",
		Help: "Samples removed by the retention pass.",
	})
)
