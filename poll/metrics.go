package poll

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formwatch_polls_total",
		Help: "Total number of watch polls by outcome",
	}, []string{"outcome"}) // "ok", "dispatch_failed", "destination_gone", "credential", "transient", "busy"

	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "formwatch_poll_duration_seconds",
		Help:    "Duration of a single watch poll",
		Buckets: prometheus.DefBuckets,
	})

	responsesDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "formwatch_responses_dispatched_total",
		Help: "Total number of form responses packed and handed to a sink",
	})

	schedulerHalted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formwatch_scheduler_halted",
		Help: "1 while the scheduler is halted waiting for new credentials",
	})
)
