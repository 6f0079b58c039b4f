package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formwatch_dispatch_messages_total",
		Help: "Total number of messages handed to a destination by sink and outcome",
	}, []string{"sink", "outcome"}) // "ok", "gone", "error"

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "formwatch_dispatch_request_duration_seconds",
		Help:    "Duration of a single outbound dispatch request",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	reportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "formwatch_operator_reports_total",
		Help: "Total number of watch failures reported to operators by error kind",
	}, []string{"kind"})
)

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isGone(err):
		return "gone"
	default:
		return "error"
	}
}
