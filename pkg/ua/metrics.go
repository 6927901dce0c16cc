package ua

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/sipua/pkg/call"
)

// metrics are the UA-level prometheus collectors. A nil registerer
// produces working but unregistered collectors, so the instrumentation
// is free when metrics are off.
type metrics struct {
	callsTotal       *prometheus.CounterVec
	callFailures     *prometheus.CounterVec
	callDuration     prometheus.Histogram
	stateTransitions *prometheus.CounterVec
	dtmfQueued       *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &metrics{
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipua_calls_total",
			Help: "Completed calls by direction and outcome.",
		}, []string{"direction", "outcome"}),
		callFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipua_call_failures_total",
			Help: "Calls ended in ERROR by reason.",
		}, []string{"reason"}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sipua_call_duration_seconds",
			Help:    "Talk time of completed calls.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipua_call_transitions_total",
			Help: "Call state machine transitions by target state.",
		}, []string{"state"}),
		dtmfQueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sipua_dtmf_queued_total",
			Help: "DTMF digits queued by transport mode.",
		}, []string{"mode"}),
	}
}

func (m *metrics) observeTransition(info *call.Info) {
	m.stateTransitions.WithLabelValues(info.State.String()).Inc()
	if info.State == call.StateError {
		m.callFailures.WithLabelValues(info.Reason.String()).Inc()
	}
}

func (m *metrics) observeOutcome(entry call.LogEntry) {
	m.callsTotal.WithLabelValues(entry.Direction.String(), entry.Outcome.String()).Inc()
	m.callDuration.Observe(entry.Duration.Seconds())
}
