package core

import (
	"github.com/prometheus/client_golang/prometheus"

	"txgraph/pkg/domain"
)

// Flush results recorded by the flush counter.
const (
	flushOK           = "ok"
	flushNoop         = "noop"
	flushViolation    = "violation"
	flushListenerFail = "listener_error"
	flushReplayFail   = "replay_error"
)

// Metrics holds the store's prometheus collectors.
type Metrics struct {
	flushes          *prometheus.CounterVec
	flushDuration    prometheus.Histogram
	violations       *prometheus.CounterVec
	replayedActions  prometheus.Counter
	listenerFailures *prometheus.CounterVec
	asyncQueueDepth  prometheus.Gauge
	asyncJobs        *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txgraph",
			Name:      "flushes_total",
			Help:      "Session flushes by result.",
		}, []string{"result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "txgraph",
			Name:      "flush_duration_seconds",
			Help:      "Time spent validating and replaying a flush.",
			Buckets:   prometheus.DefBuckets,
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txgraph",
			Name:      "constraint_violations_total",
			Help:      "Constraint violations reported by flushes, by kind.",
		}, []string{"kind"}),
		replayedActions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "txgraph",
			Name:      "replayed_actions_total",
			Help:      "Deferred actions replayed against the persistent store.",
		}),
		listenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txgraph",
			Name:      "listener_failures_total",
			Help:      "Listener errors and panics, by phase.",
		}, []string{"phase"}),
		asyncQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "txgraph",
			Name:      "async_queue_depth",
			Help:      "Async notification jobs waiting for a worker.",
		}),
		asyncJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "txgraph",
			Name:      "async_jobs_total",
			Help:      "Async notification jobs by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(m.flushes, m.flushDuration, m.violations, m.replayedActions,
			m.listenerFailures, m.asyncQueueDepth, m.asyncJobs)
	}
	return m
}

func (m *Metrics) recordViolations(res domain.Result) {
	for _, v := range res.Violations {
		m.violations.WithLabelValues(string(v.Kind)).Inc()
	}
}
