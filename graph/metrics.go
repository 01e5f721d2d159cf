package graph

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for graph execution. All metrics are
// namespaced "stategraph". A nil *Metrics is valid and records nothing, so
// the engine never branches on whether metrics are configured.
//
// Exposed series:
//
//	supersteps_total        counter, labels: graph, source
//	task_duration_seconds   histogram, labels: graph, node, status
//	retries_total           counter, labels: graph, node
//	conflicts_total         counter, labels: graph, channel
//	inflight_tasks          gauge, labels: graph
//	stream_dropped_total    counter, labels: graph
type Metrics struct {
	supersteps    *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
	inflight      *prometheus.GaugeVec
	streamDropped *prometheus.CounterVec
}

// NewMetrics creates and registers the engine metric set with the given
// registry. A nil registry uses prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		supersteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "supersteps_total",
			Help:      "Committed supersteps, labeled by checkpoint source.",
		}, []string{"graph", "source"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stategraph",
			Name:      "task_duration_seconds",
			Help:      "Task execution duration from dispatch to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9), // 1ms to ~65s
		}, []string{"graph", "node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "retries_total",
			Help:      "Task retry attempts.",
		}, []string{"graph", "node"}),
		conflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "conflicts_total",
			Help:      "Concurrent writes rejected on reducerless channels.",
		}, []string{"graph", "channel"}),
		inflight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stategraph",
			Name:      "inflight_tasks",
			Help:      "Tasks currently executing.",
		}, []string{"graph"}),
		streamDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stategraph",
			Name:      "stream_dropped_total",
			Help:      "Stream events discarded under a drop overflow policy.",
		}, []string{"graph"}),
	}
}

func (m *Metrics) superstep(graphID, source string) {
	if m == nil {
		return
	}
	m.supersteps.WithLabelValues(graphID, source).Inc()
}

func (m *Metrics) task(graphID, node string, d time.Duration, status string) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(graphID, node, status).Observe(d.Seconds())
}

func (m *Metrics) retry(graphID, node string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(graphID, node).Inc()
}

func (m *Metrics) conflict(graphID, channel string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(graphID, channel).Inc()
}

func (m *Metrics) taskStarted(graphID string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(graphID).Inc()
}

func (m *Metrics) taskFinished(graphID string) {
	if m == nil {
		return
	}
	m.inflight.WithLabelValues(graphID).Dec()
}

func (m *Metrics) streamDrops(graphID string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.streamDropped.WithLabelValues(graphID).Add(float64(n))
}
