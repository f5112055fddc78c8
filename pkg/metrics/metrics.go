// Package metrics provides Prometheus instrumentation for distillflow,
// implementing hooks.Hooks so a Metrics instance can be wired directly into
// a pipeline's hook chain.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Siddhant-K-code/distillflow/pkg/hooks"
	"github.com/Siddhant-K-code/distillflow/pkg/streambus"
)

// Metrics holds all Prometheus metric collectors for distillflow and
// implements hooks.Hooks so the pipeline/node lifecycle drives it directly.
type Metrics struct {
	NodeStatusTransitions *prometheus.CounterVec
	RecordsProcessed      *prometheus.CounterVec
	NodeProgress          *prometheus.GaugeVec
	ErrorsTotal           *prometheus.CounterVec
	ActiveNodes           prometheus.Gauge
	NodeRunDuration       *prometheus.HistogramVec

	registry *prometheus.Registry

	mu         sync.Mutex
	runStarted map[string]time.Time // pipeline_id/node_id -> time entered StatusRunning
}

// New creates and registers all distillflow metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		NodeStatusTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distillflow_node_status_transitions_total",
				Help: "Total node status transitions by node and status.",
			},
			[]string{"pipeline_id", "node_id", "status"},
		),
		RecordsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distillflow_records_processed_total",
				Help: "Total durable checkpoints a node has written (one per written batch).",
			},
			[]string{"pipeline_id", "node_id"},
		),
		NodeProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "distillflow_node_progress",
				Help: "Latest durably checkpointed progress (physical index) per node.",
			},
			[]string{"pipeline_id", "node_id"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distillflow_errors_total",
				Help: "Total errors by node and error kind.",
			},
			[]string{"pipeline_id", "node_id", "kind"},
		),
		ActiveNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "distillflow_active_nodes",
				Help: "Number of nodes currently running.",
			},
		),
		NodeRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distillflow_node_run_duration_seconds",
				Help:    "Wall-clock duration of a node's running phase.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline_id", "node_id"},
		),
		registry:   reg,
		runStarted: make(map[string]time.Time),
	}

	reg.MustRegister(
		m.NodeStatusTransitions,
		m.RecordsProcessed,
		m.NodeProgress,
		m.ErrorsTotal,
		m.ActiveNodes,
		m.NodeRunDuration,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OnNodeStatus implements hooks.Hooks, tracking active-node count and
// per-node run duration from StatusRunning to a terminal status.
func (m *Metrics) OnNodeStatus(pipelineID, nodeID string, status hooks.NodeStatus) {
	m.NodeStatusTransitions.WithLabelValues(pipelineID, nodeID, string(status)).Inc()

	key := pipelineID + "/" + nodeID
	switch status {
	case hooks.StatusRunning:
		m.ActiveNodes.Inc()
		m.mu.Lock()
		m.runStarted[key] = time.Now()
		m.mu.Unlock()
	case hooks.StatusCompleted, hooks.StatusFailed, hooks.StatusCanceled:
		m.ActiveNodes.Dec()
		m.mu.Lock()
		if start, ok := m.runStarted[key]; ok {
			m.NodeRunDuration.WithLabelValues(pipelineID, nodeID).Observe(time.Since(start).Seconds())
			delete(m.runStarted, key)
		}
		m.mu.Unlock()
	}
}

// OnProgress implements hooks.Hooks.
func (m *Metrics) OnProgress(pipelineID, nodeID string, progress int64) {
	m.NodeProgress.WithLabelValues(pipelineID, nodeID).Set(float64(progress))
	m.RecordsProcessed.WithLabelValues(pipelineID, nodeID).Inc()
}

// OnError implements hooks.Hooks.
func (m *Metrics) OnError(pipelineID, nodeID string, kind streambus.Kind, detail string) {
	m.ErrorsTotal.WithLabelValues(pipelineID, nodeID, kind.String()).Inc()
}
