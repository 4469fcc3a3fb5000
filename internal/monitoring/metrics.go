package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics bundles the prometheus collectors fed by the graph
// runtime's event bus. One instance serves one pipeline; collectors are
// registered against the supplied registerer (pass
// prometheus.DefaultRegisterer in production, a fresh registry in tests).
type PipelineMetrics struct {
	FramesProcessed *prometheus.CounterVec
	PortDrops       *prometheus.CounterVec
	NodeLatency     *prometheus.HistogramVec
	RequestsDone    prometheus.Counter

	mu        sync.Mutex
	perNode   map[string]*nodeAggregate
}

type nodeAggregate struct {
	Frames  uint64
	Total   time.Duration
	Max     time.Duration
}

// NewPipelineMetrics creates and registers the collector set under the
// given pipeline label.
func NewPipelineMetrics(pipeline string, reg prometheus.Registerer) (*PipelineMetrics, error) {
	m := &PipelineMetrics{
		FramesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fusionkit_frames_processed_total",
			Help:        "Frames observed per node probe.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
		}, []string{"node"}),
		PortDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "fusionkit_port_drops_total",
			Help:        "Blobs discarded on full ports.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
		}, []string{"node"}),
		NodeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "fusionkit_node_latency_seconds",
			Help:        "Per-frame node processing latency.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"node", "probe"}),
		RequestsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "fusionkit_requests_finished_total",
			Help:        "Logical requests fully drained.",
			ConstLabels: prometheus.Labels{"pipeline": pipeline},
		}),
		perNode: make(map[string]*nodeAggregate),
	}
	for _, c := range []prometheus.Collector{m.FramesProcessed, m.PortDrops, m.NodeLatency, m.RequestsDone} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveLatency records one node latency sample. Also feeds the in-memory
// aggregates used by performance reports.
func (m *PipelineMetrics) ObserveLatency(node, probe string, elapsed time.Duration) {
	m.NodeLatency.WithLabelValues(node, probe).Observe(elapsed.Seconds())
	m.FramesProcessed.WithLabelValues(node).Inc()

	m.mu.Lock()
	agg, ok := m.perNode[node]
	if !ok {
		agg = &nodeAggregate{}
		m.perNode[node] = agg
	}
	agg.Frames++
	agg.Total += elapsed
	if elapsed > agg.Max {
		agg.Max = elapsed
	}
	m.mu.Unlock()
}

// ObserveDrop records a discarded blob at a node's output.
func (m *PipelineMetrics) ObserveDrop(node string) {
	m.PortDrops.WithLabelValues(node).Inc()
}

// ObserveFinish records a completed logical request.
func (m *PipelineMetrics) ObserveFinish() { m.RequestsDone.Inc() }

// NodeReport is one row of a performance report.
type NodeReport struct {
	Node   string  `json:"node"`
	Frames uint64  `json:"frames"`
	MeanMs float64 `json:"mean_ms"`
	MaxMs  float64 `json:"max_ms"`
}

// Report returns per-node latency aggregates collected so far.
func (m *PipelineMetrics) Report() []NodeReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeReport, 0, len(m.perNode))
	for name, agg := range m.perNode {
		r := NodeReport{Node: name, Frames: agg.Frames, MaxMs: float64(agg.Max) / float64(time.Millisecond)}
		if agg.Frames > 0 {
			r.MeanMs = float64(agg.Total) / float64(agg.Frames) / float64(time.Millisecond)
		}
		out = append(out, r)
	}
	return out
}
