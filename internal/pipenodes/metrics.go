package pipenodes

import (
	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
)

// AttachMetrics wires a pipeline's latency and finish events into the
// prometheus collectors. Listeners only increment counters, satisfying
// the bus's non-blocking contract.
func AttachMetrics(p *graph.Pipeline, m *monitoring.PipelineMetrics) error {
	if err := p.RegisterCallback(graph.EventLatencyCapture, func(data any) error {
		if lc, ok := data.(graph.LatencyCapture); ok {
			m.ObserveLatency(lc.Node, lc.Probe, lc.Elapsed)
		}
		return nil
	}); err != nil {
		return err
	}
	return p.RegisterCallback(graph.EventFinish, func(data any) error {
		m.ObserveFinish()
		return nil
	})
}
