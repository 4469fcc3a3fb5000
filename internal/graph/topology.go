package graph

import (
	"encoding/json"
	"fmt"
	"sync"
)

// NodeFactory builds a node of a registered class from its config string.
type NodeFactory func(cfg string) (Node, error)

// classRegistry is the process-wide node-class table. It is the only
// process-wide state besides the per-pipeline event bus; initialised
// lazily at first registration, torn down never (registrations are cheap
// and idempotent per class name).
var classRegistry = struct {
	mu sync.RWMutex
	m  map[string]NodeFactory
}{m: make(map[string]NodeFactory)}

// RegisterNodeClass installs a factory under a class name. Registering the
// same name twice fails.
func RegisterNodeClass(kind string, f NodeFactory) error {
	classRegistry.mu.Lock()
	defer classRegistry.mu.Unlock()
	if _, ok := classRegistry.m[kind]; ok {
		return fmt.Errorf("%w: node class %q", ErrDuplicatedID, kind)
	}
	classRegistry.m[kind] = f
	return nil
}

// NewNodeByClass instantiates a registered class and configures it.
func NewNodeByClass(kind, cfg string) (Node, error) {
	classRegistry.mu.RLock()
	f, ok := classRegistry.m[kind]
	classRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: node class %q", ErrNodeNotFound, kind)
	}
	node, err := f(cfg)
	if err != nil {
		return nil, err
	}
	if err := node.ConfigureByString(cfg); err != nil {
		return nil, err
	}
	return node, nil
}

// Topology is the serialized form of a pipeline graph.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Links []TopologyLink `json:"links"`
}

// TopologyNode describes one node: class, name, config and port bounds.
type TopologyNode struct {
	Name       string      `json:"name"`
	Class      string      `json:"class"`
	Config     string      `json:"config,omitempty"`
	Source     bool        `json:"source,omitempty"`
	Streams    []uint32    `json:"streams,omitempty"`
	QueueSizes map[int]int `json:"queue_sizes,omitempty"`
}

// TopologyLink describes one edge. Converters are code, not data, and are
// not serialized; links carrying one are re-created without it.
type TopologyLink struct {
	From     string `json:"from"`
	FromPort int    `json:"from_port"`
	To       string `json:"to"`
	ToPort   int    `json:"to_port"`
}

// SerializeTopology emits a JSON document of nodes, edges and queue sizes
// that ParseTopology can use to reconstruct the same graph.
func (p *Pipeline) SerializeTopology() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	topo := Topology{}
	for _, name := range p.order {
		nr := p.nodes[name]
		tn := TopologyNode{
			Name:   name,
			Class:  nr.node.Kind(),
			Config: nr.node.Config(),
			Source: nr.isSource,
		}
		if nr.isSource {
			tn.Streams = p.sourceStreams[name]
		}
		for i, port := range nr.inPorts {
			if port.capacity != DefaultPortCapacity {
				if tn.QueueSizes == nil {
					tn.QueueSizes = make(map[int]int)
				}
				tn.QueueSizes[i] = port.capacity
			}
		}
		topo.Nodes = append(topo.Nodes, tn)
		for portIdx, edges := range nr.outEdges {
			for _, e := range edges {
				topo.Links = append(topo.Links, TopologyLink{
					From: name, FromPort: portIdx, To: e.dst.name, ToPort: e.dstPort,
				})
			}
		}
	}
	return json.MarshalIndent(topo, "", "  ")
}

// ParseTopology reconstructs a pipeline from a serialized topology using
// the node-class registry. Every referenced class must be registered.
func ParseTopology(data []byte) (*Pipeline, error) {
	var topo Topology
	if err := json.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigString, err)
	}
	p := NewPipeline()
	for _, tn := range topo.Nodes {
		node, err := NewNodeByClass(tn.Class, tn.Config)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", tn.Name, err)
		}
		if tn.Source {
			err = p.SetSource(node, tn.Name, tn.Streams)
		} else {
			err = p.AddNode(node, tn.Name)
		}
		if err != nil {
			return nil, err
		}
		for portIdx, size := range tn.QueueSizes {
			if err := p.SetNodeQueueSize(tn.Name, portIdx, size); err != nil {
				return nil, err
			}
		}
	}
	for _, l := range topo.Links {
		if err := p.LinkNode(l.From, l.FromPort, l.To, l.ToPort, nil); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// ReportPerformanceData serializes each node's lifecycle state and input
// port depths as a JSON document. Frame counts and latency aggregates live
// with the metrics listener.
func (p *Pipeline) ReportPerformanceData() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	type nodePerf struct {
		Name       string `json:"name"`
		State      string `json:"state"`
		QueueDepth []int  `json:"queue_depth"`
	}
	var out []nodePerf
	for _, name := range p.order {
		nr := p.nodes[name]
		depths := make([]int, len(nr.inPorts))
		for i, port := range nr.inPorts {
			depths[i] = port.depth()
		}
		out = append(out, nodePerf{Name: name, State: nr.state.String(), QueueDepth: depths})
	}
	return json.MarshalIndent(out, "", "  ")
}
