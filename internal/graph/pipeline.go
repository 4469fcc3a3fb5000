package graph

import (
	"fmt"
	"sync"
	"time"

	"github.com/metro-edge/fusionkit/internal/monitoring"
)

// DefaultPullTimeout bounds a worker's wait on an input port per
// GetBatchedInput call. Workers observe shutdown at the next expiry.
const DefaultPullTimeout = 100 * time.Millisecond

// ConvertFunc optionally transforms a Blob in transit along an edge. It
// must be pure: the same input always yields the same output and the
// original Blob is not mutated.
type ConvertFunc func(*Blob) *Blob

type edge struct {
	dst     *nodeRuntime
	dstPort int
	convert ConvertFunc
}

// nodeRuntime wraps a Node with its scheduling state: ports, workers and
// lifecycle. It implements NodeContext for the node's workers.
type nodeRuntime struct {
	name     string
	node     Node
	pipe     *Pipeline
	isSource bool

	state NodeState

	inPorts  []*port
	outEdges [][]edge // indexed by output port

	workers []Worker
	wg      sync.WaitGroup

	latency *latencyMonitor

	pullTimeout time.Duration
}

// Name implements NodeContext.
func (n *nodeRuntime) Name() string { return n.name }

// Running implements NodeContext.
func (n *nodeRuntime) Running() bool { return !n.pipe.shuttingDown() }

// LatencyStart implements NodeContext.
func (n *nodeRuntime) LatencyStart(frameID uint32, probe string) { n.latency.start(frameID, probe) }

// LatencyStop implements NodeContext.
func (n *nodeRuntime) LatencyStop(frameID uint32, probe string) { n.latency.stop(frameID, probe) }

// EmitEvent implements NodeContext.
func (n *nodeRuntime) EmitEvent(ev EventID, data any) error { return n.pipe.EmitEvent(ev, data) }

// streamPred returns the stream filter for a worker under the node's
// batching policy, or nil for match-any.
func (n *nodeRuntime) streamPred(batchIdx int) func(*Blob) bool {
	pol := n.node.Batching()
	if pol.Mode != BatchingWithStream || len(pol.Streams) == 0 {
		return nil
	}
	bound := pol.Streams[batchIdx%len(pol.Streams)]
	return func(b *Blob) bool { return b.StreamID == bound }
}

// GetBatchedInput implements NodeContext. For a single port it pops up to
// BatchSize Blobs (at least one, never waiting to fill the batch); for
// multiple ports it assembles a tuple sharing (FrameID, StreamID) or
// returns nil after applying the node's alignment policy.
func (n *nodeRuntime) GetBatchedInput(batchIdx int, ports []int) []*Blob {
	if len(ports) == 0 {
		return nil
	}
	for _, p := range ports {
		if p < 0 || p >= len(n.inPorts) {
			return nil
		}
	}
	pred := n.streamPred(batchIdx)
	timeout := n.pullTimeout

	if len(ports) == 1 {
		first := n.inPorts[ports[0]].popMatch(pred, timeout)
		if first == nil {
			return nil
		}
		out := []*Blob{first}
		batchSize := n.node.Batching().BatchSize
		for len(out) < batchSize {
			next := n.inPorts[ports[0]].popMatch(pred, 0)
			if next == nil {
				break
			}
			out = append(out, next)
		}
		return out
	}

	// Multi-port aligned pull: anchor on the first port, then demand the
	// same (frame, stream) identity from the rest.
	deadline := time.Now().Add(timeout)
	anchor := n.inPorts[ports[0]].popMatch(pred, timeout)
	if anchor == nil {
		return nil
	}
	out := make([]*Blob, 0, len(ports))
	out = append(out, anchor)
	match := func(b *Blob) bool {
		return b.FrameID == anchor.FrameID && b.StreamID == anchor.StreamID
	}
	for _, p := range ports[1:] {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		b := n.inPorts[p].popMatch(match, remaining)
		if b == nil {
			// Incomplete tuple: requeue or drop per node policy.
			if n.node.Batching().Align == AlignRequeue {
				for i := len(out) - 1; i >= 0; i-- {
					n.inPorts[ports[i]].pushFront(out[i])
				}
			} else {
				monitoring.Logf("graph: node %q dropped unaligned tuple frame %d stream %d",
					n.name, anchor.FrameID, anchor.StreamID)
			}
			return nil
		}
		out = append(out, b)
	}
	return out
}

// SendOutput implements NodeContext: push blob to every edge bound to the
// output port. A multicast shares the Blob; the timeout applies per edge.
func (n *nodeRuntime) SendOutput(blob *Blob, portIdx int, timeout time.Duration) SendStatus {
	if portIdx < 0 || portIdx >= len(n.outEdges) {
		return SendNullPort
	}
	edges := n.outEdges[portIdx]
	if len(edges) == 0 {
		return SendNullPort
	}
	status := SendSuccess
	for _, e := range edges {
		out := blob
		if e.convert != nil {
			out = e.convert(blob)
		}
		st := e.dst.inPorts[e.dstPort].push(out, timeout)
		if st != SendSuccess {
			status = st
		}
	}
	return status
}

func (n *nodeRuntime) spawnWorkers() {
	count := n.node.Threads()
	n.workers = make([]Worker, count)
	for i := 0; i < count; i++ {
		n.workers[i] = n.node.CreateNodeWorker(n)
	}
	for i := range n.workers {
		n.wg.Add(1)
		go n.workerLoop(i)
	}
}

func (n *nodeRuntime) workerLoop(idx int) {
	defer n.wg.Done()
	w := n.workers[idx]
	if err := w.ProcessByFirstRun(); err != nil {
		monitoring.Logf("graph: node %q worker %d first-run: %v", n.name, idx, err)
	}
	for !n.pipe.shuttingDown() {
		if err := w.Process(idx); err != nil {
			monitoring.Logf("graph: node %q worker %d: %v", n.name, idx, err)
		}
	}
	// Drain pass: keep processing while inputs remain so EOS tags reach
	// the sinks before the joins complete. The round budget guarantees
	// termination even when leftovers can never align.
	for round := 0; n.pendingInput() && round < 4*DefaultPortCapacity; round++ {
		if err := w.Process(idx); err != nil {
			monitoring.Logf("graph: node %q worker %d drain: %v", n.name, idx, err)
			break
		}
	}
	if err := w.ProcessByLastRun(); err != nil {
		monitoring.Logf("graph: node %q worker %d last-run: %v", n.name, idx, err)
	}
}

func (n *nodeRuntime) pendingInput() bool {
	for _, p := range n.inPorts {
		if p.depth() > 0 {
			return true
		}
	}
	return false
}

// Pipeline owns the node graph: assembly, lifecycle, scheduling and the
// event bus.
type Pipeline struct {
	mu    sync.Mutex
	nodes map[string]*nodeRuntime
	order []string // insertion order; sources first at Prepare

	state NodeState

	bus  *eventBus
	quit chan struct{}

	// sourceStreams lists the streams owned by each source node, used by
	// Stop to inject end-of-stream tags.
	sourceStreams map[string][]uint32
}

// NewPipeline constructs an empty pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{
		nodes:         make(map[string]*nodeRuntime),
		state:         StateUnconfigured,
		bus:           newEventBus(),
		sourceStreams: make(map[string][]uint32),
	}
}

func (p *Pipeline) shuttingDown() bool {
	p.mu.Lock()
	quit := p.quit
	p.mu.Unlock()
	if quit == nil {
		return true
	}
	select {
	case <-quit:
		return true
	default:
		return false
	}
}

func (p *Pipeline) addNode(node Node, name string, isSource bool) (*nodeRuntime, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty node name", ErrInvalidID)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.nodes[name]; ok {
		return nil, fmt.Errorf("%w: node %q", ErrDuplicatedID, name)
	}
	in, out := node.Ports()
	nr := &nodeRuntime{
		name:        name,
		node:        node,
		pipe:        p,
		isSource:    isSource,
		state:       StateConfigured,
		inPorts:     make([]*port, in),
		outEdges:    make([][]edge, out),
		latency:     newLatencyMonitor(name, p.bus),
		pullTimeout: DefaultPullTimeout,
	}
	for i := range nr.inPorts {
		nr.inPorts[i] = newPort(DefaultPortCapacity)
	}
	p.nodes[name] = nr
	p.order = append(p.order, name)
	return nr, nil
}

// AddNode adds a non-source node under a pipeline-unique name.
func (p *Pipeline) AddNode(node Node, name string) error {
	_, err := p.addNode(node, name, false)
	return err
}

// SetSource adds a source node (no predecessors). Streams lists the stream
// ids the source will emit; Stop uses them to inject EOS.
func (p *Pipeline) SetSource(node Node, name string, streams []uint32) error {
	_, err := p.addNode(node, name, true)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.sourceStreams[name] = append([]uint32(nil), streams...)
	p.mu.Unlock()
	return nil
}

// LinkNode creates an edge (src, srcPort) → (dst, dstPort) with an
// optional pure converter. Each input port accepts at most one producer;
// output ports may fan out.
func (p *Pipeline) LinkNode(src string, srcPort int, dst string, dstPort int, convert ConvertFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.nodes[src]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, src)
	}
	d, ok := p.nodes[dst]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, dst)
	}
	if srcPort < 0 || srcPort >= len(s.outEdges) {
		return fmt.Errorf("%w: %q out port %d", ErrPortOutOfRange, src, srcPort)
	}
	if dstPort < 0 || dstPort >= len(d.inPorts) {
		return fmt.Errorf("%w: %q in port %d", ErrPortOutOfRange, dst, dstPort)
	}
	for _, nr := range p.nodes {
		for _, edges := range nr.outEdges {
			for _, e := range edges {
				if e.dst == d && e.dstPort == dstPort {
					return fmt.Errorf("%w: %q port %d", ErrPortAlreadyBound, dst, dstPort)
				}
			}
		}
	}
	s.outEdges[srcPort] = append(s.outEdges[srcPort], edge{dst: d, dstPort: dstPort, convert: convert})
	return nil
}

// SetNodeQueueSize resizes an input port's bound.
func (p *Pipeline) SetNodeQueueSize(name string, portIdx, size int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	nr, ok := p.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	if portIdx < 0 || portIdx >= len(nr.inPorts) {
		return fmt.Errorf("%w: %q in port %d", ErrPortOutOfRange, name, portIdx)
	}
	nr.inPorts[portIdx].setCapacity(size)
	return nil
}

// SetPullTimeout overrides the per-call input wait of one node.
func (p *Pipeline) SetPullTimeout(name string, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	nr, ok := p.nodes[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	nr.pullTimeout = d
	return nil
}

// topoOrder returns node names sources-first. Nodes with no incoming edge
// and not registered as sources are dangling.
func (p *Pipeline) topoOrder() ([]string, error) {
	indeg := make(map[string]int, len(p.nodes))
	for name := range p.nodes {
		indeg[name] = 0
	}
	for _, nr := range p.nodes {
		for _, edges := range nr.outEdges {
			for _, e := range edges {
				indeg[e.dst.name]++
			}
		}
	}
	var queue []string
	for _, name := range p.order {
		if indeg[name] == 0 {
			if !p.nodes[name].isSource {
				return nil, fmt.Errorf("%w: %q has no producer and is not a source", ErrDanglingNode, name)
			}
			queue = append(queue, name)
		}
	}
	var out []string
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		out = append(out, name)
		for _, edges := range p.nodes[name].outEdges {
			for _, e := range edges {
				indeg[e.dst.name]--
				if indeg[e.dst.name] == 0 {
					queue = append(queue, e.dst.name)
				}
			}
		}
	}
	if len(out) != len(p.nodes) {
		return nil, fmt.Errorf("%w: cycle or unreachable node in graph", ErrDanglingNode)
	}
	return out, nil
}

// Prepare calls every node's Prepare in dependency order (sources first).
// All nodes must be in the Configured state.
func (p *Pipeline) Prepare() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	order, err := p.topoOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		nr := p.nodes[name]
		if nr.state != StateConfigured {
			return fmt.Errorf("%w: node %q is %s, want configured", ErrIllegalStateTransition, name, nr.state)
		}
	}
	for _, name := range order {
		nr := p.nodes[name]
		if err := nr.node.Prepare(); err != nil {
			return fmt.Errorf("prepare node %q: %w", name, err)
		}
		nr.state = StatePrepared
	}
	p.order = order
	p.state = StatePrepared
	return nil
}

// Start spawns all workers. Non-blocking.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePrepared {
		return fmt.Errorf("%w: pipeline is %s, want prepared", ErrIllegalStateTransition, p.state)
	}
	p.quit = make(chan struct{})
	for _, name := range p.order {
		nr := p.nodes[name]
		nr.state = StateRunning
		nr.spawnWorkers()
	}
	p.state = StateRunning
	return nil
}

// Stop injects end-of-stream on every source stream, broadcasts shutdown
// and joins all workers synchronously. The pipeline always reaches the
// Stopped state in finite time.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	// EOS first so in-flight requests can drain before workers observe
	// shutdown. This mirrors the default process-signal handling: one EOS
	// tag per source stream.
	for name, streams := range p.sourceStreams {
		nr := p.nodes[name]
		for _, sid := range streams {
			blob := NewBlob(sid, 0)
			buf := NewRawBuffer(nil, nil)
			buf.SetTag(TagEndOfRequest)
			blob.Push(buf)
			nr.SendOutput(blob, 0, 50*time.Millisecond)
		}
	}
	quit := p.quit
	nodes := make([]*nodeRuntime, 0, len(p.order))
	for _, name := range p.order {
		nodes = append(nodes, p.nodes[name])
	}
	p.mu.Unlock()

	close(quit)
	for _, nr := range nodes {
		nr.wg.Wait()
		for _, port := range nr.inPorts {
			port.close()
		}
	}

	p.mu.Lock()
	for _, nr := range nodes {
		nr.state = StateStopped
		if err := nr.node.Deinit(); err != nil {
			monitoring.Logf("graph: deinit node %q: %v", nr.name, err)
		}
	}
	p.state = StateStopped
	p.mu.Unlock()
}

// Rearm returns all stopped nodes to the Prepared state.
func (p *Pipeline) Rearm() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateStopped {
		return fmt.Errorf("%w: pipeline is %s, want stopped", ErrIllegalStateTransition, p.state)
	}
	for _, name := range p.order {
		nr := p.nodes[name]
		if err := nr.node.Rearm(); err != nil {
			return fmt.Errorf("rearm node %q: %w", name, err)
		}
		for _, port := range nr.inPorts {
			port.reopen()
		}
		nr.state = StatePrepared
	}
	p.state = StatePrepared
	return nil
}

// Reset returns all nodes to the Configured state.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateRunning {
		return fmt.Errorf("%w: cannot reset a running pipeline", ErrIllegalStateTransition)
	}
	for _, name := range p.order {
		nr := p.nodes[name]
		if err := nr.node.Reset(); err != nil {
			return fmt.Errorf("reset node %q: %w", name, err)
		}
		for _, port := range nr.inPorts {
			port.reopen()
		}
		nr.state = StateConfigured
	}
	p.state = StateConfigured
	return nil
}

// SendToPort feeds a Blob from outside the graph into a node's input port.
func (p *Pipeline) SendToPort(blob *Blob, name string, portIdx int, timeout time.Duration) SendStatus {
	p.mu.Lock()
	nr, ok := p.nodes[name]
	p.mu.Unlock()
	if !ok || portIdx < 0 || portIdx >= len(nr.inPorts) {
		return SendNullPort
	}
	return nr.inPorts[portIdx].push(blob, timeout)
}

// NodeState reports a node's current lifecycle state.
func (p *Pipeline) NodeState(name string) (NodeState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	nr, ok := p.nodes[name]
	if !ok {
		return StateUnconfigured, fmt.Errorf("%w: %q", ErrNodeNotFound, name)
	}
	return nr.state, nil
}

// State reports the pipeline's lifecycle state.
func (p *Pipeline) State() NodeState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RegisterEvent adds a user event id to the bus.
func (p *Pipeline) RegisterEvent(ev EventID) error { return p.bus.register(ev) }

// RegisterCallback attaches a listener to a registered event.
func (p *Pipeline) RegisterCallback(ev EventID, fn EventListener) error {
	return p.bus.addCallback(ev, fn)
}

// EmitEvent fires an event synchronously on the calling goroutine.
func (p *Pipeline) EmitEvent(ev EventID, data any) error { return p.bus.emit(ev, data) }

// ResetAllCallbacks drops every installed listener.
func (p *Pipeline) ResetAllCallbacks() { p.bus.resetAllCallbacks() }
