package graph

import "time"

// NodeState is the lifecycle state of a node (and, reused, of a pipeline).
type NodeState int

const (
	StateUnconfigured NodeState = iota
	StateConfigured
	StatePrepared
	StateRunning
	StateStopped
	StateDestroyed
)

func (s NodeState) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfigured:
		return "configured"
	case StatePrepared:
		return "prepared"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// legalTransitions encodes the forward DAG of the lifecycle plus the two
// documented backward edges (rearm: Stopped→Prepared, reset: →Configured).
var legalTransitions = map[NodeState][]NodeState{
	StateUnconfigured: {StateConfigured},
	StateConfigured:   {StatePrepared, StateConfigured},
	StatePrepared:     {StateRunning, StateConfigured},
	StateRunning:      {StateStopped},
	StateStopped:      {StatePrepared, StateDestroyed, StateConfigured},
}

func transitionLegal(from, to NodeState) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// BatchingMode selects how a node's workers harvest Blobs from input ports.
type BatchingMode int

const (
	// BatchingWithSource lets any worker consume one Blob per invocation
	// from any stream. Cross-stream ordering is not preserved downstream.
	BatchingWithSource BatchingMode = iota
	// BatchingWithStream statically binds worker i to Streams[i]; a worker
	// only consumes Blobs whose StreamID matches its binding, preserving
	// per-stream order.
	BatchingWithStream
)

// AlignPolicy decides what happens to Blobs already popped when a
// multi-port aligned tuple cannot be completed within the timeout.
type AlignPolicy int

const (
	// AlignRequeue pushes the partial tuple back to the head of its ports.
	AlignRequeue AlignPolicy = iota
	// AlignDrop discards the partial tuple.
	AlignDrop
)

// BatchingConfig is the per-node scheduling policy.
type BatchingConfig struct {
	Mode BatchingMode
	// Streams gives the static worker→stream binding for
	// BatchingWithStream; len(Streams) workers are spawned, one per entry.
	Streams []uint32
	// BatchSize > 1 lets a single-port worker coalesce up to BatchSize
	// Blobs per GetBatchedInput call.
	BatchSize int
	// Align selects the misalignment policy for multi-port pulls.
	Align AlignPolicy
}

// Node is the contract every processing unit implements. Concrete nodes
// are small structs that embed BaseNode for the declarative parts and
// implement the factory plus whatever lifecycle hooks they need.
type Node interface {
	// Kind is the registry class name used for topology serialization.
	Kind() string
	// Ports declares the input and output port counts.
	Ports() (in, out int)
	// Batching declares the scheduling policy.
	Batching() BatchingConfig
	// Threads declares the worker count (ignored for BatchingWithStream,
	// which spawns one worker per bound stream).
	Threads() int

	// ConfigureByString parses the node's option blob (§ConfigString DSL).
	ConfigureByString(cfg string) error
	// ValidateConfiguration is a pure check of the parsed configuration.
	ValidateConfiguration() error
	// Prepare acquires resources. Called by Pipeline.Prepare in
	// dependency order.
	Prepare() error
	// CreateNodeWorker is called once per worker thread after Prepare.
	CreateNodeWorker(ctx NodeContext) Worker

	// Rearm returns a stopped node's resources to the prepared state.
	Rearm() error
	// Reset drops prepared resources, returning to the configured state.
	Reset() error
	// Deinit releases everything; the node is unusable afterwards.
	Deinit() error

	// Config returns the raw configuration string, for serialization.
	Config() string
}

// BaseNode supplies the declarative fields and no-op lifecycle defaults so
// concrete nodes only override what they need.
type BaseNode struct {
	InPortNum  int
	OutPortNum int
	ThreadNum  int
	Policy     BatchingConfig
	RawConfig  string
}

func (n *BaseNode) Ports() (int, int)         { return n.InPortNum, n.OutPortNum }
func (n *BaseNode) Batching() BatchingConfig  { return n.Policy }
func (n *BaseNode) Config() string            { return n.RawConfig }
func (n *BaseNode) ValidateConfiguration() error { return nil }
func (n *BaseNode) Prepare() error            { return nil }
func (n *BaseNode) Rearm() error              { return nil }
func (n *BaseNode) Reset() error              { return nil }
func (n *BaseNode) Deinit() error             { return nil }

// Threads returns the declared worker count, defaulting to one.
func (n *BaseNode) Threads() int {
	if n.Policy.Mode == BatchingWithStream && len(n.Policy.Streams) > 0 {
		return len(n.Policy.Streams)
	}
	if n.ThreadNum <= 0 {
		return 1
	}
	return n.ThreadNum
}

// ConfigureByString stores the raw blob and validates it parses. Nodes
// with real options override this, parse with ParseConfigString, and call
// SaveRawConfig themselves.
func (n *BaseNode) ConfigureByString(cfg string) error {
	if _, err := ParseConfigString(cfg); err != nil {
		return err
	}
	n.RawConfig = cfg
	return nil
}

// SaveRawConfig records the blob for topology serialization.
func (n *BaseNode) SaveRawConfig(cfg string) { n.RawConfig = cfg }

// Worker is a node's unit of execution. The runtime invokes Process
// repeatedly from a dedicated goroutine; ProcessByFirstRun and
// ProcessByLastRun run exactly once, before the first and after the last
// Process respectively.
type Worker interface {
	Process(batchIdx int) error
	ProcessByFirstRun() error
	ProcessByLastRun() error
}

// WorkerBase provides no-op first/last hooks.
type WorkerBase struct{}

func (WorkerBase) ProcessByFirstRun() error { return nil }
func (WorkerBase) ProcessByLastRun() error  { return nil }

// NodeContext is the runtime handle a worker uses to pull inputs, push
// outputs and reach the pipeline's event bus.
type NodeContext interface {
	// Name returns the node's pipeline-unique name.
	Name() string
	// GetBatchedInput returns one Blob per requested port, all sharing the
	// same (FrameID, StreamID), or nil on timeout/shutdown. With a
	// BatchSize > 1 policy and a single port it may return up to BatchSize
	// Blobs from that port instead.
	GetBatchedInput(batchIdx int, ports []int) []*Blob
	// SendOutput pushes blob to every edge bound to the given output
	// port, waiting up to timeout per edge.
	SendOutput(blob *Blob, port int, timeout time.Duration) SendStatus
	// EmitEvent fires an event on the owning pipeline's bus.
	EmitEvent(ev EventID, data any) error
	// Running reports false once shutdown has been broadcast.
	Running() bool
	// LatencyStart/LatencyStop bracket per-frame latency capture.
	LatencyStart(frameID uint32, probe string)
	LatencyStop(frameID uint32, probe string)
}
