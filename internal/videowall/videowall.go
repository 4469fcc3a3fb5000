// Package videowall builds the multi-stream composition graph: decode
// sources feed post-processing into tiled display sinks. The platform
// decode/display SDK stays external; nodes here own the runtime contracts
// (identity, binding, lifecycle, drain) and hand pixel work to callbacks.
package videowall

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
)

// NodeKind enumerates the three node types of the wall.
type NodeKind int

const (
	KindDecode NodeKind = iota
	KindPostProcess
	KindDisplay
)

func (k NodeKind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindPostProcess:
		return "postprocess"
	case KindDisplay:
		return "display"
	default:
		return "unknown"
	}
}

// NodeID identifies a wall node: kind plus device and stream ids. Unique
// within one wall.
type NodeID struct {
	Kind     NodeKind
	DevID    int
	StreamID uint32
}

func (id NodeID) String() string {
	return fmt.Sprintf("%s-%d-%d", id.Kind, id.DevID, id.StreamID)
}

// Binding errors.
var (
	ErrDuplicateNode    = errors.New("node id already exists")
	ErrUnknownNode      = errors.New("unknown node id")
	ErrIllegalBind      = errors.New("illegal bind between node kinds")
	ErrInputTaken       = errors.New("sink input already has a producer")
	ErrWallRunning      = errors.New("wall is running")
)

// legalBinds lists the producer→consumer kind pairs the wall accepts.
var legalBinds = map[[2]NodeKind]bool{
	{KindDecode, KindPostProcess}:      true,
	{KindPostProcess, KindDisplay}:     true,
	{KindDecode, KindDisplay}:          true,
}

// Wall owns the composition graph for one video wall.
type Wall struct {
	mu       sync.Mutex
	pipe     *graph.Pipeline
	decodes  map[NodeID]*DecodeNode
	pps      map[NodeID]*PostProcessNode
	displays map[NodeID]*DisplayNode
	bound    map[NodeID]bool // consumer side taken
	binds    [][2]NodeID
	running  bool
}

// NewWall creates an empty wall.
func NewWall() *Wall {
	return &Wall{
		pipe:     graph.NewPipeline(),
		decodes:  make(map[NodeID]*DecodeNode),
		pps:      make(map[NodeID]*PostProcessNode),
		displays: make(map[NodeID]*DisplayNode),
		bound:    make(map[NodeID]bool),
	}
}

func (w *Wall) exists(id NodeID) bool {
	switch id.Kind {
	case KindDecode:
		_, ok := w.decodes[id]
		return ok
	case KindPostProcess:
		_, ok := w.pps[id]
		return ok
	case KindDisplay:
		_, ok := w.displays[id]
		return ok
	}
	return false
}

// AddDecode registers a decode source.
func (w *Wall) AddDecode(node *DecodeNode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWallRunning
	}
	if w.exists(node.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if err := w.pipe.SetSource(node, node.ID.String(), []uint32{node.ID.StreamID}); err != nil {
		return err
	}
	w.decodes[node.ID] = node
	return nil
}

// AddPostProcess registers a post-processing stage.
func (w *Wall) AddPostProcess(node *PostProcessNode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWallRunning
	}
	if w.exists(node.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if err := w.pipe.AddNode(node, node.ID.String()); err != nil {
		return err
	}
	w.pps[node.ID] = node
	return nil
}

// AddDisplay registers a display sink.
func (w *Wall) AddDisplay(node *DisplayNode) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWallRunning
	}
	if w.exists(node.ID) {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}
	if err := w.pipe.AddNode(node, node.ID.String()); err != nil {
		return err
	}
	// Displays poll tiles independently; a short pull wait keeps one
	// idle tile from stalling its siblings.
	if err := w.pipe.SetPullTimeout(node.ID.String(), 20*time.Millisecond); err != nil {
		return err
	}
	w.displays[node.ID] = node
	return nil
}

// Bind links src into sink. Only declared-compatible kinds bind; each sink
// input accepts one producer; a display accepts many producers, one per
// tile, so binding claims the tile slot rather than the whole node.
func (w *Wall) Bind(src, sink NodeID) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWallRunning
	}
	if !w.exists(src) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, src)
	}
	if !w.exists(sink) {
		return fmt.Errorf("%w: %s", ErrUnknownNode, sink)
	}
	if !legalBinds[[2]NodeKind{src.Kind, sink.Kind}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalBind, src.Kind, sink.Kind)
	}

	switch sink.Kind {
	case KindPostProcess:
		if w.bound[sink] {
			return fmt.Errorf("%w: %s", ErrInputTaken, sink)
		}
		if err := w.pipe.LinkNode(src.String(), 0, sink.String(), 0, nil); err != nil {
			return err
		}
		w.bound[sink] = true
	case KindDisplay:
		disp := w.displays[sink]
		port, err := disp.claimInput(src)
		if err != nil {
			return err
		}
		if err := w.pipe.LinkNode(src.String(), 0, sink.String(), port, nil); err != nil {
			return err
		}
	}
	w.binds = append(w.binds, [2]NodeID{src, sink})
	return nil
}

// Start prepares and starts the underlying pipeline.
func (w *Wall) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return ErrWallRunning
	}
	if err := w.pipe.Prepare(); err != nil {
		return err
	}
	if err := w.pipe.Start(); err != nil {
		return err
	}
	w.running = true
	return nil
}

// Stop stops every decode node (draining their queues) and then the
// pipeline.
func (w *Wall) Stop() {
	w.mu.Lock()
	decodes := make([]*DecodeNode, 0, len(w.decodes))
	for _, d := range w.decodes {
		decodes = append(decodes, d)
	}
	running := w.running
	w.mu.Unlock()

	if !running {
		return
	}
	for _, d := range decodes {
		d.Stop()
	}
	w.pipe.Stop()

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
}

// Display returns a registered display node.
func (w *Wall) Display(id NodeID) (*DisplayNode, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.displays[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return d, nil
}

// Decode returns a registered decode node.
func (w *Wall) Decode(id NodeID) (*DecodeNode, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	d, ok := w.decodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return d, nil
}
