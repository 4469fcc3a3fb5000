package videowall

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
)

// Decode tuning knobs.
const (
	decodeQueueCapacity = 8
	maxSendRetry        = 50
	drainRetryBudget    = 100
	drainRetrySleep     = 5 * time.Millisecond
	postEOFSleep        = 20 * time.Millisecond
)

// RawFrame is one decoded (or raw bitstream) frame descriptor. Data stays
// opaque to the runtime.
type RawFrame struct {
	Width  uint32
	Height uint32
	Data   []byte
	PTS    uint64
}

// FrameSource abstracts the file or network reader feeding one decode
// node. ReadFrame returns io.EOF when the source ends.
type FrameSource interface {
	ReadFrame() (*RawFrame, error)
	Close() error
}

// DecodeState is the decode node's lifecycle.
type DecodeState int

const (
	DecodeCreated DecodeState = iota
	DecodeInited
	DecodeStarted
	DecodeStopped
	DecodeDestroyed
)

// ErrDecodeState reports a lifecycle call in the wrong state.
var ErrDecodeState = errors.New("decode node in wrong state")

// DecodeNode reads frames from its source on an internal reader goroutine
// and emits them into the wall graph. A user picture can be substituted
// for live frames at any time.
type DecodeNode struct {
	graph.BaseNode
	ID NodeID

	mu      sync.Mutex
	state   DecodeState
	source  FrameSource
	loop    bool // restart the source on EOF instead of idling
	queue   chan *RawFrame
	readerW sync.WaitGroup
	stopCh  chan struct{}

	userPic        *RawFrame
	userPicInstant bool
	userPicActive  bool

	frameID uint32
}

// NewDecodeNode wraps a frame source. With loop set the source is
// restarted on EOF (file replay); otherwise the reader idles after EOF.
func NewDecodeNode(id NodeID, source FrameSource, loop bool) *DecodeNode {
	id.Kind = KindDecode
	return &DecodeNode{
		BaseNode: graph.BaseNode{InPortNum: 0, OutPortNum: 1, ThreadNum: 1},
		ID:       id,
		source:   source,
		loop:     loop,
		state:    DecodeCreated,
	}
}

func (n *DecodeNode) Kind() string { return "WallDecode" }

// State returns the lifecycle state.
func (n *DecodeNode) State() DecodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Init allocates the frame queue.
func (n *DecodeNode) Init() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != DecodeCreated && n.state != DecodeStopped {
		return fmt.Errorf("%w: init from %d", ErrDecodeState, n.state)
	}
	n.queue = make(chan *RawFrame, decodeQueueCapacity)
	n.stopCh = make(chan struct{})
	n.state = DecodeInited
	return nil
}

// Start launches the reader goroutine.
func (n *DecodeNode) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != DecodeInited {
		return fmt.Errorf("%w: start from %d", ErrDecodeState, n.state)
	}
	n.state = DecodeStarted
	n.readerW.Add(1)
	go n.readLoop()
	return nil
}

// Stop signals the reader and waits for the decode queue to drain within
// the bounded retry budget before returning. Frames still queued after
// the budget are discarded so the downstream sink can be unbound safely.
func (n *DecodeNode) Stop() error {
	n.mu.Lock()
	if n.state != DecodeStarted {
		n.mu.Unlock()
		return fmt.Errorf("%w: stop from %d", ErrDecodeState, n.state)
	}
	stopCh := n.stopCh
	n.mu.Unlock()

	close(stopCh)
	n.readerW.Wait()

	drained := false
	for retry := 0; retry < drainRetryBudget; retry++ {
		if len(n.queue) == 0 {
			drained = true
			break
		}
		time.Sleep(drainRetrySleep)
	}
	if !drained {
		monitoring.Logf("videowall: decode %s queue not drained, discarding %d frames", n.ID, len(n.queue))
		for len(n.queue) > 0 {
			<-n.queue
		}
	}

	n.mu.Lock()
	n.state = DecodeStopped
	n.mu.Unlock()
	return nil
}

// Destroy releases the source.
func (n *DecodeNode) Destroy() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state == DecodeStarted {
		return fmt.Errorf("%w: destroy while started", ErrDecodeState)
	}
	n.state = DecodeDestroyed
	if n.source != nil {
		return n.source.Close()
	}
	return nil
}

// SetUserPicture substitutes a YUV image for live frames. With instant
// set the switch happens on the next emitted frame; otherwise it waits
// for the next source frame boundary (here: the next emit either way, the
// flag is recorded for the display layer).
func (n *DecodeNode) SetUserPicture(pic *RawFrame, instant bool) error {
	if pic == nil || pic.Width == 0 || pic.Height == 0 {
		return fmt.Errorf("user picture needs dimensions")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userPic = pic
	n.userPicInstant = instant
	n.userPicActive = true
	return nil
}

// DisableUserPicture returns the node to live frames.
func (n *DecodeNode) DisableUserPicture() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.userPicActive = false
}

// readLoop pulls frames from the source into the bounded queue until
// stopped. EOF either restarts the source (loop mode) or idles with a
// sleep so a closed source is not busy-polled.
func (n *DecodeNode) readLoop() {
	defer n.readerW.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}
		frame, err := n.source.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if n.loop {
					continue
				}
				select {
				case <-n.stopCh:
					return
				case <-time.After(postEOFSleep):
				}
				continue
			}
			monitoring.Logf("videowall: decode %s read: %v", n.ID, err)
			return
		}
		select {
		case <-n.stopCh:
			return
		case n.queue <- frame:
		}
	}
}

// CreateNodeWorker implements graph.Node.
func (n *DecodeNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &decodeWorker{node: n, ctx: ctx}
}

type decodeWorker struct {
	graph.WorkerBase
	node *DecodeNode
	ctx  graph.NodeContext
}

func (w *decodeWorker) Process(batchIdx int) error {
	n := w.node
	var frame *RawFrame
	select {
	case frame = <-n.queue:
	case <-time.After(20 * time.Millisecond):
		return nil
	}

	n.mu.Lock()
	if n.userPicActive && n.userPic != nil {
		frame = n.userPic
	}
	frameID := n.frameID
	n.frameID++
	n.mu.Unlock()

	blob := graph.NewBlob(n.ID.StreamID, frameID)
	buf := &graph.VideoFrameBuffer{
		FrameID:  frameID,
		Width:    frame.Width,
		Height:   frame.Height,
		PlaneNum: 2, // NV12 layout
		Handle:   frame,
	}
	blob.Push(buf)

	// Bounded retry on a stalled sink, then drop the frame: a wall keeps
	// rendering the present, it does not build a backlog of the past.
	for retry := 0; retry < maxSendRetry; retry++ {
		st := w.ctx.SendOutput(blob, 0, 10*time.Millisecond)
		if st != graph.SendPortFullTimeout {
			return nil
		}
		if !w.ctx.Running() {
			return nil
		}
	}
	monitoring.Logf("videowall: decode %s dropped frame %d after %d retries", n.ID, frameID, maxSendRetry)
	return nil
}
