package videowall

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
)

// maxTilesPerDisplay bounds one display's composition inputs.
const maxTilesPerDisplay = 16

// Tile is one stream's placement on a display.
type Tile struct {
	X, Y, W, H int

	Paused bool
	Hidden bool
	// Zoom, when non-nil, selects the source sub-rectangle blown up to
	// the tile.
	Zoom *graph.ROI

	// LastFrame is the most recent frame composed into this tile.
	LastFrame *graph.VideoFrameBuffer
	// FramesShown counts frames actually composed (paused/hidden frames
	// are consumed but not shown).
	FramesShown int

	producer NodeID
	osdIDs   map[int]bool
}

// Display stream errors.
var (
	ErrNoSuchTile   = errors.New("no such tile")
	ErrTileOverflow = errors.New("display tile budget exhausted")
	ErrBadRect      = errors.New("invalid rectangle")
)

// DisplayNode composes bound streams onto a tiled output surface. The
// actual scan-out belongs to the platform; the node keeps authoritative
// tile state and feeds the compose callback.
type DisplayNode struct {
	graph.BaseNode
	ID NodeID

	// Compose, when non-nil, is invoked for every shown frame with its
	// tile id and target rect.
	Compose func(tileID int, tile Tile, frame *graph.VideoFrameBuffer)

	mu      sync.Mutex
	tiles   map[int]*Tile // keyed by input port = tile id
	width   int
	height  int
	nextIn  int
}

// NewDisplayNode creates a display surface of the given size.
func NewDisplayNode(id NodeID, width, height int) *DisplayNode {
	id.Kind = KindDisplay
	return &DisplayNode{
		BaseNode: graph.BaseNode{InPortNum: maxTilesPerDisplay, OutPortNum: 0, ThreadNum: 1},
		ID:       id,
		tiles:    make(map[int]*Tile),
		width:    width,
		height:   height,
	}
}

func (n *DisplayNode) Kind() string { return "WallDisplay" }

// claimInput reserves the next tile slot for a producer and returns its
// input port index.
func (n *DisplayNode) claimInput(producer NodeID) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nextIn >= maxTilesPerDisplay {
		return 0, ErrTileOverflow
	}
	port := n.nextIn
	n.nextIn++
	n.tiles[port] = &Tile{
		X: 0, Y: 0, W: n.width, H: n.height,
		producer: producer,
		osdIDs:   make(map[int]bool),
	}
	return port, nil
}

func (n *DisplayNode) tile(tileID int) (*Tile, error) {
	t, ok := n.tiles[tileID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchTile, tileID)
	}
	return t, nil
}

// SetTileRect places a tile on the surface.
func (n *DisplayNode) SetTileRect(tileID, x, y, w, h int) error {
	if w <= 0 || h <= 0 || x < 0 || y < 0 || x+w > n.width || y+h > n.height {
		return fmt.Errorf("%w: (%d,%d %dx%d) on %dx%d surface", ErrBadRect, x, y, w, h, n.width, n.height)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.tile(tileID)
	if err != nil {
		return err
	}
	t.X, t.Y, t.W, t.H = x, y, w, h
	return nil
}

// Pause freezes a tile on its last frame; Resume continues.
func (n *DisplayNode) Pause(tileID int) error  { return n.setFlag(tileID, func(t *Tile) { t.Paused = true }) }
func (n *DisplayNode) Resume(tileID int) error { return n.setFlag(tileID, func(t *Tile) { t.Paused = false }) }

// Hide blanks a tile; Show restores it.
func (n *DisplayNode) Hide(tileID int) error { return n.setFlag(tileID, func(t *Tile) { t.Hidden = true }) }
func (n *DisplayNode) Show(tileID int) error { return n.setFlag(tileID, func(t *Tile) { t.Hidden = false }) }

func (n *DisplayNode) setFlag(tileID int, apply func(*Tile)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.tile(tileID)
	if err != nil {
		return err
	}
	apply(t)
	return nil
}

// ZoomIn magnifies a source sub-rectangle into the tile.
func (n *DisplayNode) ZoomIn(tileID int, rect graph.ROI) error {
	if rect.W <= 0 || rect.H <= 0 || rect.X < 0 || rect.Y < 0 {
		return fmt.Errorf("%w: zoom %dx%d at (%d,%d)", ErrBadRect, rect.W, rect.H, rect.X, rect.Y)
	}
	return n.setFlag(tileID, func(t *Tile) { t.Zoom = &rect })
}

// ZoomOut returns the tile to the full source.
func (n *DisplayNode) ZoomOut(tileID int) error {
	return n.setFlag(tileID, func(t *Tile) { t.Zoom = nil })
}

// AttachOSD registers an overlay on a tile; DetachOSD removes it. The
// overlay pixels belong to the platform compositor.
func (n *DisplayNode) AttachOSD(tileID, osdID int) error {
	return n.setFlag(tileID, func(t *Tile) { t.osdIDs[osdID] = true })
}

func (n *DisplayNode) DetachOSD(tileID, osdID int) error {
	return n.setFlag(tileID, func(t *Tile) { delete(t.osdIDs, osdID) })
}

// OSDCount reports the overlays attached to a tile.
func (n *DisplayNode) OSDCount(tileID int) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.tile(tileID)
	if err != nil {
		return 0
	}
	return len(t.osdIDs)
}

// TileState returns a snapshot of one tile.
func (n *DisplayNode) TileState(tileID int) (Tile, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	t, err := n.tile(tileID)
	if err != nil {
		return Tile{}, err
	}
	return *t, nil
}

func (n *DisplayNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &displayWorker{node: n, ctx: ctx}
}

type displayWorker struct {
	graph.WorkerBase
	node *DisplayNode
	ctx  graph.NodeContext
}

func (w *displayWorker) Process(batchIdx int) error {
	n := w.node
	n.mu.Lock()
	active := make([]int, 0, len(n.tiles))
	for port := range n.tiles {
		active = append(active, port)
	}
	n.mu.Unlock()

	if len(active) == 0 {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	// Tiles advance independently; one stalled stream must not freeze the
	// wall, so each port is polled rather than pulled as an aligned tuple.
	for _, port := range active {
		blobs := w.ctx.GetBatchedInput(batchIdx, []int{port})
		for _, blob := range blobs {
			vf, ok := blob.Get(0).(*graph.VideoFrameBuffer)
			if !ok {
				continue
			}
			n.mu.Lock()
			t := n.tiles[port]
			if t.Paused || t.Hidden {
				n.mu.Unlock()
				continue
			}
			t.LastFrame = vf
			t.FramesShown++
			snapshot := *t
			n.mu.Unlock()
			if n.Compose != nil {
				n.Compose(port, snapshot, vf)
			}
		}
	}
	return nil
}
