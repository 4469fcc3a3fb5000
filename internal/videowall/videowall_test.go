package videowall

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
)

// fakeSource emits n synthetic frames, then EOF.
type fakeSource struct {
	mu      sync.Mutex
	total   int
	emitted int
	closed  bool
}

func (s *fakeSource) ReadFrame() (*RawFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitted >= s.total {
		return nil, io.EOF
	}
	s.emitted++
	return &RawFrame{Width: 1920, Height: 1080, Data: []byte{0}, PTS: uint64(s.emitted)}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decodeID(stream uint32) NodeID { return NodeID{Kind: KindDecode, DevID: 0, StreamID: stream} }

func TestBindLegality(t *testing.T) {
	w := NewWall()
	dec := NewDecodeNode(decodeID(0), &fakeSource{total: 1}, false)
	pp := NewPostProcessNode(NodeID{DevID: 0, StreamID: 0}, PostProcessConfig{})
	disp := NewDisplayNode(NodeID{DevID: 1, StreamID: 0}, 3840, 2160)

	if err := w.AddDecode(dec); err != nil {
		t.Fatal(err)
	}
	if err := w.AddPostProcess(pp); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDisplay(disp); err != nil {
		t.Fatal(err)
	}

	// Display can never produce.
	if err := w.Bind(disp.ID, pp.ID); !errors.Is(err, ErrIllegalBind) {
		t.Errorf("display as producer: %v", err)
	}
	// PostProcess into PostProcess is not declared compatible.
	if err := w.Bind(pp.ID, pp.ID); !errors.Is(err, ErrIllegalBind) {
		t.Errorf("pp->pp: %v", err)
	}
	if err := w.Bind(dec.ID, pp.ID); err != nil {
		t.Fatalf("decode->pp: %v", err)
	}
	// Second producer into the same post-process input.
	dec2 := NewDecodeNode(decodeID(1), &fakeSource{total: 1}, false)
	if err := w.AddDecode(dec2); err != nil {
		t.Fatal(err)
	}
	if err := w.Bind(dec2.ID, pp.ID); !errors.Is(err, ErrInputTaken) {
		t.Errorf("double producer: %v", err)
	}
	if err := w.Bind(pp.ID, disp.ID); err != nil {
		t.Fatalf("pp->display: %v", err)
	}
	// Unknown node.
	if err := w.Bind(NodeID{Kind: KindDecode, DevID: 9, StreamID: 9}, disp.ID); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("unknown producer: %v", err)
	}
}

func TestDuplicateNodeIdentity(t *testing.T) {
	w := NewWall()
	if err := w.AddDecode(NewDecodeNode(decodeID(0), &fakeSource{total: 1}, false)); err != nil {
		t.Fatal(err)
	}
	err := w.AddDecode(NewDecodeNode(decodeID(0), &fakeSource{total: 1}, false))
	if !errors.Is(err, ErrDuplicateNode) {
		t.Errorf("duplicate (type, devId, streamId): %v", err)
	}
}

func TestDecodeLifecycle(t *testing.T) {
	src := &fakeSource{total: 3}
	dec := NewDecodeNode(decodeID(0), src, false)

	if err := dec.Start(); !errors.Is(err, ErrDecodeState) {
		t.Errorf("start before init: %v", err)
	}
	if err := dec.Init(); err != nil {
		t.Fatal(err)
	}
	if err := dec.Start(); err != nil {
		t.Fatal(err)
	}
	if err := dec.Init(); !errors.Is(err, ErrDecodeState) {
		t.Errorf("re-init while started: %v", err)
	}
	if err := dec.Destroy(); !errors.Is(err, ErrDecodeState) {
		t.Errorf("destroy while started: %v", err)
	}

	// Give the reader time to hit EOF and idle.
	time.Sleep(50 * time.Millisecond)
	if err := dec.Stop(); err != nil {
		t.Fatal(err)
	}
	if dec.State() != DecodeStopped {
		t.Errorf("state = %d", dec.State())
	}
	if err := dec.Destroy(); err != nil {
		t.Fatal(err)
	}
	if !src.closed {
		t.Error("destroy should close the source")
	}
}

func TestWallEndToEnd(t *testing.T) {
	w := NewWall()
	src := &fakeSource{total: 10}
	dec := NewDecodeNode(decodeID(0), src, false)
	pp := NewPostProcessNode(NodeID{DevID: 0, StreamID: 0}, PostProcessConfig{OutWidth: 960, OutHeight: 540})
	disp := NewDisplayNode(NodeID{DevID: 1, StreamID: 0}, 3840, 2160)

	var composed atomic.Int64
	disp.Compose = func(tileID int, tile Tile, frame *graph.VideoFrameBuffer) {
		if frame.Width != 960 || frame.Height != 540 {
			t.Errorf("post-process geometry lost: %dx%d", frame.Width, frame.Height)
		}
		composed.Add(1)
	}

	if err := w.AddDecode(dec); err != nil {
		t.Fatal(err)
	}
	if err := w.AddPostProcess(pp); err != nil {
		t.Fatal(err)
	}
	if err := w.AddDisplay(disp); err != nil {
		t.Fatal(err)
	}
	if err := w.Bind(dec.ID, pp.ID); err != nil {
		t.Fatal(err)
	}
	if err := w.Bind(pp.ID, disp.ID); err != nil {
		t.Fatal(err)
	}

	if err := dec.Init(); err != nil {
		t.Fatal(err)
	}
	if err := w.Start(); err != nil {
		t.Fatal(err)
	}
	if err := dec.Start(); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && composed.Load() < 10 {
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop()

	if composed.Load() < 10 {
		t.Errorf("composed %d frames, want 10", composed.Load())
	}
	if dec.State() != DecodeStopped {
		t.Errorf("decode state after wall stop = %d", dec.State())
	}
}

func TestDisplayTileOps(t *testing.T) {
	disp := NewDisplayNode(NodeID{DevID: 0, StreamID: 0}, 1920, 1080)
	port, err := disp.claimInput(decodeID(0))
	if err != nil {
		t.Fatal(err)
	}

	if err := disp.SetTileRect(port, 0, 0, 960, 540); err != nil {
		t.Fatal(err)
	}
	if err := disp.SetTileRect(port, 1000, 600, 1000, 600); !errors.Is(err, ErrBadRect) {
		t.Errorf("off-surface rect: %v", err)
	}
	if err := disp.SetTileRect(99, 0, 0, 10, 10); !errors.Is(err, ErrNoSuchTile) {
		t.Errorf("unknown tile: %v", err)
	}

	if err := disp.Pause(port); err != nil {
		t.Fatal(err)
	}
	st, _ := disp.TileState(port)
	if !st.Paused {
		t.Error("pause not recorded")
	}
	disp.Resume(port)
	disp.Hide(port)
	st, _ = disp.TileState(port)
	if !st.Hidden {
		t.Error("hide not recorded")
	}
	disp.Show(port)

	if err := disp.ZoomIn(port, graph.ROI{X: 100, Y: 100, W: 200, H: 200}); err != nil {
		t.Fatal(err)
	}
	st, _ = disp.TileState(port)
	if st.Zoom == nil || st.Zoom.W != 200 {
		t.Error("zoom not recorded")
	}
	if err := disp.ZoomIn(port, graph.ROI{W: -1, H: 10}); !errors.Is(err, ErrBadRect) {
		t.Errorf("bad zoom rect: %v", err)
	}
	disp.ZoomOut(port)
	st, _ = disp.TileState(port)
	if st.Zoom != nil {
		t.Error("zoom-out not recorded")
	}

	disp.AttachOSD(port, 1)
	disp.AttachOSD(port, 2)
	if got := disp.OSDCount(port); got != 2 {
		t.Errorf("osd count = %d", got)
	}
	disp.DetachOSD(port, 1)
	if got := disp.OSDCount(port); got != 1 {
		t.Errorf("osd count after detach = %d", got)
	}
}

func TestUserPictureOverride(t *testing.T) {
	dec := NewDecodeNode(decodeID(0), &fakeSource{total: 100}, false)
	if err := dec.SetUserPicture(nil, true); err == nil {
		t.Error("nil user picture should be rejected")
	}
	pic := &RawFrame{Width: 640, Height: 480, Data: []byte{1}}
	if err := dec.SetUserPicture(pic, true); err != nil {
		t.Fatal(err)
	}

	dec.mu.Lock()
	active := dec.userPicActive
	dec.mu.Unlock()
	if !active {
		t.Error("user picture should be active")
	}
	dec.DisableUserPicture()
	dec.mu.Lock()
	active = dec.userPicActive
	dec.mu.Unlock()
	if active {
		t.Error("disable should return to live frames")
	}
}
