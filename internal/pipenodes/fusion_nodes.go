package pipenodes

import (
	"fmt"
	"io"
	"time"

	"github.com/metro-edge/fusionkit/internal/fusion"
	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
	"github.com/metro-edge/fusionkit/internal/radar"
	"github.com/metro-edge/fusionkit/internal/sink"
)

// CameraROISourceNode replays per-frame camera detections on one stream.
// Detections arrive from the inference stage as plain ROIs; this source
// stands in for it in replay runs and tests.
type CameraROISourceNode struct {
	graph.BaseNode
	StreamID uint32
	Frames   [][]graph.ROI
	Width    uint32
	Height   uint32
}

// NewCameraROISourceNode builds a source for one camera stream.
func NewCameraROISourceNode(streamID uint32, frames [][]graph.ROI, width, height uint32) *CameraROISourceNode {
	return &CameraROISourceNode{
		BaseNode: graph.BaseNode{InPortNum: 0, OutPortNum: 1, ThreadNum: 1},
		StreamID: streamID,
		Frames:   frames,
		Width:    width,
		Height:   height,
	}
}

func (n *CameraROISourceNode) Kind() string { return "CameraROISource" }

func (n *CameraROISourceNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &cameraROISourceWorker{node: n, ctx: ctx}
}

type cameraROISourceWorker struct {
	graph.WorkerBase
	node *CameraROISourceNode
	ctx  graph.NodeContext
	done bool
}

func (w *cameraROISourceWorker) Process(batchIdx int) error {
	if w.done {
		time.Sleep(time.Millisecond)
		return nil
	}
	for frameID, rois := range w.node.Frames {
		if !w.ctx.Running() {
			return nil
		}
		blob := graph.NewBlob(w.node.StreamID, uint32(frameID))
		buf := &graph.VideoFrameBuffer{
			FrameID: uint32(frameID),
			Width:   w.node.Width,
			Height:  w.node.Height,
			ROIs:    rois,
		}
		blob.Push(buf)
		for {
			st := w.ctx.SendOutput(blob, 0, sendTimeout)
			if st == graph.SendSuccess || st == graph.SendNullPort {
				break
			}
			if !w.ctx.Running() {
				return nil
			}
		}
	}
	eos := graph.NewBlob(w.node.StreamID, uint32(len(w.node.Frames)))
	buf := &graph.VideoFrameBuffer{FrameID: uint32(len(w.node.Frames))}
	buf.SetTag(graph.TagEndOfRequest)
	eos.Push(buf)
	w.ctx.SendOutput(eos, 0, sendTimeout)
	w.done = true
	return nil
}

// CameraFusionNode joins N camera streams with the radar track stream on
// aligned (frame, stream) tuples, projects every camera detection to the
// ground plane and runs the class-wise NMS merge. Input ports 0..N-1 are
// cameras; port N is the radar.
type CameraFusionNode struct {
	graph.BaseNode
	NumCams int
	Fuser   *fusion.MultiCameraFuser
}

// NewCameraFusionNode builds the join node for numCams cameras.
func NewCameraFusionNode(numCams int, fuser *fusion.MultiCameraFuser) *CameraFusionNode {
	return &CameraFusionNode{
		BaseNode: graph.BaseNode{InPortNum: numCams + 1, OutPortNum: 1, ThreadNum: 1},
		NumCams:  numCams,
		Fuser:    fuser,
	}
}

func (n *CameraFusionNode) Kind() string { return "CameraFusion" }

func (n *CameraFusionNode) ValidateConfiguration() error {
	if n.NumCams < 1 {
		return fmt.Errorf("camera fusion needs at least one camera, got %d", n.NumCams)
	}
	if n.Fuser == nil {
		return fmt.Errorf("camera fusion needs a configured fuser")
	}
	return nil
}

func (n *CameraFusionNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &cameraFusionWorker{node: n, ctx: ctx}
}

type cameraFusionWorker struct {
	graph.WorkerBase
	node *CameraFusionNode
	ctx  graph.NodeContext
}

func (w *cameraFusionWorker) Process(batchIdx int) error {
	ports := make([]int, w.node.NumCams+1)
	for i := range ports {
		ports[i] = i
	}
	blobs := w.ctx.GetBatchedInput(batchIdx, ports)
	if len(blobs) == 0 {
		return nil
	}
	radarBlob := blobs[w.node.NumCams]
	outBlob := blobs[0]
	outBuf := outBlob.Get(0)
	if outBuf == nil {
		return nil
	}
	emitTimestamp(w.ctx, outBlob.FrameID, "CameraFusionIn")

	// EOS tuples forward untouched so sinks can count them.
	eos := false
	for _, b := range blobs {
		if b.EOS() {
			eos = true
			break
		}
	}
	if eos {
		outBuf.SetTag(graph.TagEndOfRequest)
		w.ctx.SendOutput(outBlob, 0, sendTimeout)
		return nil
	}

	w.ctx.LatencyStart(outBlob.FrameID, "CameraFusion")
	bag := fusion.NewOutput(w.node.NumCams)

	camLists := make([][]graph.ROI, w.node.NumCams)
	for cam := 0; cam < w.node.NumCams; cam++ {
		var rois []graph.ROI
		if vf, ok := blobs[cam].Get(0).(*graph.VideoFrameBuffer); ok {
			rois = vf.ROIs
		}
		camLists[cam] = rois
		coords := make([]fusion.Rect, 0, len(rois))
		for _, roi := range rois {
			obj, err := w.node.Fuser.TransformDetection(roi, cam)
			if err != nil {
				monitoring.Logf("pipenodes: transform camera %d frame %d: %v", cam, outBlob.FrameID, err)
				continue
			}
			coords = append(coords, obj.BBox)
		}
		bag.AddCameraROIs(cam, rois, coords)
	}

	fused, err := w.node.Fuser.FuseNCamera(camLists...)
	if err != nil {
		monitoring.Logf("pipenodes: fuse frame %d: %v", outBlob.FrameID, err)
		outBuf.SetDrop(true)
	}
	bag.SetCameraFusion(fused)

	if radarBuf := radarBlob.Get(0); radarBuf != nil {
		if tracks, ok := graph.GetMeta[radar.TrackerOutput](radarBuf.Meta()); ok {
			bag.RadarTracks = tracks.Tracks
		}
	}

	graph.SetMeta(outBuf.Meta(), *bag)
	w.ctx.LatencyStop(outBlob.FrameID, "CameraFusion")
	w.ctx.SendOutput(outBlob, 0, sendTimeout)
	emitTimestamp(w.ctx, outBlob.FrameID, "CameraFusionOut")
	return nil
}

// Track2TrackNode pairs radar tracks with fused camera detections.
type Track2TrackNode struct {
	graph.BaseNode
	Associator *fusion.Associator
}

// NewTrack2TrackNode builds the association node.
func NewTrack2TrackNode(assoc *fusion.Associator) *Track2TrackNode {
	if assoc == nil {
		assoc = fusion.NewAssociator()
	}
	return &Track2TrackNode{
		BaseNode:   graph.BaseNode{InPortNum: 1, OutPortNum: 1, ThreadNum: 1},
		Associator: assoc,
	}
}

func (n *Track2TrackNode) Kind() string { return "Track2TrackAssociation" }

func (n *Track2TrackNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &track2TrackWorker{node: n, ctx: ctx}
}

type track2TrackWorker struct {
	graph.WorkerBase
	node *Track2TrackNode
	ctx  graph.NodeContext
}

func (w *track2TrackWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		buf := blob.Get(0)
		if buf == nil {
			continue
		}
		emitTimestamp(w.ctx, blob.FrameID, "Track2TrackIn")
		if !buf.Drop() && buf.Tag() != graph.TagEndOfRequest {
			w.ctx.LatencyStart(blob.FrameID, "Track2Track")
			if bag, ok := graph.GetMeta[fusion.Output](buf.Meta()); ok {
				w.node.Associator.Associate(&bag)
				graph.SetMeta(buf.Meta(), bag)
			} else {
				monitoring.Logf("pipenodes: frame %d carries no fusion bag", blob.FrameID)
			}
			w.ctx.LatencyStop(blob.FrameID, "Track2Track")
		}
		w.ctx.SendOutput(blob, 0, sendTimeout)
		emitTimestamp(w.ctx, blob.FrameID, "Track2TrackOut")
	}
	return nil
}

// FusionResponseSinkNode renders the fusion bag as one JSON response per
// frame and fires finish when all streams drain.
type FusionResponseSinkNode struct {
	graph.BaseNode
	writer *sink.ResponseWriter
}

// NewFusionResponseSinkNode writes JSON lines to w for a request spanning
// streamNum streams.
func NewFusionResponseSinkNode(w io.Writer, streamNum int) *FusionResponseSinkNode {
	node := &FusionResponseSinkNode{
		BaseNode: graph.BaseNode{InPortNum: 1, OutPortNum: 0, ThreadNum: 1},
	}
	node.writer = sink.NewResponseWriter(w, streamNum, nil)
	return node
}

func (n *FusionResponseSinkNode) Kind() string { return "FusionResponseSink" }

// RequestID exposes the request identifier minted by the writer.
func (n *FusionResponseSinkNode) RequestID() string { return n.writer.RequestID() }

func (n *FusionResponseSinkNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &fusionResponseSinkWorker{node: n, ctx: ctx}
}

type fusionResponseSinkWorker struct {
	graph.WorkerBase
	node *FusionResponseSinkNode
	ctx  graph.NodeContext
}

func (w *fusionResponseSinkWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		buf := blob.Get(0)
		if buf == nil {
			continue
		}
		if buf.Tag() == graph.TagEndOfRequest {
			was := w.node.writer.Finished()
			w.node.writer.ObserveEOS(blob.StreamID)
			if !was && w.node.writer.Finished() {
				w.ctx.EmitEvent(graph.EventFinish, graph.FinishInfo{
					RequestID: w.node.writer.RequestID(),
				})
			}
			continue
		}

		var resp sink.Response
		if buf.Drop() {
			resp = sink.Response{
				StatusCode:  sink.StatusReadFailure,
				Description: "readOrDecodeFailed",
				StreamID:    blob.StreamID,
			}
		} else if bag, ok := graph.GetMeta[fusion.Output](buf.Meta()); ok {
			resp = sink.BuildResponse(&bag, blob.StreamID, 0, 0)
		} else {
			resp = sink.BuildResponse(nil, blob.StreamID, 0, 0)
		}
		if err := w.node.writer.Write(resp); err != nil {
			monitoring.Logf("pipenodes: response sink frame %d: %v", blob.FrameID, err)
		}
	}
	return nil
}
