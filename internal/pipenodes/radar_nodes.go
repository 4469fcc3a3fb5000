// Package pipenodes is the composition layer: it wraps the radar and
// fusion kernels as graph nodes. It imports the kernel packages and the
// graph runtime; none of those import it back.
package pipenodes

import (
	"fmt"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
	"github.com/metro-edge/fusionkit/internal/radar"
	"github.com/metro-edge/fusionkit/internal/sink"
	"github.com/metro-edge/fusionkit/internal/storage/sqlite"
)

const sendTimeout = 100 * time.Millisecond

// emitTimestamp publishes a pipeline timestamp probe for one frame.
func emitTimestamp(ctx graph.NodeContext, frameID uint32, probe string) {
	ctx.EmitEvent(graph.EventPipelineTimeStampRecord, graph.TimeStampInfo{
		FrameID: frameID,
		Probe:   probe,
		At:      time.Now(),
	})
}

// PointCloudSourceNode replays recorded point-cloud frames on one stream,
// then emits the end-of-request tag. Repeat > 1 replays the capture that
// many times with continuing frame ids.
type PointCloudSourceNode struct {
	graph.BaseNode
	StreamID    uint32
	Frames      []*radar.PointClouds
	Repeat      int
	RadarConfig *radar.Config
}

// NewPointCloudSourceNode builds a source for one stream.
func NewPointCloudSourceNode(streamID uint32, frames []*radar.PointClouds, cfg *radar.Config) *PointCloudSourceNode {
	repeat := 1
	if cfg != nil && cfg.CSVRepeatNum > 1 {
		repeat = cfg.CSVRepeatNum
	}
	return &PointCloudSourceNode{
		BaseNode:    graph.BaseNode{InPortNum: 0, OutPortNum: 1, ThreadNum: 1},
		StreamID:    streamID,
		Frames:      frames,
		Repeat:      repeat,
		RadarConfig: cfg,
	}
}

func (n *PointCloudSourceNode) Kind() string { return "PointCloudSource" }

func (n *PointCloudSourceNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &pointCloudSourceWorker{node: n, ctx: ctx}
}

type pointCloudSourceWorker struct {
	graph.WorkerBase
	node *PointCloudSourceNode
	ctx  graph.NodeContext
	done bool
}

func (w *pointCloudSourceWorker) Process(batchIdx int) error {
	if w.done {
		time.Sleep(time.Millisecond)
		return nil
	}
	frameID := uint32(0)
	for rep := 0; rep < w.node.Repeat; rep++ {
		for _, pc := range w.node.Frames {
			if !w.ctx.Running() {
				return nil
			}
			blob := graph.NewBlob(w.node.StreamID, frameID)
			buf := graph.NewRawBuffer(nil, nil)
			graph.SetMeta(buf.Meta(), *pc)
			if w.node.RadarConfig != nil {
				graph.SetMeta(buf.Meta(), *w.node.RadarConfig)
			}
			blob.Push(buf)
			// Source nodes treat a full port as backpressure: hold the
			// frame and retry, never advance past it.
			for {
				st := w.ctx.SendOutput(blob, 0, sendTimeout)
				if st == graph.SendSuccess || st == graph.SendNullPort {
					break
				}
				if !w.ctx.Running() {
					return nil
				}
			}
			frameID++
		}
	}
	eos := graph.NewBlob(w.node.StreamID, frameID)
	buf := graph.NewRawBuffer(nil, nil)
	buf.SetTag(graph.TagEndOfRequest)
	eos.Push(buf)
	w.ctx.SendOutput(eos, 0, sendTimeout)
	w.done = true
	return nil
}

// RadarClusteringNode runs DBSCAN over every frame's point cloud and
// attaches the cluster report to the buffer's metadata.
type RadarClusteringNode struct {
	graph.BaseNode
}

// NewRadarClusteringNode builds the node; the DBSCAN instance itself is
// created lazily per worker from the radar config riding on the frames.
func NewRadarClusteringNode(threads int) *RadarClusteringNode {
	return &RadarClusteringNode{
		BaseNode: graph.BaseNode{InPortNum: 1, OutPortNum: 1, ThreadNum: threads},
	}
}

func (n *RadarClusteringNode) Kind() string { return "RadarClustering" }

func (n *RadarClusteringNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &radarClusteringWorker{ctx: ctx}
}

type radarClusteringWorker struct {
	graph.WorkerBase
	ctx    graph.NodeContext
	engine *radar.DBSCAN
}

func (w *radarClusteringWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		buf := blob.Get(0)
		if buf == nil {
			continue
		}
		emitTimestamp(w.ctx, blob.FrameID, "RadarClusteringIn")

		if !buf.Drop() && buf.Tag() != graph.TagEndOfRequest {
			w.ctx.LatencyStart(blob.FrameID, "RadarClustering")
			cfg, ok := graph.GetMeta[radar.Config](buf.Meta())
			if !ok {
				monitoring.Logf("pipenodes: frame %d carries no radar config", blob.FrameID)
				buf.SetDrop(true)
			} else {
				if w.engine == nil {
					engine, err := radar.NewDBSCAN(cfg.Clustering)
					if err != nil {
						return fmt.Errorf("create clustering engine: %w", err)
					}
					w.engine = engine
				}
				pc, ok := graph.GetMeta[radar.PointClouds](buf.Meta())
				var out radar.ClusterOutput
				if ok {
					if st := w.engine.Run(&pc, &out); st != radar.DBSCANOK {
						monitoring.Logf("pipenodes: clustering frame %d: %v", blob.FrameID, st)
						buf.SetDrop(true)
					}
				}
				graph.SetMeta(buf.Meta(), out)
			}
			w.ctx.LatencyStop(blob.FrameID, "RadarClustering")
		} else if buf.Drop() {
			// Dropped frames still carry an empty report downstream.
			graph.SetMeta(buf.Meta(), radar.ClusterOutput{})
		}

		w.ctx.SendOutput(blob, 0, sendTimeout)
		emitTimestamp(w.ctx, blob.FrameID, "RadarClusteringOut")
	}
	return nil
}

// RadarTrackingNode feeds cluster reports through the EKF tracker. The
// optional store persists every reported track.
type RadarTrackingNode struct {
	graph.BaseNode
	Store *sqlite.TrackStore
}

// NewRadarTrackingNode builds the node; pass a nil store to skip
// persistence.
func NewRadarTrackingNode(store *sqlite.TrackStore) *RadarTrackingNode {
	return &RadarTrackingNode{
		BaseNode: graph.BaseNode{InPortNum: 1, OutPortNum: 1, ThreadNum: 1},
		Store:    store,
	}
}

func (n *RadarTrackingNode) Kind() string { return "RadarTracking" }

func (n *RadarTrackingNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &radarTrackingWorker{node: n, ctx: ctx}
}

type radarTrackingWorker struct {
	graph.WorkerBase
	node    *RadarTrackingNode
	ctx     graph.NodeContext
	tracker *radar.ClusterTracker
	dt      float64
}

func (w *radarTrackingWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		buf := blob.Get(0)
		if buf == nil {
			continue
		}
		emitTimestamp(w.ctx, blob.FrameID, "RadarTrackingIn")

		if !buf.Drop() && buf.Tag() != graph.TagEndOfRequest {
			w.ctx.LatencyStart(blob.FrameID, "RadarTracking")
			cfg, ok := graph.GetMeta[radar.Config](buf.Meta())
			if !ok {
				monitoring.Logf("pipenodes: frame %d carries no radar config", blob.FrameID)
				buf.SetDrop(true)
			} else {
				if w.tracker == nil {
					tracker, err := radar.NewClusterTracker(cfg.Tracking)
					if err != nil {
						return fmt.Errorf("create cluster tracker: %w", err)
					}
					w.tracker = tracker
					w.dt = cfg.Tracking.TimePerFrame
				}
				clusters, _ := graph.GetMeta[radar.ClusterOutput](buf.Meta())
				var out radar.TrackerOutput
				if st := w.tracker.Run(&clusters, w.dt, &out); st != radar.TrackerOK {
					monitoring.Logf("pipenodes: tracking frame %d: %v", blob.FrameID, st)
					buf.SetDrop(true)
				}
				graph.SetMeta(buf.Meta(), out)
				if w.node.Store != nil {
					if err := w.node.Store.InsertFrame(blob.StreamID, blob.FrameID, &out); err != nil {
						monitoring.Logf("pipenodes: persist frame %d: %v", blob.FrameID, err)
					}
				}
			}
			w.ctx.LatencyStop(blob.FrameID, "RadarTracking")
		} else if buf.Drop() {
			graph.SetMeta(buf.Meta(), radar.TrackerOutput{})
		}

		w.ctx.SendOutput(blob, 0, sendTimeout)
		emitTimestamp(w.ctx, blob.FrameID, "RadarTrackingOut")
	}
	return nil
}

// RadarCSVSinkNode renders cluster and track summaries as CSV rows, one
// per frame, and fires the finish event when all streams drain.
type RadarCSVSinkNode struct {
	graph.BaseNode
	Writer    *sink.CSVWriter
	StreamNum int

	eosSeen  map[uint32]bool
	finished bool
}

// NewRadarCSVSinkNode writes to path for a request spanning streamNum
// streams.
func NewRadarCSVSinkNode(path string, streamNum int) (*RadarCSVSinkNode, error) {
	w, err := sink.NewCSVWriter(path)
	if err != nil {
		return nil, err
	}
	return &RadarCSVSinkNode{
		BaseNode:  graph.BaseNode{InPortNum: 1, OutPortNum: 0, ThreadNum: 1},
		Writer:    w,
		StreamNum: streamNum,
		eosSeen:   make(map[uint32]bool),
	}, nil
}

func (n *RadarCSVSinkNode) Kind() string { return "RadarCSVSink" }

func (n *RadarCSVSinkNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &radarCSVSinkWorker{node: n, ctx: ctx}
}

type radarCSVSinkWorker struct {
	graph.WorkerBase
	node *RadarCSVSinkNode
	ctx  graph.NodeContext
}

func (w *radarCSVSinkWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		buf := blob.Get(0)
		if buf == nil {
			continue
		}
		if buf.Tag() == graph.TagEndOfRequest {
			if !w.node.eosSeen[blob.StreamID] {
				w.node.eosSeen[blob.StreamID] = true
				if len(w.node.eosSeen) >= w.node.StreamNum && !w.node.finished {
					w.node.finished = true
					w.ctx.EmitEvent(graph.EventFinish, graph.FinishInfo{StreamNum: w.node.StreamNum})
				}
			}
			continue
		}

		row := map[string]any{
			"stream_id": blob.StreamID,
			"frame_id":  blob.FrameID,
			"dropped":   buf.Drop(),
		}
		if clusters, ok := graph.GetMeta[radar.ClusterOutput](buf.Meta()); ok {
			row["num_clusters"] = clusters.NumCluster
			var centersX, centersY, sizes []float64
			for _, rep := range clusters.Reports {
				centersX = append(centersX, rep.XCenter)
				centersY = append(centersY, rep.YCenter)
				sizes = append(sizes, rep.XSize, rep.YSize)
			}
			row["cluster_x"] = centersX
			row["cluster_y"] = centersY
			row["cluster_sizes"] = sizes
		}
		if tracks, ok := graph.GetMeta[radar.TrackerOutput](buf.Meta()); ok {
			var ids []int
			var states []float64
			for _, tr := range tracks.Tracks {
				ids = append(ids, tr.TrackerID)
				states = append(states, tr.S[0], tr.S[1], tr.S[2], tr.S[3])
			}
			row["num_tracks"] = len(tracks.Tracks)
			row["track_ids"] = ids
			row["track_states"] = states
		}
		if err := w.node.Writer.WriteRow(row); err != nil {
			monitoring.Logf("pipenodes: csv sink frame %d: %v", blob.FrameID, err)
		}
	}
	return nil
}
