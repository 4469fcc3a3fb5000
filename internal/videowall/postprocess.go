package videowall

import (
	"fmt"
	"time"

	"github.com/metro-edge/fusionkit/internal/graph"
)

// PostProcessConfig describes the scale/crop applied between decode and
// display. The pixel work itself belongs to the platform; the node
// computes and stamps the target geometry.
type PostProcessConfig struct {
	// Crop, when non-zero, selects a source sub-rectangle.
	Crop graph.ROI
	// OutWidth/OutHeight are the scaled output dimensions; zero keeps the
	// source size.
	OutWidth  uint32
	OutHeight uint32
}

// PostProcessNode rescales/crops frames between decode and display.
type PostProcessNode struct {
	graph.BaseNode
	ID  NodeID
	Cfg PostProcessConfig
}

// NewPostProcessNode builds the stage.
func NewPostProcessNode(id NodeID, cfg PostProcessConfig) *PostProcessNode {
	id.Kind = KindPostProcess
	return &PostProcessNode{
		BaseNode: graph.BaseNode{InPortNum: 1, OutPortNum: 1, ThreadNum: 1},
		ID:       id,
		Cfg:      cfg,
	}
}

func (n *PostProcessNode) Kind() string { return "WallPostProcess" }

func (n *PostProcessNode) ValidateConfiguration() error {
	c := n.Cfg.Crop
	if c.W < 0 || c.H < 0 {
		return fmt.Errorf("crop rect must be non-negative, got %dx%d", c.W, c.H)
	}
	return nil
}

func (n *PostProcessNode) CreateNodeWorker(ctx graph.NodeContext) graph.Worker {
	return &postProcessWorker{node: n, ctx: ctx}
}

type postProcessWorker struct {
	graph.WorkerBase
	node *PostProcessNode
	ctx  graph.NodeContext
}

func (w *postProcessWorker) Process(batchIdx int) error {
	blobs := w.ctx.GetBatchedInput(batchIdx, []int{0})
	for _, blob := range blobs {
		vf, ok := blob.Get(0).(*graph.VideoFrameBuffer)
		if !ok {
			continue
		}
		cfg := w.node.Cfg
		if cfg.Crop.W > 0 && cfg.Crop.H > 0 {
			// The crop bounds clamp to the frame; the platform blit reads
			// these from the buffer's geometry.
			if cfg.Crop.W < int(vf.Width) {
				vf.Width = uint32(cfg.Crop.W)
			}
			if cfg.Crop.H < int(vf.Height) {
				vf.Height = uint32(cfg.Crop.H)
			}
		}
		if cfg.OutWidth > 0 {
			vf.Width = cfg.OutWidth
		}
		if cfg.OutHeight > 0 {
			vf.Height = cfg.OutHeight
		}
		w.ctx.SendOutput(blob, 0, 50*time.Millisecond)
	}
	return nil
}
