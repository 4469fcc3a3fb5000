package fusion

import (
	"github.com/metro-edge/fusionkit/internal/assign"
	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/radar"
)

// DefaultAssociationCostThreshold gates radar-to-camera pairs: an
// assignment whose CIoU-derived cost reaches this value is treated as
// no-match. The value ships with the calibrated system.
const DefaultAssociationCostThreshold = 1.60

// noMatchCost fills the padding columns of the cost table; any real pair
// under the gate beats it.
const noMatchCost = 2.0

// FusionBBox pairs one radar track with its associated camera detection,
// or with the dummy placeholder when unmatched.
type FusionBBox struct {
	Radar radar.TrackOutput
	Det   DetectedObject
}

// Output is the per-frame fusion bag: everything the sinks need to render
// one frame's worth of camera, radar and fused results.
type Output struct {
	NumCams int

	// Per-camera original ROIs and their BEV projections, indexed by
	// camera id.
	CameraROIs        [][]graph.ROI
	CameraRadarCoords [][]Rect

	// Filtered radar track list.
	RadarTracks []radar.TrackOutput

	// Post-NMS camera detections in BEV, with their association marks.
	CameraFusionRadarCoords []DetectedObject
	CameraFusionAssociated  []bool

	// Final per-radar-track pairing.
	FusionBoxes []FusionBBox
}

// NewOutput sizes the bag for numCams cameras.
func NewOutput(numCams int) *Output {
	if numCams < 1 {
		numCams = 1
	}
	return &Output{
		NumCams:           numCams,
		CameraROIs:        make([][]graph.ROI, numCams),
		CameraRadarCoords: make([][]Rect, numCams),
	}
}

// AddCameraROIs records one camera's detections and their projections.
func (o *Output) AddCameraROIs(cameraID int, rois []graph.ROI, coords []Rect) {
	if cameraID < 0 || cameraID >= o.NumCams {
		return
	}
	o.CameraROIs[cameraID] = rois
	o.CameraRadarCoords[cameraID] = coords
}

// SetCameraFusion records the post-NMS camera detections, resetting the
// association marks.
func (o *Output) SetCameraFusion(dets []DetectedObject) {
	o.CameraFusionRadarCoords = dets
	o.CameraFusionAssociated = make([]bool, len(dets))
}

// Associator pairs radar tracks with fused camera detections by solving a
// Hungarian assignment over a CIoU cost table.
type Associator struct {
	CostThreshold float64
	BEVW, BEVH    float64
}

// NewAssociator returns an associator with the shipped defaults.
func NewAssociator() *Associator {
	return &Associator{
		CostThreshold: DefaultAssociationCostThreshold,
		BEVW:          DefaultBEVBoxWidth,
		BEVH:          DefaultBEVBoxHeight,
	}
}

// Associate fills out.FusionBoxes. The cost table has one row per radar
// track and one column per camera detection plus one padding column per
// track, so every track can fall back to no-match. With no radar tracks
// the bag passes through untouched; with no camera detections every track
// pairs with the dummy.
func (a *Associator) Associate(out *Output) {
	nRadar := len(out.RadarTracks)
	if nRadar == 0 {
		return
	}
	nCamera := len(out.CameraFusionRadarCoords)

	cost := make([][]float64, nRadar)
	for r := 0; r < nRadar; r++ {
		cost[r] = make([]float64, nCamera+nRadar)
		for j := range cost[r] {
			cost[r][j] = noMatchCost
		}
		track := out.RadarTracks[r]
		radarRect := Rect{X: track.S[0], Y: track.S[1], W: a.BEVW, H: a.BEVH}
		for c := 0; c < nCamera; c++ {
			cost[r][c] = 1.0 - CIoU(radarRect, out.CameraFusionRadarCoords[c].BBox)
		}
	}

	assignment := assign.Hungarian(cost)
	for r := 0; r < nRadar; r++ {
		box := FusionBBox{Radar: out.RadarTracks[r], Det: Dummy()}
		if col := assignment[r]; col >= 0 && col < nCamera && cost[r][col] < a.CostThreshold {
			box.Det = out.CameraFusionRadarCoords[col]
			out.CameraFusionAssociated[col] = true
		}
		out.FusionBoxes = append(out.FusionBoxes, box)
	}
}
