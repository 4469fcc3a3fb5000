package fusion

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/metro-edge/fusionkit/internal/graph"
)

// DefaultNMSThreshold is the BEV overlap above which two same-class
// detections from different cameras are treated as one object.
const DefaultNMSThreshold = 0.5

// DetectedObject is a classified box, in camera pixels or BEV metres
// depending on where it sits in the pipeline.
type DetectedObject struct {
	BBox       Rect
	Confidence float64
	Label      string
}

// DummyLabel marks the placeholder detection paired with radar tracks
// that found no camera partner.
const DummyLabel = "dummy"

// Dummy returns the no-match placeholder.
func Dummy() DetectedObject { return DetectedObject{Label: DummyLabel} }

// MultiCameraFuser projects per-camera detections into the shared ground
// plane and merges duplicates across cameras with class-wise NMS.
type MultiCameraFuser struct {
	nmsThreshold float64
	bevW, bevH   float64
	homographies map[int]*mat.Dense
}

// NewMultiCameraFuser creates a fuser with the default NMS threshold and
// BEV footprint.
func NewMultiCameraFuser() *MultiCameraFuser {
	return &MultiCameraFuser{
		nmsThreshold: DefaultNMSThreshold,
		bevW:         DefaultBEVBoxWidth,
		bevH:         DefaultBEVBoxHeight,
		homographies: make(map[int]*mat.Dense),
	}
}

// SetNMSThreshold overrides the merge threshold.
func (f *MultiCameraFuser) SetNMSThreshold(th float64) { f.nmsThreshold = th }

// SetBEVFootprint overrides the stamped box size.
func (f *MultiCameraFuser) SetBEVFootprint(w, h float64) {
	f.bevW = w
	f.bevH = h
}

// SetTransformParams loads camera cameraID's pixel-to-ground homography.
func (f *MultiCameraFuser) SetTransformParams(homographyPath string, cameraID int) error {
	h, err := ReadMatrixFile(homographyPath, 3, 3)
	if err != nil {
		return err
	}
	f.homographies[cameraID] = h
	return nil
}

// SetHomography installs a homography directly (tests, embedded configs).
func (f *MultiCameraFuser) SetHomography(h *mat.Dense, cameraID int) {
	f.homographies[cameraID] = h
}

// TransformDetection projects one ROI's center into the ground plane
// through camera cameraID's homography, carrying the detection label and
// score.
func (f *MultiCameraFuser) TransformDetection(det graph.ROI, cameraID int) (DetectedObject, error) {
	h, ok := f.homographies[cameraID]
	if !ok {
		return DetectedObject{}, fmt.Errorf("no homography loaded for camera %d", cameraID)
	}
	cx := float64(det.X) + float64(det.W)/2
	cy := float64(det.Y) + float64(det.H)/2
	bx, by := applyHomography(h, cx, cy)
	return DetectedObject{
		BBox:       Rect{X: bx, Y: by, W: f.bevW, H: f.bevH},
		Confidence: det.ConfidenceDetection,
		Label:      det.LabelDetection,
	}, nil
}

// classNMSMerge suppresses same-class duplicates: sort by descending
// confidence, then drop any survivor overlapping a kept box beyond the
// threshold.
func (f *MultiCameraFuser) classNMSMerge(objects []DetectedObject) []DetectedObject {
	if len(objects) == 0 {
		return nil
	}
	sorted := append([]DetectedObject(nil), objects...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	keep := make([]bool, len(sorted))
	for i := range keep {
		keep[i] = true
	}
	var results []DetectedObject
	for i := range sorted {
		if !keep[i] {
			continue
		}
		results = append(results, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !keep[j] {
				continue
			}
			if IoU(sorted[i].BBox, sorted[j].BBox) > f.nmsThreshold {
				keep[j] = false
			}
		}
	}
	return results
}

// FuseNCamera transforms each camera's detections (list index = camera id)
// into the ground plane, then merges per class. Survivors keep their
// original confidence ordering within each class; class order follows
// first appearance so results are deterministic.
func (f *MultiCameraFuser) FuseNCamera(dets ...[]graph.ROI) ([]DetectedObject, error) {
	var transformed []DetectedObject
	for cameraID, list := range dets {
		for _, det := range list {
			obj, err := f.TransformDetection(det, cameraID)
			if err != nil {
				return nil, err
			}
			transformed = append(transformed, obj)
		}
	}

	byClass := make(map[string][]DetectedObject)
	var classOrder []string
	for _, obj := range transformed {
		if _, ok := byClass[obj.Label]; !ok {
			classOrder = append(classOrder, obj.Label)
		}
		byClass[obj.Label] = append(byClass[obj.Label], obj)
	}

	var fused []DetectedObject
	for _, label := range classOrder {
		fused = append(fused, f.classNMSMerge(byClass[label])...)
	}
	return fused, nil
}

// Fuse2Camera is the stereo entry point.
func (f *MultiCameraFuser) Fuse2Camera(left, right []graph.ROI) ([]DetectedObject, error) {
	return f.FuseNCamera(left, right)
}

// Fuse4Camera is the four-way entry point.
func (f *MultiCameraFuser) Fuse4Camera(first, second, third, fourth []graph.ROI) ([]DetectedObject, error) {
	return f.FuseNCamera(first, second, third, fourth)
}
