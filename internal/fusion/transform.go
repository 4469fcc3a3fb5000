package fusion

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Default BEV footprint stamped on projected detections, in metres. The
// values come with the calibration the system ships with; both are
// configurable per transformer/fuser.
const (
	DefaultBEVBoxWidth  = 4.2
	DefaultBEVBoxHeight = 1.7
)

// minPCLInliers is the point support required before a disparity-derived
// position is trusted.
const minPCLInliers = 100

// Rect is an axis-aligned rectangle, in pixels or BEV metres depending on
// context. X, Y is the top-left corner.
type Rect struct {
	X, Y, W, H float64
}

// Area returns W*H, zero for degenerate rects.
func (r Rect) Area() float64 {
	if r.W <= 0 || r.H <= 0 {
		return 0
	}
	return r.W * r.H
}

// DisparityMap is a single-channel float32 disparity image.
type DisparityMap struct {
	Width  int
	Height int
	Data   []float32 // row-major, len == Width*Height
}

// Point3 is one reprojected 3-D point.
type Point3 struct {
	X, Y, Z float64
}

// CoordinateTransformer projects camera detections into the radar ground
// plane using the calibration loaded at configure time.
type CoordinateTransformer struct {
	cal  *Calibration
	bevW float64
	bevH float64
}

// NewCoordinateTransformer wraps a calibration with the default BEV
// footprint.
func NewCoordinateTransformer(cal *Calibration) *CoordinateTransformer {
	return &CoordinateTransformer{cal: cal, bevW: DefaultBEVBoxWidth, bevH: DefaultBEVBoxHeight}
}

// SetBEVFootprint overrides the stamped box size.
func (c *CoordinateTransformer) SetBEVFootprint(w, h float64) {
	c.bevW = w
	c.bevH = h
}

// applyHomography maps one point through a 3x3 projective transform.
func applyHomography(h *mat.Dense, x, y float64) (float64, float64) {
	px := h.At(0, 0)*x + h.At(0, 1)*y + h.At(0, 2)
	py := h.At(1, 0)*x + h.At(1, 1)*y + h.At(1, 2)
	pw := h.At(2, 0)*x + h.At(2, 1)*y + h.At(2, 2)
	if pw == 0 {
		return 0, 0
	}
	return px / pw, py / pw
}

// Pixel2Radar projects the rect's center through the homography and stamps
// the fixed BEV footprint on the result.
func (c *CoordinateTransformer) Pixel2Radar(rect Rect) Rect {
	cx := rect.X + rect.W/2
	cy := rect.Y + rect.H/2
	bx, by := applyHomography(c.cal.Homography, cx, cy)
	return Rect{X: bx, Y: by, W: c.bevW, H: c.bevH}
}

// GeneratePCL reprojects a disparity map to 3-D through the Q matrix,
// clamping every component into the calibration's constraint box. The
// clamp folds out-of-range values onto the section minimum so the inlier
// test below can reject them.
func (c *CoordinateTransformer) GeneratePCL(disp *DisparityMap) ([]Point3, error) {
	if disp == nil || len(disp.Data) != disp.Width*disp.Height {
		return nil, fmt.Errorf("disparity map is empty or inconsistent")
	}
	q := c.cal.Q
	con := c.cal.PCLConstraints
	out := make([]Point3, disp.Width*disp.Height)
	for row := 0; row < disp.Height; row++ {
		for col := 0; col < disp.Width; col++ {
			d := float64(disp.Data[row*disp.Width+col])
			// Homogeneous reprojection [x y z w]ᵀ = Q·[col row d 1]ᵀ.
			hx := q.At(0, 0)*float64(col) + q.At(0, 1)*float64(row) + q.At(0, 2)*d + q.At(0, 3)
			hy := q.At(1, 0)*float64(col) + q.At(1, 1)*float64(row) + q.At(1, 2)*d + q.At(1, 3)
			hz := q.At(2, 0)*float64(col) + q.At(2, 1)*float64(row) + q.At(2, 2)*d + q.At(2, 3)
			hw := q.At(3, 0)*float64(col) + q.At(3, 1)*float64(row) + q.At(3, 2)*d + q.At(3, 3)
			p := Point3{}
			if hw != 0 {
				p = Point3{X: hx / hw, Y: hy / hw, Z: hz / hw}
			}
			if p.X < float64(con[0]) || p.X > float64(con[1]) {
				p.X = float64(con[0])
			}
			if p.Y < float64(con[2]) || p.Y > float64(con[3]) {
				p.Y = float64(con[2])
			}
			if p.Z < float64(con[4]) || p.Z > float64(con[5]) {
				p.Z = float64(con[4])
			}
			out[row*disp.Width+col] = p
		}
	}
	return out, nil
}

// Camera2Radar reprojects the disparity map and localises the detection
// from the 3-D points inside its rect.
func (c *CoordinateTransformer) Camera2Radar(disp *DisparityMap, rect Rect) (Rect, error) {
	pcl, err := c.GeneratePCL(disp)
	if err != nil {
		return Rect{}, err
	}
	return c.pcl2RadarGrid(pcl, disp.Width, disp.Height, rect)
}

// PCL2Radar localises a detection from a pre-computed point cloud laid out
// on the image grid.
func (c *CoordinateTransformer) PCL2Radar(pcl []Point3, width, height int, rect Rect) (Rect, error) {
	return c.pcl2RadarGrid(pcl, width, height, rect)
}

func (c *CoordinateTransformer) pcl2RadarGrid(pcl []Point3, width, height int, rect Rect) (Rect, error) {
	con := c.cal.PCLConstraints
	x0, y0 := int(rect.X), int(rect.Y)
	x1, y1 := int(rect.X+rect.W), int(rect.Y+rect.H)

	var sumX, sumY, sumZ float64
	inliers := 0
	for row := y0; row <= y1 && row < height; row++ {
		if row < 0 {
			continue
		}
		for col := x0; col <= x1 && col < width; col++ {
			if col < 0 {
				continue
			}
			p := pcl[row*width+col]
			// Points clamped onto a constraint minimum carry no depth
			// information; only strictly interior points count.
			if p.X > float64(con[0]) && p.Y > float64(con[2]) && p.Z > float64(con[4]) {
				sumX += p.X
				sumY += p.Y
				sumZ += p.Z
				inliers++
			}
		}
	}
	if inliers < minPCLInliers {
		return Rect{}, fmt.Errorf("detection at (%.0f,%.0f) has %d usable points, need %d",
			rect.X, rect.Y, inliers, minPCLInliers)
	}

	inv := 1.0 / float64(inliers)
	// Ground projection: [x̄ ȳ z̄ 1]·Registration, a 1x4 by 4x2 product.
	// The output axes come back (forward, lateral); the BEV rect wants
	// lateral first, matching the calibration convention.
	reg := c.cal.Registration
	mean := [4]float64{sumX * inv, sumY * inv, sumZ * inv, 1}
	var ground [2]float64
	for j := 0; j < 2; j++ {
		for i := 0; i < 4; i++ {
			ground[j] += mean[i] * reg.At(i, j)
		}
	}
	return Rect{X: ground[1], Y: ground[0], W: c.bevW, H: c.bevH}, nil
}
