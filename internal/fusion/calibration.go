// Package fusion implements the camera/radar fusion kernels: pixel-to-BEV
// projection, multi-camera NMS merge on the ground plane, and the
// radar-to-camera track association.
package fusion

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"gonum.org/v1/gonum/mat"
)

// Calibration matrix shapes, in float32 counts.
const (
	qMatrixElems            = 16 // 4x4 disparity-to-depth reprojection
	registrationMatrixElems = 8  // 4x2 camera-3D-to-radar-ground projection
	homographyMatrixElems   = 9  // 3x3 pixel-to-radar-ground homography
)

// ReadMatrixFile loads a little-endian float32 row-major matrix file. The
// file size must match rows*cols exactly; a mismatch fails configure.
func ReadMatrixFile(path string, rows, cols int) (*mat.Dense, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read calibration file %s: %w", path, err)
	}
	want := rows * cols * 4
	if len(data) != want {
		return nil, fmt.Errorf("calibration file %s: size %d bytes, want %d (%dx%d float32)",
			path, len(data), want, rows, cols)
	}
	vals := make([]float64, rows*cols)
	for i := range vals {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		vals[i] = float64(math.Float32frombits(bits))
	}
	return mat.NewDense(rows, cols, vals), nil
}

// Calibration bundles the per-camera projection inputs read once at
// configure time.
type Calibration struct {
	Q              *mat.Dense // 4x4
	Registration   *mat.Dense // 4x2
	Homography     *mat.Dense // 3x3
	PCLConstraints [6]int     // xMin xMax yMin yMax zMin zMax
}

// LoadCalibration reads the three matrix files and validates the point
// cloud constraints.
func LoadCalibration(qPath, registrationPath, homographyPath string, pclConstraints []int) (*Calibration, error) {
	if len(pclConstraints) != 6 {
		return nil, fmt.Errorf("pclConstraints needs 6 entries, got %d", len(pclConstraints))
	}
	q, err := ReadMatrixFile(qPath, 4, 4)
	if err != nil {
		return nil, err
	}
	reg, err := ReadMatrixFile(registrationPath, 4, 2)
	if err != nil {
		return nil, err
	}
	h, err := ReadMatrixFile(homographyPath, 3, 3)
	if err != nil {
		return nil, err
	}
	c := &Calibration{Q: q, Registration: reg, Homography: h}
	copy(c.PCLConstraints[:], pclConstraints)
	return c, nil
}
