package radar

import (
	"fmt"
	"math"
)

// DBSCANStatus is the typed result of a clustering run. Failures are
// reported, not thrown: the caller marks the frame dropped and the
// pipeline keeps flowing.
type DBSCANStatus int

const (
	DBSCANOK DBSCANStatus = iota
	DBSCANMemoryAllocFailed
	DBSCANNotSupported
	DBSCANClusterLimitReached
)

func (s DBSCANStatus) String() string {
	switch s {
	case DBSCANOK:
		return "ok"
	case DBSCANMemoryAllocFailed:
		return "memory-alloc-failed"
	case DBSCANNotSupported:
		return "not-supported"
	case DBSCANClusterLimitReached:
		return "cluster-limit-reached"
	default:
		return "unknown"
	}
}

const (
	pointUnknown = 0
	pointVisited = 1

	degToRad = math.Pi / 180.0
)

// DBSCAN clusters one frame of radar detections at a time. The distance
// between two points blends planar separation with a weighted velocity
// delta: d² = Δx² + Δy² + weight·Δv². Scratch arrays are allocated once
// at construction for MaxPoints and reused across frames; an instance is
// owned by a single worker and is not safe for concurrent use.
type DBSCAN struct {
	cfg ClusteringConfig

	visited   []byte
	scope     []byte
	neighbors []int
	points    []float64 // interleaved x,y per point
}

// NewDBSCAN validates the configuration and allocates the scratch space.
func NewDBSCAN(cfg ClusteringConfig) (*DBSCAN, error) {
	if cfg.Eps <= 0 || cfg.MinPointsInCluster < 1 || cfg.MaxClusters < 1 || cfg.MaxPoints < 1 {
		return nil, fmt.Errorf("invalid clustering config: %+v", cfg)
	}
	return &DBSCAN{
		cfg:       cfg,
		visited:   make([]byte, cfg.MaxPoints),
		scope:     make([]byte, cfg.MaxPoints),
		neighbors: make([]int, cfg.MaxPoints),
		points:    make([]float64, 2*cfg.MaxPoints),
	}, nil
}

// Config returns the active parameters.
func (d *DBSCAN) Config() ClusteringConfig { return d.cfg }

// Run clusters the frame into out. Every input point receives a cluster id
// in [0, NumCluster]; id 0 is noise. Returns DBSCANClusterLimitReached
// when the cluster count hits MaxClusters, with the ids and reports
// produced so far (including the last cluster's) left in place.
func (d *DBSCAN) Run(in *PointClouds, out *ClusterOutput) DBSCANStatus {
	numPoints := in.Num
	if numPoints > d.cfg.MaxPoints {
		return DBSCANNotSupported
	}
	out.PointClusterID = make([]int, numPoints)
	out.Reports = out.Reports[:0]
	out.NumCluster = 0

	eps2 := d.cfg.Eps * d.cfg.Eps
	weight := d.cfg.Weight

	// Planar projection: x = r·cos(θ), y = r·sin(θ), θ from the azimuth
	// column in degrees.
	for i := 0; i < numPoints; i++ {
		theta := in.AoaVar[i] * degToRad
		d.points[2*i] = in.Range[i] * math.Cos(theta)
		d.points[2*i+1] = in.Range[i] * math.Sin(theta)
	}

	for i := 0; i < numPoints; i++ {
		d.visited[i] = pointUnknown
	}

	clusterID := 0
	for point := 0; point < numPoints; point++ {
		if d.visited[point] == pointVisited {
			continue
		}
		// scope is the per-expansion copy of visited: it stops members of
		// the growing cluster from being rediscovered while leaving the
		// global visited state to the outer scan.
		copy(d.scope[:numPoints], d.visited[:numPoints])

		neigh := d.neighbors[:0]
		neigh = d.findNeighbors(in, point, neigh, numPoints, eps2, weight)
		d.visited[point] = pointVisited

		if len(neigh) < d.cfg.MinPointsInCluster {
			out.PointClusterID[point] = 0
			continue
		}

		clusterID++
		out.PointClusterID[point] = clusterID
		for _, m := range neigh {
			d.scope[m] = pointVisited
		}

		// Frontier expansion: neigh grows at the tail while the cursor
		// walks it from the head.
		for cursor := 0; cursor < len(neigh); cursor++ {
			member := neigh[cursor]
			out.PointClusterID[member] = clusterID
			d.visited[member] = pointVisited

			before := len(neigh)
			neigh = d.findNeighbors(in, member, neigh, numPoints, eps2, weight)
			added := neigh[before:]
			if len(added) >= d.cfg.MinPointsInCluster {
				for _, m := range added {
					d.scope[m] = pointVisited
				}
			} else {
				// Border point: its sparse neighbourhood does not extend
				// the cluster.
				neigh = neigh[:before]
			}
		}

		out.Reports = append(out.Reports, d.clusterReport(in, neigh))
		if clusterID >= d.cfg.MaxClusters {
			out.NumCluster = clusterID
			return DBSCANClusterLimitReached
		}
	}
	out.NumCluster = clusterID
	return DBSCANOK
}

// findNeighbors appends to neigh every point within the blended distance
// gate of point that is still unknown in the current scope.
func (d *DBSCAN) findNeighbors(in *PointClouds, point int, neigh []int, numPoints int, eps2, weight float64) []int {
	x := d.points[2*point]
	y := d.points[2*point+1]
	v := in.Speed[point]
	for i := 0; i < numPoints; i++ {
		if d.scope[i] != pointUnknown {
			continue
		}
		dx := d.points[2*i] - x
		dy := d.points[2*i+1] - y
		dv := in.Speed[i] - v
		if dx*dx+dy*dy+weight*dv*dv < eps2 {
			neigh = append(neigh, i)
		}
	}
	return neigh
}

// clusterReport computes the centroid, half-extents and variance summary
// of a finished cluster.
func (d *DBSCAN) clusterReport(in *PointClouds, members []int) ClusterReport {
	var r ClusterReport
	n := len(members)
	r.NumPoints = n
	if n < 1 {
		return r
	}

	var sumX, sumY, sumVel float64
	for _, m := range members {
		sumX += d.points[2*m]
		sumY += d.points[2*m+1]
		sumVel += in.Speed[m]
	}
	inv := 1.0 / float64(n)
	r.XCenter = sumX * inv
	r.YCenter = sumY * inv
	r.AvgVel = sumVel * inv

	var velVar, rangeVar, angleVar float64
	for _, m := range members {
		if dx := math.Abs(d.points[2*m] - r.XCenter); dx > r.XSize {
			r.XSize = dx
		}
		if dy := math.Abs(d.points[2*m+1] - r.YCenter); dy > r.YSize {
			r.YSize = dy
		}
		dv := in.Speed[m] - r.AvgVel
		velVar += dv * dv

		// rangeVar keeps the SNR-weighted sum of squared ranges without a
		// ΣSNR normalisation. The downstream association gate was tuned
		// against this magnitude; normalising would shift it.
		range2 := d.points[2*m]*d.points[2*m] + d.points[2*m+1]*d.points[2*m+1]
		rangeVar += range2 * in.SNR[m]

		angleVar += in.AoaVar[m] * in.AoaVar[m]
	}
	r.RangeVar = rangeVar * inv
	r.AngleVar = angleVar * degToRad * degToRad * inv
	r.DopplerVar = velVar * inv
	return r
}
