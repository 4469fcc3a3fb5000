package radar

import (
	"math"
	"testing"
)

// buildPointClouds converts (x, y, v) triples into the polar frame layout
// the detector produces.
func buildPointClouds(pts [][3]float64) *PointClouds {
	pc := &PointClouds{Num: len(pts)}
	for _, p := range pts {
		r := math.Hypot(p[0], p[1])
		aoaDeg := math.Atan2(p[1], p[0]) * 180 / math.Pi
		pc.Range = append(pc.Range, r)
		pc.AoaVar = append(pc.AoaVar, aoaDeg)
		pc.Speed = append(pc.Speed, p[2])
		pc.SNR = append(pc.SNR, 1.0)
		pc.RangeIdx = append(pc.RangeIdx, 0)
		pc.SpeedIdx = append(pc.SpeedIdx, 0)
	}
	return pc
}

func testClusteringConfig() ClusteringConfig {
	return ClusteringConfig{
		Eps:                0.5,
		Weight:             0,
		MinPointsInCluster: 2,
		MaxClusters:        8,
		MaxPoints:          64,
	}
}

func TestDBSCANTwoClustersOneNoise(t *testing.T) {
	d, err := NewDBSCAN(testClusteringConfig())
	if err != nil {
		t.Fatal(err)
	}
	pc := buildPointClouds([][3]float64{
		{1, 0, 0},
		{1.05, 0.02, 0},
		{10, 0, 0},
		{10.02, -0.01, 0},
		{5, 5, 3},
	})
	var out ClusterOutput
	if st := d.Run(pc, &out); st != DBSCANOK {
		t.Fatalf("Run: %v", st)
	}

	if out.NumCluster != 2 {
		t.Fatalf("NumCluster = %d, want 2", out.NumCluster)
	}
	if out.PointClusterID[0] != out.PointClusterID[1] || out.PointClusterID[0] == 0 {
		t.Errorf("points 0,1 should share a non-noise cluster: %v", out.PointClusterID)
	}
	if out.PointClusterID[2] != out.PointClusterID[3] || out.PointClusterID[2] == 0 {
		t.Errorf("points 2,3 should share a non-noise cluster: %v", out.PointClusterID)
	}
	if out.PointClusterID[0] == out.PointClusterID[2] {
		t.Errorf("the two pairs must land in distinct clusters: %v", out.PointClusterID)
	}
	if out.PointClusterID[4] != 0 {
		t.Errorf("point 4 should be noise: %v", out.PointClusterID)
	}

	repA := out.Reports[0]
	if repA.NumPoints != 2 {
		t.Errorf("cluster A size = %d, want 2", repA.NumPoints)
	}
	if math.Abs(repA.XCenter-1.025) > 1e-6 || math.Abs(repA.YCenter-0.01) > 1e-6 {
		t.Errorf("cluster A centroid = (%f, %f)", repA.XCenter, repA.YCenter)
	}
	if math.Abs(repA.XSize-0.025) > 1e-6 {
		t.Errorf("cluster A xSize = %f, want 0.025", repA.XSize)
	}
}

func TestDBSCANVelocityWeightSplitsClusters(t *testing.T) {
	cfg := testClusteringConfig()
	cfg.Weight = 1.0
	d, err := NewDBSCAN(cfg)
	if err != nil {
		t.Fatal(err)
	}
	// Spatially coincident pairs separated only by speed.
	pc := buildPointClouds([][3]float64{
		{5, 0, 0},
		{5.05, 0, 0},
		{5.02, 0.01, 4},
		{5.07, 0.01, 4},
	})
	var out ClusterOutput
	if st := d.Run(pc, &out); st != DBSCANOK {
		t.Fatalf("Run: %v", st)
	}
	if out.NumCluster != 2 {
		t.Fatalf("weighted distance should split by speed: NumCluster = %d, ids %v", out.NumCluster, out.PointClusterID)
	}
	if out.PointClusterID[0] != out.PointClusterID[1] || out.PointClusterID[2] != out.PointClusterID[3] {
		t.Errorf("speed groups should cluster together: %v", out.PointClusterID)
	}
	if out.PointClusterID[0] == out.PointClusterID[2] {
		t.Errorf("speed groups should not merge: %v", out.PointClusterID)
	}
}

func TestDBSCANCoverageInvariant(t *testing.T) {
	d, err := NewDBSCAN(testClusteringConfig())
	if err != nil {
		t.Fatal(err)
	}
	// A spread of points, some clusterable and some isolated.
	var pts [][3]float64
	for i := 0; i < 10; i++ {
		pts = append(pts, [3]float64{2 + 0.05*float64(i), 0.01 * float64(i), 0})
	}
	pts = append(pts, [3]float64{40, 40, 0}, [3]float64{-30, 12, 5})
	pc := buildPointClouds(pts)

	var out ClusterOutput
	if st := d.Run(pc, &out); st != DBSCANOK {
		t.Fatalf("Run: %v", st)
	}
	if len(out.PointClusterID) != pc.Num {
		t.Fatalf("every point needs a cluster id: got %d ids for %d points", len(out.PointClusterID), pc.Num)
	}
	for i, id := range out.PointClusterID {
		if id < 0 || id > out.NumCluster {
			t.Errorf("point %d id %d outside [0,%d]", i, id, out.NumCluster)
		}
	}
}

func TestDBSCANClusterLimit(t *testing.T) {
	cfg := testClusteringConfig()
	cfg.MaxClusters = 2
	d, err := NewDBSCAN(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pc := buildPointClouds([][3]float64{
		{1, 0, 0}, {1.05, 0, 0},
		{10, 0, 0}, {10.05, 0, 0},
		{20, 5, 0}, {20.05, 5, 0},
	})
	var out ClusterOutput
	if st := d.Run(pc, &out); st != DBSCANClusterLimitReached {
		t.Fatalf("Run: %v, want cluster-limit-reached", st)
	}
}

func TestDBSCANTooManyPoints(t *testing.T) {
	cfg := testClusteringConfig()
	cfg.MaxPoints = 2
	d, err := NewDBSCAN(cfg)
	if err != nil {
		t.Fatal(err)
	}
	pc := buildPointClouds([][3]float64{{1, 0, 0}, {2, 0, 0}, {3, 0, 0}})
	var out ClusterOutput
	if st := d.Run(pc, &out); st != DBSCANNotSupported {
		t.Fatalf("Run: %v, want not-supported", st)
	}
}

func TestDBSCANEmptyFrame(t *testing.T) {
	d, err := NewDBSCAN(testClusteringConfig())
	if err != nil {
		t.Fatal(err)
	}
	var out ClusterOutput
	if st := d.Run(&PointClouds{}, &out); st != DBSCANOK {
		t.Fatalf("Run: %v", st)
	}
	if out.NumCluster != 0 || len(out.Reports) != 0 {
		t.Errorf("empty frame should produce no clusters: %+v", out)
	}
}

func TestDBSCANInvalidConfig(t *testing.T) {
	if _, err := NewDBSCAN(ClusteringConfig{Eps: -1, MinPointsInCluster: 1, MaxClusters: 1, MaxPoints: 1}); err == nil {
		t.Error("negative eps should be rejected")
	}
	if _, err := NewDBSCAN(ClusteringConfig{Eps: 1, MinPointsInCluster: 0, MaxClusters: 1, MaxPoints: 1}); err == nil {
		t.Error("zero minPointsInCluster should be rejected")
	}
}
