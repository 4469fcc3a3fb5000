package radar

import (
	"math"
	"testing"
)

func testTrackingConfig() TrackingConfig {
	return TrackingConfig{
		AssociationThreshold:     2.0,
		MeasurementNoiseVariance: 1.0,
		TimePerFrame:             0.1,
		IIRForgetFactor:          0.5,
		ActiveThreshold:          2,
		ForgetThreshold:          2,
	}
}

// clusterAt builds a one-cluster frame at (x, y) moving with radial rate
// radVel. AvgVel carries the detector's sign convention (approach
// positive), which the tracker flips on ingest.
func clusterAt(x, y, radVel float64) *ClusterOutput {
	return &ClusterOutput{
		NumCluster: 1,
		Reports: []ClusterReport{{
			NumPoints:  5,
			XCenter:    x,
			YCenter:    y,
			XSize:      1.0,
			YSize:      0.5,
			AvgVel:     -radVel,
			RangeVar:   0.1,
			AngleVar:   0.01,
			DopplerVar: 0.1,
		}},
	}
}

func emptyFrame() *ClusterOutput { return &ClusterOutput{} }

func TestTrackerStraightLine(t *testing.T) {
	tr, err := NewClusterTracker(testTrackingConfig())
	if err != nil {
		t.Fatal(err)
	}
	const dt = 0.1
	var out TrackerOutput
	// Target starts at x=5 m moving along +x at 1 m/s; the radial rate
	// equals vx on the x axis.
	for k := 0; k <= 10; k++ {
		x := 5.0 + dt*float64(k)
		if st := tr.Run(clusterAt(x, 0, 1.0), dt, &out); st != TrackerOK {
			t.Fatalf("frame %d: %v", k, st)
		}
		if tr.ActiveCount()+tr.IdleCount() != MaxTrackers {
			t.Fatalf("frame %d: pool imbalance %d+%d", k, tr.ActiveCount(), tr.IdleCount())
		}
	}

	if len(out.Tracks) != 1 {
		t.Fatalf("want one active track, got %d", len(out.Tracks))
	}
	got := out.Tracks[0]
	if got.State != TrackerStateActive {
		t.Fatalf("track state = %v", got.State)
	}
	wantX := 5.0 + dt*10
	if math.Abs(got.S[0]-wantX) > 0.1 {
		t.Errorf("x = %f, want %f ± 0.1", got.S[0], wantX)
	}
	if math.Abs(got.S[1]) > 0.1 {
		t.Errorf("y = %f, want ~0", got.S[1])
	}
	if math.Abs(got.S[2]-1.0) > 0.1 {
		t.Errorf("vx = %f, want ~1", got.S[2])
	}
	if math.Abs(got.S[3]) > 0.1 {
		t.Errorf("vy = %f, want ~0", got.S[3])
	}
}

func TestTrackerLifecycleExpiry(t *testing.T) {
	cfg := testTrackingConfig()
	tr, err := NewClusterTracker(cfg)
	if err != nil {
		t.Fatal(err)
	}
	const dt = 0.1
	var out TrackerOutput

	// Feed one steady cluster long enough to confirm.
	for k := 0; k < 6; k++ {
		if st := tr.Run(clusterAt(8, 1, 0.5), dt, &out); st != TrackerOK {
			t.Fatalf("feed frame %d: %v", k, st)
		}
	}
	if len(out.Tracks) != 1 || out.Tracks[0].State != TrackerStateActive {
		t.Fatalf("track should be active after sustained hits: %+v", out.Tracks)
	}
	if tr.ActiveCount() != 1 || tr.IdleCount() != MaxTrackers-1 {
		t.Fatalf("pool = %d active / %d idle", tr.ActiveCount(), tr.IdleCount())
	}

	// Silence drives it to expiry on the (forgetThreshold+2)-th empty frame;
	// the loop runs two frames past that.
	for k := 0; k < cfg.ForgetThreshold+4; k++ {
		if st := tr.Run(emptyFrame(), dt, &out); st != TrackerOK {
			t.Fatalf("silent frame %d: %v", k, st)
		}
		if tr.ActiveCount()+tr.IdleCount() != MaxTrackers {
			t.Fatalf("silent frame %d: pool imbalance", k)
		}
	}
	if len(out.Tracks) != 0 {
		t.Errorf("expired track still reported: %+v", out.Tracks)
	}
	if tr.ActiveCount() != 0 || tr.IdleCount() != MaxTrackers {
		t.Errorf("pool after expiry = %d active / %d idle", tr.ActiveCount(), tr.IdleCount())
	}
}

func TestTrackerOnlyActiveReported(t *testing.T) {
	tr, err := NewClusterTracker(testTrackingConfig())
	if err != nil {
		t.Fatal(err)
	}
	var out TrackerOutput
	// Two frames are not enough to pass the activation threshold.
	for k := 0; k < 2; k++ {
		if st := tr.Run(clusterAt(6, 0, 0), 0.1, &out); st != TrackerOK {
			t.Fatalf("frame %d: %v", k, st)
		}
	}
	if tr.ActiveCount() != 1 {
		t.Fatalf("a detection-state tracker should hold a pool slot")
	}
	if len(out.Tracks) != 0 {
		t.Errorf("detection-state tracker must not be reported: %+v", out.Tracks)
	}
}

func TestTrackerInputExceedMax(t *testing.T) {
	tr, err := NewClusterTracker(testTrackingConfig())
	if err != nil {
		t.Fatal(err)
	}
	in := &ClusterOutput{NumCluster: MaxInputClusters + 1}
	var out TrackerOutput
	if st := tr.Run(in, 0.1, &out); st != TrackerInputExceedMax {
		t.Fatalf("Run: %v, want input-exceed-max", st)
	}
}

func TestTrackerGreedyHungarianConsistency(t *testing.T) {
	greedyCfg := testTrackingConfig()
	kmCfg := testTrackingConfig()
	kmCfg.AssociationPolicy = "hungarian"

	greedy, err := NewClusterTracker(greedyCfg)
	if err != nil {
		t.Fatal(err)
	}
	km, err := NewClusterTracker(kmCfg)
	if err != nil {
		t.Fatal(err)
	}

	var gOut, kOut TrackerOutput
	// Two well-separated targets; both policies must agree on the gating
	// predicate and produce the same associations.
	for k := 0; k <= 8; k++ {
		x := 0.1 * float64(k)
		frame := &ClusterOutput{
			NumCluster: 2,
			Reports: []ClusterReport{
				clusterAt(5+x, 0, 1.0).Reports[0],
				clusterAt(30, 20, 0).Reports[0],
			},
		}
		if st := greedy.Run(frame, 0.1, &gOut); st != TrackerOK {
			t.Fatalf("greedy frame %d: %v", k, st)
		}
		if st := km.Run(frame, 0.1, &kOut); st != TrackerOK {
			t.Fatalf("hungarian frame %d: %v", k, st)
		}
	}
	if len(gOut.Tracks) != 2 || len(kOut.Tracks) != 2 {
		t.Fatalf("both policies should confirm two tracks: greedy %d, km %d", len(gOut.Tracks), len(kOut.Tracks))
	}
	for i := range gOut.Tracks {
		for d := 0; d < 4; d++ {
			if math.Abs(gOut.Tracks[i].S[d]-kOut.Tracks[i].S[d]) > 1e-6 {
				t.Errorf("track %d dim %d diverged: greedy %f vs km %f",
					i, d, gOut.Tracks[i].S[d], kOut.Tracks[i].S[d])
			}
		}
	}
}

func TestTrackerFarMeasurementStartsNewTrack(t *testing.T) {
	tr, err := NewClusterTracker(testTrackingConfig())
	if err != nil {
		t.Fatal(err)
	}
	var out TrackerOutput
	for k := 0; k < 4; k++ {
		if st := tr.Run(clusterAt(10, 0, 0), 0.1, &out); st != TrackerOK {
			t.Fatalf("frame %d: %v", k, st)
		}
	}
	if tr.ActiveCount() != 1 {
		t.Fatalf("one tracker expected, got %d", tr.ActiveCount())
	}
	// A measurement far outside the gate must not be absorbed.
	if st := tr.Run(clusterAt(60, 45, 0), 0.1, &out); st != TrackerOK {
		t.Fatal("far measurement frame failed")
	}
	if tr.ActiveCount() != 2 {
		t.Errorf("far measurement should allocate a second tracker, got %d", tr.ActiveCount())
	}
}

func TestComputeHCartesianRoundTrip(t *testing.T) {
	cases := [][4]float64{
		{3, 4, 1, 0},
		{5, 0, 0, 1},
		{-2, 6, 0.5, -0.5},
	}
	for _, s := range cases {
		h := computeH(s)
		r := math.Hypot(s[0], s[1])
		if math.Abs(h[0]-r) > 1e-9 {
			t.Errorf("range of %v = %f, want %f", s, h[0], r)
		}
		back := computeCartesian(h)
		if math.Abs(back[0]-s[0]) > 1e-9 || math.Abs(back[1]-s[1]) > 1e-9 {
			t.Errorf("position round trip %v -> %v", s, back)
		}
	}
}

func TestAzimuthQuadrants(t *testing.T) {
	if got := azimuthOf(0, 5); math.Abs(got-math.Pi/2) > 1e-12 {
		t.Errorf("azimuth(0,5) = %f", got)
	}
	if got := azimuthOf(1, 1); math.Abs(got-math.Pi/4) > 1e-12 {
		t.Errorf("azimuth(1,1) = %f", got)
	}
	if got := azimuthOf(-1, 1); math.Abs(got-(math.Pi-math.Pi/4)) > 1e-12 {
		t.Errorf("azimuth(-1,1) = %f", got)
	}
}
