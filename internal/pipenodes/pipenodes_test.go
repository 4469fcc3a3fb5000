package pipenodes

import (
	"bytes"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/metro-edge/fusionkit/internal/fusion"
	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/radar"
)

func testRadarConfig() *radar.Config {
	return &radar.Config{
		Basic: radar.BasicConfig{FPS: 10},
		Clustering: radar.ClusteringConfig{
			Eps:                0.5,
			Weight:             0,
			MinPointsInCluster: 2,
			MaxClusters:        8,
			MaxPoints:          64,
		},
		Tracking: radar.TrackingConfig{
			AssociationThreshold:     2.0,
			MeasurementNoiseVariance: 1.0,
			TimePerFrame:             0.1,
			IIRForgetFactor:          0.5,
			ActiveThreshold:          2,
			ForgetThreshold:          2,
		},
	}
}

// movingTargetFrames builds frames with a two-point cluster drifting along
// +x from startX.
func movingTargetFrames(n int, startX float64) []*radar.PointClouds {
	frames := make([]*radar.PointClouds, n)
	for k := range frames {
		x := startX + 0.1*float64(k)
		pc := &radar.PointClouds{Num: 2}
		for _, px := range []float64{x, x + 0.05} {
			pc.Range = append(pc.Range, px)
			pc.AoaVar = append(pc.AoaVar, 0)
			pc.Speed = append(pc.Speed, -1.0)
			pc.SNR = append(pc.SNR, 0.1)
			pc.RangeIdx = append(pc.RangeIdx, 0)
			pc.SpeedIdx = append(pc.SpeedIdx, 0)
		}
		frames[k] = pc
	}
	return frames
}

func waitFinish(t *testing.T, p *graph.Pipeline) {
	t.Helper()
	var mu sync.Mutex
	done := false
	if err := p.RegisterCallback(graph.EventFinish, func(any) error {
		mu.Lock()
		done = true
		mu.Unlock()
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := p.Prepare(); err != nil {
		t.Fatal(err)
	}
	if err := p.Start(); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		d := done
		mu.Unlock()
		if d {
			p.Stop()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	p.Stop()
	t.Fatal("pipeline never finished")
}

func TestRadarPipelineEndToEnd(t *testing.T) {
	cfg := testRadarConfig()
	csvPath := filepath.Join(t.TempDir(), "radar.csv")

	p := graph.NewPipeline()
	src := NewPointCloudSourceNode(0, movingTargetFrames(12, 5.0), cfg)
	clustering := NewRadarClusteringNode(1)
	tracking := NewRadarTrackingNode(nil)
	csvSink, err := NewRadarCSVSinkNode(csvPath, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := p.SetSource(src, "radarSource", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	if err := p.AddNode(clustering, "clustering"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddNode(tracking, "tracking"); err != nil {
		t.Fatal(err)
	}
	if err := p.AddNode(csvSink, "csvSink"); err != nil {
		t.Fatal(err)
	}
	for _, link := range [][2]string{
		{"radarSource", "clustering"}, {"clustering", "tracking"}, {"tracking", "csvSink"},
	} {
		if err := p.LinkNode(link[0], 0, link[1], 0, nil); err != nil {
			t.Fatal(err)
		}
	}

	waitFinish(t, p)

	f, err := os.Open(csvPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 13 { // header + 12 frames
		t.Fatalf("csv rows = %d, want 13", len(rows))
	}
	col := map[string]int{}
	for i, k := range rows[0] {
		col[k] = i
	}
	// Every frame clusters into exactly one report.
	for _, row := range rows[1:] {
		if row[col["num_clusters"]] != "1" {
			t.Errorf("frame %s clusters = %s, want 1", row[col["frame_id"]], row[col["num_clusters"]])
		}
	}
	// The track confirms partway through; the final frame must report it.
	last := rows[len(rows)-1]
	if last[col["num_tracks"]] != "1" {
		t.Errorf("final frame tracks = %s, want 1", last[col["num_tracks"]])
	}
}

func TestFusionPipelineEndToEnd(t *testing.T) {
	cfg := testRadarConfig()
	const frameCount = 12

	// Camera detections whose BEV projection (0.1 scale) sits on the
	// radar target near x≈5..6, y≈0.
	roiAt := func(frame int) []graph.ROI {
		cx := int((5.0 + 0.1*float64(frame)) * 10)
		return []graph.ROI{{
			X: cx - 10, Y: -9, W: 20, H: 20,
			LabelDetection: "car", ConfidenceDetection: 0.9,
		}}
	}
	camFrames := make([][]graph.ROI, frameCount)
	for k := range camFrames {
		camFrames[k] = roiAt(k)
	}

	fuser := fusion.NewMultiCameraFuser()
	h := mat.NewDense(3, 3, []float64{0.1, 0, 0, 0, 0.1, 0, 0, 0, 1})
	fuser.SetHomography(h, 0)
	fuser.SetHomography(h, 1)

	var responses bytes.Buffer
	p := graph.NewPipeline()
	camA := NewCameraROISourceNode(0, camFrames, 1920, 1080)
	camB := NewCameraROISourceNode(0, camFrames, 1920, 1080)
	radarSrc := NewPointCloudSourceNode(0, movingTargetFrames(frameCount, 5.0), cfg)
	clustering := NewRadarClusteringNode(1)
	tracking := NewRadarTrackingNode(nil)
	fusionNode := NewCameraFusionNode(2, fuser)
	t2t := NewTrack2TrackNode(nil)
	respSink := NewFusionResponseSinkNode(&responses, 1)

	if err := p.SetSource(camA, "camA", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSource(camB, "camB", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	if err := p.SetSource(radarSrc, "radarSource", []uint32{0}); err != nil {
		t.Fatal(err)
	}
	for name, node := range map[string]graph.Node{
		"clustering": clustering, "tracking": tracking,
		"fusion": fusionNode, "t2t": t2t, "respSink": respSink,
	} {
		if err := p.AddNode(node, name); err != nil {
			t.Fatal(err)
		}
	}
	links := []struct {
		src     string
		srcPort int
		dst     string
		dstPort int
	}{
		{"radarSource", 0, "clustering", 0},
		{"clustering", 0, "tracking", 0},
		{"camA", 0, "fusion", 0},
		{"camB", 0, "fusion", 1},
		{"tracking", 0, "fusion", 2},
		{"fusion", 0, "t2t", 0},
		{"t2t", 0, "respSink", 0},
	}
	for _, l := range links {
		if err := p.LinkNode(l.src, l.srcPort, l.dst, l.dstPort, nil); err != nil {
			t.Fatal(err)
		}
	}

	waitFinish(t, p)

	lines := strings.Split(strings.TrimSpace(responses.String()), "\n")
	if len(lines) != frameCount {
		t.Fatalf("responses = %d, want %d", len(lines), frameCount)
	}
	// Early frames have no confirmed radar track yet; later ones must
	// carry a fused pairing.
	fusedSeen := 0
	for _, line := range lines {
		if strings.Contains(line, `"sensor_source":"fusion"`) {
			fusedSeen++
		}
	}
	if fusedSeen == 0 {
		t.Errorf("no frame carried a fused radar-camera pairing:\n%s", responses.String())
	}
	for _, line := range lines[:1] {
		if !strings.Contains(line, `"status_code"`) {
			t.Errorf("response missing status: %s", line)
		}
	}
}

func TestRegisterNodeClasses(t *testing.T) {
	if err := RegisterNodeClasses(); err != nil {
		t.Fatal(err)
	}
	// Idempotent.
	if err := RegisterNodeClasses(); err != nil {
		t.Fatal(err)
	}
	node, err := graph.NewNodeByClass("Track2TrackAssociation", "costThreshold=(FLOAT)1.2")
	if err != nil {
		t.Fatal(err)
	}
	t2t, ok := node.(*Track2TrackNode)
	if !ok {
		t.Fatalf("wrong node type %T", node)
	}
	if math.Abs(t2t.Associator.CostThreshold-1.2) > 1e-12 {
		t.Errorf("costThreshold = %f", t2t.Associator.CostThreshold)
	}
}
