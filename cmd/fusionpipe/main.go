// Command fusionpipe assembles the camera/radar fusion pipeline over a
// recorded replay file and writes the CSV and JSON outputs. Live ingest
// (RTSP, radar hardware) stays outside; the replay file carries the same
// per-frame payloads those sources would produce.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/metro-edge/fusionkit/internal/fusion"
	"github.com/metro-edge/fusionkit/internal/graph"
	"github.com/metro-edge/fusionkit/internal/monitoring"
	"github.com/metro-edge/fusionkit/internal/pipenodes"
	"github.com/metro-edge/fusionkit/internal/radar"
	"github.com/metro-edge/fusionkit/internal/storage/sqlite"
)

// replayFile is the recorded capture driven through the pipeline: one
// radar stream plus zero or more camera detection streams, frame-aligned.
type replayFile struct {
	StreamID    uint32            `json:"stream_id"`
	RadarFrames []replayRadar     `json:"radar_frames"`
	Cameras     [][]replayCameras `json:"cameras"` // [camera][frame]
}

type replayRadar struct {
	Points []replayPoint `json:"points"`
}

type replayPoint struct {
	Range float64 `json:"range"`
	Speed float64 `json:"speed"`
	SNR   float64 `json:"snr"`
	Aoa   float64 `json:"aoa"`
}

type replayCameras struct {
	ROIs []replayROI `json:"rois"`
}

type replayROI struct {
	X     int     `json:"x"`
	Y     int     `json:"y"`
	W     int     `json:"w"`
	H     int     `json:"h"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

func loadReplay(path string) (*replayFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	var rf replayFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("decode replay file: %w", err)
	}
	return &rf, nil
}

func (rf *replayFile) pointClouds() []*radar.PointClouds {
	frames := make([]*radar.PointClouds, len(rf.RadarFrames))
	for i, fr := range rf.RadarFrames {
		pc := &radar.PointClouds{Num: len(fr.Points)}
		for _, p := range fr.Points {
			pc.Range = append(pc.Range, p.Range)
			pc.Speed = append(pc.Speed, p.Speed)
			pc.SNR = append(pc.SNR, p.SNR)
			pc.AoaVar = append(pc.AoaVar, p.Aoa)
			pc.RangeIdx = append(pc.RangeIdx, 0)
			pc.SpeedIdx = append(pc.SpeedIdx, 0)
		}
		frames[i] = pc
	}
	return frames
}

func (rf *replayFile) cameraFrames(cam int) [][]graph.ROI {
	out := make([][]graph.ROI, len(rf.Cameras[cam]))
	for frame, cf := range rf.Cameras[cam] {
		for _, r := range cf.ROIs {
			out[frame] = append(out[frame], graph.ROI{
				X: r.X, Y: r.Y, W: r.W, H: r.H,
				LabelDetection:      r.Label,
				ConfidenceDetection: r.Score,
				FrameID:             uint32(frame),
				StreamID:            rf.StreamID,
			})
		}
	}
	return out
}

func main() {
	var (
		radarConfigPath = flag.String("radar-config", "", "radar runtime configuration (json)")
		replayPath      = flag.String("replay", "", "recorded capture to drive through the pipeline")
		csvOut          = flag.String("csv-out", "radar.csv", "radar sink output path")
		responseOut     = flag.String("response-out", "responses.jsonl", "fusion sink output path")
		trackDB         = flag.String("track-db", "", "optional sqlite track store path")
		topologyOut     = flag.String("topology-out", "", "optional topology serialization path")
		homographyFlags multiFlag
		nmsThreshold    = flag.Float64("nms-threshold", fusion.DefaultNMSThreshold, "BEV NMS merge threshold")
		costThreshold   = flag.Float64("cost-threshold", fusion.DefaultAssociationCostThreshold, "radar-camera association gate")
	)
	flag.Var(&homographyFlags, "homography", "per-camera homography file (repeatable, camera order)")
	flag.Parse()

	if *radarConfigPath == "" || *replayPath == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := radar.LoadConfig(*radarConfigPath)
	if err != nil {
		log.Fatalf("radar config: %v", err)
	}
	replay, err := loadReplay(*replayPath)
	if err != nil {
		log.Fatalf("replay: %v", err)
	}
	numCams := len(replay.Cameras)
	if numCams != len(homographyFlags) {
		log.Fatalf("replay has %d cameras but %d homographies given", numCams, len(homographyFlags))
	}

	var store *sqlite.TrackStore
	if *trackDB != "" {
		store, err = sqlite.Open(*trackDB)
		if err != nil {
			log.Fatalf("track store: %v", err)
		}
		defer store.Close()
	}

	fuser := fusion.NewMultiCameraFuser()
	fuser.SetNMSThreshold(*nmsThreshold)
	for cam, path := range homographyFlags {
		if err := fuser.SetTransformParams(path, cam); err != nil {
			log.Fatalf("homography camera %d: %v", cam, err)
		}
	}
	assoc := fusion.NewAssociator()
	assoc.CostThreshold = *costThreshold

	respFile, err := os.Create(*responseOut)
	if err != nil {
		log.Fatalf("response output: %v", err)
	}
	defer respFile.Close()

	p := graph.NewPipeline()
	metrics, err := monitoring.NewPipelineMetrics("fusionpipe", prometheus.DefaultRegisterer)
	if err != nil {
		log.Fatalf("metrics: %v", err)
	}
	if err := pipenodes.AttachMetrics(p, metrics); err != nil {
		log.Fatalf("attach metrics: %v", err)
	}

	radarSrc := pipenodes.NewPointCloudSourceNode(replay.StreamID, replay.pointClouds(), cfg)
	clustering := pipenodes.NewRadarClusteringNode(1)
	tracking := pipenodes.NewRadarTrackingNode(store)
	csvSink, err := pipenodes.NewRadarCSVSinkNode(*csvOut, 1)
	if err != nil {
		log.Fatalf("csv sink: %v", err)
	}

	must := func(err error) {
		if err != nil {
			log.Fatal(err)
		}
	}
	must(p.SetSource(radarSrc, "radarSource", []uint32{replay.StreamID}))
	must(p.AddNode(clustering, "radarClustering"))
	must(p.AddNode(tracking, "radarTracking"))
	must(p.LinkNode("radarSource", 0, "radarClustering", 0, nil))
	must(p.LinkNode("radarClustering", 0, "radarTracking", 0, nil))

	finishWanted := 1
	if numCams > 0 {
		fusionNode := pipenodes.NewCameraFusionNode(numCams, fuser)
		t2t := pipenodes.NewTrack2TrackNode(assoc)
		respSink := pipenodes.NewFusionResponseSinkNode(respFile, 1)
		must(p.AddNode(fusionNode, "cameraFusion"))
		must(p.AddNode(t2t, "track2track"))
		must(p.AddNode(respSink, "responseSink"))
		for cam := 0; cam < numCams; cam++ {
			name := fmt.Sprintf("camera%d", cam)
			src := pipenodes.NewCameraROISourceNode(replay.StreamID, replay.cameraFrames(cam), 1920, 1080)
			must(p.SetSource(src, name, []uint32{replay.StreamID}))
			must(p.LinkNode(name, 0, "cameraFusion", cam, nil))
		}
		// Radar feeds both its CSV sink and the fusion join.
		must(p.LinkNode("radarTracking", 0, "cameraFusion", numCams, nil))
		must(p.LinkNode("cameraFusion", 0, "track2track", 0, nil))
		must(p.LinkNode("track2track", 0, "responseSink", 0, nil))
		finishWanted = 2
	}
	must(p.AddNode(csvSink, "radarCSVSink"))
	must(p.LinkNode("radarTracking", 0, "radarCSVSink", 0, nil))

	var mu sync.Mutex
	finished := 0
	done := make(chan struct{})
	must(p.RegisterCallback(graph.EventFinish, func(any) error {
		mu.Lock()
		finished++
		if finished >= finishWanted {
			select {
			case <-done:
			default:
				close(done)
			}
		}
		mu.Unlock()
		return nil
	}))

	if *topologyOut != "" {
		topo, err := p.SerializeTopology()
		if err != nil {
			log.Fatalf("serialize topology: %v", err)
		}
		if err := os.WriteFile(*topologyOut, topo, 0o644); err != nil {
			log.Fatalf("write topology: %v", err)
		}
	}

	must(p.Prepare())
	must(p.Start())
	<-done
	p.Stop()

	report, err := p.ReportPerformanceData()
	if err == nil {
		monitoring.Logf("fusionpipe: pipeline report:\n%s", report)
	}
	for _, row := range metrics.Report() {
		monitoring.Logf("fusionpipe: node %s frames=%d mean=%.2fms max=%.2fms",
			row.Node, row.Frames, row.MeanMs, row.MaxMs)
	}
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string { return fmt.Sprint(*m) }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, v)
	return nil
}
