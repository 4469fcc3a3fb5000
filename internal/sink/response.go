package sink

import (
	"fmt"
	"io"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/google/uuid"

	"github.com/metro-edge/fusionkit/internal/fusion"
	"github.com/metro-edge/fusionkit/internal/graph"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Response status codes.
const (
	StatusSuccess     = 0
	StatusNoROI       = 1
	StatusReadFailure = -2
)

// ROIInfo is one fused detection in the response document.
type ROIInfo struct {
	ROI              [4]float64 `json:"roi"`
	ROIClass         string     `json:"roi_class"`
	ROIScore         float64    `json:"roi_score"`
	TrackID          uint64     `json:"track_id"`
	TrackStatus      int        `json:"track_status"`
	MediaBirdviewROI [4]float64 `json:"media_birdview_roi"`
	FusionROIState   [4]float64 `json:"fusion_roi_state"`
	FusionROISize    [2]float64 `json:"fusion_roi_size"`
	SensorSource     string     `json:"sensor_source"`
}

// Response is the per-frame fusion result document.
type Response struct {
	StatusCode       int       `json:"status_code"`
	Description      string    `json:"description"`
	InferenceLatency int64     `json:"inference_latency"`
	Latency          int64     `json:"latency"`
	StreamID         uint32    `json:"stream_id"`
	ROIInfo          []ROIInfo `json:"roi_info"`
}

// Sensor source labels.
const (
	SourceFusion     = "fusion"
	SourceRadar      = "radar"
	SourceCameraOnly = "camera"
)

// BuildResponse renders a fusion bag into a response document. Paired
// tracks report as fusion results; unmatched radar tracks report radar
// only; camera detections nothing claimed stay available as camera-only
// entries.
func BuildResponse(out *fusion.Output, streamID uint32, inferenceLatency, latency int64) Response {
	resp := Response{
		StatusCode:       StatusSuccess,
		Description:      "succeeded",
		InferenceLatency: inferenceLatency,
		Latency:          latency,
		StreamID:         streamID,
	}
	if out == nil {
		resp.StatusCode = StatusNoROI
		resp.Description = "noRoiDetected"
		return resp
	}

	for _, box := range out.FusionBoxes {
		info := ROIInfo{
			TrackID:     uint64(box.Radar.TrackerID),
			TrackStatus: int(box.Radar.State),
			FusionROIState: [4]float64{
				box.Radar.S[0], box.Radar.S[1], box.Radar.S[2], box.Radar.S[3],
			},
			FusionROISize: [2]float64{box.Radar.XSize, box.Radar.YSize},
		}
		if box.Det.Label != fusion.DummyLabel {
			info.SensorSource = SourceFusion
			info.ROIClass = box.Det.Label
			info.ROIScore = box.Det.Confidence
			info.MediaBirdviewROI = [4]float64{
				box.Det.BBox.X, box.Det.BBox.Y, box.Det.BBox.W, box.Det.BBox.H,
			}
		} else {
			info.SensorSource = SourceRadar
			info.ROIClass = fusion.DummyLabel
		}
		resp.ROIInfo = append(resp.ROIInfo, info)
	}

	for c, det := range out.CameraFusionRadarCoords {
		if out.CameraFusionAssociated != nil && out.CameraFusionAssociated[c] {
			continue
		}
		resp.ROIInfo = append(resp.ROIInfo, ROIInfo{
			SensorSource: SourceCameraOnly,
			ROIClass:     det.Label,
			ROIScore:     det.Confidence,
			MediaBirdviewROI: [4]float64{
				det.BBox.X, det.BBox.Y, det.BBox.W, det.BBox.H,
			},
		})
	}

	// The original pixel ROIs ride along for overlay consumers.
	for _, rois := range out.CameraROIs {
		for _, roi := range rois {
			resp.ROIInfo = append(resp.ROIInfo, ROIInfo{
				SensorSource: SourceCameraOnly,
				ROI: [4]float64{
					float64(roi.X), float64(roi.Y), float64(roi.W), float64(roi.H),
				},
				ROIClass:    roi.LabelDetection,
				ROIScore:    roi.ConfidenceDetection,
				TrackID:     roi.TrackingID,
				TrackStatus: roi.TrackingStatus,
			})
		}
	}

	if len(resp.ROIInfo) == 0 {
		resp.StatusCode = StatusNoROI
		resp.Description = "noRoiDetected"
	}
	return resp
}

// ResponseWriter serializes responses as JSON lines and counts per-stream
// end-of-request tags, firing the finish hook exactly once when every
// stream has drained.
type ResponseWriter struct {
	mu        sync.Mutex
	w         io.Writer
	requestID string
	streamNum int
	eosSeen   map[uint32]bool
	finished  bool
	onFinish  func(graph.FinishInfo)
}

// NewResponseWriter wraps w for a request spanning streamNum streams.
func NewResponseWriter(w io.Writer, streamNum int, onFinish func(graph.FinishInfo)) *ResponseWriter {
	return &ResponseWriter{
		w:         w,
		requestID: uuid.NewString(),
		streamNum: streamNum,
		eosSeen:   make(map[uint32]bool),
		onFinish:  onFinish,
	}
}

// RequestID returns the identifier minted for this logical request.
func (rw *ResponseWriter) RequestID() string {
	return rw.requestID
}

// Write serializes one response.
func (rw *ResponseWriter) Write(resp Response) error {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	data = append(data, '\n')
	if _, err := rw.w.Write(data); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}

// ObserveEOS counts one stream's end-of-request tag. The finish hook runs
// once all streams have reported.
func (rw *ResponseWriter) ObserveEOS(streamID uint32) {
	rw.mu.Lock()
	rw.eosSeen[streamID] = true
	fire := !rw.finished && len(rw.eosSeen) >= rw.streamNum
	if fire {
		rw.finished = true
	}
	rw.mu.Unlock()
	if fire && rw.onFinish != nil {
		rw.onFinish(graph.FinishInfo{RequestID: rw.requestID, StreamNum: rw.streamNum})
	}
}

// Finished reports whether the request has fully drained.
func (rw *ResponseWriter) Finished() bool {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	return rw.finished
}
