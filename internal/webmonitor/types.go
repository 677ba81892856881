package webmonitor

import (
	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
)

// BoundingBox is a pixel rectangle in API payloads.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is a live detection with its category resolved.
type Detection struct {
	ClassID    int         `json:"class_id"`
	ClassName  string      `json:"class_name"`
	Color      string      `json:"color"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionResult is one message worth of detections.
type DetectionResult struct {
	FrameNumber   int         `json:"frame_number"`
	Timestamp     float64     `json:"timestamp"` // Unix seconds of arrival
	NumDetections int         `json:"num_detections"`
	Version       int         `json:"version"`
	Detections    []Detection `json:"detections"`
}

// MonitorStats summarizes the live connection.
type MonitorStats struct {
	ConnectionState string  `json:"connection_state"`
	FramesProcessed int     `json:"frames_processed"`
	CurrentFPS      float64 `json:"current_fps"`
	LatencyMs       *int64  `json:"latency_ms"` // null until a timestamped message arrives
	DetectionCount  int     `json:"detection_count"`
	Reconnects      uint64  `json:"reconnects"`
	Malformed       uint64  `json:"malformed"`
	DecodeFailures  uint64  `json:"decode_failures"`
	LastError       string  `json:"last_error,omitempty"`
}

func convertDetections(dets []types.Detection, cats categories.Config) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		color := ""
		if d.Class >= 0 && d.Class < len(cats.Colors) {
			color = cats.Colors[d.Class]
		}
		out[i] = Detection{
			ClassID:    d.Class,
			ClassName:  cats.Name(d.Class),
			Color:      color,
			Confidence: d.Confidence,
			BBox: BoundingBox{
				X: int(d.BBox[0]),
				Y: int(d.BBox[1]),
				W: int(d.BBox[2]),
				H: int(d.BBox[3]),
			},
		}
	}
	return out
}
