package types

import (
	"image"
	"time"
)

// Detection is one live-view detection as sent by the backend.
type Detection struct {
	Class      int        `json:"class"`      // Category index
	Confidence float64    `json:"confidence"` // 0..1
	BBox       [4]float64 `json:"bbox"`       // x, y, w, h in pixels
}

// StreamMessage is the JSON object pushed over /ws/video.
// A nil Frame means a detections-only update.
type StreamMessage struct {
	Frame      *string     `json:"frame,omitempty"` // Hex-encoded JPEG
	Detections []Detection `json:"detections,omitempty"`
	Timestamp  *float64    `json:"timestamp,omitempty"` // Server epoch milliseconds
	Error      string      `json:"error,omitempty"`
}

// Frame is a fully decoded image together with the detections that arrived with it.
type Frame struct {
	Image      image.Image
	Raw        []byte // Original encoded bytes (JPEG/PNG)
	Detections []Detection
	ReceivedAt time.Time
	Seq        uint64 // Arrival order of the message that carried the frame
}

// Width returns the frame width in pixels.
func (f *Frame) Width() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels.
func (f *Frame) Height() int {
	if f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}
