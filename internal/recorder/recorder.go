// Package recorder captures live frames and their detections as a labelled dataset
// (frames/ and detections/ directories) that can be re-imported for review.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/labelsession"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/render"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

const queueSize = 60

// Recorder writes queued frames from a single goroutine while recording.
type Recorder struct {
	mu           sync.RWMutex
	basePath     string
	dir          string
	name         string
	recording    bool
	frameCount   uint64
	dropped      uint64
	bytesWritten uint64
	startTime    time.Time
	lastError    string
	frameChan    chan types.Frame
	stopChan     chan struct{}
	wg           sync.WaitGroup
	metrics      *metrics.Metrics
}

// NewRecorder creates a recorder rooted at basePath.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		metrics:  m,
	}
}

// Start creates a new dataset directory and begins accepting frames. An empty
// name gets a timestamped one.
func (r *Recorder) Start(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}
	if name == "" {
		name = "dataset_" + time.Now().Format("20060102_150405")
	}
	name = filepath.Base(filepath.Clean(name))

	dir := filepath.Join(r.basePath, name)
	for _, sub := range []string{labelsession.FramesDir, labelsession.DetectionsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create dataset dir: %w", err)
		}
	}

	r.dir = dir
	r.name = name
	r.recording = true
	r.frameCount = 0
	r.dropped = 0
	r.bytesWritten = 0
	r.lastError = ""
	r.startTime = time.Now()
	r.frameChan = make(chan types.Frame, queueSize)
	r.stopChan = make(chan struct{})

	r.wg.Add(1)
	go r.writeFrames(r.frameChan, r.stopChan)

	r.setActive(true)
	logger.Info("Recorder", "Recording to %s", dir)
	return dir, nil
}

// Stop ends recording after the queued frames are written.
func (r *Recorder) Stop() (Status, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Status{}, ErrNotRecording
	}
	r.recording = false
	close(r.stopChan)
	r.mu.Unlock()

	r.wg.Wait()
	r.setActive(false)

	st := r.Status()
	logger.Info("Recorder", "Stopped %s: %d frames, %d dropped", st.Name, st.FrameCount, st.Dropped)
	return st, nil
}

// SendFrame queues a frame without blocking. It returns false when not
// recording or when the queue is full.
func (r *Recorder) SendFrame(frame types.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return false
	}
	select {
	case r.frameChan <- frame:
		return true
	default:
		r.dropped++
		if r.metrics != nil {
			r.metrics.RecorderDropped.Add(1)
		}
		return false
	}
}

func (r *Recorder) writeFrames(frames <-chan types.Frame, stop <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case frame := <-frames:
			r.writeFrame(frame)
		case <-stop:
			for {
				select {
				case frame := <-frames:
					r.writeFrame(frame)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeFrame(frame types.Frame) {
	r.mu.Lock()
	dir := r.dir
	n := r.frameCount
	r.mu.Unlock()

	stem := fmt.Sprintf("%s_%06d", frame.ReceivedAt.Format("20060102_150405"), n)
	written, err := writeSample(dir, stem, frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastError = err.Error()
		logger.Warn("Recorder", "Write %s: %v", stem, err)
		return
	}
	r.frameCount++
	r.bytesWritten += uint64(written)
	if r.metrics != nil {
		r.metrics.RecorderFrames.Add(1)
	}
}

func writeSample(dir, stem string, frame types.Frame) (int, error) {
	data := frame.Raw
	if !isJPEG(data) {
		var err error
		data, err = render.EncodeJPEG(frame.Image, 0, 90)
		if err != nil {
			return 0, err
		}
	}

	w, h := frame.Width(), frame.Height()
	dets := make([]types.LabelDetection, 0, len(frame.Detections))
	for _, d := range frame.Detections {
		if ld, ok := types.FromPixelBox(d.Class, d.BBox, w, h); ok {
			dets = append(dets, ld)
		}
	}
	labels := labelsession.FormatLabels(dets)

	imgPath := filepath.Join(dir, labelsession.FramesDir, stem+".jpg")
	if err := os.WriteFile(imgPath, data, 0o644); err != nil {
		return 0, fmt.Errorf("write frame: %w", err)
	}
	lblPath := filepath.Join(dir, labelsession.DetectionsDir, stem+labelsession.LabelExtension)
	if err := os.WriteFile(lblPath, labels, 0o644); err != nil {
		return 0, fmt.Errorf("write labels: %w", err)
	}
	return len(data) + len(labels), nil
}

func isJPEG(data []byte) bool {
	return bytes.HasPrefix(data, []byte{0xff, 0xd8})
}

func (r *Recorder) setActive(on bool) {
	if r.metrics == nil {
		return
	}
	if on {
		r.metrics.RecordingActive.Store(1)
	} else {
		r.metrics.RecordingActive.Store(0)
	}
}

// IsRecording returns true if currently recording.
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status.
func (r *Recorder) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = time.Since(r.startTime)
	}
	return Status{
		Recording:    r.recording,
		Name:         r.name,
		Dir:          r.dir,
		FrameCount:   r.frameCount,
		Dropped:      r.dropped,
		BytesWritten: r.bytesWritten,
		DurationMs:   duration.Milliseconds(),
		StartTime:    r.startTime,
		LastError:    r.lastError,
	}
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// Status holds the current recording status.
type Status struct {
	Recording    bool      `json:"recording"`
	Name         string    `json:"name,omitempty"`
	Dir          string    `json:"dir,omitempty"`
	FrameCount   uint64    `json:"frame_count"`
	Dropped      uint64    `json:"dropped"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
	LastError    string    `json:"last_error,omitempty"`
}
