package webmonitor

import (
	"encoding/base64"
	"image"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/render"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// fanout delivers values to subscribers, skipping any that are not keeping up.
type fanout[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
}

func newFanout[T any](name string) *fanout[T] {
	return &fanout[T]{name: name, clients: make(map[int]chan T)}
}

// Subscribe adds a new client and returns a channel for receiving values.
func (f *fanout[T]) Subscribe() (int, <-chan T) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	f.clients[id] = ch

	logger.Debug(f.name, "Client #%d subscribed (total clients: %d)", id, len(f.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (f *fanout[T]) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if ch, ok := f.clients[id]; ok {
		close(ch)
		delete(f.clients, id)
		logger.Debug(f.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(f.clients))
	}
}

// Count returns the number of subscribers.
func (f *fanout[T]) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (f *fanout[T]) broadcast(v T) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	sent := 0
	for _, ch := range f.clients {
		select {
		case ch <- v:
			sent++
		default:
			// Client too slow, skip this value for this client
		}
	}
	return sent
}

func (f *fanout[T]) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.clients {
		close(ch)
		delete(f.clients, id)
	}
}

// FrameBroadcaster encodes rendered frames to JPEG and fans them out to MJPEG clients.
type FrameBroadcaster struct {
	*fanout[[]byte]
	maxWidth int
	quality  int
	metrics  *metrics.Metrics

	mu        sync.Mutex
	latest    []byte
	skipCount int // Frames not encoded because nobody was watching
}

// NewFrameBroadcaster creates a frame broadcaster.
func NewFrameBroadcaster(maxWidth, quality int, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		fanout:   newFanout[[]byte]("FrameBroadcaster"),
		maxWidth: maxWidth,
		quality:  quality,
		metrics:  m,
	}
}

// Publish encodes and broadcasts a rendered frame. Encoding is skipped when no
// client is connected.
func (fb *FrameBroadcaster) Publish(img *image.RGBA, _ types.Frame) {
	if fb.Count() == 0 {
		fb.mu.Lock()
		fb.skipCount++
		if fb.skipCount%100 == 0 {
			logger.Debug("FrameBroadcaster", "No clients connected, skipped %d frames", fb.skipCount)
		}
		fb.mu.Unlock()
		return
	}

	data, err := render.EncodeJPEG(img, fb.maxWidth, fb.quality)
	if err != nil {
		logger.Warn("FrameBroadcaster", "Encode failed: %v", err)
		return
	}

	fb.mu.Lock()
	fb.latest = data
	fb.skipCount = 0
	fb.mu.Unlock()

	if sent := fb.broadcast(data); sent > 0 && fb.metrics != nil {
		fb.metrics.FramesBroadcast.Add(uint64(sent))
	}
}

// Latest returns the last encoded frame.
func (fb *FrameBroadcaster) Latest() ([]byte, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.latest, fb.latest != nil
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// serializeEvent encodes payload as JSON and as a protobuf Struct carrying the same fields.
func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(jsonData, st); err != nil {
		return nil, err
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, err
	}
	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DetectionBroadcaster fans out detection results to SSE clients.
type DetectionBroadcaster struct {
	*fanout[*SerializedEvent]
}

// NewDetectionBroadcaster creates a broadcaster for detection events.
func NewDetectionBroadcaster() *DetectionBroadcaster {
	return &DetectionBroadcaster{fanout: newFanout[*SerializedEvent]("DetectionBroadcaster")}
}

// Publish serializes a result once and broadcasts it.
func (db *DetectionBroadcaster) Publish(det DetectionResult) {
	if db.Count() == 0 {
		return
	}
	event, err := serializeEvent(map[string]any{
		"frame_number": det.FrameNumber,
		"timestamp":    det.Timestamp,
		"detections":   det.Detections,
	})
	if err != nil {
		logger.Error("DetectionBroadcaster", "Serialize error: %v", err)
		return
	}
	db.broadcast(event)
}

// StatusBroadcaster periodically fans out monitor status to SSE clients.
type StatusBroadcaster struct {
	*fanout[*SerializedEvent]
	monitor  *Monitor
	interval time.Duration

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// NewStatusBroadcaster creates a broadcaster for status events.
func NewStatusBroadcaster(monitor *Monitor, interval time.Duration) *StatusBroadcaster {
	return &StatusBroadcaster{
		fanout:   newFanout[*SerializedEvent]("StatusBroadcaster"),
		monitor:  monitor,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

// Stop halts the broadcaster and disconnects its clients.
func (sb *StatusBroadcaster) Stop() {
	sb.mu.Lock()
	if !sb.stopped {
		close(sb.stop)
		sb.stopped = true
	}
	sb.mu.Unlock()
	sb.closeAll()
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.Count() == 0 {
				continue
			}
			if event := sb.Generate(); event != nil {
				sb.broadcast(event)
			}
		}
	}
}

// Generate serializes the current status.
func (sb *StatusBroadcaster) Generate() *SerializedEvent {
	event, err := serializeEvent(sb.monitor.Snapshot())
	if err != nil {
		logger.Error("StatusBroadcaster", "Serialize error: %v", err)
		return nil
	}
	return event
}
