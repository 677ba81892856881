package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/presence"
	"github.com/dj-oyu/chickeye-monitor/internal/stream"
)

const historySize = 8

// Monitor turns stream client snapshots into the status API shape and keeps a
// short history of non-empty detection results.
type Monitor struct {
	cats    categories.Config
	tracker *presence.Tracker

	mu               sync.Mutex
	snapshot         stream.Snapshot
	detectionVersion int
	latestDetection  *DetectionResult
	detectionHistory []DetectionResult
	listeners        []func(DetectionResult)
}

// NewMonitor creates a Monitor for a fixed category config.
func NewMonitor(cats categories.Config, tracker *presence.Tracker) *Monitor {
	return &Monitor{
		cats:     cats,
		tracker:  tracker,
		snapshot: stream.Snapshot{State: stream.Closed, StateName: stream.Closed.String()},
	}
}

// OnDetection registers a listener for every new detection result.
func (m *Monitor) OnDetection(fn func(DetectionResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Update records a client snapshot. A snapshot carrying a new message becomes
// the latest detection result.
func (m *Monitor) Update(snap stream.Snapshot) {
	m.mu.Lock()
	prevMessages := m.snapshot.Messages
	if snap.Messages < prevMessages {
		// Listener calls can overtake each other; keep the newer state.
		m.mu.Unlock()
		return
	}
	m.snapshot = snap
	if snap.Messages == prevMessages {
		m.mu.Unlock()
		return
	}

	m.detectionVersion++
	result := DetectionResult{
		FrameNumber:   int(snap.Messages),
		Timestamp:     float64(snap.LastMessageAt.UnixNano()) / float64(time.Second),
		NumDetections: len(snap.Detections),
		Version:       m.detectionVersion,
		Detections:    convertDetections(snap.Detections, m.cats),
	}
	m.latestDetection = &result
	if result.NumDetections > 0 {
		m.detectionHistory = append([]DetectionResult{result}, m.detectionHistory...)
		if len(m.detectionHistory) > historySize {
			m.detectionHistory = m.detectionHistory[:historySize]
		}
	}
	listeners := append([]func(DetectionResult){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(result)
	}
}

// Status is the payload of /api/status.
type Status struct {
	Monitor          MonitorStats                `json:"monitor"`
	LatestDetection  *DetectionResult            `json:"latest_detection"`
	DetectionHistory []DetectionResult           `json:"detection_history"`
	Presence         []presence.CategoryPresence `json:"presence"`
	Timestamp        float64                     `json:"timestamp"`
}

// Snapshot returns the current status.
func (m *Monitor) Snapshot() Status {
	m.mu.Lock()
	snap := m.snapshot
	var latest *DetectionResult
	if m.latestDetection != nil {
		l := *m.latestDetection
		latest = &l
	}
	history := make([]DetectionResult, len(m.detectionHistory))
	copy(history, m.detectionHistory)
	m.mu.Unlock()

	stats := MonitorStats{
		ConnectionState: snap.State.String(),
		FramesProcessed: int(snap.Messages),
		CurrentFPS:      float64(snap.FrameRate),
		DetectionCount:  len(snap.Detections),
		Reconnects:      snap.Reconnects,
		Malformed:       snap.Malformed,
		DecodeFailures:  snap.DecodeFailures,
		LastError:       snap.LastServerError,
	}
	if snap.HasLatency {
		l := snap.LatencyMs
		stats.LatencyMs = &l
	}

	var rows []presence.CategoryPresence
	if m.tracker != nil {
		rows = m.tracker.Snapshot()
	}
	return Status{
		Monitor:          stats,
		LatestDetection:  latest,
		DetectionHistory: history,
		Presence:         rows,
		Timestamp:        float64(time.Now().Unix()),
	}
}
