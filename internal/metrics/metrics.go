package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	// Stream ingestion counters
	MessagesReceived  atomic.Uint64
	MessagesMalformed atomic.Uint64
	FramesDecoded     atomic.Uint64
	FrameDecodeErrors atomic.Uint64
	TransportErrors   atomic.Uint64
	Reconnects        atomic.Uint64

	// Live stream state
	ConnectionState atomic.Uint64 // 0 = connecting, 1 = open, 2 = closed
	FrameRate       atomic.Uint64 // Messages in the trailing second
	LatencyMs       atomic.Int64  // Server-to-client latency estimate

	// Output
	MJPEGClients     atomic.Int64
	FramesRendered   atomic.Uint64
	FramesBroadcast  atomic.Uint64
	RecorderFrames   atomic.Uint64
	RecorderDropped  atomic.Uint64
	RecordingActive  atomic.Uint64 // 0 = inactive, 1 = active
	LabelImports     atomic.Uint64
	LabelExports     atomic.Uint64
	LabelExportFails atomic.Uint64

	// Prometheus collectors
	registry *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.registerPrometheusMetrics()

	return m
}

func (m *Metrics) gauge(name, help string, value func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: name,
			Help: help,
		},
		value,
	))
}

func (m *Metrics) counter(name, help string, value *atomic.Uint64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: name,
			Help: help,
		},
		func() float64 { return float64(value.Load()) },
	))
}

// registerPrometheusMetrics registers all metrics with Prometheus
func (m *Metrics) registerPrometheusMetrics() {
	// Stream ingestion
	m.counter("monitor_stream_messages_total", "Total stream messages received", &m.MessagesReceived)
	m.counter("monitor_stream_malformed_total", "Stream messages dropped because they could not be parsed", &m.MessagesMalformed)
	m.counter("monitor_frames_decoded_total", "Frames fully decoded", &m.FramesDecoded)
	m.counter("monitor_frame_decode_errors_total", "Frames that failed to decode", &m.FrameDecodeErrors)
	m.counter("monitor_transport_errors_total", "Transport errors and remote closes", &m.TransportErrors)
	m.counter("monitor_reconnects_total", "Reconnect attempts", &m.Reconnects)

	// Live state
	m.gauge("monitor_connection_state", "Connection state (0=connecting, 1=open, 2=closed)",
		func() float64 { return float64(m.ConnectionState.Load()) })
	m.gauge("monitor_frame_rate", "Messages received in the trailing second",
		func() float64 { return float64(m.FrameRate.Load()) })
	m.gauge("monitor_latency_ms", "Estimated server-to-client latency in milliseconds",
		func() float64 { return float64(m.LatencyMs.Load()) })

	// Output
	m.gauge("monitor_mjpeg_clients", "Connected MJPEG clients",
		func() float64 { return float64(m.MJPEGClients.Load()) })
	m.counter("monitor_frames_rendered_total", "Frames drawn onto the surface", &m.FramesRendered)
	m.counter("monitor_frames_broadcast_total", "Rendered frames fanned out to MJPEG clients", &m.FramesBroadcast)

	// Recorder
	m.gauge("monitor_recording_active", "Recording active (0=inactive, 1=active)",
		func() float64 { return float64(m.RecordingActive.Load()) })
	m.counter("monitor_recorder_frames_total", "Frames written by the dataset recorder", &m.RecorderFrames)
	m.counter("monitor_recorder_dropped_total", "Frames dropped by the dataset recorder", &m.RecorderDropped)

	// Labelling
	m.counter("monitor_label_imports_total", "Label session imports", &m.LabelImports)
	m.counter("monitor_label_exports_total", "Label archives exported", &m.LabelExports)
	m.counter("monitor_label_export_failures_total", "Label archive exports that failed", &m.LabelExportFails)
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
