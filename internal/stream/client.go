// Package stream maintains the live websocket feed of frames and detections.
package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/presence"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	DefaultReconnectDelay   = 3000 * time.Millisecond
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultReadLimit        = 16 << 20
)

// ConnectionState is the lifecycle state of the transport.
type ConnectionState int

const (
	Connecting ConnectionState = iota
	Open
	Closed
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// FailureKind classifies reported failures.
type FailureKind int

const (
	FailureTransport FailureKind = iota
	FailureMalformed
	FailureDecode
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransport:
		return "transport"
	case FailureMalformed:
		return "malformed"
	case FailureDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Failure is delivered to failure listeners. None of them is fatal.
type Failure struct {
	Kind FailureKind
	Err  error
	At   time.Time
}

// Config holds stream client settings.
type Config struct {
	URL              string        // ws:// or wss:// endpoint, see EndpointURL
	ReconnectDelay   time.Duration // Delay between close and the next attempt
	HandshakeTimeout time.Duration
	ReadLimit        int64 // Maximum message size in bytes
}

// Snapshot is the observable state of the client.
type Snapshot struct {
	State           ConnectionState   `json:"-"`
	StateName       string            `json:"state"`
	Detections      []types.Detection `json:"detections"`
	FrameRate       int               `json:"frame_rate"`
	LatencyMs       int64             `json:"latency_ms"`
	HasLatency      bool              `json:"has_latency"`
	LastMessageAt   time.Time         `json:"last_message_at"`
	LastServerError string            `json:"last_server_error,omitempty"`

	Messages          uint64 `json:"messages"`
	Malformed         uint64 `json:"malformed"`
	FramesDecoded     uint64 `json:"frames_decoded"`
	DecodeFailures    uint64 `json:"decode_failures"`
	TransportFailures uint64 `json:"transport_failures"`
	Reconnects        uint64 `json:"reconnects"`
}

// Option customizes a Client.
type Option func(*Client)

// WithPresence feeds every detection set into the tracker.
func WithPresence(t *presence.Tracker) Option {
	return func(c *Client) { c.tracker = t }
}

// WithMetrics mirrors client counters into m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock replaces time.Now for arrival stamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// Client owns one logical connection to the backend and reconnects forever
// until closed.
type Client struct {
	cfg     Config
	dialer  *websocket.Dialer
	tracker *presence.Tracker
	metrics *metrics.Metrics
	now     func() time.Time

	mu              sync.Mutex
	state           ConnectionState
	detections      []types.Detection
	window          *RateWindow
	latency         int64
	hasLatency      bool
	lastMessageAt   time.Time
	lastServerError string
	counters        Snapshot
	seq             uint64

	conn     *websocket.Conn
	gen      uint64 // Bumped on every connect; stale callbacks compare against it
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	disposed bool

	updateListeners  []func(Snapshot)
	frameListeners   []func(types.Frame)
	failureListeners []func(Failure)

	malformedLog rate.Sometimes
	decodes      sync.WaitGroup
}

// NewClient creates a client. Nothing happens until Start.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}

	c := &Client{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		now:          time.Now,
		state:        Closed,
		detections:   []types.Detection{},
		window:       NewRateWindow(RateWindowSpan),
		malformedLog: rate.Sometimes{Interval: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnUpdate registers a listener for observable state changes.
func (c *Client) OnUpdate(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updateListeners = append(c.updateListeners, fn)
}

// OnFrame registers a listener for decoded frames. Listeners run on decode
// goroutines and may be called concurrently.
func (c *Client) OnFrame(fn func(types.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frameListeners = append(c.frameListeners, fn)
}

// OnFailure registers a listener for non-fatal failures.
func (c *Client) OnFailure(fn func(Failure)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureListeners = append(c.failureListeners, fn)
}

// Start opens the first connection. Cancelling ctx is equivalent to Close.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.disposed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	done := c.ctx.Done()
	c.mu.Unlock()

	go func() {
		<-done
		c.Close()
	}()
	c.connect()
}

// Close tears the client down. Pending reconnects are cancelled and callbacks
// that arrive afterwards have no effect. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.conn
	c.conn = nil
	c.state = Closed
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.setMetricState(Closed)

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close stream: %w", err)
	}
	logger.Info("Stream", "Closed %s", c.cfg.URL)
	return nil
}

// Wait blocks until in-flight frame decodes have finished.
func (c *Client) Wait() {
	c.decodes.Wait()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a copy of the observable state.
func (c *Client) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(c.now())
}

func (c *Client) snapshotLocked(now time.Time) Snapshot {
	s := c.counters
	s.State = c.state
	s.StateName = c.state.String()
	s.Detections = append([]types.Detection{}, c.detections...)
	s.FrameRate = c.window.Count(now)
	s.LatencyMs = c.latency
	s.HasLatency = c.hasLatency
	s.LastMessageAt = c.lastMessageAt
	s.LastServerError = c.lastServerError
	return s
}

func (c *Client) connect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.timer = nil
	c.state = Connecting
	ctx := c.ctx
	c.mu.Unlock()

	c.setMetricState(Connecting)
	c.notifyUpdate()
	logger.Debug("Stream", "Connecting to %s (attempt %d)", c.cfg.URL, gen)

	go c.dial(ctx, gen)
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dctx, c.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.onTransportError(gen, fmt.Errorf("%w: dial %s: %v", ErrTransportClosed, c.cfg.URL, err))
		return
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = Open
	c.mu.Unlock()

	c.setMetricState(Open)
	logger.Info("Stream", "Connected to %s", c.cfg.URL)
	c.notifyUpdate()

	c.readLoop(conn, gen)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onTransportError(gen, fmt.Errorf("%w: %v", ErrTransportClosed, err))
			return
		}
		c.handleMessage(gen, data)
	}
}

// onTransportError moves to Closed and schedules exactly one reconnect per
// connection generation.
func (c *Client) onTransportError(gen uint64, err error) {
	c.mu.Lock()
	if c.disposed || gen != c.gen || c.state == Closed {
		c.mu.Unlock()
		return
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.state = Closed
	c.counters.TransportFailures++
	c.timer = time.AfterFunc(c.cfg.ReconnectDelay, c.reconnect)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.TransportErrors.Add(1)
	}
	c.setMetricState(Closed)
	logger.Warn("Stream", "Connection lost: %v (retrying in %s)", err, c.cfg.ReconnectDelay)
	c.notifyFailure(Failure{Kind: FailureTransport, Err: err, At: c.now()})
	c.notifyUpdate()
}

func (c *Client) reconnect() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.counters.Reconnects++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.Reconnects.Add(1)
	}
	c.connect()
}

func (c *Client) handleMessage(gen uint64, data []byte) {
	now := c.now()

	msg, err := ParseMessage(data)
	if err != nil {
		c.mu.Lock()
		stale := c.disposed || gen != c.gen
		if !stale {
			c.counters.Malformed++
		}
		c.mu.Unlock()
		if stale {
			return
		}
		if c.metrics != nil {
			c.metrics.MessagesMalformed.Add(1)
		}
		c.malformedLog.Do(func() {
			logger.Warn("Stream", "Dropping malformed message: %v", err)
		})
		c.notifyFailure(Failure{Kind: FailureMalformed, Err: err, At: now})
		return
	}

	c.mu.Lock()
	if c.disposed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.counters.Messages++
	c.seq++
	seq := c.seq
	fps := c.window.Add(now)
	if msg.Timestamp != nil {
		c.latency = Latency(now, *msg.Timestamp)
		c.hasLatency = true
	}
	dets := append([]types.Detection{}, msg.Detections...)
	c.detections = dets
	c.lastMessageAt = now
	if msg.Error != "" {
		c.lastServerError = msg.Error
	}
	latency := c.latency
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.MessagesReceived.Add(1)
		c.metrics.FrameRate.Store(uint64(fps))
		c.metrics.LatencyMs.Store(latency)
	}
	if msg.Error != "" {
		logger.Warn("Stream", "Backend reported: %s", msg.Error)
	}

	if c.tracker != nil {
		c.tracker.Observe(dets, now)
	}

	if msg.Frame != nil {
		c.decodeAsync(*msg.Frame, dets, now, seq)
	}
	c.notifyUpdate()
}

// decodeAsync decodes off the read loop. Decodes may finish out of order, the
// frame carries its sequence number so consumers can drop stale ones.
func (c *Client) decodeAsync(hexFrame string, dets []types.Detection, at time.Time, seq uint64) {
	c.decodes.Add(1)
	go func() {
		defer c.decodes.Done()

		img, raw, err := DecodeFrame(hexFrame)
		if err != nil {
			c.onDecodeFailure(err)
			return
		}
		c.onDecoded(types.Frame{
			Image:      img,
			Raw:        raw,
			Detections: dets,
			ReceivedAt: at,
			Seq:        seq,
		})
	}()
}

func (c *Client) onDecodeFailure(err error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.counters.DecodeFailures++
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FrameDecodeErrors.Add(1)
	}
	logger.Debug("Stream", "Frame decode failed: %v", err)
	c.notifyFailure(Failure{Kind: FailureDecode, Err: err, At: c.now()})
}

func (c *Client) onDecoded(frame types.Frame) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.counters.FramesDecoded++
	listeners := append([]func(types.Frame){}, c.frameListeners...)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.FramesDecoded.Add(1)
	}
	for _, fn := range listeners {
		fn(frame)
	}
}

func (c *Client) notifyUpdate() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	snap := c.snapshotLocked(c.now())
	listeners := append([]func(Snapshot){}, c.updateListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(snap)
	}
}

func (c *Client) notifyFailure(f Failure) {
	c.mu.Lock()
	listeners := append([]func(Failure){}, c.failureListeners...)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(f)
	}
}

func (c *Client) setMetricState(s ConnectionState) {
	if c.metrics != nil {
		c.metrics.ConnectionState.Store(uint64(s))
	}
}
