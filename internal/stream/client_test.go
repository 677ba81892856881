package stream

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/presence"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

var upgrader = websocket.Upgrader{}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func jpegHex(t *testing.T, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 40, B: 40, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return hex.EncodeToString(buf.Bytes())
}

// holdOpen reads until the client goes away.
func holdOpen(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []ConnectionState
}

func (l *stateLog) record(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.states); n == 0 || l.states[n-1] != s.State {
		l.states = append(l.states, s.State)
	}
}

func (l *stateLog) get() []ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ConnectionState{}, l.states...)
}

func TestReconnectsAfterRemoteClose(t *testing.T) {
	const delay = 100 * time.Millisecond
	var (
		mu    sync.Mutex
		dials []time.Time
	)
	connections := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(dials)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials = append(dials, time.Now())
		mu.Unlock()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"detections":[{"class":1,"confidence":0.5,"bbox":[1,2,3,4]}]}`))
		conn.Close()
	}))
	defer srv.Close()

	m := metrics.New()
	c := NewClient(Config{URL: wsURL(srv), ReconnectDelay: delay}, WithMetrics(m))
	log := &stateLog{}
	c.OnUpdate(log.record)

	c.Start(context.Background())
	require.Eventually(t, func() bool { return connections() >= 4 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	atClose := connections()
	time.Sleep(2 * delay)
	require.LessOrEqual(t, connections(), atClose+1, "no reconnects after close")
	require.Equal(t, Closed, c.State())

	// Fixed delay: every gap stays near ReconnectDelay instead of growing.
	mu.Lock()
	times := append([]time.Time{}, dials...)
	mu.Unlock()
	for i := 1; i < 4; i++ {
		gap := times[i].Sub(times[i-1])
		require.GreaterOrEqual(t, gap, delay*9/10, "gap %d", i)
		require.Less(t, gap, 3*delay, "gap %d", i)
	}

	states := log.get()
	require.GreaterOrEqual(t, len(states), 3)
	require.Equal(t, []ConnectionState{Connecting, Open}, states[:2])
	require.Contains(t, states[2:], Closed)
	require.GreaterOrEqual(t, c.Snapshot().Reconnects, uint64(3))
	require.GreaterOrEqual(t, m.Reconnects.Load(), uint64(3))
}

func TestDialFailureSchedulesRetry(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	var failures atomic.Int32
	c := NewClient(Config{URL: url, ReconnectDelay: 10 * time.Millisecond})
	c.OnFailure(func(f Failure) {
		if f.Kind == FailureTransport && errors.Is(f.Err, ErrTransportClosed) {
			failures.Add(1)
		}
	})
	c.Start(context.Background())
	defer c.Close()

	require.Eventually(t, func() bool { return failures.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
}

func TestFrameDecodedAndDetectionsApplied(t *testing.T) {
	payload := `{"frame":"` + jpegHex(t, 32, 24) + `","detections":[{"class":0,"confidence":0.92,"bbox":[4,4,8,8]}],"timestamp":1}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(payload))
		holdOpen(conn)
	}))
	defer srv.Close()

	frames := make(chan types.Frame, 1)
	tracker := presence.NewTracker(categories.Default(), time.UTC)
	c := NewClient(Config{URL: wsURL(srv)}, WithPresence(tracker))
	c.OnFrame(func(f types.Frame) { frames <- f })
	c.Start(context.Background())
	defer c.Close()

	select {
	case f := <-frames:
		require.Equal(t, 32, f.Width())
		require.Equal(t, 24, f.Height())
		require.Equal(t, uint64(1), f.Seq)
		require.Len(t, f.Detections, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no frame decoded")
	}

	snap := c.Snapshot()
	require.Equal(t, Open, snap.State)
	require.Equal(t, uint64(1), snap.Messages)
	require.Equal(t, uint64(1), snap.FramesDecoded)
	require.True(t, tracker.Snapshot()[0].Active)
}

func TestMalformedMessageIsDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"detections":[{"class":2,"confidence":0.4,"bbox":[0,0,1,1]}]}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		holdOpen(conn)
	}))
	defer srv.Close()

	var malformed atomic.Int32
	c := NewClient(Config{URL: wsURL(srv)})
	c.OnFailure(func(f Failure) {
		if f.Kind == FailureMalformed {
			malformed.Add(1)
		}
	})
	c.Start(context.Background())
	defer c.Close()

	require.Eventually(t, func() bool { return malformed.Load() == 1 }, 5*time.Second, 10*time.Millisecond)

	snap := c.Snapshot()
	require.Equal(t, Open, snap.State)
	require.Equal(t, uint64(1), snap.Messages)
	require.Equal(t, uint64(1), snap.Malformed)
	require.Len(t, snap.Detections, 1)
	require.Equal(t, 2, snap.Detections[0].Class)
}

func TestLatencyAndPresenceFromMessage(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_050)
	tracker := presence.NewTracker(categories.Default(), time.UTC)
	c := NewClient(Config{URL: "ws://unused"}, WithPresence(tracker), WithClock(func() time.Time { return now }))

	var failures []Failure
	var mu sync.Mutex
	c.OnFailure(func(f Failure) {
		mu.Lock()
		failures = append(failures, f)
		mu.Unlock()
	})

	c.handleMessage(0, []byte(`{"frame":"ffd8","detections":[{"class":0,"confidence":0.92,"bbox":[10,10,50,50]}],"timestamp":1700000000000}`))
	c.Wait()

	snap := c.Snapshot()
	require.True(t, snap.HasLatency)
	require.Equal(t, int64(50), snap.LatencyMs)
	require.Equal(t, 1, snap.FrameRate)
	require.Len(t, snap.Detections, 1)

	rows := tracker.Snapshot()
	require.True(t, rows[0].Active)
	require.Equal(t, "92%", rows[0].Label)

	// A truncated JPEG is a decode failure, the detections still stand.
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, failures, 1)
	require.Equal(t, FailureDecode, failures[0].Kind)
	require.ErrorIs(t, failures[0].Err, ErrFrameDecode)
}

func TestEmptyDetectionsReplaceWholesale(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"})
	c.handleMessage(0, []byte(`{"detections":[{"class":1,"confidence":0.3,"bbox":[0,0,1,1]},{"class":2,"confidence":0.3,"bbox":[0,0,1,1]}]}`))
	require.Len(t, c.Snapshot().Detections, 2)

	c.handleMessage(0, []byte(`{"detections":[]}`))
	require.Empty(t, c.Snapshot().Detections)
}

func TestServerErrorIsRecorded(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"})
	c.handleMessage(0, []byte(`{"detections":[],"error":"camera offline"}`))
	snap := c.Snapshot()
	require.Equal(t, "camera offline", snap.LastServerError)
	require.False(t, snap.HasLatency)
}

func TestCallbacksAfterCloseAreIgnored(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused"})
	var updates atomic.Int32
	c.OnUpdate(func(Snapshot) { updates.Add(1) })
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	c.handleMessage(0, []byte(`{"detections":[{"class":0,"confidence":1,"bbox":[0,0,1,1]}]}`))
	c.onTransportError(0, ErrTransportClosed)
	c.onDecodeFailure(ErrFrameDecode)

	snap := c.Snapshot()
	require.Zero(t, snap.Messages)
	require.Zero(t, snap.TransportFailures)
	require.Zero(t, snap.DecodeFailures)
	require.Empty(t, snap.Detections)
	require.Zero(t, updates.Load())
}

func TestContextCancelCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		holdOpen(conn)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(Config{URL: wsURL(srv)})
	c.Start(ctx)
	require.Eventually(t, func() bool { return c.State() == Open }, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.disposed
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, Closed, c.State())
}
