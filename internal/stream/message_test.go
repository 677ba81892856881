package stream

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://camera.local:8000", "ws://camera.local:8000/ws/video"},
		{"https://camera.example.com/", "wss://camera.example.com/ws/video"},
		{"http://10.0.0.5/monitor?x=1", "ws://10.0.0.5/monitor/ws/video"},
		{"wss://camera.example.com", "wss://camera.example.com/ws/video"},
	}
	for _, tt := range tests {
		got, err := EndpointURL(tt.base)
		require.NoError(t, err, tt.base)
		require.Equal(t, tt.want, got)
	}

	_, err := EndpointURL("not a url")
	require.Error(t, err)
}

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"frame":"00","detections":[{"class":3,"confidence":0.25,"bbox":[1,2,3,4]}],"timestamp":12.5}`))
	require.NoError(t, err)
	require.NotNil(t, msg.Frame)
	require.Equal(t, 12.5, *msg.Timestamp)
	require.Equal(t, [4]float64{1, 2, 3, 4}, msg.Detections[0].BBox)

	msg, err = ParseMessage([]byte(`{"detections":[]}`))
	require.NoError(t, err)
	require.Nil(t, msg.Frame)
	require.Nil(t, msg.Timestamp)

	_, err = ParseMessage([]byte(`{"detections":`))
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestLatencyRounds(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_050)
	require.Equal(t, int64(50), Latency(now, 1_700_000_000_000))
	require.Equal(t, int64(50), Latency(now, 1_700_000_000_000.4))
	require.Equal(t, int64(-10), Latency(now, 1_700_000_000_060))
}

func TestDecodeFrameRejectsBadHex(t *testing.T) {
	_, _, err := DecodeFrame("zz")
	require.ErrorIs(t, err, ErrFrameDecode)

	_, _, err = DecodeFrame(jpegHex(t, 4, 4))
	require.NoError(t, err)
}

func TestRateWindowBoundaries(t *testing.T) {
	w := NewRateWindow(RateWindowSpan)
	base := time.UnixMilli(10_000)

	require.Equal(t, 1, w.Add(base))
	require.Equal(t, 2, w.Add(base.Add(500*time.Millisecond)))
	// Exactly one span later the first arrival is out.
	require.Equal(t, 2, w.Add(base.Add(time.Second)))
	require.Equal(t, 1, w.Count(base.Add(1500*time.Millisecond)))
	require.Equal(t, 0, w.Count(base.Add(3*time.Second)))
}

func TestRateWindowMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	w := NewRateWindow(RateWindowSpan)
	var all []time.Time
	at := time.UnixMilli(0)

	for i := 0; i < 500; i++ {
		at = at.Add(time.Duration(rng.Intn(120)) * time.Millisecond)
		all = append(all, at)
		got := w.Add(at)

		want := 0
		for _, s := range all {
			if s.After(at.Add(-time.Second)) && !s.After(at) {
				want++
			}
		}
		require.Equal(t, want, got, "arrival %d", i)
	}
}
