package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.MessagesReceived.Add(3)
	m.LatencyMs.Store(50)
	m.ConnectionState.Store(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)
	require.Contains(t, text, "monitor_stream_messages_total 3")
	require.Contains(t, text, "monitor_latency_ms 50")
	require.Contains(t, text, "monitor_connection_state 1")
}
