package webmonitor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
)

var (
	mjpegIdleTimeout = 5 * time.Second
	sseKeepalive     = 30 * time.Second
)

var (
	blankOnce sync.Once
	blankData []byte
	blankErr  error
)

// blankJPEG is the color-bar frame sent while no live frame is available.
func blankJPEG() ([]byte, error) {
	blankOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))

		// Color bars: White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
		colors := []color.RGBA{
			{R: 255, G: 255, B: 255, A: 255},
			{R: 255, G: 255, B: 0, A: 255},
			{R: 0, G: 255, B: 255, A: 255},
			{R: 0, G: 255, B: 0, A: 255},
			{R: 255, G: 0, B: 255, A: 255},
			{R: 255, G: 0, B: 0, A: 255},
			{R: 0, G: 0, B: 255, A: 255},
			{R: 0, G: 0, B: 0, A: 255},
		}

		barWidth := 640 / len(colors)
		for y := 0; y < 480; y++ {
			for x := 0; x < 640; x++ {
				img.SetRGBA(x, y, colors[min(x/barWidth, len(colors)-1)])
			}
		}

		var buf bytes.Buffer
		blankErr = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75})
		blankData = buf.Bytes()
	})
	return blankData, blankErr
}

// streamMJPEGFromChannel streams MJPEG from a channel (fanout pattern).
func streamMJPEGFromChannel(ctx context.Context, w http.ResponseWriter, frameCh <-chan []byte, initial []byte, m *metrics.Metrics) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	blank, err := blankJPEG()
	if err != nil {
		http.Error(w, "Failed to render frame", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")

	if m != nil {
		m.MJPEGClients.Add(1)
		defer m.MJPEGClients.Add(-1)
	}

	jpegData := initial
	if jpegData == nil {
		jpegData = blank
	}
	for {
		if err := writeMJPEGPart(w, jpegData); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-ctx.Done():
			return
		case data, ok := <-frameCh:
			if !ok {
				// Channel closed, client should disconnect
				return
			}
			jpegData = data
		case <-time.After(mjpegIdleTimeout):
			// No frame for a while, send blank to keep connection alive
			jpegData = blank
		}
	}
}

func writeMJPEGPart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}

// streamEventsFromChannel streams pre-serialized events to an SSE client.
// An optional first event is written before waiting on the channel.
func streamEventsFromChannel(ctx context.Context, w http.ResponseWriter, eventCh <-chan *SerializedEvent, first *SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Add custom header to indicate format
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event *SerializedEvent) error {
		data := event.JSONData
		if useProtobuf {
			data = event.ProtobufData
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if first != nil {
		if err := send(first); err != nil {
			logger.Debug("SSE", "Client disconnected during event write: %v", err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			if err := send(event); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
		case <-time.After(sseKeepalive):
			// Send keepalive comment to prevent timeout
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
