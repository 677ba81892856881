package render

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/nfnt/resize"
)

const (
	// DefaultMaxWidth matches the width the backend downsamples its own frames to.
	DefaultMaxWidth = 640
	DefaultQuality  = 80
)

// Renderer owns the live surface. Frames are drawn in completion order, so a
// slow decode may briefly replace a newer frame.
type Renderer struct {
	mu          sync.Mutex
	surface     *Surface
	cats        categories.Config
	liveOverlay bool
	lastSeq     uint64
	rendered    uint64
	metrics     *metrics.Metrics
	listeners   []func(*image.RGBA, types.Frame)
}

// Option customizes a Renderer.
type Option func(*Renderer)

// WithLiveOverlay enables drawing live detections over each frame.
func WithLiveOverlay(on bool) Option {
	return func(r *Renderer) { r.liveOverlay = on }
}

// WithMetrics counts rendered frames.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Renderer) { r.metrics = m }
}

// NewRenderer creates a renderer for a fixed category config.
func NewRenderer(cats categories.Config, opts ...Option) *Renderer {
	r := &Renderer{
		surface: NewSurface(),
		cats:    cats,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OnRender registers a listener called with a private copy of every rendered frame.
func (r *Renderer) OnRender(fn func(*image.RGBA, types.Frame)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Draw blits a decoded frame and, if enabled, its live overlay.
func (r *Renderer) Draw(frame types.Frame) error {
	r.mu.Lock()
	if err := r.surface.Blit(frame.Image); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("render frame %d: %w", frame.Seq, err)
	}
	if r.liveOverlay {
		r.surface.DrawLiveOverlay(frame.Detections, r.cats)
	}
	if frame.Seq < r.lastSeq {
		logger.Debug("Render", "Frame %d drawn after %d", frame.Seq, r.lastSeq)
	}
	r.lastSeq = frame.Seq
	r.rendered++

	var snapshot *image.RGBA
	listeners := append([]func(*image.RGBA, types.Frame){}, r.listeners...)
	if len(listeners) > 0 {
		snapshot = r.surface.Clone()
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.FramesRendered.Add(1)
	}
	for _, fn := range listeners {
		fn(snapshot, frame)
	}
	return nil
}

// Snapshot copies the current surface; nil before the first frame.
func (r *Renderer) Snapshot() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.surface.Clone()
}

// Stats returns the number of frames drawn and surface reallocations.
func (r *Renderer) Stats() (rendered uint64, resizes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rendered, r.surface.Resizes()
}

// EncodeJPEG encodes img, downscaling to maxWidth first when it is wider.
// maxWidth <= 0 disables scaling.
func EncodeJPEG(img image.Image, maxWidth, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode jpeg: nil image")
	}
	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = resize.Resize(uint(maxWidth), 0, img, resize.Bilinear)
	}
	if quality <= 0 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// LabelImage renders a review frame with its label overlay onto a fresh surface.
func LabelImage(img image.Image, dets []types.LabelDetection, cats categories.Config) (*image.RGBA, error) {
	s := NewSurface()
	if err := s.Blit(img); err != nil {
		return nil, err
	}
	s.DrawLabelOverlay(dets, cats)
	return s.Image(), nil
}
