// Package labelsession loads previously inferred frames with their label files,
// lets an operator review and correct categories, and exports the corrected set.
package labelsession

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math/rand"
	"path"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/google/uuid"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"
)

const (
	// MaxFrames caps how many frames one import samples.
	MaxFrames      = 100
	FramesDir      = "frames"
	DetectionsDir  = "detections"
	LabelExtension = ".txt"
)

// ImageExtensions are the frame file types accepted by Import.
var ImageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".webp"}

var (
	ErrMalformedLabel = errors.New("malformed label line")
	ErrOutOfRange     = errors.New("index out of range")
	ErrEmptySession   = errors.New("no frames in session")
)

// Frame is one imported image with its detections.
type Frame struct {
	ID         string                 `json:"id"` // File stem, stable for the session
	ImagePath  string                 `json:"image_path"`
	Detections []types.LabelDetection `json:"detections"`

	image []byte
}

// ImageExt returns the lower-cased extension of the source image.
func (f *Frame) ImageExt() string {
	return strings.ToLower(path.Ext(f.ImagePath))
}

// ImageBytes returns the encoded image as imported.
func (f *Frame) ImageBytes() []byte { return f.image }

// DecodeImage decodes the frame's image.
func (f *Frame) DecodeImage() (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(f.image))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.ImagePath, err)
	}
	return img, nil
}

func (f *Frame) clone() Frame {
	out := *f
	out.Detections = make([]types.LabelDetection, len(f.Detections))
	for i, d := range f.Detections {
		if d.Reassigned != nil {
			r := *d.Reassigned
			d.Reassigned = &r
		}
		out.Detections[i] = d
	}
	return out
}

// Option customizes a Session.
type Option func(*Session)

// WithRand sets the sampling source. Tests use a fixed seed.
func WithRand(r *rand.Rand) Option {
	return func(s *Session) { s.rng = r }
}

// WithMetrics counts imports and exports.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// Session holds one review pass in memory.
type Session struct {
	mu       sync.Mutex
	cats     categories.Config
	rng      *rand.Rand
	metrics  *metrics.Metrics
	id       string
	frames   []*Frame // Navigable, i.e. not excluded
	excluded map[string]struct{}
	total    int
	index    int
	imported time.Time
}

// New creates an empty session for a fixed category list.
func New(cats categories.Config, opts ...Option) *Session {
	s := &Session{
		cats:     cats,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		id:       uuid.NewString(),
		excluded: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Import replaces the session with a random sample of up to MaxFrames frames
// from files. A frame's label is detections/<stem>.txt, preferably beside its
// own frames/ directory. Frames without a label file are skipped. A malformed
// label file fails the import and leaves the current session untouched.
func (s *Session) Import(files []File) (int, error) {
	var images []File
	labels := make(map[string][]File)
	for _, f := range files {
		p := cleanPath(f.Path)
		ext := strings.ToLower(path.Ext(p))
		switch {
		case inDir(p, FramesDir) && slices.Contains(ImageExtensions, ext):
			images = append(images, File{Path: p, Open: f.Open})
		case inDir(p, DetectionsDir) && ext == LabelExtension:
			labels[stem(p)] = append(labels[stem(p)], File{Path: p, Open: f.Open})
		}
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Path < images[j].Path })
	for _, l := range labels {
		sort.Slice(l, func(i, j int) bool { return l[i].Path < l[j].Path })
	}

	s.mu.Lock()
	s.rng.Shuffle(len(images), func(i, j int) { images[i], images[j] = images[j], images[i] })
	s.mu.Unlock()
	if len(images) > MaxFrames {
		images = images[:MaxFrames]
	}

	frames := make([]*Frame, 0, len(images))
	seen := make(map[string]struct{}, len(images))
	skipped := 0
	for _, img := range images {
		id := stem(img.Path)
		lf, ok := matchLabel(img.Path, labels[id])
		if !ok {
			skipped++
			continue
		}
		if _, dup := seen[id]; dup {
			logger.Warn("Labels", "Duplicate frame id %q (%s), keeping the first", id, img.Path)
			continue
		}
		seen[id] = struct{}{}

		raw, err := readAll(lf)
		if err != nil {
			return 0, err
		}
		dets, err := ParseLabels(lf.Path, raw)
		if err != nil {
			return 0, err
		}
		data, err := readAll(img)
		if err != nil {
			return 0, err
		}
		frames = append(frames, &Frame{ID: id, ImagePath: img.Path, Detections: dets, image: data})
	}

	s.mu.Lock()
	s.id = uuid.NewString()
	s.frames = frames
	s.excluded = make(map[string]struct{})
	s.total = len(frames)
	s.index = 0
	s.imported = time.Now()
	id := s.id
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.LabelImports.Add(1)
	}
	logger.Info("Labels", "Session %s: imported %d frames (%d without labels skipped)", id, len(frames), skipped)
	return len(frames), nil
}

// matchLabel prefers the label file from the frame's own dataset, so
// run2/frames/a.jpg pairs with run2/detections/a.txt, and otherwise falls back
// to the first label with the same stem.
func matchLabel(imagePath string, candidates []File) (File, bool) {
	if len(candidates) == 0 {
		return File{}, false
	}
	root := datasetRoot(imagePath, FramesDir)
	for _, c := range candidates {
		if datasetRoot(c.Path, DetectionsDir) == root {
			return c, true
		}
	}
	return candidates[0], true
}

// ID identifies the current import.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Len is the number of navigable frames.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

// Total is the number of frames imported.
func (s *Session) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Kept is Total minus excluded frames.
func (s *Session) Kept() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total - len(s.excluded)
}

// Index is the current navigation position.
func (s *Session) Index() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// Next advances unless already at the last frame.
func (s *Session) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index < len(s.frames)-1 {
		s.index++
	}
	return s.index
}

// Prev steps back unless already at the first frame.
func (s *Session) Prev() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.index > 0 {
		s.index--
	}
	return s.index
}

// Seek moves to the navigable frame with the given id.
func (s *Session) Seek(id string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, f := range s.frames {
		if f.ID == id {
			s.index = i
			return i, nil
		}
	}
	return s.index, fmt.Errorf("%w: no frame %q", ErrOutOfRange, id)
}

// Current returns a copy of the frame at the current index.
func (s *Session) Current() (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return Frame{}, ErrEmptySession
	}
	return s.frames[s.index].clone(), nil
}

// Frame returns a copy of the navigable frame at i.
func (s *Session) Frame(i int) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.frames) {
		return Frame{}, fmt.Errorf("%w: frame %d of %d", ErrOutOfRange, i, len(s.frames))
	}
	return s.frames[i].clone(), nil
}

// Remap reassigns a detection to the named category and returns the effective
// category. An unknown name reassigns the detection to its original category.
// The original category is never modified.
func (s *Session) Remap(frameIndex, detIndex int, name string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if frameIndex < 0 || frameIndex >= len(s.frames) {
		return 0, fmt.Errorf("%w: frame %d of %d", ErrOutOfRange, frameIndex, len(s.frames))
	}
	f := s.frames[frameIndex]
	if detIndex < 0 || detIndex >= len(f.Detections) {
		return 0, fmt.Errorf("%w: detection %d of %d", ErrOutOfRange, detIndex, len(f.Detections))
	}
	d := &f.Detections[detIndex]
	target, ok := s.cats.Resolve(name)
	if !ok {
		logger.Debug("Labels", "Unknown category %q for %s#%d, keeping %d", name, f.ID, detIndex, d.CategoryIndex)
		target = d.CategoryIndex
	}
	d.Reassigned = &target
	return target, nil
}

// Exclude drops the current frame from navigation and export and moves back one
// frame. It returns false when there is nothing to exclude.
func (s *Session) Exclude() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return false
	}
	f := s.frames[s.index]
	s.excluded[f.ID] = struct{}{}
	s.frames = slices.Delete(s.frames, s.index, s.index+1)
	s.index = max(0, s.index-1)
	logger.Debug("Labels", "Excluded %s (%d kept)", f.ID, s.total-len(s.excluded))
	return true
}

// IsExcluded reports whether the frame id was excluded in this session.
func (s *Session) IsExcluded(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.excluded[id]
	return ok
}

// Categories returns the fixed category list used for remapping.
func (s *Session) Categories() categories.Config {
	return s.cats
}

// View is the JSON shape of the session state.
type View struct {
	ID       string    `json:"id"`
	Index    int       `json:"index"`
	Len      int       `json:"len"`
	Total    int       `json:"total"`
	Kept     int       `json:"kept"`
	Imported time.Time `json:"imported,omitzero"`
	Current  *Frame    `json:"current,omitempty"`
}

// View snapshots the session.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := View{
		ID:       s.id,
		Index:    s.index,
		Len:      len(s.frames),
		Total:    s.total,
		Kept:     s.total - len(s.excluded),
		Imported: s.imported,
	}
	if len(s.frames) > 0 {
		f := s.frames[s.index].clone()
		v.Current = &f
	}
	return v
}

func (s *Session) keptFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.clone()
	}
	return out
}
