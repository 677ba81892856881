package webmonitor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/labelsession"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/dj-oyu/chickeye-monitor/internal/presence"
	"github.com/dj-oyu/chickeye-monitor/internal/recorder"
	"github.com/dj-oyu/chickeye-monitor/internal/render"
	"github.com/dj-oyu/chickeye-monitor/internal/stream"
	"github.com/dj-oyu/chickeye-monitor/pkg/types"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// Server serves the live monitor and label review endpoints.
type Server struct {
	cfg                  Config
	cats                 categories.Config
	metrics              *metrics.Metrics
	tracker              *presence.Tracker
	client               *stream.Client
	renderer             *render.Renderer
	monitor              *Monitor
	recorder             *recorder.Recorder
	labels               *labelsession.Session
	broadcaster          *FrameBroadcaster
	detectionBroadcaster *DetectionBroadcaster
	statusBroadcaster    *StatusBroadcaster
}

// NewServer wires the live pipeline (client -> renderer/tracker -> broadcasters)
// and the label session. Nothing connects until Start.
func NewServer(cfg Config, cats categories.Config, m *metrics.Metrics) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loc, _ := cfg.Location()
	if m == nil {
		m = metrics.New()
	}

	s := &Server{
		cfg:                  cfg,
		cats:                 cats,
		metrics:              m,
		tracker:              presence.NewTracker(cats, loc),
		renderer:             render.NewRenderer(cats, render.WithLiveOverlay(cfg.LiveOverlay), render.WithMetrics(m)),
		recorder:             recorder.NewRecorder(cfg.RecordingOutputPath, m),
		labels:               labelsession.New(cats, labelsession.WithMetrics(m)),
		broadcaster:          NewFrameBroadcaster(cfg.MJPEGMaxWidth, cfg.JPEGQuality, m),
		detectionBroadcaster: NewDetectionBroadcaster(),
	}
	s.monitor = NewMonitor(cats, s.tracker)
	s.statusBroadcaster = NewStatusBroadcaster(s.monitor, cfg.StatusInterval)

	s.monitor.OnDetection(s.detectionBroadcaster.Publish)
	s.renderer.OnRender(s.broadcaster.Publish)

	if cfg.BackendURL != "" {
		wsURL, err := stream.EndpointURL(cfg.BackendURL)
		if err != nil {
			return nil, err
		}
		s.client = stream.NewClient(stream.Config{
			URL:            wsURL,
			ReconnectDelay: cfg.ReconnectDelay,
		}, stream.WithPresence(s.tracker), stream.WithMetrics(m))
		s.client.OnUpdate(s.monitor.Update)
		s.client.OnFrame(s.onFrame)
		s.client.OnFailure(func(f stream.Failure) {
			logger.Debug("Server", "Stream %s failure: %v", f.Kind, f.Err)
		})
	}
	return s, nil
}

func (s *Server) onFrame(frame types.Frame) {
	if err := s.renderer.Draw(frame); err != nil {
		logger.Debug("Server", "Render: %v", err)
	}
	s.recorder.SendFrame(frame)
}

// Start connects to the backend and starts periodic status events.
func (s *Server) Start(ctx context.Context) {
	s.statusBroadcaster.Start()
	if s.client != nil {
		s.client.Start(ctx)
	}
}

// Close tears down the live pipeline and finishes any recording.
func (s *Server) Close() error {
	s.statusBroadcaster.Stop()
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	errs = append(errs, s.recorder.Close())
	return errors.Join(errs...)
}

// Labels exposes the label session.
func (s *Server) Labels() *labelsession.Session { return s.labels }

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	assetHandler := newAssetHandler(s.cfg.BuildAssetsDir, s.cfg.AssetsDir)

	importLimit := httprate.Limit(s.cfg.ImportRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
	exportLimit := httprate.Limit(s.cfg.ExportRateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))

	router.GET("/", s.handleIndex)
	router.Handler(http.MethodGet, "/assets/*filepath", assetHandler)
	router.GET("/stream", s.handleStream)
	router.GET("/api/status", s.handleStatus)
	router.GET("/api/status/stream", s.handleStatusStream)
	router.GET("/api/detections/stream", s.handleDetectionsStream)
	router.GET("/api/presence", s.handlePresence)
	router.GET("/api/categories", s.handleCategories)
	router.POST("/api/recording/start", s.handleRecordingStart)
	router.POST("/api/recording/stop", s.handleRecordingStop)
	router.GET("/api/recording/status", s.handleRecordingStatus)

	router.Handler(http.MethodPost, "/api/labels/import", importLimit(http.HandlerFunc(s.handleLabelsImport)))
	router.GET("/api/labels/session", s.handleLabelsSession)
	router.POST("/api/labels/next", s.handleLabelsNext)
	router.POST("/api/labels/prev", s.handleLabelsPrev)
	router.POST("/api/labels/exclude", s.handleLabelsExclude)
	router.POST("/api/labels/remap", s.handleLabelsRemap)
	router.GET("/api/labels/frames/:index/image", s.handleLabelsImage)
	router.Handler(http.MethodGet, "/api/labels/export", exportLimit(http.HandlerFunc(s.handleLabelsExport)))

	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, frameCh := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(id)
	latest, _ := s.broadcaster.Latest()
	streamMJPEGFromChannel(r.Context(), w, frameCh, latest, s.metrics)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.monitor.Snapshot())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, eventCh := s.statusBroadcaster.Subscribe()
	defer s.statusBroadcaster.Unsubscribe(id)
	streamEventsFromChannel(r.Context(), w, eventCh, s.statusBroadcaster.Generate(), wantsProtobuf(r))
}

func (s *Server) handleDetectionsStream(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	id, eventCh := s.detectionBroadcaster.Subscribe()
	defer s.detectionBroadcaster.Unsubscribe(id)
	streamEventsFromChannel(r.Context(), w, eventCh, nil, wantsProtobuf(r))
}

// wantsProtobuf does content negotiation on the Accept header.
func wantsProtobuf(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.tracker.Snapshot())
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.cats)
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	dir, err := s.recorder.Start(r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"dir":        dir,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	st, err := s.recorder.Stop()
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"dir":        st.Dir,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.recorder.Status())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", labelsession.ErrOutOfRange, s)
	}
	return i, nil
}
