package webmonitor

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/dj-oyu/chickeye-monitor/internal/labelsession"
	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/dj-oyu/chickeye-monitor/internal/render"
	"github.com/julienschmidt/httprouter"
)

// multipart field names used by the label import form
const (
	importFilesField = "files"
	importPathsField = "paths"
)

func (s *Server) handleLabelsImport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, err, http.StatusRequestEntityTooLarge)
			return
		}
		writeError(w, fmt.Errorf("parse upload: %w", err), http.StatusBadRequest)
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	files := labelsession.FilesFromMultipart(
		r.MultipartForm.File[importFilesField],
		r.MultipartForm.Value[importPathsField],
	)
	n, err := s.labels.Import(files)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, labelsession.ErrMalformedLabel) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, err, status)
		return
	}
	logger.Info("Labels", "Imported %d frames from %d uploaded files", n, len(files))
	writeJSON(w, s.labels.View())
}

func (s *Server) handleLabelsSession(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, s.labels.View())
}

func (s *Server) handleLabelsNext(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.labels.Next()
	writeJSON(w, s.labels.View())
}

func (s *Server) handleLabelsPrev(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	s.labels.Prev()
	writeJSON(w, s.labels.View())
}

func (s *Server) handleLabelsExclude(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !s.labels.Exclude() {
		writeError(w, labelsession.ErrEmptySession, http.StatusConflict)
		return
	}
	writeJSON(w, s.labels.View())
}

type remapRequest struct {
	Frame     *int   `json:"frame"` // Defaults to the current frame
	Detection int    `json:"detection"`
	Category  string `json:"category"`
}

func (s *Server) handleLabelsRemap(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req remapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("decode remap request: %w", err), http.StatusBadRequest)
		return
	}
	frame := s.labels.Index()
	if req.Frame != nil {
		frame = *req.Frame
	}
	effective, err := s.labels.Remap(frame, req.Detection, req.Category)
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"frame":     frame,
		"detection": req.Detection,
		"category":  effective,
		"name":      s.cats.Name(effective),
		"session":   s.labels.View(),
	})
}

func (s *Server) handleLabelsImage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	i, err := parseIndex(ps.ByName("index"))
	if err != nil {
		writeError(w, err, http.StatusBadRequest)
		return
	}
	frame, err := s.labels.Frame(i)
	if err != nil {
		writeError(w, err, http.StatusNotFound)
		return
	}

	if r.URL.Query().Get("overlay") != "1" {
		ct := mime.TypeByExtension(frame.ImageExt())
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		_, _ = w.Write(frame.ImageBytes())
		return
	}

	img, err := frame.DecodeImage()
	if err != nil {
		writeError(w, err, http.StatusUnprocessableEntity)
		return
	}
	labeled, err := render.LabelImage(img, frame.Detections, s.cats)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	data, err := render.EncodeJPEG(labeled, 0, s.cfg.JPEGQuality)
	if err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	_, _ = w.Write(data)
}

func (s *Server) handleLabelsExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := labelsession.ExportOptions{
		IncludeImages:      q.Get("images") == "1",
		IncludeDatasetYAML: q.Get("yaml") == "1",
	}

	var buf bytes.Buffer
	if _, err := s.labels.Export(&buf, opts); err != nil {
		writeError(w, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": s.labels.Filename(),
	}))
	w.Header().Set("Content-Length", fmt.Sprint(buf.Len()))
	_, _ = buf.WriteTo(w)
}
