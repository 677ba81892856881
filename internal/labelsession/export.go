package labelsession

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"gopkg.in/yaml.v3"
)

// ExportOptions adds optional content to the archive.
type ExportOptions struct {
	IncludeImages      bool // frames/<id><ext>
	IncludeDatasetYAML bool // data.yaml with nc and names
}

type datasetYAML struct {
	Train string   `yaml:"train"`
	Val   string   `yaml:"val"`
	NC    int      `yaml:"nc"`
	Names []string `yaml:"names"`
}

// Filename is the suggested download name for the current session.
func (s *Session) Filename() string {
	return fmt.Sprintf("labels-%s.zip", s.ID())
}

// Export writes a zip with detections/<id>.txt for every kept frame. The
// archive is assembled in memory and nothing reaches w unless it is complete.
func (s *Session) Export(w io.Writer, opts ExportOptions) (int64, error) {
	frames := s.keptFrames()

	data, err := s.buildArchive(frames, opts)
	if err != nil {
		if s.metrics != nil {
			s.metrics.LabelExportFails.Add(1)
		}
		return 0, fmt.Errorf("export labels: %w", err)
	}

	n, err := w.Write(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.LabelExportFails.Add(1)
		}
		return int64(n), fmt.Errorf("export labels: %w", err)
	}
	if s.metrics != nil {
		s.metrics.LabelExports.Add(1)
	}
	logger.Info("Labels", "Exported %d label files (%d bytes)", len(frames), n)
	return int64(n), nil
}

func (s *Session) buildArchive(frames []Frame, opts ExportOptions) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	modified := time.Now()

	add := func(name string, body []byte) error {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := fw.Write(body); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
		return nil
	}

	for _, f := range frames {
		if err := add(path.Join(DetectionsDir, f.ID+LabelExtension), FormatLabels(f.Detections)); err != nil {
			return nil, err
		}
		if opts.IncludeImages {
			if err := add(path.Join(FramesDir, f.ID+f.ImageExt()), f.image); err != nil {
				return nil, err
			}
		}
	}

	if opts.IncludeDatasetYAML {
		body, err := yaml.Marshal(datasetYAML{
			Train: FramesDir,
			Val:   FramesDir,
			NC:    s.cats.Len(),
			Names: s.cats.Names,
		})
		if err != nil {
			return nil, fmt.Errorf("marshal data.yaml: %w", err)
		}
		if err := add("data.yaml", body); err != nil {
			return nil, err
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish archive: %w", err)
	}
	return buf.Bytes(), nil
}
