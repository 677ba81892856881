package labelsession

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/dj-oyu/chickeye-monitor/internal/categories"
	"github.com/dj-oyu/chickeye-monitor/internal/metrics"
	"github.com/stretchr/testify/require"
)

func newSession(t *testing.T, fsys fstest.MapFS) *Session {
	t.Helper()
	s := New(categories.Default(), WithRand(rand.New(rand.NewSource(1))))
	files, err := FilesFromFS(fsys)
	require.NoError(t, err)
	_, err = s.Import(files)
	require.NoError(t, err)
	return s
}

func unzip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(body)
	}
	return out
}

func threeFramesTwoLabels() fstest.MapFS {
	return fstest.MapFS{
		"run/frames/a.jpg":      {Data: []byte("a")},
		"run/frames/b.jpg":      {Data: []byte("b")},
		"run/frames/c.png":      {Data: []byte("c")},
		"run/detections/a.txt":  {Data: []byte("0 0.5 0.5 0.25 0.25\n1 0.1 0.2 0.3 0.4\n")},
		"run/detections/b.txt":  {Data: []byte("2 0.75 0.125 0.5 0.5\n")},
		"run/detections/zz.txt": {Data: []byte("0 0.1 0.1 0.1 0.1\n")},
		"run/notes.md":          {Data: []byte("ignored")},
	}
}

func TestImportSkipsFramesWithoutLabels(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	require.Equal(t, 2, s.Len())
	require.Equal(t, 2, s.Total())
	require.Equal(t, 2, s.Kept())
	require.Equal(t, 0, s.Index())
}

func TestImportPrefersLabelsFromSameRun(t *testing.T) {
	s := newSession(t, fstest.MapFS{
		"run1/detections/a.txt":  {Data: []byte("0 0.5 0.5 0.1 0.1\n")},
		"run2/frames/a.jpg":      {Data: []byte("a")},
		"run2/detections/a.txt":  {Data: []byte("2 0.5 0.5 0.1 0.1\n")},
		"run3/frames/b.jpg":      {Data: []byte("b")},
		"other/detections/b.txt": {Data: []byte("1 0.5 0.5 0.1 0.1\n")},
	})
	require.Equal(t, 2, s.Len())

	i, err := s.Seek("a")
	require.NoError(t, err)
	f, err := s.Frame(i)
	require.NoError(t, err)
	require.Len(t, f.Detections, 1)
	require.Equal(t, 2, f.Detections[0].CategoryIndex)

	// No label next to run3/frames, so any b.txt will do.
	i, err = s.Seek("b")
	require.NoError(t, err)
	f, err = s.Frame(i)
	require.NoError(t, err)
	require.Equal(t, 1, f.Detections[0].CategoryIndex)
}

func TestImportCapsAtMaxFrames(t *testing.T) {
	fsys := fstest.MapFS{}
	for i := 0; i < MaxFrames+30; i++ {
		fsys[fmt.Sprintf("frames/f%03d.jpg", i)] = &fstest.MapFile{Data: []byte{byte(i)}}
		fsys[fmt.Sprintf("detections/f%03d.txt", i)] = &fstest.MapFile{Data: []byte("0 0.5 0.5 0.1 0.1\n")}
	}
	s := newSession(t, fsys)
	require.Equal(t, MaxFrames, s.Len())

	ids := make(map[string]bool)
	for i := 0; i < s.Len(); i++ {
		f, err := s.Frame(i)
		require.NoError(t, err)
		require.False(t, ids[f.ID], "sampled %s twice", f.ID)
		ids[f.ID] = true
	}
}

func TestImportIsReproducibleWithSeed(t *testing.T) {
	fsys := fstest.MapFS{}
	for i := 0; i < 20; i++ {
		fsys[fmt.Sprintf("frames/f%02d.jpg", i)] = &fstest.MapFile{Data: []byte{byte(i)}}
		fsys[fmt.Sprintf("detections/f%02d.txt", i)] = &fstest.MapFile{Data: []byte("0 0.5 0.5 0.1 0.1\n")}
	}
	order := func() []string {
		s := newSession(t, fsys)
		var ids []string
		for i := 0; i < s.Len(); i++ {
			f, _ := s.Frame(i)
			ids = append(ids, f.ID)
		}
		return ids
	}
	require.Equal(t, order(), order())
}

func TestRoundTripWithoutEdits(t *testing.T) {
	fsys := threeFramesTwoLabels()
	s := newSession(t, fsys)

	var buf bytes.Buffer
	_, err := s.Export(&buf, ExportOptions{})
	require.NoError(t, err)

	files := unzip(t, buf.Bytes())
	require.Len(t, files, 2)
	require.Equal(t, string(fsys["run/detections/a.txt"].Data), files["detections/a.txt"])
	require.Equal(t, string(fsys["run/detections/b.txt"].Data), files["detections/b.txt"])
}

func TestNavigationBounds(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())

	require.Equal(t, 0, s.Prev())
	require.Equal(t, 1, s.Next())
	require.Equal(t, 1, s.Next())
	require.Equal(t, 0, s.Prev())

	empty := New(categories.Default())
	require.Equal(t, 0, empty.Next())
	require.Equal(t, 0, empty.Prev())
	_, err := empty.Current()
	require.ErrorIs(t, err, ErrEmptySession)
}

func TestRemapIsIdempotentAndKeepsOriginal(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	f, err := s.Current()
	require.NoError(t, err)
	orig := f.Detections[0].CategoryIndex

	got, err := s.Remap(0, 0, "Category 4")
	require.NoError(t, err)
	require.Equal(t, 3, got)
	got, err = s.Remap(0, 0, "Category 4")
	require.NoError(t, err)
	require.Equal(t, 3, got)

	f, err = s.Current()
	require.NoError(t, err)
	require.Equal(t, orig, f.Detections[0].CategoryIndex)
	require.Equal(t, 3, f.Detections[0].Effective())
}

func TestRemapUnknownNameFallsBackToOriginal(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	_, err := s.Remap(0, 0, "Category 4")
	require.NoError(t, err)

	f, _ := s.Current()
	got, err := s.Remap(0, 0, "unicorn")
	require.NoError(t, err)
	require.Equal(t, f.Detections[0].CategoryIndex, got)

	_, err = s.Remap(0, 99, "Category 1")
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = s.Remap(5, 0, "Category 1")
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestExportUsesEffectiveCategory(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	var aIndex int
	for i := 0; i < s.Len(); i++ {
		if f, _ := s.Frame(i); f.ID == "a" {
			aIndex = i
		}
	}
	_, err := s.Remap(aIndex, 1, "Category 3")
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = s.Export(&buf, ExportOptions{})
	require.NoError(t, err)
	files := unzip(t, buf.Bytes())
	require.Equal(t, "0 0.5 0.5 0.25 0.25\n2 0.1 0.2 0.3 0.4\n", files["detections/a.txt"])
}

func TestExcludeMovesBackAndShrinksExport(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	s.Next()
	second, _ := s.Current()

	require.True(t, s.Exclude())
	require.Equal(t, 0, s.Index())
	require.Equal(t, 1, s.Len())
	require.Equal(t, 2, s.Total())
	require.Equal(t, 1, s.Kept())
	require.True(t, s.IsExcluded(second.ID))

	var buf bytes.Buffer
	_, err := s.Export(&buf, ExportOptions{})
	require.NoError(t, err)
	files := unzip(t, buf.Bytes())
	require.Len(t, files, 1)
	require.NotContains(t, files, "detections/"+second.ID+".txt")
}

func TestExcludeAllYieldsEmptyArchive(t *testing.T) {
	m := metrics.New()
	s := New(categories.Default(), WithRand(rand.New(rand.NewSource(3))), WithMetrics(m))
	files, err := FilesFromFS(threeFramesTwoLabels())
	require.NoError(t, err)
	_, err = s.Import(files)
	require.NoError(t, err)

	require.True(t, s.Exclude())
	require.True(t, s.Exclude())
	require.False(t, s.Exclude())
	require.Equal(t, 0, s.Kept())
	require.Equal(t, s.Total()-2, s.Kept())

	var buf bytes.Buffer
	_, err = s.Export(&buf, ExportOptions{})
	require.NoError(t, err)
	require.Empty(t, unzip(t, buf.Bytes()))
	require.Equal(t, uint64(1), m.LabelImports.Load())
	require.Equal(t, uint64(1), m.LabelExports.Load())
}

func TestImportResetsState(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	firstID := s.ID()
	_, err := s.Remap(0, 0, "Category 2")
	require.NoError(t, err)
	s.Next()
	s.Exclude()

	files, err := FilesFromFS(threeFramesTwoLabels())
	require.NoError(t, err)
	_, err = s.Import(files)
	require.NoError(t, err)

	require.NotEqual(t, firstID, s.ID())
	require.Equal(t, 0, s.Index())
	require.Equal(t, 2, s.Kept())
	for i := 0; i < s.Len(); i++ {
		f, _ := s.Frame(i)
		for _, d := range f.Detections {
			require.Nil(t, d.Reassigned)
		}
	}
}

func TestMalformedLabelFailsImportAndKeepsSession(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	before := s.View()

	bad := fstest.MapFS{
		"frames/x.jpg":     {Data: []byte("x")},
		"detections/x.txt": {Data: []byte("0 0.5 0.5 0.1\n")},
	}
	files, err := FilesFromFS(bad)
	require.NoError(t, err)
	_, err = s.Import(files)
	require.ErrorIs(t, err, ErrMalformedLabel)
	require.Contains(t, err.Error(), "x.txt:1")

	require.Equal(t, before.ID, s.ID())
	require.Equal(t, 2, s.Len())
}

func TestExportOptionalContent(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())
	var buf bytes.Buffer
	_, err := s.Export(&buf, ExportOptions{IncludeImages: true, IncludeDatasetYAML: true})
	require.NoError(t, err)

	files := unzip(t, buf.Bytes())
	var names []string
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	require.Equal(t, []string{"data.yaml", "detections/a.txt", "detections/b.txt", "frames/a.jpg", "frames/b.jpg"}, names)
	require.Equal(t, "a", files["frames/a.jpg"])
	require.Contains(t, files["data.yaml"], "nc: 4")
	require.Contains(t, files["data.yaml"], "- Category 1")

	require.True(t, strings.HasPrefix(s.Filename(), "labels-"))
	require.True(t, strings.HasSuffix(s.Filename(), ".zip"))
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestExportWriteFailureIsReported(t *testing.T) {
	m := metrics.New()
	s := New(categories.Default(), WithMetrics(m))
	_, err := s.Export(failingWriter{}, ExportOptions{})
	require.ErrorIs(t, err, io.ErrClosedPipe)
	require.Equal(t, uint64(1), m.LabelExportFails.Load())
}

func TestSeekByID(t *testing.T) {
	s := newSession(t, threeFramesTwoLabels())

	i, err := s.Seek("b")
	require.NoError(t, err)
	require.Equal(t, i, s.Index())
	cur, err := s.Current()
	require.NoError(t, err)
	require.Equal(t, "b", cur.ID)

	_, err = s.Seek("c")
	require.ErrorIs(t, err, ErrOutOfRange)
	require.Equal(t, i, s.Index())
}
