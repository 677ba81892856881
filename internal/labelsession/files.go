package labelsession

import (
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"path"
	"strings"
)

// File is one entry of a flat directory listing. Path is slash-separated and
// relative to the selected root.
type File struct {
	Path string
	Open func() (io.ReadCloser, error)
}

// FilesFromFS lists every regular file in fsys.
func FilesFromFS(fsys fs.FS) ([]File, error) {
	var files []File
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		files = append(files, File{
			Path: p,
			Open: func() (io.ReadCloser, error) { return fsys.Open(p) },
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return files, nil
}

// FilesFromMultipart adapts an upload. The multipart reader strips directories
// from file names, so browsers send the relative paths in a parallel field;
// when paths is shorter than headers the bare file name is used.
func FilesFromMultipart(headers []*multipart.FileHeader, paths []string) []File {
	files := make([]File, 0, len(headers))
	for i, fh := range headers {
		fh := fh
		p := fh.Filename
		if i < len(paths) && paths[i] != "" {
			p = paths[i]
		}
		files = append(files, File{
			Path: cleanPath(p),
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return files
}

func cleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// inDir reports whether the slash path has a segment named dir, e.g.
// "run1/frames/a.jpg" is in "frames".
func inDir(p, dir string) bool {
	return strings.HasPrefix(p, dir+"/") || strings.Contains(p, "/"+dir+"/")
}

// datasetRoot returns the path before the last dir segment: "a/run1/frames/x.jpg"
// with "frames" gives "a/run1", and "frames/x.jpg" gives "".
func datasetRoot(p, dir string) string {
	if i := strings.LastIndex(p, "/"+dir+"/"); i >= 0 {
		return p[:i]
	}
	return ""
}

func stem(p string) string {
	base := path.Base(p)
	return strings.TrimSuffix(base, path.Ext(base))
}

func readAll(f File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Path, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Path, err)
	}
	return data, nil
}
