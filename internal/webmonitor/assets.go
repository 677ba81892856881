package webmonitor

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/julienschmidt/httprouter"
)

// assetHandler serves static files, preferring a built copy over the source dir.
type assetHandler struct {
	buildDir  string
	assetsDir string
}

func newAssetHandler(buildDir, assetsDir string) *assetHandler {
	return &assetHandler{
		buildDir:  buildDir,
		assetsDir: assetsDir,
	}
}

func (h *assetHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := httprouter.ParamsFromContext(r.Context()).ByName("filepath")
	if name == "" {
		name = r.URL.Path
	}
	// Flat directories only; Base also strips any "..".
	filename := filepath.Base(name)
	if filename == "/" || filename == "." {
		http.NotFound(w, r)
		return
	}

	for _, dir := range []string{h.buildDir, h.assetsDir} {
		if dir == "" {
			continue
		}
		if p := filepath.Join(dir, filename); fileExists(p) {
			http.ServeFile(w, r, p)
			return
		}
	}
	http.NotFound(w, r)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
