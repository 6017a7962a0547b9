package local

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// FileHandler serves the image tree rooted at basePath. Request paths are
// relative to the tree (mount it behind http.StripPrefix). Directory listings,
// in-flight uploads, tombstone markers and tombstoned files answer 404.
func FileHandler(basePath string) http.Handler {
	files := http.FileServer(http.Dir(basePath))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Clean("/" + r.URL.Path)
		base := path.Base(name)
		if strings.HasSuffix(r.URL.Path, "/") || strings.HasPrefix(base, ".") || strings.HasSuffix(name, tombstoneSuffix) {
			http.NotFound(w, r)
			return
		}
		full := filepath.Join(basePath, filepath.FromSlash(name))
		if _, err := os.Stat(full + tombstoneSuffix); err == nil {
			http.NotFound(w, r)
			return
		}
		if st, err := os.Stat(full); err != nil || st.IsDir() {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000")
		files.ServeHTTP(w, r)
	})
}
