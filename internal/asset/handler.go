package asset

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // imaging registers bmp and tiff itself
)

var ErrOutsideRoot = errors.New("path escapes image directory")

// Handler serves image files from a directory and reads their dimensions.
type Handler struct {
	dir string // root directory of image files
}

// NewHandler creates a handler rooted at dir.
func NewHandler(dir string) *Handler {
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Error("create image dir", "error", err, "dir", dir)
	}
	return &Handler{dir: dir}
}

// URL returns the public URL of the image stored at rel.
func URL(rel string) string {
	u := url.URL{Path: "/images/" + strings.TrimPrefix(filepath.ToSlash(rel), "/")}
	return u.EscapedPath()
}

// resolve maps a stored relative path to a file under the root.
func (h *Handler) resolve(rel string) (string, error) {
	clean := path.Clean("/" + filepath.ToSlash(rel))
	full := filepath.Join(h.dir, filepath.FromSlash(clean))
	root, err := filepath.Abs(h.dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return abs, nil
}

// Measure returns the displayed pixel size of the image at rel. EXIF
// orientation is applied, so a rotated JPEG reports its upright size.
func (h *Handler) Measure(rel string) (width, height int, err error) {
	full, err := h.resolve(rel)
	if err != nil {
		return 0, 0, err
	}
	img, err := imaging.Open(full, imaging.AutoOrientation(true))
	if err != nil {
		return 0, 0, fmt.Errorf("open image %q: %w", rel, err)
	}
	b := img.Bounds()
	return b.Dx(), b.Dy(), nil
}

// Serve returns an http.Handler that serves image files under /images/.
func (h *Handler) Serve() http.Handler {
	fs := http.FileServer(http.Dir(h.dir))
	return http.StripPrefix("/images/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "public, max-age=3600")
		fs.ServeHTTP(w, r)
	}))
}
