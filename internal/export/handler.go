// Package export serves the portable Labelme document of an image as a file
// download.
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/tqx/labelstudio/backend-go/internal/annotation"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
	"github.com/tqx/labelstudio/backend-go/internal/project"
)

// ImageSource resolves an image and its project's labels. *project.Service
// implements it.
type ImageSource interface {
	Open(ctx context.Context, imageID int64) (*project.Image, engine.LabelSet, error)
}

// AnnotationSource loads persisted annotations. *annotation.Service
// implements it.
type AnnotationSource interface {
	LoadAnnotations(ctx context.Context, imageID int64) ([]engine.Annotation, error)
}

type Handler struct {
	images      ImageSource
	annotations AnnotationSource
}

func NewHandler(images ImageSource, annotations AnnotationSource) *Handler {
	return &Handler{images: images, annotations: annotations}
}

func (h *Handler) Labelme(w http.ResponseWriter, r *http.Request) {
	imageID, err := strconv.ParseInt(mux.Vars(r)["imageId"], 10, 64)
	if err != nil || imageID <= 0 {
		http.Error(w, "invalid image id", http.StatusBadRequest)
		return
	}

	img, labels, err := h.images.Open(r.Context(), imageID)
	if err != nil {
		handleError(w, err)
		return
	}
	anns, err := h.annotations.LoadAnnotations(r.Context(), imageID)
	if err != nil {
		handleError(w, err)
		return
	}

	doc, err := engine.ExportDocument(anns, labels, img.EngineImage())
	if err != nil {
		handleError(w, err)
		return
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		handleError(w, err)
		return
	}

	slog.Info("labelme export", "image", imageID, "shapes", len(doc.Shapes))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, fileName(img.Path)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// fileName names the download after the image: photos/cat.jpg -> cat.json.
func fileName(imagePath string) string {
	base := path.Base(strings.ReplaceAll(imagePath, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, base)
	if base == "" || base == "." {
		base = "annotations"
	}
	return base + ".json"
}

func handleError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, project.ErrNotFound), errors.Is(err, annotation.ErrImageNotFound):
		http.Error(w, "image not found", http.StatusNotFound)
	default:
		slog.Error("labelme export", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
