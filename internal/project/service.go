package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/tqx/labelstudio/backend-go/internal/asset"
	"github.com/tqx/labelstudio/backend-go/internal/db"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var ErrNotFound = errors.New("not found")

// Store is the read side of the project tables. *db.Queries implements it.
type Store interface {
	GetImage(ctx context.Context, id int64) (db.Image, error)
	ListImagesForProject(ctx context.Context, projectID int64) ([]db.Image, error)
	ListLabelsForProject(ctx context.Context, projectID int64) ([]db.Label, error)
	UpdateImageSize(ctx context.Context, id int64, width, height int32) error
}

// Sizer reads the pixel size of a stored image file.
type Sizer interface {
	Measure(path string) (width, height int, err error)
}

type Service struct {
	store  Store
	sizer Sizer
}

// NewService creates a project service. sizer may be nil, in which case
// images with unknown dimensions are returned as stored.
func NewService(store Store, sizer Sizer) *Service {
	return &Service{store: store, sizer: sizer}
}

type Image struct {
	ID              int64  `json:"id"`
	ProjectID       int64  `json:"projectId"`
	Path            string `json:"path"`
	URL             string `json:"url"`
	Width           int32  `json:"width"`
	Height          int32  `json:"height"`
	ProcessingStage string `json:"processingStage"`
	CreatedAt       string `json:"createdAt"`
}

// EngineImage converts to the form the canvas engine draws.
func (i Image) EngineImage() engine.Image {
	return engine.Image{ID: i.ID, URL: i.URL, Width: float64(i.Width), Height: float64(i.Height)}
}

func (s *Service) Labels(ctx context.Context, projectID int64) (engine.LabelSet, error) {
	rows, err := s.store.ListLabelsForProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	labels := make(engine.LabelSet, len(rows))
	for i, l := range rows {
		color := engine.DefaultColor
		if l.Color.Valid && engine.ValidColor(l.Color.String) {
			color = l.Color.String
		}
		labels[i] = engine.Label{ID: l.ID, Name: l.Name, Color: color}
	}
	return labels, nil
}

func (s *Service) Images(ctx context.Context, projectID int64) ([]Image, error) {
	rows, err := s.store.ListImagesForProject(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	images := make([]Image, len(rows))
	for i, row := range rows {
		images[i] = dbImageToImage(row)
	}
	return images, nil
}

// Image returns one image. Missing dimensions are measured from the file and
// written back.
func (s *Service) Image(ctx context.Context, imageID int64) (*Image, error) {
	row, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get image: %w", err)
	}

	if (row.Width <= 0 || row.Height <= 0) && s.sizer != nil {
		w, h, err := s.sizer.Measure(row.Path)
		if err != nil {
			slog.Warn("measure image size", "error", err, "image", imageID, "path", row.Path)
		} else {
			row.Width, row.Height = int32(w), int32(h)
			if err := s.store.UpdateImageSize(ctx, imageID, row.Width, row.Height); err != nil {
				slog.Warn("store image size", "error", err, "image", imageID)
			}
		}
	}

	img := dbImageToImage(row)
	return &img, nil
}

// Open loads an image together with the label set of its project.
func (s *Service) Open(ctx context.Context, imageID int64) (*Image, engine.LabelSet, error) {
	img, err := s.Image(ctx, imageID)
	if err != nil {
		return nil, nil, err
	}
	labels, err := s.Labels(ctx, img.ProjectID)
	if err != nil {
		return nil, nil, err
	}
	return img, labels, nil
}

func dbImageToImage(row db.Image) Image {
	img := Image{
		ID:              row.ID,
		ProjectID:       row.ProjectID,
		Path:            row.Path,
		URL:             asset.URL(row.Path),
		Width:           row.Width,
		Height:          row.Height,
		ProcessingStage: row.ProcessingStage,
	}
	if row.Created.Valid {
		img.CreatedAt = row.Created.Time.Format("2006-01-02T15:04:05Z07:00")
	}
	return img
}
