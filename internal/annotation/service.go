package annotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/tqx/labelstudio/backend-go/internal/db"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var (
	ErrImageNotFound  = errors.New("image not found")
	ErrInvalidLabelme = errors.New("labelme_data must be valid JSON")
)

// Store is the persistence the service needs. *db.Store implements it.
type Store interface {
	GetImage(ctx context.Context, id int64) (db.Image, error)
	ListAnnotationsForImage(ctx context.Context, dataID int64) ([]db.Annotation, error)
	ReplaceAnnotations(ctx context.Context, dataID int64, stage string, rows []db.InsertAnnotationParams) ([]db.Annotation, error)
	DeleteAnnotationsForImage(ctx context.Context, dataID int64) (int64, error)
}

type Service struct {
	store        Store
	defaultStage string
}

func NewService(store Store, defaultStage string) *Service {
	return &Service{store: store, defaultStage: defaultStage}
}

// DefaultStage is the processing stage used when a save names none.
func (s *Service) DefaultStage() string {
	return s.defaultStage
}

// Load returns every persisted annotation of an image in insertion order.
func (s *Service) Load(ctx context.Context, imageID int64) ([]Record, error) {
	if _, err := s.image(ctx, imageID); err != nil {
		return nil, err
	}

	rows, err := s.store.ListAnnotationsForImage(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("list annotations: %w", err)
	}

	recs := make([]Record, len(rows))
	for i, row := range rows {
		recs[i] = dbAnnotationToRecord(row)
	}
	return recs, nil
}

// LoadAnnotations loads an image's annotations into engine form. Records that
// fail to parse make the whole load fail.
func (s *Service) LoadAnnotations(ctx context.Context, imageID int64) ([]engine.Annotation, error) {
	recs, err := s.Load(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return FromRecords(recs)
}

// Save atomically replaces the annotations of (image, stage) with recs and
// returns the stored rows with their new ids. An empty stage uses the default.
func (s *Service) Save(ctx context.Context, imageID int64, stage string, recs []SaveRecord) ([]Record, error) {
	if stage == "" {
		stage = s.defaultStage
	}

	img, err := s.image(ctx, imageID)
	if err != nil {
		return nil, err
	}

	rows := make([]db.InsertAnnotationParams, len(recs))
	for i, r := range recs {
		row, err := validateSaveRecord(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		row.ProjectID = img.ProjectID
		rows[i] = row
	}

	saved, err := s.store.ReplaceAnnotations(ctx, imageID, stage, rows)
	if err != nil {
		return nil, fmt.Errorf("replace annotations: %w", err)
	}

	out := make([]Record, len(saved))
	for i, row := range saved {
		out[i] = dbAnnotationToRecord(row)
	}
	slog.Debug("annotations saved", "image", imageID, "stage", stage, "count", len(out))
	return out, nil
}

// SaveAnnotations flattens anns and saves them as one batch.
func (s *Service) SaveAnnotations(ctx context.Context, imageID int64, stage string, anns []engine.Annotation, labelme *string) ([]Record, error) {
	recs, err := ToRecords(anns, labelme)
	if err != nil {
		return nil, err
	}
	return s.Save(ctx, imageID, stage, recs)
}

// DeleteAll removes every annotation of an image across all stages.
func (s *Service) DeleteAll(ctx context.Context, imageID int64) (int64, error) {
	if _, err := s.image(ctx, imageID); err != nil {
		return 0, err
	}
	n, err := s.store.DeleteAnnotationsForImage(ctx, imageID)
	if err != nil {
		return 0, fmt.Errorf("delete annotations: %w", err)
	}
	return n, nil
}

func (s *Service) image(ctx context.Context, imageID int64) (db.Image, error) {
	img, err := s.store.GetImage(ctx, imageID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return db.Image{}, ErrImageNotFound
		}
		return db.Image{}, fmt.Errorf("get image: %w", err)
	}
	return img, nil
}

func validateSaveRecord(r SaveRecord) (db.InsertAnnotationParams, error) {
	_, points, err := parseShape(r.Type, r.Points)
	if err != nil {
		return db.InsertAnnotationParams{}, err
	}
	if r.LabelID == 0 {
		return db.InsertAnnotationParams{}, ErrLabelRequired
	}

	color := r.Color
	if color == "" {
		color = engine.DefaultColor
	} else if !engine.ValidColor(color) {
		return db.InsertAnnotationParams{}, fmt.Errorf("%w: %q", ErrInvalidColor, color)
	}

	var labelme pgtype.Text
	if r.LabelmeData != nil {
		if !json.Valid([]byte(*r.LabelmeData)) {
			return db.InsertAnnotationParams{}, ErrInvalidLabelme
		}
		labelme = pgtype.Text{String: *r.LabelmeData, Valid: true}
	}

	return db.InsertAnnotationParams{
		Type:        r.Type,
		Points:      FormatPoints(points),
		Color:       color,
		LabelID:     r.LabelID,
		LabelmeData: labelme,
	}, nil
}

func dbAnnotationToRecord(a db.Annotation) Record {
	id := a.ID
	r := Record{
		ID:              &id,
		Type:            a.Type,
		Points:          a.Points,
		Color:           a.Color,
		LabelID:         a.LabelID,
		ProcessingStage: a.ProcessingStage,
	}
	if a.LabelmeData.Valid {
		s := a.LabelmeData.String
		r.LabelmeData = &s
	}
	return r
}
