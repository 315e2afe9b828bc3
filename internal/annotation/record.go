package annotation

import (
	"errors"
	"fmt"

	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var (
	ErrLabelRequired = errors.New("annotation has no label")
	ErrInvalidType   = errors.New("annotation type must be polygon or rectangle")
	ErrInvalidColor  = errors.New("invalid annotation color")
)

// Record is a persisted annotation as it travels over the wire.
type Record struct {
	ID              *int64  `json:"annotation_id"`
	Type            string  `json:"type"`
	Points          string  `json:"points"`
	Color           string  `json:"color"`
	LabelID         int64   `json:"label_id"`
	LabelmeData     *string `json:"labelme_data"`
	ProcessingStage string  `json:"processing_stage,omitempty"`
}

// SaveRecord is one element of a save batch.
type SaveRecord struct {
	Type        string  `json:"type"`
	Points      string  `json:"points"`
	Color       string  `json:"color"`
	LabelID     int64   `json:"label_id"`
	LabelmeData *string `json:"labelme_data"`
}

// FromRecords converts loaded records into annotations. A single bad record
// fails the whole batch so callers never see a partial set.
func FromRecords(recs []Record) ([]engine.Annotation, error) {
	anns := make([]engine.Annotation, 0, len(recs))
	for i, r := range recs {
		kind, points, err := parseShape(r.Type, r.Points)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		color := r.Color
		if color == "" {
			color = engine.DefaultColor
		}

		a := engine.Annotation{
			Kind:          kind,
			Points:        points,
			Color:         color,
			LabelID:       r.LabelID,
			LabelmeExport: r.LabelmeData,
		}
		if r.ID != nil {
			id := *r.ID
			a.ID = &id
		}
		anns = append(anns, a)
	}
	return anns, nil
}

// ToRecords flattens annotations into a save batch. labelme, when non-nil, is
// attached to every record.
func ToRecords(anns []engine.Annotation, labelme *string) ([]SaveRecord, error) {
	recs := make([]SaveRecord, 0, len(anns))
	for i, a := range anns {
		if a.LabelID == 0 {
			return nil, fmt.Errorf("annotation %d: %w", i, ErrLabelRequired)
		}
		if !a.Kind.Durable() {
			return nil, fmt.Errorf("annotation %d: %w", i, ErrInvalidType)
		}
		recs = append(recs, SaveRecord{
			Type:        a.Kind.String(),
			Points:      FormatPoints(a.Points),
			Color:       a.Color,
			LabelID:     a.LabelID,
			LabelmeData: labelme,
		})
	}
	return recs, nil
}

func parseKind(s string) (engine.ShapeKind, error) {
	kind, err := engine.ParseShapeKind(s)
	if err != nil || !kind.Durable() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return kind, nil
}

// parseShape parses a record's type and points and checks the value count:
// a rectangle is exactly two corners, a polygon at least three vertices.
func parseShape(typ, points string) (engine.ShapeKind, []float64, error) {
	kind, err := parseKind(typ)
	if err != nil {
		return 0, nil, err
	}
	pts, err := ParsePoints(points)
	if err != nil {
		return 0, nil, err
	}
	switch {
	case kind == engine.KindRectangle && len(pts) != 4:
		return 0, nil, fmt.Errorf("%w: rectangle needs 4 values, got %d", ErrInvalidPoints, len(pts))
	case kind == engine.KindPolygon && len(pts) < 6:
		return 0, nil, fmt.Errorf("%w: polygon needs at least 6 values, got %d", ErrInvalidPoints, len(pts))
	}
	return kind, pts, nil
}
