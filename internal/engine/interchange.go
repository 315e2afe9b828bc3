package engine

import (
	"errors"
	"fmt"

	"github.com/tqx/labelstudio/backend-go/internal/document"
)

var ErrUnknownLabel = errors.New("unknown label")

// ExportDocument builds the portable interchange document for anns. Shapes
// whose label is not in labels are exported as "unknown".
func ExportDocument(anns []Annotation, labels LabelSet, img Image) (*document.Document, error) {
	doc := document.New(img.URL, int(img.Width), int(img.Height))
	for _, a := range anns {
		name := "unknown"
		if l, ok := labels.ByID(a.LabelID); ok {
			name = l.Name
		}
		shapeType := document.ShapePolygon
		if a.Kind == KindRectangle {
			shapeType = document.ShapeRectangle
		}
		if err := doc.AddShape(name, shapeType, a.Points); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// AnnotationsFromDocument converts interchange shapes back into annotations,
// resolving label names against labels. Colours come from the label.
func AnnotationsFromDocument(doc *document.Document, labels LabelSet) ([]Annotation, error) {
	byName := make(map[string]Label, len(labels))
	for _, l := range labels {
		byName[l.Name] = l
	}

	anns := make([]Annotation, 0, len(doc.Shapes))
	for i, s := range doc.Shapes {
		l, ok := byName[s.Label]
		if !ok {
			return nil, fmt.Errorf("shape %d: %w %q", i, ErrUnknownLabel, s.Label)
		}
		kind := KindPolygon
		if s.ShapeType == document.ShapeRectangle {
			kind = KindRectangle
		}
		points := document.FlattenPoints(s.Points)
		if kind == KindRectangle && len(points) != 4 {
			return nil, fmt.Errorf("shape %d: rectangle needs 2 points, got %d", i, len(s.Points))
		}
		color := l.Color
		if color == "" {
			color = DefaultColor
		}
		anns = append(anns, Annotation{Kind: kind, Points: points, Color: color, LabelID: l.ID})
	}
	return anns, nil
}
