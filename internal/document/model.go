// Package document implements the portable interchange document: a
// Labelme-compatible JSON file describing every shape drawn on one image.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// FormatVersion is the Labelme format version written by Export.
const FormatVersion = "5.1.1"

const (
	ShapePolygon   = "polygon"
	ShapeRectangle = "rectangle"
)

var (
	ErrInvalidDocument = errors.New("invalid document")
	ErrOddPoints       = errors.New("point list has odd length")
)

// Flags is always written as an empty object, never null.
type Flags map[string]bool

func (f Flags) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]bool(f))
}

type Shape struct {
	Label     string       `json:"label"`
	Points    [][2]float64 `json:"points"`
	GroupID   *int         `json:"group_id"`
	ShapeType string       `json:"shape_type"`
	Flags     Flags        `json:"flags"`
}

type Document struct {
	Version     string  `json:"version"`
	Flags       Flags   `json:"flags"`
	Shapes      []Shape `json:"shapes"`
	ImagePath   string  `json:"imagePath"`
	ImageData   *string `json:"imageData"`
	ImageHeight int     `json:"imageHeight"`
	ImageWidth  int     `json:"imageWidth"`
}

// New creates an empty document for the image at imageURL.
func New(imageURL string, width, height int) *Document {
	return &Document{
		Version:     FormatVersion,
		Flags:       Flags{},
		Shapes:      []Shape{},
		ImagePath:   ImagePathFromURL(imageURL),
		ImageHeight: height,
		ImageWidth:  width,
	}
}

// AddShape appends a shape built from a flat x,y point list.
func (d *Document) AddShape(label, shapeType string, flat []float64) error {
	pairs, err := PairPoints(flat)
	if err != nil {
		return fmt.Errorf("add shape %q: %w", label, err)
	}
	d.Shapes = append(d.Shapes, Shape{
		Label:     label,
		Points:    pairs,
		ShapeType: shapeType,
		Flags:     Flags{},
	})
	return nil
}

// Marshal encodes the document as JSON.
func (d *Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Decode parses a document and checks the shape types it carries.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	for i, s := range doc.Shapes {
		switch s.ShapeType {
		case ShapePolygon, ShapeRectangle:
		default:
			return nil, fmt.Errorf("%w: shape %d has unsupported type %q", ErrInvalidDocument, i, s.ShapeType)
		}
	}
	return &doc, nil
}

// PairPoints converts [x0, y0, x1, y1, ...] to [[x0, y0], [x1, y1], ...].
func PairPoints(flat []float64) ([][2]float64, error) {
	if len(flat)%2 != 0 {
		return nil, ErrOddPoints
	}
	pairs := make([][2]float64, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		pairs = append(pairs, [2]float64{flat[i], flat[i+1]})
	}
	return pairs, nil
}

// FlattenPoints is the inverse of PairPoints.
func FlattenPoints(pairs [][2]float64) []float64 {
	flat := make([]float64, 0, len(pairs)*2)
	for _, p := range pairs {
		flat = append(flat, p[0], p[1])
	}
	return flat
}

// ImagePathFromURL returns the filename part of an image URL or path.
func ImagePathFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	if i := strings.LastIndex(raw, "/"); i >= 0 {
		return raw[i+1:]
	}
	return raw
}
