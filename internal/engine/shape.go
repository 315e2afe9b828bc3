package engine

import (
	"fmt"
	"slices"
)

// DefaultColor is used for annotations that carry no colour.
const DefaultColor = "#FF0000"

// ShapeKind is the geometry category of an annotation. Only polygon and
// rectangle are durable; the rest name transient tool modes.
type ShapeKind int

const (
	KindPolygon ShapeKind = iota
	KindRectangle
	KindMove
	KindBrush
	KindRubber
)

var shapeKindNames = [...]string{
	KindPolygon:   "polygon",
	KindRectangle: "rectangle",
	KindMove:      "move",
	KindBrush:     "brush",
	KindRubber:    "rubber",
}

func (k ShapeKind) String() string {
	if k < 0 || int(k) >= len(shapeKindNames) {
		return fmt.Sprintf("ShapeKind(%d)", int(k))
	}
	return shapeKindNames[k]
}

// Durable reports whether shapes of this kind are persisted geometry.
func (k ShapeKind) Durable() bool {
	return k == KindPolygon || k == KindRectangle
}

// ParseShapeKind maps a wire name to a ShapeKind.
func ParseShapeKind(s string) (ShapeKind, error) {
	for i, name := range shapeKindNames {
		if name == s {
			return ShapeKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown shape kind %q", s)
}

func (k ShapeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *ShapeKind) UnmarshalText(b []byte) error {
	parsed, err := ParseShapeKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Annotation is one shape anchored to an image. Points are a flat list of
// world-space (x, y) pairs. ID is nil until the annotation has been saved.
type Annotation struct {
	ID            *int64    `json:"id"`
	Kind          ShapeKind `json:"type"`
	Points        []float64 `json:"points"`
	Color         string    `json:"color"`
	LabelID       int64     `json:"labelId"`
	LabelmeExport *string   `json:"labelmeData,omitempty"`
}

// Clone returns a deep copy.
func (a Annotation) Clone() Annotation {
	out := a
	out.Points = slices.Clone(a.Points)
	if a.ID != nil {
		id := *a.ID
		out.ID = &id
	}
	if a.LabelmeExport != nil {
		s := *a.LabelmeExport
		out.LabelmeExport = &s
	}
	return out
}

// Vertices returns the points as pairs. A trailing odd value is ignored.
func (a Annotation) Vertices() []Point {
	out := make([]Point, 0, len(a.Points)/2)
	for i := 0; i+1 < len(a.Points); i += 2 {
		out = append(out, Point{a.Points[i], a.Points[i+1]})
	}
	return out
}

// Handles returns the editable vertex positions: every polygon vertex, or the
// four implied corners of a rectangle in the order
// (x1,y1), (x2,y1), (x1,y2), (x2,y2).
func (a Annotation) Handles() []Point {
	switch a.Kind {
	case KindRectangle:
		if len(a.Points) < 4 {
			return nil
		}
		x1, y1, x2, y2 := a.Points[0], a.Points[1], a.Points[2], a.Points[3]
		return []Point{{x1, y1}, {x2, y1}, {x1, y2}, {x2, y2}}
	case KindPolygon:
		return a.Vertices()
	default:
		return nil
	}
}

// moveHandle returns a copy with handle i placed at p.
func (a Annotation) moveHandle(i int, p Point) Annotation {
	out := a.Clone()
	switch a.Kind {
	case KindRectangle:
		// Corner i selects which x (index 0 or 2) and which y (1 or 3) it owns.
		xi := []int{0, 2, 0, 2}[i]
		yi := []int{1, 1, 3, 3}[i]
		out.Points[xi] = p.X
		out.Points[yi] = p.Y
	case KindPolygon:
		n := len(out.Points) / 2
		closed := n > 1 && a.Points[0] == a.Points[2*n-2] && a.Points[1] == a.Points[2*n-1]
		out.Points[2*i] = p.X
		out.Points[2*i+1] = p.Y
		// The closing vertex of a closed ring follows the first one.
		if closed && (i == 0 || i == n-1) {
			j := n - 1 - i
			out.Points[2*j] = p.X
			out.Points[2*j+1] = p.Y
		}
	}
	return out
}

// Region returns the filled outline used for hit-testing in world space.
func (a Annotation) Region() []Point {
	switch a.Kind {
	case KindRectangle:
		if len(a.Points) < 4 {
			return nil
		}
		r := RectFromCorners(a.Points[0], a.Points[1], a.Points[2], a.Points[3])
		return []Point{
			{r.X, r.Y},
			{r.X + r.Width, r.Y},
			{r.X + r.Width, r.Y + r.Height},
			{r.X, r.Y + r.Height},
		}
	case KindPolygon:
		return a.Vertices()
	default:
		return nil
	}
}

// Bounds returns the axis-aligned bounding box of the annotation.
func (a Annotation) Bounds() Rect {
	pts := a.Vertices()
	if len(pts) == 0 {
		return Rect{}
	}
	minX, minY := pts[0].X, pts[0].Y
	maxX, maxY := minX, minY
	for _, p := range pts[1:] {
		minX, minY = min(minX, p.X), min(minY, p.Y)
		maxX, maxY = max(maxX, p.X), max(maxY, p.Y)
	}
	return Rect{X: minX, Y: minY, Width: maxX - minX, Height: maxY - minY}
}

// Label is an entry of the active label set.
type Label struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// LabelSet is an ordered label collection with lookup by id.
type LabelSet []Label

// ByID returns the label with the given id.
func (ls LabelSet) ByID(id int64) (Label, bool) {
	for _, l := range ls {
		if l.ID == id {
			return l, true
		}
	}
	return Label{}, false
}

// countDistinct returns the number of distinct vertices in pts.
func countDistinct(pts []Point) int {
	seen := make(map[Point]struct{}, len(pts))
	for _, p := range pts {
		seen[p] = struct{}{}
	}
	return len(seen)
}
