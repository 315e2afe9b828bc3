package engine

// Tolerances are hit-test sizes in screen pixels. They are converted to world
// units with the current viewport scale before every distance check, so the
// hit area stays the same size on screen at any zoom.
type Tolerances struct {
	CloseRadius  float64 // polygon closure proximity
	SegmentWidth float64 // full width of the invisible edge hit region
	HandleRadius float64 // vertex handle grab radius
}

// DefaultTolerances returns the stock hit-test sizes.
func DefaultTolerances() Tolerances {
	return Tolerances{CloseRadius: 20, SegmentWidth: 10, HandleRadius: 10}
}

// HitShape returns the index of the topmost annotation whose filled region
// contains p, or -1.
func HitShape(anns []Annotation, p Point) int {
	for i := len(anns) - 1; i >= 0; i-- {
		a := anns[i]
		if !a.Bounds().Contains(p.X, p.Y) {
			continue
		}
		switch a.Kind {
		case KindRectangle:
			if len(a.Points) >= 4 {
				return i
			}
		case KindPolygon:
			if pointInPolygon(p, a.Vertices()) {
				return i
			}
		}
	}
	return -1
}

// HitHandle returns the index of the handle of a nearest to p within radius,
// or -1. Ties resolve to the lowest index.
func HitHandle(a Annotation, p Point, radius float64) int {
	best, bestDist := -1, radius
	for i, h := range a.Handles() {
		if d := h.Dist(p); d <= bestDist && (best == -1 || d < bestDist) {
			best, bestDist = i, d
		}
	}
	return best
}

// HitSegment returns the index i of the polygon edge between vertex i and
// i+1 that lies within halfWidth of p, or -1.
func HitSegment(a Annotation, p Point, halfWidth float64) int {
	if a.Kind != KindPolygon {
		return -1
	}
	verts := a.Vertices()
	best, bestDist := -1, halfWidth
	for i := 0; i+1 < len(verts); i++ {
		if d := distToSegment(p, verts[i], verts[i+1]); d <= bestDist && (best == -1 || d < bestDist) {
			best, bestDist = i, d
		}
	}
	return best
}

// SegmentMidpoint returns the midpoint of polygon edge i.
func SegmentMidpoint(a Annotation, i int) (Point, bool) {
	verts := a.Vertices()
	if i < 0 || i+1 >= len(verts) {
		return Point{}, false
	}
	return midpoint(verts[i], verts[i+1]), true
}
