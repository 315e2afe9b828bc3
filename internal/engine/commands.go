package engine

import (
	"errors"
	"slices"
)

var (
	ErrNoActiveLabel = errors.New("select a label first")
	ErrNoImage       = errors.New("no image selected")
)

// Phase is the construction phase of the active drawing tool.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDrawing
)

func (p Phase) String() string {
	if p == PhaseDrawing {
		return "drawing"
	}
	return "idle"
}

// Draft is the in-progress shape. For polygons Points holds the placed
// vertices; for rectangles it holds the anchor corner only.
type Draft struct {
	Kind      ShapeKind
	Points    []float64
	Cursor    Point
	NearFirst bool
}

// First returns the first placed vertex.
func (d *Draft) First() Point {
	return Point{d.Points[0], d.Points[1]}
}

// VertexCount returns the number of placed vertices.
func (d *Draft) VertexCount() int {
	return len(d.Points) / 2
}

// CanClose reports whether a polygon draft has enough distinct vertices to close.
func (d *Draft) CanClose() bool {
	if d.Kind != KindPolygon {
		return false
	}
	return countDistinct(Annotation{Points: d.Points}.Vertices()) >= 3
}

// Preview returns the draft geometry including the live cursor position.
func (d *Draft) Preview() []float64 {
	switch d.Kind {
	case KindRectangle:
		return []float64{d.Points[0], d.Points[1], d.Cursor.X, d.Cursor.Y}
	default:
		return append(slices.Clone(d.Points), d.Cursor.X, d.Cursor.Y)
	}
}

// DragTarget identifies the handle being dragged in edit mode. Offset is the
// vector from the pointer to the handle at grab time.
type DragTarget struct {
	Shape  int
	Handle int
	Offset Point
}

// State is the complete interaction state of one canvas. It is treated as a
// value: Reduce never mutates its input.
type State struct {
	Tool           Tool
	Label          *Label
	Color          string
	Annotations    []Annotation
	Draft          *Draft
	Selected       int
	HoveredSegment int
	Drag           *DragTarget
}

// NewState returns an idle state with the polygon tool active.
func NewState() State {
	return State{Tool: ToolPolygon, Selected: -1, HoveredSegment: -1}
}

// Phase returns the construction phase.
func (s State) Phase() Phase {
	if s.Draft != nil {
		return PhaseDrawing
	}
	return PhaseIdle
}

// SelectedAnnotation returns the selected annotation, if any.
func (s State) SelectedAnnotation() (Annotation, bool) {
	if s.Selected < 0 || s.Selected >= len(s.Annotations) {
		return Annotation{}, false
	}
	return s.Annotations[s.Selected], true
}

func (s State) color() string {
	if s.Color == "" {
		return DefaultColor
	}
	return s.Color
}

// Command is an input to Reduce.
type Command interface{ command() }

type (
	// StartShape begins a shape of the active tool's kind at a world point.
	StartShape struct{ At Point }
	// AppendVertex adds a polygon vertex.
	AppendVertex struct{ At Point }
	// MovePointer updates the live preview; CloseRadius is the closure
	// tolerance in world units.
	MovePointer struct {
		At          Point
		CloseRadius float64
	}
	// CloseShape commits the draft. Polygons close onto their first vertex;
	// rectangles use At as the opposite corner.
	CloseShape struct{ At *Point }
	// AbortShape discards the draft.
	AbortShape struct{}
	// SelectShape selects an annotation by index; -1 clears the selection.
	SelectShape struct{ Index int }
	// HoverSegment marks the polygon edge under the pointer; -1 clears it.
	HoverSegment struct{ Index int }
	// BeginDrag grabs a handle of the selected annotation.
	BeginDrag struct {
		Handle int
		At     Point
	}
	// DragVertex moves the grabbed handle with the pointer.
	DragVertex struct{ At Point }
	// EndDrag releases the grabbed handle.
	EndDrag struct{}
	// InsertVertex splices At into a polygon after the start of Segment.
	InsertVertex struct {
		Shape   int
		Segment int
		At      Point
	}
	SetTool            struct{ Tool Tool }
	SetLabel           struct{ Label *Label }
	SetColor           struct{ Color string }
	ReplaceAnnotations struct{ Annotations []Annotation }
	RemoveAnnotation   struct{ Index int }
	// AssignIDs stores server-assigned ids after a save, in model order.
	AssignIDs struct{ IDs []int64 }
)

func (StartShape) command()         {}
func (AppendVertex) command()       {}
func (MovePointer) command()        {}
func (CloseShape) command()         {}
func (AbortShape) command()         {}
func (SelectShape) command()        {}
func (HoverSegment) command()       {}
func (BeginDrag) command()          {}
func (DragVertex) command()         {}
func (EndDrag) command()            {}
func (InsertVertex) command()       {}
func (SetTool) command()            {}
func (SetLabel) command()           {}
func (SetColor) command()           {}
func (ReplaceAnnotations) command() {}
func (RemoveAnnotation) command()   {}
func (AssignIDs) command()          {}

// Event reports an observable outcome of a command.
type Event interface{ event() }

type (
	AnnotationAdded struct {
		Index      int
		Annotation Annotation
	}
	AnnotationModified struct {
		Index      int
		Annotation Annotation
	}
	AnnotationRemoved struct {
		Index      int
		Annotation Annotation
	}
	ErrorRaised struct{ Err error }
)

func (AnnotationAdded) event()    {}
func (AnnotationModified) event() {}
func (AnnotationRemoved) event()  {}
func (ErrorRaised) event()        {}

// Reduce applies cmd to s and returns the next state plus the events it
// produced. Commands that do not apply in the current state return s unchanged.
func Reduce(s State, cmd Command) (State, []Event) {
	switch c := cmd.(type) {
	case StartShape:
		return startShape(s, c)
	case AppendVertex:
		if s.Draft == nil || s.Draft.Kind != KindPolygon {
			return s, nil
		}
		d := *s.Draft
		d.Points = append(slices.Clone(d.Points), c.At.X, c.At.Y)
		d.Cursor = c.At
		s.Draft = &d
		return s, nil
	case MovePointer:
		if s.Draft == nil {
			return s, nil
		}
		d := *s.Draft
		d.Cursor = c.At
		d.NearFirst = d.Kind == KindPolygon && d.First().Dist(c.At) < c.CloseRadius
		s.Draft = &d
		return s, nil
	case CloseShape:
		return closeShape(s, c)
	case AbortShape:
		s.Draft = nil
		s.Drag = nil
		return s, nil
	case SelectShape:
		if s.Tool != ToolEdit || s.Draft != nil {
			return s, nil
		}
		if c.Index < -1 || c.Index >= len(s.Annotations) {
			return s, nil
		}
		s.Selected = c.Index
		s.HoveredSegment = -1
		s.Drag = nil
		return s, nil
	case HoverSegment:
		a, ok := s.SelectedAnnotation()
		if !ok || a.Kind != KindPolygon || c.Index >= len(a.Vertices())-1 {
			s.HoveredSegment = -1
			return s, nil
		}
		s.HoveredSegment = max(c.Index, -1)
		return s, nil
	case BeginDrag:
		a, ok := s.SelectedAnnotation()
		if !ok || s.Tool != ToolEdit {
			return s, nil
		}
		handles := a.Handles()
		if c.Handle < 0 || c.Handle >= len(handles) {
			return s, nil
		}
		s.Drag = &DragTarget{Shape: s.Selected, Handle: c.Handle, Offset: handles[c.Handle].Sub(c.At)}
		return s, nil
	case DragVertex:
		return dragVertex(s, c)
	case EndDrag:
		s.Drag = nil
		return s, nil
	case InsertVertex:
		return insertVertex(s, c)
	case SetTool:
		return setTool(s, c.Tool), nil
	case SetLabel:
		if c.Label != nil {
			l := *c.Label
			s.Label = &l
		} else {
			s.Label = nil
		}
		return s, nil
	case SetColor:
		s.Color = c.Color
		return s, nil
	case ReplaceAnnotations:
		s.Annotations = make([]Annotation, len(c.Annotations))
		for i, a := range c.Annotations {
			s.Annotations[i] = a.Clone()
		}
		s.Draft = nil
		s.Drag = nil
		s.Selected = -1
		s.HoveredSegment = -1
		return s, nil
	case RemoveAnnotation:
		if c.Index < 0 || c.Index >= len(s.Annotations) {
			return s, nil
		}
		removed := s.Annotations[c.Index]
		s.Annotations = slices.Delete(slices.Clone(s.Annotations), c.Index, c.Index+1)
		s.Selected = -1
		s.HoveredSegment = -1
		s.Drag = nil
		return s, []Event{AnnotationRemoved{Index: c.Index, Annotation: removed}}
	case AssignIDs:
		if len(c.IDs) != len(s.Annotations) {
			return s, nil
		}
		anns := make([]Annotation, len(s.Annotations))
		for i, a := range s.Annotations {
			a = a.Clone()
			id := c.IDs[i]
			a.ID = &id
			anns[i] = a
		}
		s.Annotations = anns
		return s, nil
	default:
		return s, nil
	}
}

func startShape(s State, c StartShape) (State, []Event) {
	kind, ok := s.Tool.ShapeKind()
	if !ok || s.Draft != nil {
		return s, nil
	}
	if s.Label == nil {
		return s, []Event{ErrorRaised{Err: ErrNoActiveLabel}}
	}
	s.Draft = &Draft{
		Kind:   kind,
		Points: []float64{c.At.X, c.At.Y},
		Cursor: c.At,
	}
	s.Selected = -1
	s.HoveredSegment = -1
	return s, nil
}

func closeShape(s State, c CloseShape) (State, []Event) {
	d := s.Draft
	if d == nil {
		return s, nil
	}

	var points []float64
	switch d.Kind {
	case KindPolygon:
		if !d.CanClose() {
			return s, nil
		}
		points = append(slices.Clone(d.Points), d.Points[0], d.Points[1])
	case KindRectangle:
		if c.At == nil {
			return s, nil
		}
		points = []float64{d.Points[0], d.Points[1], c.At.X, c.At.Y}
	default:
		return s, nil
	}

	if s.Label == nil {
		return s, []Event{ErrorRaised{Err: ErrNoActiveLabel}}
	}

	a := Annotation{
		Kind:    d.Kind,
		Points:  points,
		Color:   s.color(),
		LabelID: s.Label.ID,
	}
	s.Annotations = append(slices.Clone(s.Annotations), a)
	s.Draft = nil
	return s, []Event{AnnotationAdded{Index: len(s.Annotations) - 1, Annotation: a.Clone()}}
}

func dragVertex(s State, c DragVertex) (State, []Event) {
	t := s.Drag
	if t == nil || t.Shape < 0 || t.Shape >= len(s.Annotations) {
		return s, nil
	}
	a := s.Annotations[t.Shape]
	if t.Handle >= len(a.Handles()) {
		return s, nil
	}

	updated := a.moveHandle(t.Handle, c.At.Add(t.Offset))
	s.Annotations = slices.Clone(s.Annotations)
	s.Annotations[t.Shape] = updated
	return s, []Event{AnnotationModified{Index: t.Shape, Annotation: updated.Clone()}}
}

func insertVertex(s State, c InsertVertex) (State, []Event) {
	if s.Tool != ToolEdit || c.Shape != s.Selected || c.Shape < 0 || c.Shape >= len(s.Annotations) {
		return s, nil
	}
	a := s.Annotations[c.Shape]
	if a.Kind != KindPolygon || c.Segment < 0 || c.Segment >= len(a.Vertices())-1 {
		return s, nil
	}

	updated := a.Clone()
	at := 2*c.Segment + 2
	updated.Points = slices.Insert(updated.Points, at, c.At.X, c.At.Y)
	s.Annotations = slices.Clone(s.Annotations)
	s.Annotations[c.Shape] = updated
	s.HoveredSegment = -1
	return s, []Event{AnnotationModified{Index: c.Shape, Annotation: updated.Clone()}}
}

func setTool(s State, t Tool) State {
	if s.Draft != nil && t != ToolMove {
		if kind, ok := t.ShapeKind(); !ok || kind != s.Draft.Kind {
			s.Draft = nil
		}
	}
	s.Tool = t
	s.Selected = -1
	s.HoveredSegment = -1
	s.Drag = nil
	return s
}
