package engine

import (
	"fmt"
	"strings"

	"github.com/tqx/labelstudio/backend-go/internal/document"
)

// Button identifies a pointer button.
type Button int

const (
	ButtonLeft Button = iota
	ButtonMiddle
	ButtonRight
)

// KeyAction tells the caller what a key press did.
type KeyAction int

const (
	KeyIgnored KeyAction = iota
	KeyHandled
	KeySave // the save shortcut was pressed; saving is the caller's job
)

// Callbacks are invoked synchronously from inside the input handlers.
type Callbacks struct {
	OnAnnotationAdd    func(index int, a Annotation)
	OnAnnotationModify func(index int, a Annotation)
	OnAnnotationRemove func(index int, a Annotation)
	OnError            func(err error)
}

// Session is one canvas bound to one image at a time. It owns the viewport,
// the interaction state and the committed annotation set, and translates raw
// pointer and keyboard input into reducer commands.
//
// A Session is not safe for concurrent use; callers drive it from a single
// event loop.
type Session struct {
	state      State
	viewport   Viewport
	image      *Image
	labels     LabelSet
	tolerances Tolerances
	callbacks  Callbacks

	panning bool
	dirty   bool
}

// Option configures a Session.
type Option func(*Session)

// WithTolerances overrides the hit-test sizes.
func WithTolerances(t Tolerances) Option {
	return func(s *Session) { s.tolerances = t }
}

// WithLabels sets the initial label set.
func WithLabels(labels LabelSet) Option {
	return func(s *Session) { s.labels = labels }
}

// NewSession creates a session with no image loaded.
func NewSession(cb Callbacks, opts ...Option) *Session {
	s := &Session{
		state:      NewState(),
		viewport:   NewViewport(),
		tolerances: DefaultTolerances(),
		callbacks:  cb,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Commands ---

// Dispatch runs cmd through the reducer and fires callbacks for its events.
func (s *Session) Dispatch(cmd Command) {
	next, events := Reduce(s.state, cmd)
	s.state = next
	for _, ev := range events {
		switch e := ev.(type) {
		case AnnotationAdded:
			s.dirty = true
			if s.callbacks.OnAnnotationAdd != nil {
				s.callbacks.OnAnnotationAdd(e.Index, e.Annotation)
			}
		case AnnotationModified:
			s.dirty = true
			if s.callbacks.OnAnnotationModify != nil {
				s.callbacks.OnAnnotationModify(e.Index, e.Annotation)
			}
		case AnnotationRemoved:
			s.dirty = true
			if s.callbacks.OnAnnotationRemove != nil {
				s.callbacks.OnAnnotationRemove(e.Index, e.Annotation)
			}
		case ErrorRaised:
			s.raise(e.Err)
		}
	}
}

func (s *Session) raise(err error) {
	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

// LoadImage replaces the committed set wholesale, discards any transient
// state and fits the image into the current container.
func (s *Session) LoadImage(img Image, anns []Annotation) {
	s.image = &img
	s.panning = false
	s.Dispatch(ReplaceAnnotations{Annotations: anns})
	s.dirty = false
	s.viewport.FitToContainer(img.Width, img.Height, s.viewport.containerW, s.viewport.containerH)
}

// ImportDocument replaces the committed set with the shapes of doc. Unlike
// LoadImage the result counts as an unsaved edit.
func (s *Session) ImportDocument(doc *document.Document) error {
	if s.image == nil {
		return ErrNoImage
	}
	anns, err := AnnotationsFromDocument(doc, s.labels)
	if err != nil {
		return err
	}
	s.Dispatch(ReplaceAnnotations{Annotations: anns})
	s.dirty = true
	return nil
}

// UnloadImage drops the image and its annotations.
func (s *Session) UnloadImage() {
	s.image = nil
	s.panning = false
	s.viewport.imageW, s.viewport.imageH = 0, 0
	s.Dispatch(ReplaceAnnotations{})
	s.dirty = false
}

// Resize records the container size of the canvas.
func (s *Session) Resize(width, height float64) {
	s.viewport.Resize(width, height)
}

// SetLabels replaces the label set. The active label is cleared if it is no
// longer present.
func (s *Session) SetLabels(labels LabelSet) {
	s.labels = labels
	if s.state.Label != nil {
		if l, ok := labels.ByID(s.state.Label.ID); ok {
			s.Dispatch(SetLabel{Label: &l})
		} else {
			s.Dispatch(SetLabel{})
		}
	}
}

// SelectLabel makes the label with id active; id 0 clears the active label.
func (s *Session) SelectLabel(id int64) error {
	if id == 0 {
		s.Dispatch(SetLabel{})
		return nil
	}
	l, ok := s.labels.ByID(id)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownLabel, id)
	}
	s.Dispatch(SetLabel{Label: &l})
	return nil
}

// SetTool switches the active tool.
func (s *Session) SetTool(t Tool) {
	s.panning = false
	s.Dispatch(SetTool{Tool: t})
}

// SetColor sets the colour given to newly committed shapes.
func (s *Session) SetColor(color string) {
	s.Dispatch(SetColor{Color: color})
}

// RemoveAnnotation deletes the annotation at index i.
func (s *Session) RemoveAnnotation(i int) {
	s.Dispatch(RemoveAnnotation{Index: i})
}

// MarkSaved records the ids assigned by a successful save.
func (s *Session) MarkSaved(ids []int64) {
	s.Dispatch(AssignIDs{IDs: ids})
	s.dirty = false
}

// --- Input ---

func (s *Session) world(x, y float64) Point {
	wx, wy := s.viewport.WorldFromScreen(x, y)
	return Point{wx, wy}
}

func (s *Session) tol(px float64) float64 {
	return s.viewport.ToleranceInWorld(px)
}

// PointerDown handles a button press at screen position (x, y).
func (s *Session) PointerDown(x, y float64, button Button) {
	if button != ButtonLeft {
		return
	}
	p := s.world(x, y)

	switch s.state.Tool {
	case ToolMove:
		s.panning = true

	case ToolEdit:
		s.editPress(p)

	case ToolPolygon:
		d := s.state.Draft
		if d == nil {
			s.Dispatch(StartShape{At: p})
			return
		}
		s.Dispatch(MovePointer{At: p, CloseRadius: s.tol(s.tolerances.CloseRadius)})
		if s.state.Draft.NearFirst && s.state.Draft.CanClose() {
			s.Dispatch(CloseShape{})
		} else {
			s.Dispatch(AppendVertex{At: p})
		}

	case ToolRectangle:
		if s.state.Draft == nil {
			s.Dispatch(StartShape{At: p})
			return
		}
		s.Dispatch(CloseShape{At: &p})

	case ToolBrush, ToolEraser:
		// No stroke model yet; a press still needs a label.
		if s.state.Label == nil {
			s.raise(ErrNoActiveLabel)
		}
	}
}

func (s *Session) editPress(p Point) {
	if a, ok := s.state.SelectedAnnotation(); ok {
		if h := HitHandle(a, p, s.tol(s.tolerances.HandleRadius)); h >= 0 {
			s.Dispatch(BeginDrag{Handle: h, At: p})
			return
		}
		if seg := HitSegment(a, p, s.tol(s.tolerances.SegmentWidth)/2); seg >= 0 {
			s.Dispatch(InsertVertex{Shape: s.state.Selected, Segment: seg, At: p})
			return
		}
	}
	s.Dispatch(SelectShape{Index: HitShape(s.state.Annotations, p)})
}

// PointerMove handles pointer motion. movementX/Y are the screen deltas since
// the previous event.
func (s *Session) PointerMove(x, y, movementX, movementY float64) {
	if s.panning {
		s.viewport.PanBy(movementX, movementY)
		return
	}
	p := s.world(x, y)

	if s.state.Drag != nil {
		s.Dispatch(DragVertex{At: p})
		return
	}
	if s.state.Draft != nil {
		s.Dispatch(MovePointer{At: p, CloseRadius: s.tol(s.tolerances.CloseRadius)})
		return
	}
	if a, ok := s.state.SelectedAnnotation(); ok && s.state.Tool == ToolEdit && a.Kind == KindPolygon {
		seg := -1
		if HitHandle(a, p, s.tol(s.tolerances.HandleRadius)) < 0 {
			seg = HitSegment(a, p, s.tol(s.tolerances.SegmentWidth)/2)
		}
		if seg != s.state.HoveredSegment {
			s.Dispatch(HoverSegment{Index: seg})
		}
	}
}

// PointerUp ends a pan or vertex drag.
func (s *Session) PointerUp() {
	s.panning = false
	if s.state.Drag != nil {
		s.Dispatch(EndDrag{})
	}
}

// PointerLeave ends any gesture in progress, as if the button were released.
func (s *Session) PointerLeave() {
	s.PointerUp()
}

// Wheel zooms around the pointer; negative deltaY zooms in.
func (s *Session) Wheel(x, y, deltaY float64) {
	dir := -1
	if deltaY < 0 {
		dir = 1
	}
	if !s.viewport.ZoomAt(x, y, dir) {
		return
	}
	if s.state.Draft != nil {
		s.Dispatch(MovePointer{At: s.world(x, y), CloseRadius: s.tol(s.tolerances.CloseRadius)})
	}
}

// KeyDown handles a key press. key uses DOM KeyboardEvent.key names.
func (s *Session) KeyDown(key string, ctrl, meta bool) KeyAction {
	key = strings.ToLower(key)

	if key == "escape" {
		s.Dispatch(AbortShape{})
		return KeyHandled
	}
	if ctrl || meta {
		if key == "s" {
			return KeySave
		}
		return KeyIgnored
	}

	if key == "c" {
		if d := s.state.Draft; d != nil && d.Kind == KindPolygon && d.CanClose() {
			s.Dispatch(CloseShape{})
			return KeyHandled
		}
		return KeyIgnored
	}
	if t, ok := toolShortcuts[key]; ok {
		s.SetTool(t)
		return KeyHandled
	}

	switch key {
	case "w":
		s.viewport.PanBy(0, PanStep)
	case "s":
		s.viewport.PanBy(0, -PanStep)
	case "a":
		s.viewport.PanBy(PanStep, 0)
	case "d":
		s.viewport.PanBy(-PanStep, 0)
	default:
		return KeyIgnored
	}
	return KeyHandled
}

// --- Queries ---

// State returns a snapshot of the interaction state.
func (s *Session) State() State { return s.state }

// Viewport returns the current viewport.
func (s *Session) Viewport() Viewport { return s.viewport }

// Image returns the loaded image, or nil.
func (s *Session) Image() *Image { return s.image }

// Labels returns the label set.
func (s *Session) Labels() LabelSet { return s.labels }

// Dirty reports whether the committed set changed since it was loaded or saved.
func (s *Session) Dirty() bool { return s.dirty }

// Panning reports whether a pan drag is in progress.
func (s *Session) Panning() bool { return s.panning }

// Annotations returns a copy of the committed annotation set.
func (s *Session) Annotations() []Annotation {
	out := make([]Annotation, len(s.state.Annotations))
	for i, a := range s.state.Annotations {
		out[i] = a.Clone()
	}
	return out
}

// Render returns the draw commands for the current frame.
func (s *Session) Render() []DrawCommand {
	return Render(Frame{
		Viewport:   s.viewport,
		State:      s.state,
		Image:      s.image,
		Tolerances: s.tolerances,
	})
}

// ExportSnapshot returns the committed set as a portable interchange document.
func (s *Session) ExportSnapshot() (*document.Document, error) {
	if s.image == nil {
		return nil, ErrNoImage
	}
	return ExportDocument(s.state.Annotations, s.labels, *s.image)
}
