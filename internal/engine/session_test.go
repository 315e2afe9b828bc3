package engine

import (
	"errors"
	"slices"
	"testing"

	"github.com/tqx/labelstudio/backend-go/internal/document"
)

type recorder struct {
	added    []Annotation
	modified []Annotation
	removed  []Annotation
	errs     []error
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnAnnotationAdd:    func(_ int, a Annotation) { r.added = append(r.added, a) },
		OnAnnotationModify: func(_ int, a Annotation) { r.modified = append(r.modified, a) },
		OnAnnotationRemove: func(_ int, a Annotation) { r.removed = append(r.removed, a) },
		OnError:            func(err error) { r.errs = append(r.errs, err) },
	}
}

var testLabels = LabelSet{
	{ID: 7, Name: "car", Color: "#00FF00"},
	{ID: 9, Name: "person", Color: "#0000FF"},
}

// newTestSession returns a session with an identity viewport, so screen and
// world coordinates coincide.
func newTestSession(t *testing.T) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	s := NewSession(rec.callbacks(), WithLabels(testLabels))
	return s, rec
}

func click(s *Session, x, y float64) {
	s.PointerMove(x, y, 0, 0)
	s.PointerDown(x, y, ButtonLeft)
	s.PointerUp()
}

func drawRectangle(t *testing.T, s *Session) {
	t.Helper()
	if err := s.SelectLabel(7); err != nil {
		t.Fatalf("SelectLabel: %v", err)
	}
	s.SetColor("#00FF00")
	s.SetTool(ToolRectangle)
	click(s, 10, 10)
	s.PointerMove(50, 40, 40, 30)
	click(s, 50, 40)
}

func TestSession_DrawRectangle(t *testing.T) {
	s, rec := newTestSession(t)
	drawRectangle(t, s)

	if len(rec.added) != 1 {
		t.Fatalf("expected 1 added annotation, got %d", len(rec.added))
	}
	got := rec.added[0]
	if got.Kind != KindRectangle || got.LabelID != 7 || got.Color != "#00FF00" || got.ID != nil {
		t.Errorf("unexpected annotation: %+v", got)
	}
	if want := []float64{10, 10, 50, 40}; !slices.Equal(got.Points, want) {
		t.Errorf("points: got %v, want %v", got.Points, want)
	}
	if s.State().Phase() != PhaseIdle {
		t.Errorf("expected idle after commit, got %v", s.State().Phase())
	}
	if !s.Dirty() {
		t.Error("session should be dirty after a commit")
	}
}

func TestSession_RectangleNotNormalized(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	s.SetTool(ToolRectangle)
	click(s, 50, 40)
	click(s, 10, 10)

	if len(rec.added) != 1 {
		t.Fatalf("expected 1 annotation, got %d", len(rec.added))
	}
	if want := []float64{50, 40, 10, 10}; !slices.Equal(rec.added[0].Points, want) {
		t.Errorf("points: got %v, want %v", rec.added[0].Points, want)
	}
	if rec.added[0].Color != DefaultColor {
		t.Errorf("color: got %q, want default", rec.added[0].Color)
	}
}

func TestSession_RectanglePreviewTracksPointer(t *testing.T) {
	s, _ := newTestSession(t)
	_ = s.SelectLabel(7)
	s.SetTool(ToolRectangle)
	click(s, 10, 10)

	if got := s.State().Draft.Preview(); !slices.Equal(got, []float64{10, 10, 10, 10}) {
		t.Errorf("initial preview should be degenerate, got %v", got)
	}
	s.PointerMove(30, 5, 20, -5)
	if got := s.State().Draft.Preview(); !slices.Equal(got, []float64{10, 10, 30, 5}) {
		t.Errorf("preview: got %v", got)
	}
}

func TestSession_DrawPolygonClosesNearFirstPoint(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(9)
	s.SetTool(ToolPolygon)

	click(s, 0, 0)
	click(s, 10, 0)
	click(s, 10, 10)
	if len(rec.added) != 0 {
		t.Fatal("polygon closed too early")
	}
	click(s, 3, 4)

	if len(rec.added) != 1 {
		t.Fatalf("expected polygon commit, got %d annotations", len(rec.added))
	}
	want := []float64{0, 0, 10, 0, 10, 10, 0, 0}
	if !slices.Equal(rec.added[0].Points, want) {
		t.Errorf("points: got %v, want %v", rec.added[0].Points, want)
	}
	if rec.added[0].Kind != KindPolygon || rec.added[0].LabelID != 9 {
		t.Errorf("unexpected annotation: %+v", rec.added[0])
	}
}

func TestSession_PolygonClosingProperty(t *testing.T) {
	for n := 3; n <= 8; n++ {
		s, rec := newTestSession(t)
		_ = s.SelectLabel(7)
		for i := 0; i < n; i++ {
			click(s, float64(100+i*40), float64(100+(i%2)*70))
		}
		if s.KeyDown("c", false, false) != KeyHandled {
			t.Fatalf("n=%d: close shortcut not handled", n)
		}
		if len(rec.added) != 1 {
			t.Fatalf("n=%d: expected commit", n)
		}
		p := rec.added[0].Points
		if len(p)%2 != 0 || len(p) < 8 || len(p) != 2*(n+1) {
			t.Errorf("n=%d: bad point count %d", n, len(p))
		}
		if p[len(p)-2] != p[0] || p[len(p)-1] != p[1] {
			t.Errorf("n=%d: last pair %v does not repeat first %v", n, p[len(p)-2:], p[:2])
		}
	}
}

func TestSession_CloseShortcutNeedsThreeVertices(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	click(s, 0, 0)
	click(s, 50, 0)
	if s.KeyDown("C", false, false) != KeyIgnored {
		t.Error("close with two vertices should be ignored")
	}
	click(s, 50, 0) // duplicate vertex does not count
	if s.KeyDown("c", false, false) != KeyIgnored {
		t.Error("close with two distinct vertices should be ignored")
	}
	if len(rec.added) != 0 {
		t.Errorf("nothing should be committed, got %d", len(rec.added))
	}
}

func TestSession_NoLabelRejectsShapeStart(t *testing.T) {
	for _, tool := range []Tool{ToolPolygon, ToolRectangle, ToolBrush, ToolEraser} {
		t.Run(tool.String(), func(t *testing.T) {
			s, rec := newTestSession(t)
			s.SetTool(tool)
			s.PointerDown(10, 10, ButtonLeft)

			if len(rec.errs) != 1 || !errors.Is(rec.errs[0], ErrNoActiveLabel) {
				t.Fatalf("expected exactly one ErrNoActiveLabel, got %v", rec.errs)
			}
			if s.State().Draft != nil || len(s.Annotations()) != 0 || len(rec.added) != 0 {
				t.Error("state mutated by rejected shape start")
			}
		})
	}
}

func TestSession_EscapeAborts(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	click(s, 0, 0)
	click(s, 10, 0)
	click(s, 10, 10)
	s.KeyDown("Escape", false, false)

	if s.State().Draft != nil {
		t.Fatal("draft survived escape")
	}
	click(s, 1, 1)
	if len(rec.added) != 0 {
		t.Error("abort must not commit")
	}
	if s.State().Draft == nil || s.State().Draft.VertexCount() != 1 {
		t.Error("next press should start a new polygon")
	}
}

func TestSession_EditDragRectangleHandle(t *testing.T) {
	s, rec := newTestSession(t)
	drawRectangle(t, s)

	s.SetTool(ToolEdit)
	click(s, 30, 25)
	if s.State().Selected != 0 {
		t.Fatalf("rectangle not selected, selected=%d", s.State().Selected)
	}

	s.PointerMove(10, 10, 0, 0)
	s.PointerDown(10, 10, ButtonLeft)
	s.PointerMove(12, 13, 2, 3)
	s.PointerMove(15, 15, 3, 2)
	s.PointerUp()

	got := s.Annotations()[0].Points
	if want := []float64{15, 15, 50, 40}; !slices.Equal(got, want) {
		t.Errorf("points: got %v, want %v", got, want)
	}
	if len(rec.modified) != 2 {
		t.Errorf("expected one modify per drag move, got %d", len(rec.modified))
	}
	if s.State().Drag != nil {
		t.Error("drag target should be cleared on release")
	}
}

func TestSession_LabelledBrushPressIsSilent(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	s.SetTool(ToolBrush)
	click(s, 10, 10)
	if len(rec.errs) != 0 || len(rec.added) != 0 {
		t.Errorf("brush press with a label: errs=%v added=%d", rec.errs, len(rec.added))
	}
}

func TestSession_PointerLeaveDropsDragTarget(t *testing.T) {
	s, rec := newTestSession(t)
	drawRectangle(t, s)

	s.SetTool(ToolEdit)
	click(s, 30, 25)
	s.PointerMove(10, 10, 0, 0)
	s.PointerDown(10, 10, ButtonLeft)
	if s.State().Drag == nil {
		t.Fatal("press on handle should start a drag")
	}
	s.PointerMove(12, 12, 2, 2)
	s.PointerLeave()

	if s.State().Drag != nil {
		t.Fatal("drag target survived pointer leave")
	}
	after := slices.Clone(s.Annotations()[0].Points)
	modified := len(rec.modified)

	s.PointerMove(30, 30, 18, 18)
	if got := s.Annotations()[0].Points; !slices.Equal(got, after) {
		t.Errorf("move after leave changed points: got %v, want %v", got, after)
	}
	if len(rec.modified) != modified {
		t.Error("move after leave emitted a modify")
	}
}

func TestSession_DragMovesOnlyThatVertex(t *testing.T) {
	s, _ := newTestSession(t)
	_ = s.SelectLabel(7)
	for _, p := range []Point{{100, 100}, {200, 100}, {200, 200}, {100, 200}} {
		click(s, p.X, p.Y)
	}
	s.KeyDown("c", false, false)
	s.SetTool(ToolRectangle)
	click(s, 300, 300)
	click(s, 400, 400)
	before := s.Annotations()

	s.SetTool(ToolEdit)
	click(s, 150, 150)
	// Grab slightly off the vertex; the grab offset must be preserved.
	s.PointerDown(203, 98, ButtonLeft)
	s.PointerMove(203+17, 98-9, 17, -9)
	s.PointerUp()

	after := s.Annotations()
	want := slices.Clone(before[0].Points)
	want[2], want[3] = 200+17, 100-9
	if !slices.Equal(after[0].Points, want) {
		t.Errorf("polygon: got %v, want %v", after[0].Points, want)
	}
	if !slices.Equal(after[1].Points, before[1].Points) {
		t.Errorf("other shape changed: %v", after[1].Points)
	}
}

func TestSession_SegmentInsertion(t *testing.T) {
	s, rec := newTestSession(t)
	s.LoadImage(Image{ID: 1, URL: "/img/a.png", Width: 1000, Height: 1000}, []Annotation{{
		Kind:    KindPolygon,
		Points:  []float64{0, 0, 100, 0, 100, 100},
		LabelID: 7,
		Color:   "#00FF00",
	}})
	s.viewport = NewViewport()

	s.SetTool(ToolEdit)
	click(s, 70, 20)
	if s.State().Selected != 0 {
		t.Fatal("polygon not selected")
	}

	s.PointerMove(40, 2, 0, 0)
	if s.State().HoveredSegment != 0 {
		t.Errorf("hovered segment: got %d, want 0", s.State().HoveredSegment)
	}
	s.PointerDown(40, 2, ButtonLeft)
	s.PointerUp()

	got := s.Annotations()[0].Points
	want := []float64{0, 0, 40, 2, 100, 0, 100, 100}
	if !slices.Equal(got, want) {
		t.Errorf("points: got %v, want %v", got, want)
	}
	if len(rec.modified) != 1 {
		t.Errorf("expected one modify event, got %d", len(rec.modified))
	}
}

func TestSession_EditClickOnBlankDeselects(t *testing.T) {
	s, _ := newTestSession(t)
	drawRectangle(t, s)
	s.SetTool(ToolEdit)
	click(s, 30, 25)
	click(s, 500, 500)
	if s.State().Selected != -1 {
		t.Errorf("expected selection cleared, got %d", s.State().Selected)
	}
}

func TestSession_ToolSwitchClearsSelection(t *testing.T) {
	s, _ := newTestSession(t)
	drawRectangle(t, s)
	s.SetTool(ToolEdit)
	click(s, 30, 25)
	s.SetTool(ToolMove)
	if st := s.State(); st.Selected != -1 || st.HoveredSegment != -1 {
		t.Errorf("selection not cleared: %+v", st)
	}
}

func TestSession_DraftSurvivesPanTool(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	click(s, 0, 0)
	click(s, 10, 0)

	s.KeyDown("m", false, false)
	s.PointerDown(5, 5, ButtonLeft)
	s.PointerMove(25, 35, 20, 30)
	s.PointerLeave()
	if v := s.Viewport(); v.OffsetX != 20 || v.OffsetY != 30 {
		t.Fatalf("pan offset: got (%v, %v)", v.OffsetX, v.OffsetY)
	}
	if s.Panning() {
		t.Error("pointer leave should end the pan")
	}

	s.KeyDown("q", false, false)
	if s.State().Draft == nil || s.State().Draft.VertexCount() != 2 {
		t.Fatal("draft should survive a switch to the move tool")
	}

	s.SetTool(ToolRectangle)
	if s.State().Draft != nil {
		t.Error("switching to a different drawing tool should discard the draft")
	}
	if len(rec.added) != 0 {
		t.Error("nothing should be committed")
	}
}

func TestSession_KeyboardPanAndSave(t *testing.T) {
	s, _ := newTestSession(t)
	s.KeyDown("w", false, false)
	s.KeyDown("d", false, false)
	if v := s.Viewport(); v.OffsetX != -PanStep || v.OffsetY != PanStep {
		t.Errorf("offset: got (%v, %v)", v.OffsetX, v.OffsetY)
	}
	if got := s.KeyDown("s", true, false); got != KeySave {
		t.Errorf("ctrl+s: got %v, want KeySave", got)
	}
	if got := s.KeyDown("s", false, true); got != KeySave {
		t.Errorf("meta+s: got %v, want KeySave", got)
	}
	if got := s.KeyDown("x", false, false); got != KeyIgnored {
		t.Errorf("unbound key: got %v", got)
	}
}

func TestSession_PolygonUnderZoomUsesScreenTolerance(t *testing.T) {
	s, rec := newTestSession(t)
	_ = s.SelectLabel(7)
	s.viewport = Viewport{Scale: 4}

	// World square of side 10 drawn at 4x zoom.
	click(s, 0, 0)
	click(s, 40, 0)
	click(s, 40, 40)
	// 24 screen px from the first vertex: outside the 20px tolerance even
	// though it is only 6 world units away.
	click(s, 0, 24)
	if len(rec.added) != 0 {
		t.Fatal("closed outside the screen tolerance")
	}
	click(s, 0, 10)
	if len(rec.added) != 1 {
		t.Fatal("expected close within the screen tolerance")
	}
	want := []float64{0, 0, 10, 0, 10, 10, 0, 6, 0, 0}
	if !slices.Equal(rec.added[0].Points, want) {
		t.Errorf("points: got %v, want %v", rec.added[0].Points, want)
	}
}

func TestSession_LoadImageReplacesModel(t *testing.T) {
	s, _ := newTestSession(t)
	s.Resize(800, 600)
	drawRectangle(t, s)
	click(s, 5, 5) // leave a draft behind

	id := int64(3)
	s.LoadImage(Image{ID: 2, URL: "/data/b.jpg", Width: 400, Height: 300}, []Annotation{
		{ID: &id, Kind: KindRectangle, Points: []float64{1, 2, 3, 4}, LabelID: 9, Color: "#0000FF"},
	})

	if s.State().Draft != nil || s.Dirty() {
		t.Error("load should flush transient state and reset dirty")
	}
	anns := s.Annotations()
	if len(anns) != 1 || *anns[0].ID != 3 {
		t.Fatalf("unexpected annotations: %+v", anns)
	}
	if v := s.Viewport(); !near(v.Scale, 2*FitMargin) {
		t.Errorf("viewport not fitted: scale %v", v.Scale)
	}
}

func TestSession_MarkSavedAssignsIDs(t *testing.T) {
	s, _ := newTestSession(t)
	drawRectangle(t, s)
	s.MarkSaved([]int64{42})
	if s.Dirty() {
		t.Error("dirty after MarkSaved")
	}
	if a := s.Annotations()[0]; a.ID == nil || *a.ID != 42 {
		t.Errorf("id not assigned: %+v", a)
	}
}

func TestSession_SelectUnknownLabel(t *testing.T) {
	s, _ := newTestSession(t)
	if err := s.SelectLabel(1234); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("expected ErrUnknownLabel, got %v", err)
	}
}

func TestSession_ExportSnapshot(t *testing.T) {
	s, _ := newTestSession(t)
	if _, err := s.ExportSnapshot(); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}

	s.LoadImage(Image{ID: 1, URL: "http://host/static/imgs/cat.png?v=2", Width: 640, Height: 480}, nil)
	drawRectangle(t, s)

	doc, err := s.ExportSnapshot()
	if err != nil {
		t.Fatalf("ExportSnapshot: %v", err)
	}
	if doc.ImagePath != "cat.png" || doc.ImageWidth != 640 || doc.ImageHeight != 480 {
		t.Errorf("unexpected image metadata: %+v", doc)
	}
	if len(doc.Shapes) != 1 || doc.Shapes[0].Label != "car" || doc.Shapes[0].ShapeType != "rectangle" {
		t.Errorf("unexpected shapes: %+v", doc.Shapes)
	}
}

func TestSession_ImportDocument(t *testing.T) {
	s, _ := newTestSession(t)
	doc := document.New("cat.png", 100, 100)
	if err := doc.AddShape("person", document.ShapePolygon, []float64{0, 0, 10, 0, 10, 10}); err != nil {
		t.Fatal(err)
	}
	if err := s.ImportDocument(doc); !errors.Is(err, ErrNoImage) {
		t.Fatalf("expected ErrNoImage, got %v", err)
	}

	s.LoadImage(Image{ID: 1, Width: 100, Height: 100}, nil)
	if err := s.ImportDocument(doc); err != nil {
		t.Fatalf("ImportDocument: %v", err)
	}
	anns := s.Annotations()
	if len(anns) != 1 || anns[0].LabelID != 9 || anns[0].Color != "#0000FF" {
		t.Errorf("unexpected annotations: %+v", anns)
	}
	if !s.Dirty() {
		t.Error("import should leave unsaved edits")
	}

	bad := document.New("cat.png", 100, 100)
	bad.AddShape("bicycle", document.ShapePolygon, []float64{0, 0, 1, 1, 2, 0})
	if err := s.ImportDocument(bad); !errors.Is(err, ErrUnknownLabel) {
		t.Errorf("expected ErrUnknownLabel, got %v", err)
	}
	if len(s.Annotations()) != 1 {
		t.Error("failed import changed the model")
	}
}
