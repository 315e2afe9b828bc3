package collab

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

type sink struct {
	ch chan *Message
}

func newSink() *sink {
	return &sink{ch: make(chan *Message, 1024)}
}

func (s *sink) send(m *Message) {
	s.ch <- m
}

// next returns the next message of type typ, skipping others.
func (s *sink) next(t *testing.T, typ string) *Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.ch:
			if m.Type == typ {
				return m
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", typ)
			return nil
		}
	}
}

type fakeBackend struct {
	mu     sync.Mutex
	saves  [][]engine.Annotation
	nextID int64

	annErr  error
	saveErr error
	gate    chan struct{} // saves block until closed
}

func (b *fakeBackend) load(_ context.Context, imageID int64) (*ImageData, error) {
	if imageID == 404 {
		return nil, errors.New("image not found")
	}
	id := int64(1)
	data := &ImageData{
		Image:  engine.Image{ID: imageID, URL: "/images/img.png", Width: 100, Height: 100},
		Labels: engine.LabelSet{{ID: 7, Name: "car", Color: "#00FF00"}},
		Annotations: []engine.Annotation{
			{ID: &id, Kind: engine.KindRectangle, Points: []float64{60, 60, 80, 80}, LabelID: 7, Color: "#00FF00"},
		},
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.annErr != nil {
		data.Annotations = nil
		data.AnnotationsErr = b.annErr
	}
	return data, nil
}

func (b *fakeBackend) save(_ context.Context, _ int64, anns []engine.Annotation, labelme *string) ([]int64, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return nil, b.saveErr
	}
	if labelme == nil || !json.Valid([]byte(*labelme)) {
		return nil, errors.New("missing labelme blob")
	}
	b.saves = append(b.saves, anns)
	ids := make([]int64, len(anns))
	for i := range ids {
		b.nextID++
		ids[i] = 100 + b.nextID
	}
	return ids, nil
}

func (b *fakeBackend) saveCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.saves)
}

func newTestCanvas(t *testing.T, hub *Hub, id string) (*canvas, *sink) {
	t.Helper()
	out := newSink()
	c := newCanvas(hub, id, out.send)
	go c.run()
	t.Cleanup(c.close)
	return c, out
}

func msg(t *testing.T, typ string, payload any) *Message {
	t.Helper()
	m := &Message{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		m.Payload = data
	}
	return m
}

func openImage(t *testing.T, c *canvas, out *sink, imageID int64) ImageLoadedPayload {
	t.Helper()
	c.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: imageID}))
	var loaded ImageLoadedPayload
	if err := json.Unmarshal(out.next(t, TypeImageLoaded).Payload, &loaded); err != nil {
		t.Fatal(err)
	}
	return loaded
}

func drawRect(t *testing.T, c *canvas) {
	t.Helper()
	c.deliver(msg(t, TypeLabelSelect, LabelPayload{LabelID: 7}))
	c.deliver(msg(t, TypeToolSet, ToolPayload{Tool: "rectangle"}))
	c.deliver(msg(t, TypePointerDown, PointerPayload{X: 10, Y: 10}))
	c.deliver(msg(t, TypePointerUp, nil))
	c.deliver(msg(t, TypePointerMove, PointerPayload{X: 50, Y: 40}))
	c.deliver(msg(t, TypePointerDown, PointerPayload{X: 50, Y: 40}))
}

func TestCanvas_DrawAndSave(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")

	loaded := openImage(t, c, out, 1)
	if len(loaded.Annotations) != 1 || loaded.Image.ID != 1 {
		t.Fatalf("unexpected load payload: %+v", loaded)
	}

	drawRect(t, c)
	var added AnnotationEventPayload
	if err := json.Unmarshal(out.next(t, TypeAnnotationAdded).Payload, &added); err != nil {
		t.Fatal(err)
	}
	if added.Index != 1 || added.Annotation.Points[2] != 50 {
		t.Errorf("unexpected added payload: %+v", added)
	}

	c.deliver(msg(t, TypeKey, KeyPayload{Key: "s", Ctrl: true}))
	var saved SavedPayload
	if err := json.Unmarshal(out.next(t, TypeSaved).Payload, &saved); err != nil {
		t.Fatal(err)
	}
	if saved.ImageID != 1 || len(saved.IDs) != 2 {
		t.Errorf("unexpected saved payload: %+v", saved)
	}

	var frame FramePayload
	if err := json.Unmarshal(out.next(t, TypeFrame).Payload, &frame); err != nil {
		t.Fatal(err)
	}
	if frame.Dirty {
		t.Error("frame after save should not be dirty")
	}
	if backend.saveCount() != 1 {
		t.Errorf("expected 1 save, got %d", backend.saveCount())
	}
}

func TestCanvas_NoLabelReportsError(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)

	c.deliver(msg(t, TypePointerDown, PointerPayload{X: 5, Y: 5}))
	var e ErrorPayload
	if err := json.Unmarshal(out.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Message != engine.ErrNoActiveLabel.Error() {
		t.Errorf("unexpected error %q", e.Message)
	}
}

func TestCanvas_ImageLockedByOtherClient(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	a, outA := newTestCanvas(t, hub, "client-a")
	b, outB := newTestCanvas(t, hub, "client-b")

	openImage(t, a, outA, 1)
	b.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 1}))
	var e ErrorPayload
	if err := json.Unmarshal(outB.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Message, ErrImageLocked.Error()) {
		t.Errorf("unexpected error %q", e.Message)
	}
	if owner, _ := hub.LockOwner(1); owner != "client-a" {
		t.Errorf("lock owner: got %q", owner)
	}

	a.close()
	if _, ok := hub.LockOwner(1); ok {
		t.Fatal("lock not released on close")
	}
	openImage(t, b, outB, 1)
}

func TestCanvas_BadAnnotationsFallBackToEmpty(t *testing.T) {
	backend := &fakeBackend{annErr: errors.New("record 0: annotation has no points")}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")

	c.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 1}))
	out.next(t, TypeError)
	var loaded ImageLoadedPayload
	if err := json.Unmarshal(out.next(t, TypeImageLoaded).Payload, &loaded); err != nil {
		t.Fatal(err)
	}
	if len(loaded.Annotations) != 0 {
		t.Errorf("expected an empty set, got %+v", loaded.Annotations)
	}
}

func TestCanvas_SaveFailureKeepsEdits(t *testing.T) {
	backend := &fakeBackend{saveErr: errors.New("connection refused")}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)

	c.deliver(msg(t, TypeSave, nil))
	var e ErrorPayload
	if err := json.Unmarshal(out.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(e.Message, "save failed") {
		t.Errorf("unexpected error %q", e.Message)
	}
	var frame FramePayload
	if err := json.Unmarshal(out.next(t, TypeFrame).Payload, &frame); err != nil {
		t.Fatal(err)
	}
	if !frame.Dirty {
		t.Error("edits should remain unsaved after a failed save")
	}
}

func TestCanvas_SwitchImageSavesFirst(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)

	c.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 2}))
	out.next(t, TypeSaved)
	var loaded ImageLoadedPayload
	if err := json.Unmarshal(out.next(t, TypeImageLoaded).Payload, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.Image.ID != 2 {
		t.Errorf("loaded image %d, want 2", loaded.Image.ID)
	}
	if _, ok := hub.LockOwner(1); ok {
		t.Error("previous image still locked")
	}
	if backend.saveCount() != 1 || len(backend.saves[0]) != 2 {
		t.Errorf("unexpected saves: %+v", backend.saves)
	}
}

func TestCanvas_EditDuringSaveThenSwitchKeepsEdits(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)

	c.deliver(msg(t, TypeSave, nil))
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)
	c.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 2}))
	close(backend.gate)

	out.next(t, TypeSaved)
	out.next(t, TypeSaved)
	var loaded ImageLoadedPayload
	if err := json.Unmarshal(out.next(t, TypeImageLoaded).Payload, &loaded); err != nil {
		t.Fatal(err)
	}
	if loaded.Image.ID != 2 {
		t.Errorf("loaded image %d, want 2", loaded.Image.ID)
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.saves) != 2 {
		t.Fatalf("expected 2 saves, got %d", len(backend.saves))
	}
	if n := len(backend.saves[1]); n != 3 {
		t.Errorf("second save stored %d annotations, want 3", n)
	}
}

func TestCanvas_ReopenLoadedImageKeepsEdits(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)

	loaded := openImage(t, c, out, 1)
	if len(loaded.Annotations) != 2 {
		t.Errorf("reopen returned %d annotations, want 2", len(loaded.Annotations))
	}
	if backend.saveCount() != 0 {
		t.Errorf("reopen should not save, got %d saves", backend.saveCount())
	}
}

func TestCanvas_SameClientIDSecondCanvasWaitsForLock(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	a, outA := newTestCanvas(t, hub, "client-a")
	b, outB := newTestCanvas(t, hub, "client-a")

	openImage(t, a, outA, 1)
	b.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 1}))
	var e ErrorPayload
	if err := json.Unmarshal(outB.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Message, ErrImageLocked.Error()) {
		t.Errorf("unexpected error %q", e.Message)
	}

	a.close()
	openImage(t, b, outB, 1)

	// A late release from the first canvas must not free the second's lock.
	hub.locks.ReleaseAll(a.lease)
	if owner, ok := hub.LockOwner(1); !ok || owner != "client-a" {
		t.Errorf("lock lost after stale release: owner=%q ok=%v", owner, ok)
	}
}

func TestHub_ClientStaysConnectedWhileSavingOnClose(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	go hub.Run()
	t.Cleanup(hub.Stop)

	client := NewClient(hub, nil, "client-a")
	if err := hub.Register(client); err != nil {
		t.Fatal(err)
	}
	out := newSink()
	go func() {
		for data := range client.send {
			var m Message
			if json.Unmarshal(data, &m) == nil {
				out.send(&m)
			}
		}
	}()

	openImage(t, client.canvas, out, 1)
	drawRect(t, client.canvas)
	out.next(t, TypeAnnotationAdded)

	hub.Unregister(client)
	if !hub.Connected("client-a") {
		t.Fatal("client id released before its unsaved work was stored")
	}
	if owner, ok := hub.LockOwner(1); !ok || owner != "client-a" {
		t.Errorf("lock released before save on close: owner=%q ok=%v", owner, ok)
	}

	close(backend.gate)
	deadline := time.Now().Add(2 * time.Second)
	for hub.Connected("client-a") {
		if time.Now().After(deadline) {
			t.Fatal("client id still in use after save on close")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, ok := hub.LockOwner(1); ok {
		t.Error("lock held after client left")
	}
	if backend.saveCount() != 1 {
		t.Errorf("expected save on close, got %d saves", backend.saveCount())
	}
}

func TestCanvas_CloseSavesDirtyWork(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	out := newSink()
	c := newCanvas(hub, "client-a", out.send)
	go c.run()

	openImage(t, c, out, 1)
	drawRect(t, c)
	out.next(t, TypeAnnotationAdded)
	c.close()

	if backend.saveCount() != 1 {
		t.Errorf("expected save on close, got %d saves", backend.saveCount())
	}
}

func TestCanvas_LoadFailureReleasesLock(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")

	c.deliver(msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 404}))
	out.next(t, TypeError)
	c.deliver(msg(t, TypeSave, nil))
	var e ErrorPayload
	if err := json.Unmarshal(out.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Message != engine.ErrNoImage.Error() {
		t.Errorf("unexpected error %q", e.Message)
	}
	if _, ok := hub.LockOwner(404); ok {
		t.Error("lock held after failed load")
	}
}

func TestCanvas_InvalidMessages(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")

	for _, m := range []*Message{
		{Type: "bogus"},
		{Type: TypePointerDown, Payload: json.RawMessage(`{"x":`)},
		msg(t, TypeToolSet, ToolPayload{Tool: "lasso"}),
		msg(t, TypeColorSet, ColorPayload{Color: "blue"}),
		msg(t, TypeImageOpen, ImageOpenPayload{ImageID: 0}),
	} {
		c.deliver(m)
		out.next(t, TypeError)
	}
}

func TestCanvas_ImportReplacesAnnotations(t *testing.T) {
	backend := &fakeBackend{}
	hub := NewHub(backend.load, backend.save, engine.DefaultTolerances())
	c, out := newTestCanvas(t, hub, "client-a")
	openImage(t, c, out, 1)

	doc := `{"version":"5.1.1","flags":{},"shapes":[
		{"label":"car","points":[[1,1],[9,1],[9,9]],"group_id":null,"shape_type":"polygon","flags":{}},
		{"label":"car","points":[[20,20],[30,30]],"group_id":null,"shape_type":"rectangle","flags":{}}
	],"imagePath":"img.png","imageData":null,"imageHeight":100,"imageWidth":100}`
	c.deliver(msg(t, TypeImport, ImportPayload{Document: json.RawMessage(doc)}))

	var loaded ImageLoadedPayload
	if err := json.Unmarshal(out.next(t, TypeImageLoaded).Payload, &loaded); err != nil {
		t.Fatal(err)
	}
	if len(loaded.Annotations) != 2 || loaded.Annotations[1].Kind != engine.KindRectangle {
		t.Errorf("unexpected annotations: %+v", loaded.Annotations)
	}
	var frame FramePayload
	if err := json.Unmarshal(out.next(t, TypeFrame).Payload, &frame); err != nil {
		t.Fatal(err)
	}
	if !frame.Dirty {
		t.Error("import should leave unsaved edits")
	}

	c.deliver(msg(t, TypeImport, ImportPayload{Document: json.RawMessage(`{"shapes":[{"label":"dog","points":[[0,0],[1,1]],"shape_type":"rectangle"}]}`)}))
	var e ErrorPayload
	if err := json.Unmarshal(out.next(t, TypeError).Payload, &e); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(e.Message, engine.ErrUnknownLabel.Error()) {
		t.Errorf("unexpected error %q", e.Message)
	}
}
