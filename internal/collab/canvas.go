package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tqx/labelstudio/backend-go/internal/document"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

var (
	ErrImageLocked    = errors.New("image is open in another session")
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	loadTimeout = 15 * time.Second
	saveTimeout = 30 * time.Second
)

// canvas owns one engine.Session. All session access happens on the run
// goroutine: websocket input and load/save completions are queued on events.
type canvas struct {
	hub      *Hub
	clientID string
	lease    Lease
	send     func(*Message)
	session  *engine.Session

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	imageID     int64 // 0 when no image is open
	loadGen     int64
	version     int64         // bumped on every model edit
	inflight    chan struct{} // closed when the running save returns
	resave      bool
	pendingOpen *int64
}

func newCanvas(hub *Hub, clientID string, send func(*Message)) *canvas {
	c := &canvas{
		hub:      hub,
		clientID: clientID,
		lease:    Lease{ClientID: clientID, ID: hub.leases.Add(1)},
		send:     send,
		events:   make(chan func(), 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.session = engine.NewSession(engine.Callbacks{
		OnAnnotationAdd: func(i int, a engine.Annotation) {
			c.version++
			c.send(newMessage(TypeAnnotationAdded, AnnotationEventPayload{Index: i, Annotation: a}))
		},
		OnAnnotationModify: func(i int, a engine.Annotation) {
			c.version++
			c.send(newMessage(TypeAnnotationModified, AnnotationEventPayload{Index: i, Annotation: a}))
		},
		OnAnnotationRemove: func(i int, a engine.Annotation) {
			c.version++
			c.send(newMessage(TypeAnnotationRemoved, AnnotationEventPayload{Index: i, Annotation: a}))
		},
		OnError: c.sendError,
	}, engine.WithTolerances(hub.tolerances))
	return c
}

func (c *canvas) run() {
	defer close(c.done)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			c.shutdown()
			return
		}
	}
}

// close stops the canvas after saving unsaved work and waits for it.
func (c *canvas) close() {
	c.closeOnce.Do(func() { close(c.quit) })
	<-c.done
}

func (c *canvas) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *canvas) deliver(msg *Message) {
	c.post(func() { c.handle(msg) })
}

func (c *canvas) handle(msg *Message) {
	if err := c.apply(msg); err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			slog.Warn("invalid payload", "error", err, "type", msg.Type, "client", c.clientID)
		}
		c.sendError(err)
		return
	}
	c.pushFrame()
}

func decode(msg *Message, v any) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w for %s: %v", ErrInvalidPayload, msg.Type, err)
	}
	return nil
}

func (c *canvas) apply(msg *Message) error {
	s := c.session

	switch msg.Type {
	case TypeImageOpen:
		var p ImageOpenPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if p.ImageID <= 0 {
			return fmt.Errorf("%w: image id %d", ErrInvalidPayload, p.ImageID)
		}
		c.open(p.ImageID)

	case TypePointerDown:
		var p PointerPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		s.PointerDown(p.X, p.Y, engine.Button(p.Button))

	case TypePointerMove:
		var p PointerPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		s.PointerMove(p.X, p.Y, p.MovementX, p.MovementY)

	case TypePointerUp:
		s.PointerUp()

	case TypePointerLeave:
		s.PointerLeave()

	case TypeWheel:
		var p WheelPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		s.Wheel(p.X, p.Y, p.DeltaY)

	case TypeKey:
		var p KeyPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if s.KeyDown(p.Key, p.Ctrl, p.Meta) == engine.KeySave {
			c.save()
		}

	case TypeResize:
		var p ResizePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		s.Resize(p.Width, p.Height)

	case TypeToolSet:
		var p ToolPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		tool, err := engine.ParseTool(p.Tool)
		if err != nil {
			return err
		}
		s.SetTool(tool)

	case TypeLabelSelect:
		var p LabelPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return s.SelectLabel(p.LabelID)

	case TypeColorSet:
		var p ColorPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if !engine.ValidColor(p.Color) {
			return fmt.Errorf("invalid color %q", p.Color)
		}
		s.SetColor(p.Color)

	case TypeAnnotationRemove:
		var p IndexPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		s.RemoveAnnotation(p.Index)

	case TypeSave:
		c.save()

	case TypeExport:
		doc, err := s.ExportSnapshot()
		if err != nil {
			return err
		}
		c.send(newMessage(TypeExportResult, ExportResultPayload{Document: doc}))

	case TypeImport:
		var p ImportPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		doc, err := document.Decode(p.Document)
		if err != nil {
			return err
		}
		if err := s.ImportDocument(doc); err != nil {
			return err
		}
		c.version++
		c.sendLoaded()

	default:
		slog.Warn("unknown message type", "type", msg.Type, "client", c.clientID)
		return fmt.Errorf("%w: unknown message type %q", ErrInvalidPayload, msg.Type)
	}
	return nil
}

// open switches to imageID. Unsaved work on the current image is saved first;
// the switch is abandoned if that save fails.
func (c *canvas) open(imageID int64) {
	if c.inflight != nil {
		// Re-checked by finishSave once the running save returns.
		c.pendingOpen = &imageID
		return
	}
	if c.session.Image() != nil && imageID == c.imageID {
		c.sendLoaded()
		return
	}
	if c.session.Image() != nil && c.session.Dirty() {
		c.pendingOpen = &imageID
		c.save()
		return
	}
	c.startLoad(imageID)
}

func (c *canvas) startLoad(imageID int64) {
	if !c.hub.locks.Acquire(imageID, c.lease) {
		c.sendError(fmt.Errorf("%w: %d", ErrImageLocked, imageID))
		return
	}
	if c.imageID != 0 && c.imageID != imageID {
		c.hub.locks.Release(c.imageID, c.lease)
	}

	c.session.UnloadImage()
	c.imageID = imageID
	c.version = 0
	c.loadGen++
	gen := c.loadGen

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		data, err := c.hub.loader(ctx, imageID)
		c.post(func() { c.finishLoad(gen, imageID, data, err) })
	}()
}

func (c *canvas) finishLoad(gen, imageID int64, data *ImageData, err error) {
	if gen != c.loadGen {
		return
	}
	if err != nil {
		c.hub.locks.Release(imageID, c.lease)
		c.imageID = 0
		c.sendError(fmt.Errorf("load image %d: %w", imageID, err))
		return
	}

	c.session.SetLabels(data.Labels)
	anns := data.Annotations
	if data.AnnotationsErr != nil {
		c.sendError(fmt.Errorf("load annotations: %w", data.AnnotationsErr))
		anns = nil
	}
	c.session.LoadImage(data.Image, anns)

	c.sendLoaded()
	c.pushFrame()
}

func (c *canvas) sendLoaded() {
	c.send(newMessage(TypeImageLoaded, ImageLoadedPayload{
		Image:       *c.session.Image(),
		Labels:      c.session.Labels(),
		Annotations: c.session.Annotations(),
	}))
}

func (c *canvas) labelmeBlob() (*string, error) {
	doc, err := c.session.ExportSnapshot()
	if err != nil {
		return nil, err
	}
	data, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal labelme document: %w", err)
	}
	s := string(data)
	return &s, nil
}

// save submits the whole annotation set of the current image. The result is
// applied back on the run goroutine by finishSave.
func (c *canvas) save() {
	if c.session.Image() == nil {
		c.pendingOpen = nil
		c.sendError(engine.ErrNoImage)
		return
	}
	if c.inflight != nil {
		c.resave = true
		return
	}

	labelme, err := c.labelmeBlob()
	if err != nil {
		c.pendingOpen = nil
		c.sendError(err)
		return
	}
	anns := c.session.Annotations()
	imageID, version := c.imageID, c.version
	done := make(chan struct{})
	c.inflight = done

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		ids, err := c.hub.saver(ctx, imageID, anns, labelme)
		cancel()
		close(done)
		c.post(func() { c.finishSave(imageID, version, ids, err) })
	}()
}

func (c *canvas) finishSave(imageID, version int64, ids []int64, err error) {
	c.inflight = nil
	if err != nil {
		c.resave = false
		c.pendingOpen = nil
		c.sendError(fmt.Errorf("save failed: %w", err))
		c.pushFrame()
		return
	}

	if imageID == c.imageID && version == c.version {
		c.session.MarkSaved(ids)
	}
	c.send(newMessage(TypeSaved, SavedPayload{ImageID: imageID, IDs: ids}))

	if c.resave {
		c.resave = false
		if c.session.Dirty() {
			c.save()
			return
		}
	}
	if p := c.pendingOpen; p != nil {
		c.pendingOpen = nil
		c.open(*p)
	}
	c.pushFrame()
}

func (c *canvas) shutdown() {
	if c.inflight != nil {
		<-c.inflight
		c.inflight = nil
	}

	if c.session.Image() != nil && c.session.Dirty() {
		labelme, err := c.labelmeBlob()
		if err == nil {
			ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
			_, err = c.hub.saver(ctx, c.imageID, c.session.Annotations(), labelme)
			cancel()
		}
		if err != nil {
			slog.Error("save on close", "error", err, "image", c.imageID, "client", c.clientID)
		} else {
			slog.Info("saved on close", "image", c.imageID, "client", c.clientID)
		}
	}

	if c.imageID != 0 {
		c.hub.locks.Release(c.imageID, c.lease)
	}
}

func (c *canvas) sendError(err error) {
	c.send(newMessage(TypeError, ErrorPayload{Message: err.Error()}))
}

func (c *canvas) pushFrame() {
	st := c.session.State()
	c.send(newMessage(TypeFrame, FramePayload{
		Commands: c.session.Render(),
		Viewport: c.session.Viewport(),
		Tool:     st.Tool.String(),
		Phase:    st.Phase().String(),
		Selected: st.Selected,
		Dirty:    c.session.Dirty(),
	}))
}
