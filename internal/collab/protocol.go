package collab

import (
	"encoding/json"
	"log/slog"

	"github.com/tqx/labelstudio/backend-go/internal/document"
	"github.com/tqx/labelstudio/backend-go/internal/engine"
)

type Message struct {
	Type    string          `json:"type"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	// Connection
	TypeWelcome = "welcome"
	TypeError   = "error"

	// Client -> server
	TypeImageOpen        = "image.open"
	TypePointerDown      = "input.pointerdown"
	TypePointerMove      = "input.pointermove"
	TypePointerUp        = "input.pointerup"
	TypePointerLeave     = "input.pointerleave"
	TypeWheel            = "input.wheel"
	TypeKey              = "input.key"
	TypeResize           = "input.resize"
	TypeToolSet          = "tool.set"
	TypeLabelSelect      = "label.select"
	TypeColorSet         = "color.set"
	TypeAnnotationRemove = "annotation.remove"
	TypeSave             = "save"
	TypeExport           = "export"
	TypeImport           = "import"

	// Server -> client
	TypeImageLoaded        = "image.loaded"
	TypeFrame              = "frame"
	TypeAnnotationAdded    = "annotation.added"
	TypeAnnotationModified = "annotation.modified"
	TypeAnnotationRemoved  = "annotation.removed"
	TypeSaved              = "saved"
	TypeExportResult       = "export.result"
)

type WelcomePayload struct {
	ClientID string `json:"clientId"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type ImageOpenPayload struct {
	ImageID int64 `json:"imageId"`
}

type PointerPayload struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	MovementX float64 `json:"movementX,omitempty"`
	MovementY float64 `json:"movementY,omitempty"`
	Button    int     `json:"button,omitempty"`
}

type WheelPayload struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaY float64 `json:"deltaY"`
}

type KeyPayload struct {
	Key  string `json:"key"`
	Ctrl bool   `json:"ctrl,omitempty"`
	Meta bool   `json:"meta,omitempty"`
}

type ResizePayload struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type ToolPayload struct {
	Tool string `json:"tool"`
}

type LabelPayload struct {
	LabelID int64 `json:"labelId"`
}

type ColorPayload struct {
	Color string `json:"color"`
}

type IndexPayload struct {
	Index int `json:"index"`
}

type ImageLoadedPayload struct {
	Image       engine.Image        `json:"image"`
	Labels      engine.LabelSet     `json:"labels"`
	Annotations []engine.Annotation `json:"annotations"`
}

type FramePayload struct {
	Commands []engine.DrawCommand `json:"commands"`
	Viewport engine.Viewport      `json:"viewport"`
	Tool     string               `json:"tool"`
	Phase    string               `json:"phase"`
	Selected int                  `json:"selected"`
	Dirty    bool                 `json:"dirty"`
}

type AnnotationEventPayload struct {
	Index      int               `json:"index"`
	Annotation engine.Annotation `json:"annotation"`
}

type SavedPayload struct {
	ImageID int64   `json:"imageId"`
	IDs     []int64 `json:"ids"`
}

// ImportPayload carries a Labelme document that replaces the current set.
type ImportPayload struct {
	Document json.RawMessage `json:"document"`
}

type ExportResultPayload struct {
	Document *document.Document `json:"document"`
}

func newMessage(typ string, payload any) *Message {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal payload", "error", err, "type", typ)
		return nil
	}
	return &Message{Type: typ, Payload: data}
}
