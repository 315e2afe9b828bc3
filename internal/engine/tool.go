package engine

import "fmt"

// Tool is the active interaction mode of the canvas.
type Tool int

const (
	ToolPolygon Tool = iota
	ToolRectangle
	ToolMove
	ToolEdit
	ToolBrush
	ToolEraser
)

var toolNames = [...]string{
	ToolPolygon:   "polygon",
	ToolRectangle: "rectangle",
	ToolMove:      "move",
	ToolEdit:      "edit",
	ToolBrush:     "brush",
	ToolEraser:    "rubber",
}

func (t Tool) String() string {
	if t < 0 || int(t) >= len(toolNames) {
		return fmt.Sprintf("Tool(%d)", int(t))
	}
	return toolNames[t]
}

// ParseTool maps a tool identifier to a Tool. "eraser" is accepted as an
// alias of "rubber".
func ParseTool(s string) (Tool, error) {
	if s == "eraser" {
		return ToolEraser, nil
	}
	for i, name := range toolNames {
		if name == s {
			return Tool(i), nil
		}
	}
	return 0, fmt.Errorf("unknown tool %q", s)
}

// ShapeKind returns the durable shape kind the tool draws. Tools that do not
// construct geometry return false.
func (t Tool) ShapeKind() (ShapeKind, bool) {
	switch t {
	case ToolPolygon:
		return KindPolygon, true
	case ToolRectangle:
		return KindRectangle, true
	default:
		return 0, false
	}
}

// toolShortcuts maps single-key shortcuts to tools.
var toolShortcuts = map[string]Tool{
	"q": ToolPolygon,
	"r": ToolRectangle,
	"m": ToolMove,
	"e": ToolEdit,
}
