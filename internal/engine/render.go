package engine

import (
	"encoding/json"
	"fmt"

	"github.com/lucasb-eyer/go-colorful"
)

// DrawCommand represents a single drawing operation for the frontend to execute
// on a Canvas2D context. Geometry is in world space; Transform maps it to the
// screen.
type DrawCommand struct {
	Op          string        `json:"op"`                    // "image", "path", "circle"
	ObjectID    string        `json:"objectId,omitempty"`    // For hit correlation
	Transform   []float64     `json:"transform,omitempty"`   // [a, b, c, d, e, f] affine matrix
	Path        []PathCommand `json:"path,omitempty"`        // Path data for "path" ops
	X           float64       `json:"x"`                     // Circle centre
	Y           float64       `json:"y"`                     // Circle centre
	Radius      float64       `json:"radius,omitempty"`      // Circle radius
	Fill        string        `json:"fill,omitempty"`        // Fill color
	Stroke      string        `json:"stroke,omitempty"`      // Stroke color
	StrokeWidth float64       `json:"strokeWidth,omitempty"` // Stroke width
	Opacity     float64       `json:"opacity,omitempty"`     // Global alpha
	ImageURL    string        `json:"imageUrl,omitempty"`
	ImageWidth  float64       `json:"imageWidth,omitempty"`
	ImageHeight float64       `json:"imageHeight,omitempty"`
}

// PathCommand represents a single path segment for rendering.
// Format matches Canvas2D: ["M", x, y], ["L", x, y], ["Z"].
type PathCommand []interface{}

// Image describes the raster the annotations are anchored to.
type Image struct {
	ID     int64   `json:"id"`
	URL    string  `json:"url"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Frame is everything the render pass reads.
type Frame struct {
	Viewport   Viewport
	State      State
	Image      *Image
	Tolerances Tolerances
}

const (
	fillAlpha        = 0.2
	draftFillAlpha   = 0.1
	strokePx         = 2.0
	selectedStrokePx = 3.0
	handlePx         = 6.0
	midpointPx       = 4.0
)

// Render produces the draw command list for one frame in painter's order:
// image, committed shapes, in-progress shape, closure indicator, edit handles.
func Render(f Frame) []DrawCommand {
	var commands []DrawCommand
	transform := f.Viewport.Matrix().ToSlice()
	px := f.Viewport.ToleranceInWorld

	if f.Image != nil {
		commands = append(commands, DrawCommand{
			Op:          "image",
			ObjectID:    "image",
			Transform:   transform,
			Opacity:     1,
			ImageURL:    f.Image.URL,
			ImageWidth:  f.Image.Width,
			ImageHeight: f.Image.Height,
		})
	}

	editing := f.State.Tool == ToolEdit
	for i, a := range f.State.Annotations {
		width := px(strokePx)
		if i == f.State.Selected {
			width = px(selectedStrokePx)
		}
		if cmd, ok := shapeCommand(a, fmt.Sprintf("annotation-%d", i), true, fillAlpha, width); ok {
			cmd.Transform = transform
			commands = append(commands, cmd)
		}
	}

	if d := f.State.Draft; d != nil {
		preview := Annotation{Kind: d.Kind, Points: d.Preview(), Color: f.State.color()}
		closed := d.Kind == KindRectangle
		if cmd, ok := shapeCommand(preview, "draft", closed, draftFillAlpha, px(strokePx)); ok {
			cmd.Transform = transform
			commands = append(commands, cmd)
		}
		if d.Kind == KindPolygon {
			first := d.First()
			ring := DrawCommand{
				Op:          "circle",
				ObjectID:    "closure",
				Transform:   transform,
				X:           first.X,
				Y:           first.Y,
				Radius:      px(f.Tolerances.CloseRadius),
				Stroke:      preview.Color,
				StrokeWidth: px(1),
				Opacity:     0.5,
			}
			if d.NearFirst && d.CanClose() {
				ring.Fill = fillColor(preview.Color, 0.3)
				ring.Opacity = 1
			}
			commands = append(commands, ring)
		}
	}

	if a, ok := f.State.SelectedAnnotation(); ok && editing {
		for i, h := range a.Handles() {
			commands = append(commands, DrawCommand{
				Op:          "circle",
				ObjectID:    fmt.Sprintf("handle-%d", i),
				Transform:   transform,
				X:           h.X,
				Y:           h.Y,
				Radius:      px(handlePx),
				Fill:        "white",
				Stroke:      strokeColor(a.Color),
				StrokeWidth: px(strokePx),
				Opacity:     1,
			})
		}
		if mid, ok := SegmentMidpoint(a, f.State.HoveredSegment); ok && a.Kind == KindPolygon {
			commands = append(commands, DrawCommand{
				Op:        "circle",
				ObjectID:  "midpoint",
				Transform: transform,
				X:         mid.X,
				Y:         mid.Y,
				Radius:    px(midpointPx),
				Fill:      strokeColor(a.Color),
				Opacity:   0.6,
			})
		}
	}

	return commands
}

// shapeCommand builds the path command for a polygon or rectangle.
func shapeCommand(a Annotation, id string, closed bool, alpha, strokeWidth float64) (DrawCommand, bool) {
	var path []PathCommand
	switch a.Kind {
	case KindRectangle:
		if len(a.Points) < 4 {
			return DrawCommand{}, false
		}
		r := RectFromCorners(a.Points[0], a.Points[1], a.Points[2], a.Points[3])
		path = []PathCommand{
			{"M", r.X, r.Y},
			{"L", r.X + r.Width, r.Y},
			{"L", r.X + r.Width, r.Y + r.Height},
			{"L", r.X, r.Y + r.Height},
			{"Z"},
		}
	case KindPolygon:
		verts := a.Vertices()
		if len(verts) < 1 {
			return DrawCommand{}, false
		}
		for i, v := range verts {
			op := "L"
			if i == 0 {
				op = "M"
			}
			path = append(path, PathCommand{op, v.X, v.Y})
		}
		if closed {
			path = append(path, PathCommand{"Z"})
		}
	default:
		return DrawCommand{}, false
	}

	return DrawCommand{
		Op:          "path",
		ObjectID:    id,
		Path:        path,
		Fill:        fillColor(a.Color, alpha),
		Stroke:      strokeColor(a.Color),
		StrokeWidth: strokeWidth,
		Opacity:     1,
	}, true
}

// parseColor falls back to DefaultColor for anything go-colorful cannot read.
func parseColor(hex string) colorful.Color {
	c, err := colorful.Hex(hex)
	if err != nil {
		c, _ = colorful.Hex(DefaultColor)
	}
	return c
}

func strokeColor(hex string) string {
	return parseColor(hex).Hex()
}

func fillColor(hex string, alpha float64) string {
	r, g, b := parseColor(hex).RGB255()
	return fmt.Sprintf("rgba(%d, %d, %d, %.2f)", r, g, b, alpha)
}

// ValidColor reports whether s is a #rrggbb or #rgb colour.
func ValidColor(s string) bool {
	_, err := colorful.Hex(s)
	return err == nil
}

// DrawCommandsToJSON serializes draw commands to JSON.
func DrawCommandsToJSON(commands []DrawCommand) (string, error) {
	data, err := json.Marshal(commands)
	if err != nil {
		return "[]", err
	}
	return string(data), nil
}
