package engine

import "math"

const (
	MinScale  = 0.1
	MaxScale  = 5.0
	ZoomStep  = 1.1
	FitMargin = 0.9
	PanStep   = 50.0
)

// Viewport maps image (world) coordinates to screen coordinates.
// screen = world*Scale + Offset.
type Viewport struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"x"`
	OffsetY float64 `json:"y"`

	containerW, containerH float64
	imageW, imageH         float64

	// touched is set once the user pans or zooms after a fit, so container
	// resizes stop re-fitting the image.
	touched bool
}

// NewViewport returns an identity viewport.
func NewViewport() Viewport {
	return Viewport{Scale: 1}
}

// Matrix returns the forward (world to screen) transform.
func (v *Viewport) Matrix() Matrix2D {
	return Scale(v.Scale, v.Scale).Then(Translate(v.OffsetX, v.OffsetY))
}

// ScreenFromWorld converts an image-space point to a device position.
func (v *Viewport) ScreenFromWorld(x, y float64) (float64, float64) {
	p := v.Matrix().Apply(Point{X: x, Y: y})
	return p.X, p.Y
}

// WorldFromScreen converts a device pointer position to image space.
func (v *Viewport) WorldFromScreen(x, y float64) (float64, float64) {
	inv, ok := v.Matrix().Inverse()
	if !ok {
		return x, y
	}
	p := inv.Apply(Point{X: x, Y: y})
	return p.X, p.Y
}

// ToleranceInWorld converts a screen-pixel distance to world units at the
// current scale.
func (v *Viewport) ToleranceInWorld(px float64) float64 {
	if v.Scale <= 0 {
		return px
	}
	return px / v.Scale
}

// FitToContainer scales the image to fit the container with a margin and
// centres it. Sizes that are not positive leave the viewport unchanged.
func (v *Viewport) FitToContainer(imageW, imageH, containerW, containerH float64) {
	v.imageW, v.imageH = imageW, imageH
	v.containerW, v.containerH = containerW, containerH
	v.fit()
}

func (v *Viewport) fit() {
	if v.imageW <= 0 || v.imageH <= 0 || v.containerW <= 0 || v.containerH <= 0 {
		return
	}

	scale := math.Min(v.containerW/v.imageW, v.containerH/v.imageH) * FitMargin
	v.Scale = scale
	v.OffsetX = (v.containerW - v.imageW*scale) / 2
	v.OffsetY = (v.containerH - v.imageH*scale) / 2
	v.touched = false
}

// Resize records a new container size. The image is re-fitted only while the
// user has not panned or zoomed since the last fit.
func (v *Viewport) Resize(containerW, containerH float64) {
	v.containerW, v.containerH = containerW, containerH
	if !v.touched {
		v.fit()
	}
}

// ZoomAt zooms by one step towards (direction > 0) or away from the screen
// point (px, py), keeping the world point under it fixed. Requests that would
// leave [MinScale, MaxScale] are ignored.
func (v *Viewport) ZoomAt(px, py float64, direction int) bool {
	if direction == 0 {
		return false
	}

	oldScale := v.Scale
	newScale := oldScale / ZoomStep
	if direction > 0 {
		newScale = oldScale * ZoomStep
	}
	if newScale < MinScale || newScale > MaxScale {
		return false
	}

	wx, wy := v.WorldFromScreen(px, py)
	v.Scale = newScale
	v.OffsetX = px - wx*newScale
	v.OffsetY = py - wy*newScale
	v.touched = true
	return true
}

// PanBy translates the viewport offset in screen pixels.
func (v *Viewport) PanBy(dx, dy float64) {
	v.OffsetX += dx
	v.OffsetY += dy
	v.touched = true
}
