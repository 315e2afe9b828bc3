package engine

import (
	"math"
	"testing"
)

const eps = 1e-9

func near(a, b float64) bool { return math.Abs(a-b) < eps }

func TestViewportInverse(t *testing.T) {
	tests := []struct {
		name          string
		scale, ox, oy float64
	}{
		{"identity", 1, 0, 0},
		{"zoomed in", 3.7, 12.5, -40},
		{"zoomed out", 0.13, 900, 15},
		{"fractional", 1.1 * 1.1 * 1.1, -0.25, 0.75},
	}
	points := []Point{{0, 0}, {10, 10}, {-3.5, 1200.25}, {1e4, -1e3}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Viewport{Scale: tt.scale, OffsetX: tt.ox, OffsetY: tt.oy}
			for _, p := range points {
				sx, sy := v.ScreenFromWorld(p.X, p.Y)
				wx, wy := v.WorldFromScreen(sx, sy)
				if math.Abs(wx-p.X) > 1e-6 || math.Abs(wy-p.Y) > 1e-6 {
					t.Errorf("round trip of %v: got (%v, %v)", p, wx, wy)
				}
			}
		})
	}
}

func TestFitToContainer(t *testing.T) {
	v := NewViewport()
	v.FitToContainer(1000, 500, 800, 600)

	wantScale := 0.8 * FitMargin
	if !near(v.Scale, wantScale) {
		t.Fatalf("scale: got %v, want %v", v.Scale, wantScale)
	}
	if !near(v.OffsetX, (800-1000*wantScale)/2) || !near(v.OffsetY, (600-500*wantScale)/2) {
		t.Errorf("image not centred: offset (%v, %v)", v.OffsetX, v.OffsetY)
	}
}

func TestFitToContainer_IgnoresEmptySizes(t *testing.T) {
	v := NewViewport()
	v.FitToContainer(0, 100, 800, 600)
	if v.Scale != 1 || v.OffsetX != 0 || v.OffsetY != 0 {
		t.Errorf("expected untouched viewport, got %+v", v)
	}
}

func TestZoomAtKeepsPointerFixed(t *testing.T) {
	v := Viewport{Scale: 0.8, OffsetX: 30, OffsetY: -12}
	px, py := 217.0, 388.0
	beforeX, beforeY := v.WorldFromScreen(px, py)

	for i, dir := range []int{1, 1, -1, 1, -1, -1, -1} {
		if !v.ZoomAt(px, py, dir) {
			t.Fatalf("step %d: zoom rejected at scale %v", i, v.Scale)
		}
		wx, wy := v.WorldFromScreen(px, py)
		if math.Abs(wx-beforeX) > 1e-6 || math.Abs(wy-beforeY) > 1e-6 {
			t.Fatalf("step %d: world point moved from (%v, %v) to (%v, %v)", i, beforeX, beforeY, wx, wy)
		}
	}
}

func TestZoomAtBounds(t *testing.T) {
	v := Viewport{Scale: MaxScale / 1.05}
	if v.ZoomAt(0, 0, 1) {
		t.Errorf("zoom past MaxScale should be ignored, scale now %v", v.Scale)
	}
	if !near(v.Scale, MaxScale/1.05) {
		t.Errorf("scale changed on rejected zoom: %v", v.Scale)
	}

	v = Viewport{Scale: MinScale * 1.05}
	if v.ZoomAt(0, 0, -1) {
		t.Errorf("zoom below MinScale should be ignored, scale now %v", v.Scale)
	}
	if v.ZoomAt(0, 0, 0) {
		t.Error("zero direction should be a no-op")
	}
}

func TestResizeRefitsOnlyUntouchedViewport(t *testing.T) {
	v := NewViewport()
	v.FitToContainer(100, 100, 200, 200)
	v.Resize(400, 400)
	if !near(v.Scale, 4*FitMargin) {
		t.Fatalf("untouched viewport should re-fit, scale %v", v.Scale)
	}

	v.PanBy(10, 0)
	scale, ox := v.Scale, v.OffsetX
	v.Resize(100, 100)
	if v.Scale != scale || v.OffsetX != ox {
		t.Errorf("panned viewport was re-fitted on resize: %+v", v)
	}

	// A fresh fit (new image) resets the touched flag.
	v.FitToContainer(100, 100, 100, 100)
	v.Resize(200, 200)
	if !near(v.Scale, 2*FitMargin) {
		t.Errorf("expected re-fit after new image load, scale %v", v.Scale)
	}
}

func TestToleranceInWorld(t *testing.T) {
	v := Viewport{Scale: 2}
	if got := v.ToleranceInWorld(20); got != 10 {
		t.Errorf("got %v, want 10", got)
	}
}
