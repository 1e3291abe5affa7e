package services

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/presencepro/tracker/models"
)

// DoorDetector finds door candidates in a frame.
type DoorDetector interface {
	DetectDoors(ctx context.Context, frame *models.CaptureFrame) ([]models.DoorDetection, error)
}

// Corner names a resize handle of the door box.
type Corner string

const (
	TopLeft     Corner = "topLeft"
	TopRight    Corner = "topRight"
	BottomLeft  Corner = "bottomLeft"
	BottomRight Corner = "bottomRight"
)

const (
	moveSensitivity   = 1.0
	resizeSensitivity = 0.5
	// minBoxSize is the smallest edge of the door box in screen pixels.
	minBoxSize = 40.0

	placeholderWidth  = 200.0
	placeholderHeight = 300.0
)

// DoorEditor holds the door region under construction or committed. The
// region is always kept in source-image pixels; the projection records
// which screen it was drawn on.
type DoorEditor struct {
	detector DoorDetector

	mu      sync.Mutex
	region  *models.DoorRegion
	proj    Projection
	origin  string
	drawing bool
	start   models.Point
	end     models.Point
	drawP   Projection
}

// DoorState is a read-only view of the editor.
type DoorState struct {
	Region     *models.DoorRegion  `json:"region"`
	Bounds     *models.PixelBounds `json:"bounds,omitempty"`
	Screen     *models.Rect        `json:"screen,omitempty"`
	Projection Projection          `json:"projection"`
	Origin     string              `json:"origin,omitempty"`
	Drawing    bool                `json:"drawing"`
	Preview    *models.Rect        `json:"preview,omitempty"`
}

func NewDoorEditor(detector DoorDetector) *DoorEditor {
	return &DoorEditor{detector: detector}
}

// BeginManualDraw starts a drag at p, in screen coordinates of proj.
func (e *DoorEditor) BeginManualDraw(p models.Point, proj Projection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drawing = true
	e.start = p
	e.end = p
	e.drawP = proj
}

// Drag moves the free corner of the drag and returns the normalized preview.
func (e *DoorEditor) Drag(p models.Point) (models.Rect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drawing {
		return models.Rect{}, ErrNoDraw
	}
	e.end = p
	return NormalizeRect(e.start, e.end), nil
}

// Commit ends the drag and replaces the current region with it.
func (e *DoorEditor) Commit() (models.DoorRegion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.drawing {
		return models.DoorRegion{}, ErrNoDraw
	}
	e.drawing = false

	region := clampToSource(e.drawP.ToSource(NormalizeRect(e.start, e.end)), e.drawP)
	if !region.Valid() {
		return models.DoorRegion{}, ErrInvalidRegion
	}
	e.setLocked(region, e.drawP, "manual")
	return region, nil
}

// CancelDraw abandons a drag without touching the current region.
func (e *DoorEditor) CancelDraw() {
	e.mu.Lock()
	e.drawing = false
	e.mu.Unlock()
}

// AutoDetect asks the backend for door candidates in frame and takes the
// largest one. The current region is left unchanged on failure.
func (e *DoorEditor) AutoDetect(ctx context.Context, frame *models.CaptureFrame, vp models.Viewport) (models.DoorRegion, error) {
	doors, err := e.detector.DetectDoors(ctx, frame)
	if err != nil {
		return models.DoorRegion{}, fmt.Errorf("detecting doors: %w", err)
	}
	region, ok := SelectLargest(doors)
	if !ok {
		return models.DoorRegion{}, ErrNoDoorsFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLocked(region, NewProjection(frame.Width, frame.Height, vp), "auto")
	return region, nil
}

// Set replaces the region wholesale.
func (e *DoorEditor) Set(region models.DoorRegion, proj Projection) error {
	if !region.Valid() {
		return ErrInvalidRegion
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setLocked(region, proj, "manual")
	return nil
}

func (e *DoorEditor) setLocked(region models.DoorRegion, proj Projection, origin string) {
	r := region
	e.region = &r
	e.proj = proj
	e.origin = origin
}

// Current returns the committed region, if any.
func (e *DoorEditor) Current() (models.DoorRegion, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.region == nil {
		return models.DoorRegion{}, false
	}
	return *e.region, true
}

func (e *DoorEditor) Clear() {
	e.mu.Lock()
	e.region = nil
	e.origin = ""
	e.drawing = false
	e.mu.Unlock()
}

func (e *DoorEditor) State() DoorState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := DoorState{Projection: e.proj, Origin: e.origin, Drawing: e.drawing}
	if e.region != nil {
		r := *e.region
		b := r.Bounds()
		s := e.proj.ToScreen(r)
		st.Region, st.Bounds, st.Screen = &r, &b, &s
	}
	if e.drawing {
		p := NormalizeRect(e.start, e.end)
		st.Preview = &p
	}
	return st
}

// Move shifts the committed region by a screen-space delta, keeping it
// inside the source image.
func (e *DoorEditor) Move(dx, dy float64) (models.DoorRegion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.region == nil {
		return models.DoorRegion{}, ErrInvalidRegion
	}
	box := e.proj.ToScreen(*e.region)
	maxW, maxH := screenLimits(e.proj)

	box.X = clamp(box.X+dx*moveSensitivity, 0, math.Max(0, maxW-box.Width))
	box.Y = clamp(box.Y+dy*moveSensitivity, 0, math.Max(0, maxH-box.Height))

	region := clampToSource(e.proj.ToSource(box), e.proj)
	e.setLocked(region, e.proj, e.origin)
	return region, nil
}

// Resize drags one corner of the committed region by a screen-space delta.
// Edges never shrink below the minimum box size nor leave the source image.
func (e *DoorEditor) Resize(corner Corner, dx, dy float64) (models.DoorRegion, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.region == nil {
		return models.DoorRegion{}, ErrInvalidRegion
	}
	box := e.proj.ToScreen(*e.region)
	maxW, maxH := screenLimits(e.proj)
	dx *= resizeSensitivity
	dy *= resizeSensitivity

	left, top := box.X, box.Y
	right, bottom := box.X+box.Width, box.Y+box.Height
	switch corner {
	case TopLeft:
		left = clamp(left+dx, 0, right-minBoxSize)
		top = clamp(top+dy, 0, bottom-minBoxSize)
	case TopRight:
		right = clamp(right+dx, left+minBoxSize, maxW)
		top = clamp(top+dy, 0, bottom-minBoxSize)
	case BottomLeft:
		left = clamp(left+dx, 0, right-minBoxSize)
		bottom = clamp(bottom+dy, top+minBoxSize, maxH)
	case BottomRight:
		right = clamp(right+dx, left+minBoxSize, maxW)
		bottom = clamp(bottom+dy, top+minBoxSize, maxH)
	default:
		return models.DoorRegion{}, fmt.Errorf("unknown corner %q", corner)
	}

	box = models.Rect{X: left, Y: top, Width: right - left, Height: bottom - top}
	region := clampToSource(e.proj.ToSource(box), e.proj)
	if !region.Valid() {
		return models.DoorRegion{}, ErrInvalidRegion
	}
	e.setLocked(region, e.proj, e.origin)
	return region, nil
}

// SelectLargest returns the candidate with the greatest area. The first
// candidate wins ties; malformed boxes are skipped.
func SelectLargest(doors []models.DoorDetection) (models.DoorRegion, bool) {
	var best models.DoorRegion
	found := false
	for _, d := range doors {
		if !d.BBox.Valid() {
			continue
		}
		r := d.BBox.Region()
		if !r.Valid() {
			continue
		}
		if !found || r.Area() > best.Area() {
			best = r
			found = true
		}
	}
	return best, found
}

// NormalizeRect builds the rectangle spanned by two corners in any order.
func NormalizeRect(a, b models.Point) models.Rect {
	return models.Rect{
		X:      math.Min(a.X, b.X),
		Y:      math.Min(a.Y, b.Y),
		Width:  math.Abs(b.X - a.X),
		Height: math.Abs(b.Y - a.Y),
	}
}

// Placeholder is a centered 200x300 door used when nothing was detected.
func Placeholder(sourceWidth, sourceHeight int) models.DoorRegion {
	w := math.Min(placeholderWidth, float64(sourceWidth))
	h := math.Min(placeholderHeight, float64(sourceHeight))
	x1 := (float64(sourceWidth) - w) / 2
	y1 := (float64(sourceHeight) - h) / 2
	return models.DoorRegion{X1: x1, Y1: y1, X2: x1 + w, Y2: y1 + h}
}

func screenLimits(p Projection) (float64, float64) {
	w, h := math.Inf(1), math.Inf(1)
	if p.SourceWidth > 0 {
		w = p.SourceWidth * p.scaleX()
	}
	if p.SourceHeight > 0 {
		h = p.SourceHeight * p.scaleY()
	}
	return w, h
}

// clampToSource keeps a region within the source image when its size is known.
func clampToSource(r models.DoorRegion, p Projection) models.DoorRegion {
	if p.SourceWidth > 0 {
		r.X1 = clamp(r.X1, 0, p.SourceWidth)
		r.X2 = clamp(r.X2, 0, p.SourceWidth)
	}
	if p.SourceHeight > 0 {
		r.Y1 = clamp(r.Y1, 0, p.SourceHeight)
		r.Y2 = clamp(r.Y2, 0, p.SourceHeight)
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	if hi < lo {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
