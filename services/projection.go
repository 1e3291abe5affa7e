package services

import (
	"sync"

	"github.com/presencepro/tracker/models"
)

// Projection maps source-image pixels to screen space with an independent
// scale per axis. With no screen size it is the identity.
type Projection struct {
	SourceWidth  float64 `json:"source_width"`
	SourceHeight float64 `json:"source_height"`
	ScreenWidth  float64 `json:"screen_width"`
	ScreenHeight float64 `json:"screen_height"`
}

func NewProjection(sourceWidth, sourceHeight int, vp models.Viewport) Projection {
	return Projection{
		SourceWidth:  float64(sourceWidth),
		SourceHeight: float64(sourceHeight),
		ScreenWidth:  vp.Width,
		ScreenHeight: vp.Height,
	}
}

func (p Projection) scaleX() float64 {
	if p.SourceWidth <= 0 || p.ScreenWidth <= 0 {
		return 1
	}
	return p.ScreenWidth / p.SourceWidth
}

func (p Projection) scaleY() float64 {
	if p.SourceHeight <= 0 || p.ScreenHeight <= 0 {
		return 1
	}
	return p.ScreenHeight / p.SourceHeight
}

// ToScreen projects a source region to a screen rectangle.
func (p Projection) ToScreen(d models.DoorRegion) models.Rect {
	sx, sy := p.scaleX(), p.scaleY()
	return models.Rect{
		X:      d.X1 * sx,
		Y:      d.Y1 * sy,
		Width:  (d.X2 - d.X1) * sx,
		Height: (d.Y2 - d.Y1) * sy,
	}
}

// ToSource is the exact inverse of ToScreen.
func (p Projection) ToSource(r models.Rect) models.DoorRegion {
	sx, sy := p.scaleX(), p.scaleY()
	return models.DoorRegion{
		X1: r.X / sx,
		Y1: r.Y / sy,
		X2: (r.X + r.Width) / sx,
		Y2: (r.Y + r.Height) / sy,
	}
}

// PointToSource converts a screen point to source pixels.
func (p Projection) PointToSource(pt models.Point) (float64, float64) {
	return pt.X / p.scaleX(), pt.Y / p.scaleY()
}

// Screen holds the current preview surface size shared by the loops.
type Screen struct {
	mu sync.RWMutex
	vp models.Viewport
}

func NewScreen(vp models.Viewport) *Screen {
	return &Screen{vp: vp}
}

func (s *Screen) Set(vp models.Viewport) {
	s.mu.Lock()
	s.vp = vp
	s.mu.Unlock()
}

func (s *Screen) Viewport() models.Viewport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vp
}

// Project builds the projection for a frame of the given source size.
func (s *Screen) Project(sourceWidth, sourceHeight int) Projection {
	return NewProjection(sourceWidth, sourceHeight, s.Viewport())
}
