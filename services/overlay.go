package services

import (
	"sync"
	"time"

	"github.com/presencepro/tracker/models"
)

// Overlay is the set of boxes currently drawn over the preview. Every
// accepted response replaces it completely.
type Overlay struct {
	mu        sync.RWMutex
	boxes     []models.DetectionBox
	count     int
	updatedAt time.Time
}

type OverlaySnapshot struct {
	Boxes     []models.DetectionBox `json:"boxes"`
	Count     int                   `json:"count"`
	UpdatedAt time.Time             `json:"updated_at"`
}

func (o *Overlay) Replace(boxes []models.DetectionBox, count int) {
	o.mu.Lock()
	o.boxes = boxes
	o.count = count
	o.updatedAt = time.Now()
	o.mu.Unlock()
}

func (o *Overlay) Clear() {
	o.Replace(nil, 0)
}

func (o *Overlay) Snapshot() OverlaySnapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	boxes := make([]models.DetectionBox, len(o.boxes))
	copy(boxes, o.boxes)
	return OverlaySnapshot{Boxes: boxes, Count: o.count, UpdatedAt: o.updatedAt}
}

func boxFromBBox(b models.BBox, proj Projection) models.DetectionBox {
	r := proj.ToScreen(b.Region())
	return models.DetectionBox{X: r.X, Y: r.Y, Width: r.Width, Height: r.Height}
}

// personBoxes projects detection-mode results, skipping malformed boxes.
func personBoxes(persons []models.PersonDetection, proj Projection, color string) []models.DetectionBox {
	boxes := make([]models.DetectionBox, 0, len(persons))
	for _, p := range persons {
		if !p.BBox.Valid() {
			continue
		}
		box := boxFromBBox(p.BBox, proj)
		box.Score = p.Score
		box.Color = color
		boxes = append(boxes, box)
	}
	return boxes
}

// trackedBoxes projects tracking-mode results, colored by door membership.
func trackedBoxes(dets []models.TrackedDetection, proj Projection, inDoor, outDoor string) []models.DetectionBox {
	boxes := make([]models.DetectionBox, 0, len(dets))
	for _, d := range dets {
		if !d.BBox.Valid() {
			continue
		}
		box := boxFromBBox(d.BBox, proj)
		box.Score = d.Score
		box.TrackID = d.TrackID
		box.InDoor = d.InDoor
		box.Color = outDoor
		if d.InDoor {
			box.Color = inDoor
		}
		boxes = append(boxes, box)
	}
	return boxes
}
