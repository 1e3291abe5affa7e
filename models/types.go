package models

import (
	"encoding/json"
	"math"
	"time"
)

// CaptureFrame is one encoded still image taken from the active capture source.
type CaptureFrame struct {
	Data       []byte    `json:"-"`
	MIMEType   string    `json:"mime_type"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	CapturedAt time.Time `json:"captured_at"`
}

// Point is a position in screen space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is an axis-aligned rectangle in screen space.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Viewport is the size of the preview surface the overlay is drawn on.
type Viewport struct {
	Width  float64 `json:"width" validate:"gt=0"`
	Height float64 `json:"height" validate:"gt=0"`
}

// DetectionBox is one overlay rectangle, already projected to screen space.
type DetectionBox struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Width   float64 `json:"width"`
	Height  float64 `json:"height"`
	Score   float64 `json:"score,omitempty"`
	TrackID *int    `json:"track_id,omitempty"`
	InDoor  bool    `json:"in_door"`
	Color   string  `json:"color"`
}

// DoorRegion is the door rectangle in source-image pixel coordinates.
type DoorRegion struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// PixelBounds is a DoorRegion rounded to whole pixels, as sent to the backend.
type PixelBounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func (d DoorRegion) Valid() bool {
	return d.X2 > d.X1 && d.Y2 > d.Y1
}

func (d DoorRegion) Width() float64  { return d.X2 - d.X1 }
func (d DoorRegion) Height() float64 { return d.Y2 - d.Y1 }
func (d DoorRegion) Area() float64   { return d.Width() * d.Height() }

// Bounds rounds the region to integer pixels while keeping x2 > x1 and y2 > y1.
func (d DoorRegion) Bounds() PixelBounds {
	b := PixelBounds{
		X1: int(math.Round(d.X1)),
		Y1: int(math.Round(d.Y1)),
		X2: int(math.Round(d.X2)),
		Y2: int(math.Round(d.Y2)),
	}
	if b.X2 <= b.X1 {
		b.X2 = b.X1 + 1
	}
	if b.Y2 <= b.Y1 {
		b.Y2 = b.Y1 + 1
	}
	return b
}

// TrackingStats are the cumulative counters reported by the backend.
type TrackingStats struct {
	Entradas       int `json:"entradas"`
	Salidas        int `json:"salidas"`
	PersonasDentro int `json:"personas_dentro"`
}

// Report is the persisted summary of one finished tracking session.
type Report struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	Count            int       `json:"count"`
	Entradas         int       `json:"entradas"`
	Salidas          int       `json:"salidas"`
	Confidence       *float64  `json:"confidence,omitempty"`
	ImageURI         string    `json:"imageUri,omitempty"`
	Comment          string    `json:"comment"`
	SessionID        string    `json:"session_id,omitempty"`
	Inicio           time.Time `json:"inicio"`
	Fin              time.Time `json:"fin"`
	DuracionSegundos int       `json:"duracion_segundos"`
	Status           string    `json:"status"`
}

// BBox is a backend bounding box [x1, y1, x2, y2] in source pixels. Some
// backend versions wrap it in one extra array; both shapes decode. Boxes
// with fewer than four coordinates decode as invalid rather than failing
// the whole response.
type BBox []float64

func (b *BBox) UnmarshalJSON(data []byte) error {
	var flat []float64
	if err := json.Unmarshal(data, &flat); err == nil {
		*b = flat
		return nil
	}
	var nested [][]float64
	if err := json.Unmarshal(data, &nested); err == nil && len(nested) > 0 {
		*b = nested[0]
		return nil
	}
	*b = nil
	return nil
}

func (b BBox) Valid() bool {
	return len(b) >= 4
}

// Region returns the box as a normalized DoorRegion.
func (b BBox) Region() DoorRegion {
	return DoorRegion{
		X1: math.Min(b[0], b[2]),
		Y1: math.Min(b[1], b[3]),
		X2: math.Max(b[0], b[2]),
		Y2: math.Max(b[1], b[3]),
	}
}

type PersonDetection struct {
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
}

// PersonsResponse is the body of POST /predict/persons.
type PersonsResponse struct {
	Persons     []PersonDetection `json:"persons"`
	PersonCount int               `json:"person_count"`
}

type DoorDetection struct {
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
}

// DoorsResponse is the body of POST /predict/doors.
type DoorsResponse struct {
	Doors []DoorDetection `json:"doors"`
}

// SessionStartResponse is the body of POST /predict/tracking/session/start.
type SessionStartResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	Message   string `json:"message,omitempty"`
}

type FrameStatistics struct {
	Entradas       int `json:"entradas_acumuladas"`
	Salidas        int `json:"salidas_acumuladas"`
	PersonasDentro int `json:"personas_dentro_actual"`
}

type TrackedDetection struct {
	BBox    BBox    `json:"bbox"`
	TrackID *int    `json:"track_id"`
	InDoor  bool    `json:"in_door"`
	Score   float64 `json:"score,omitempty"`
}

// FrameResponse is the body of POST /predict/tracking/frame.
type FrameResponse struct {
	Success           *bool              `json:"success,omitempty"`
	Error             string             `json:"error,omitempty"`
	Statistics        FrameStatistics    `json:"statistics"`
	CurrentDetections []TrackedDetection `json:"current_detections"`
}

func (s FrameStatistics) Stats() TrackingStats {
	return TrackingStats{
		Entradas:       nonNegative(s.Entradas),
		Salidas:        nonNegative(s.Salidas),
		PersonasDentro: nonNegative(s.PersonasDentro),
	}
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
