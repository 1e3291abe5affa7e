package services

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/presencepro/tracker/models"
)

type fakeDoorDetector struct {
	doors []models.DoorDetection
	err   error
}

func (d *fakeDoorDetector) DetectDoors(ctx context.Context, frame *models.CaptureFrame) ([]models.DoorDetection, error) {
	return d.doors, d.err
}

func closeTo(a, b float64) bool {
	return math.Abs(a-b) <= 1e-6*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

func sameRegion(a, b models.DoorRegion) bool {
	return closeTo(a.X1, b.X1) && closeTo(a.Y1, b.Y1) && closeTo(a.X2, b.X2) && closeTo(a.Y2, b.Y2)
}

func TestAutoDetectPicksLargest(t *testing.T) {
	det := &fakeDoorDetector{doors: []models.DoorDetection{
		{BBox: models.BBox{0, 0, 10, 10}, Score: 0.9},  // area 100
		{BBox: models.BBox{50, 50, 70, 70}, Score: 0.4}, // area 400
	}}
	ed := NewDoorEditor(det)

	region, err := ed.AutoDetect(context.Background(), testFrame(t), models.Viewport{})
	if err != nil {
		t.Fatalf("AutoDetect: %v", err)
	}
	want := models.DoorRegion{X1: 50, Y1: 50, X2: 70, Y2: 70}
	if region != want {
		t.Errorf("region = %+v, want %+v", region, want)
	}
	cur, ok := ed.Current()
	if !ok || cur != want {
		t.Errorf("committed = %+v, %v", cur, ok)
	}
	if st := ed.State(); st.Origin != "auto" {
		t.Errorf("origin = %q", st.Origin)
	}
}

func TestAutoDetectNoDoors(t *testing.T) {
	ed := NewDoorEditor(&fakeDoorDetector{})
	if _, err := ed.AutoDetect(context.Background(), testFrame(t), models.Viewport{}); !errors.Is(err, ErrNoDoorsFound) {
		t.Fatalf("AutoDetect = %v, want ErrNoDoorsFound", err)
	}
	if _, ok := ed.Current(); ok {
		t.Error("a region was committed")
	}
}

func TestAutoDetectKeepsRegionOnFailure(t *testing.T) {
	det := &fakeDoorDetector{}
	ed := NewDoorEditor(det)
	ed.Set(testDoor, Projection{})

	det.err = &NetworkError{Op: "detect doors", Err: errors.New("refused")}
	if _, err := ed.AutoDetect(context.Background(), testFrame(t), models.Viewport{}); !IsNetworkFailure(err) {
		t.Fatalf("AutoDetect = %v, want network failure", err)
	}
	if cur, _ := ed.Current(); cur != testDoor {
		t.Errorf("region changed to %+v", cur)
	}
}

func TestSelectLargest(t *testing.T) {
	tests := []struct {
		name  string
		doors []models.DoorDetection
		want  models.DoorRegion
		ok    bool
	}{
		{"empty", nil, models.DoorRegion{}, false},
		{
			"tie keeps first",
			[]models.DoorDetection{{BBox: models.BBox{0, 0, 10, 20}}, {BBox: models.BBox{5, 5, 25, 15}}},
			models.DoorRegion{X1: 0, Y1: 0, X2: 10, Y2: 20}, true,
		},
		{
			"skips malformed",
			[]models.DoorDetection{{BBox: models.BBox{1, 2, 3}}, {BBox: models.BBox{4, 4, 4, 9}}, {BBox: models.BBox{0, 0, 2, 2}}},
			models.DoorRegion{X1: 0, Y1: 0, X2: 2, Y2: 2}, true,
		},
		{
			"normalizes reversed corners",
			[]models.DoorDetection{{BBox: models.BBox{30, 40, 10, 5}}},
			models.DoorRegion{X1: 10, Y1: 5, X2: 30, Y2: 40}, true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectLargest(tt.doors)
			if ok != tt.ok || got != tt.want {
				t.Errorf("SelectLargest = %+v, %v; want %+v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestManualDrawAnyDirection(t *testing.T) {
	proj := NewProjection(640, 480, models.Viewport{Width: 320, Height: 240})
	draw := func(from, to models.Point) models.DoorRegion {
		ed := NewDoorEditor(&fakeDoorDetector{})
		ed.BeginManualDraw(from, proj)
		if _, err := ed.Drag(to); err != nil {
			t.Fatalf("Drag: %v", err)
		}
		r, err := ed.Commit()
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		return r
	}

	forward := draw(models.Point{X: 10, Y: 20}, models.Point{X: 110, Y: 170})
	backward := draw(models.Point{X: 110, Y: 170}, models.Point{X: 10, Y: 20})
	mixed := draw(models.Point{X: 110, Y: 20}, models.Point{X: 10, Y: 170})

	want := models.DoorRegion{X1: 20, Y1: 40, X2: 220, Y2: 340}
	for name, got := range map[string]models.DoorRegion{"forward": forward, "backward": backward, "mixed": mixed} {
		if !sameRegion(got, want) {
			t.Errorf("%s = %+v, want %+v", name, got, want)
		}
		if !(got.X1 < got.X2 && got.Y1 < got.Y2) {
			t.Errorf("%s not normalized: %+v", name, got)
		}
	}
}

func TestManualDrawDegenerate(t *testing.T) {
	ed := NewDoorEditor(&fakeDoorDetector{})
	ed.Set(testDoor, Projection{})

	ed.BeginManualDraw(models.Point{X: 50, Y: 50}, Projection{})
	ed.Drag(models.Point{X: 50, Y: 120})
	if _, err := ed.Commit(); !errors.Is(err, ErrInvalidRegion) {
		t.Fatalf("Commit = %v, want ErrInvalidRegion", err)
	}
	if cur, _ := ed.Current(); cur != testDoor {
		t.Errorf("region replaced by degenerate draw: %+v", cur)
	}
}

func TestManualDrawWithoutBegin(t *testing.T) {
	ed := NewDoorEditor(&fakeDoorDetector{})
	if _, err := ed.Drag(models.Point{X: 1, Y: 1}); !errors.Is(err, ErrNoDraw) {
		t.Errorf("Drag = %v, want ErrNoDraw", err)
	}
	if _, err := ed.Commit(); !errors.Is(err, ErrNoDraw) {
		t.Errorf("Commit = %v, want ErrNoDraw", err)
	}
	ed.BeginManualDraw(models.Point{}, Projection{})
	ed.CancelDraw()
	if _, err := ed.Commit(); !errors.Is(err, ErrNoDraw) {
		t.Errorf("Commit after cancel = %v, want ErrNoDraw", err)
	}
}

func TestManualDrawClampedToSource(t *testing.T) {
	proj := NewProjection(640, 480, models.Viewport{Width: 320, Height: 240})
	ed := NewDoorEditor(&fakeDoorDetector{})
	ed.BeginManualDraw(models.Point{X: -30, Y: 100}, proj)
	ed.Drag(models.Point{X: 400, Y: 300})
	r, err := ed.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	want := models.DoorRegion{X1: 0, Y1: 200, X2: 640, Y2: 480}
	if !sameRegion(r, want) {
		t.Errorf("region = %+v, want %+v", r, want)
	}
}

func TestProjectionRoundTrip(t *testing.T) {
	projections := []Projection{
		NewProjection(640, 480, models.Viewport{Width: 390, Height: 292.5}),
		NewProjection(1920, 1080, models.Viewport{Width: 375, Height: 667}),
		NewProjection(1280, 720, models.Viewport{Width: 1280, Height: 720}),
		NewProjection(0, 0, models.Viewport{Width: 300, Height: 200}),
	}
	regions := []models.DoorRegion{
		testDoor,
		{X1: 0.5, Y1: 0.25, X2: 639.75, Y2: 479.5},
		{X1: 123.456, Y1: 78.9, X2: 321.0987, Y2: 400.001},
	}
	for _, p := range projections {
		for _, r := range regions {
			back := p.ToSource(p.ToScreen(r))
			if !sameRegion(back, r) {
				t.Errorf("%+v: %+v -> %+v", p, r, back)
			}
		}
	}
}

func TestProjectionScalesPerAxis(t *testing.T) {
	p := NewProjection(640, 480, models.Viewport{Width: 320, Height: 480})
	got := p.ToScreen(models.DoorRegion{X1: 100, Y1: 100, X2: 200, Y2: 300})
	want := models.Rect{X: 50, Y: 100, Width: 50, Height: 200}
	if got != want {
		t.Errorf("ToScreen = %+v, want %+v", got, want)
	}
	x, y := p.PointToSource(models.Point{X: 10, Y: 10})
	if x != 20 || y != 10 {
		t.Errorf("PointToSource = %v, %v", x, y)
	}
}

func TestMoveClampsInsideImage(t *testing.T) {
	proj := NewProjection(640, 480, models.Viewport{Width: 320, Height: 240})
	ed := NewDoorEditor(&fakeDoorDetector{})
	ed.Set(models.DoorRegion{X1: 100, Y1: 100, X2: 300, Y2: 400}, proj)

	r, err := ed.Move(10, -5)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if !sameRegion(r, models.DoorRegion{X1: 120, Y1: 90, X2: 320, Y2: 390}) {
		t.Errorf("moved = %+v", r)
	}

	r, _ = ed.Move(-1000, 1000)
	if !sameRegion(r, models.DoorRegion{X1: 0, Y1: 180, X2: 200, Y2: 480}) {
		t.Errorf("clamped = %+v", r)
	}
}

func TestResizeCorners(t *testing.T) {
	proj := NewProjection(640, 480, models.Viewport{Width: 320, Height: 240})
	start := models.DoorRegion{X1: 100, Y1: 100, X2: 300, Y2: 400}

	tests := []struct {
		corner Corner
		dx, dy float64
		want   models.DoorRegion
	}{
		// Screen deltas are halved, then scaled x2 back to source.
		{BottomRight, 20, 10, models.DoorRegion{X1: 100, Y1: 100, X2: 320, Y2: 410}},
		{TopLeft, 20, 10, models.DoorRegion{X1: 120, Y1: 110, X2: 300, Y2: 400}},
		{TopRight, -20, -10, models.DoorRegion{X1: 100, Y1: 90, X2: 280, Y2: 400}},
		{BottomLeft, -20, 10, models.DoorRegion{X1: 80, Y1: 100, X2: 300, Y2: 410}},
		// Shrinking stops at the minimum box size (40 screen px = 80 source px).
		{BottomRight, -1000, -1000, models.DoorRegion{X1: 100, Y1: 100, X2: 180, Y2: 180}},
		// Growing stops at the image edge.
		{TopLeft, -1000, -1000, models.DoorRegion{X1: 0, Y1: 0, X2: 300, Y2: 400}},
	}
	for _, tt := range tests {
		ed := NewDoorEditor(&fakeDoorDetector{})
		ed.Set(start, proj)
		got, err := ed.Resize(tt.corner, tt.dx, tt.dy)
		if err != nil {
			t.Fatalf("Resize(%s): %v", tt.corner, err)
		}
		if !sameRegion(got, tt.want) {
			t.Errorf("Resize(%s, %v, %v) = %+v, want %+v", tt.corner, tt.dx, tt.dy, got, tt.want)
		}
	}
}

func TestResizeWithoutRegion(t *testing.T) {
	ed := NewDoorEditor(&fakeDoorDetector{})
	if _, err := ed.Resize(TopLeft, 1, 1); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Resize = %v", err)
	}
	if _, err := ed.Move(1, 1); !errors.Is(err, ErrInvalidRegion) {
		t.Errorf("Move = %v", err)
	}
	ed.Set(testDoor, Projection{})
	if _, err := ed.Resize("middle", 1, 1); err == nil {
		t.Error("unknown corner accepted")
	}
}

func TestPlaceholder(t *testing.T) {
	got := Placeholder(640, 480)
	want := models.DoorRegion{X1: 220, Y1: 90, X2: 420, Y2: 390}
	if got != want {
		t.Errorf("Placeholder = %+v, want %+v", got, want)
	}
	small := Placeholder(100, 100)
	if small != (models.DoorRegion{X1: 0, Y1: 0, X2: 100, Y2: 100}) {
		t.Errorf("small Placeholder = %+v", small)
	}
}
