package services

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/logger"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
)

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encoding test jpeg: %v", err)
	}
	return buf.Bytes()
}

func testFrame(t *testing.T) *models.CaptureFrame {
	t.Helper()
	return &models.CaptureFrame{
		Data:       jpegBytes(t, 64, 48),
		MIMEType:   "image/jpeg",
		Width:      640,
		Height:     480,
		CapturedAt: time.Now(),
	}
}

// fakeCapture returns frame, or err when set.
type fakeCapture struct {
	mu    sync.Mutex
	frame *models.CaptureFrame
	err   error
	calls int
}

func (c *fakeCapture) Snapshot(ctx context.Context) (*models.CaptureFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.frame, nil
}

func (c *fakeCapture) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// fakeBackend scripts the tracking half of the inference backend.
type fakeBackend struct {
	mu        sync.Mutex
	sessionID string
	startErr  error
	startHook func()
	submit    func(n int) (*models.FrameResponse, error)
	closeErr  error

	starts   []models.PixelBounds
	forces   []bool
	closed   []string
	inFlight int
	maxIn    int
}

func (b *fakeBackend) StartSession(ctx context.Context, door models.PixelBounds, params SessionParams) (string, error) {
	b.mu.Lock()
	b.starts = append(b.starts, door)
	hook := b.startHook
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.startErr != nil {
		return "", b.startErr
	}
	return b.sessionID, nil
}

func (b *fakeBackend) SubmitFrame(ctx context.Context, sessionID string, frame *models.CaptureFrame, force bool) (*models.FrameResponse, error) {
	b.mu.Lock()
	b.forces = append(b.forces, force)
	n := len(b.forces)
	b.inFlight++
	if b.inFlight > b.maxIn {
		b.maxIn = b.inFlight
	}
	submit := b.submit
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()
	if submit == nil {
		return &models.FrameResponse{}, nil
	}
	return submit(n)
}

func (b *fakeBackend) CloseSession(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = append(b.closed, sessionID)
	return b.closeErr
}

func (b *fakeBackend) closedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

func (b *fakeBackend) maxInFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxIn
}

func statsResponse(entradas, salidas, dentro int) *models.FrameResponse {
	return &models.FrameResponse{
		Statistics: models.FrameStatistics{Entradas: entradas, Salidas: salidas, PersonasDentro: dentro},
	}
}

// failingKV fails every write.
type failingKV struct{}

func (failingKV) Get(ctx context.Context, key string) ([]byte, error)     { return nil, ErrKeyNotFound }
func (failingKV) Set(ctx context.Context, key string, value []byte) error { return errors.New("disk full") }
func (failingKV) Delete(ctx context.Context, key string) error            { return errors.New("disk full") }
func (failingKV) Close() error                                             { return nil }

func newTestStore(t *testing.T) *ReportStore {
	t.Helper()
	kv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}
	return NewReportStore(kv, config.ReportsKey)
}

type trackerFixture struct {
	tracker *Tracker
	store   *ReportStore
	lease   *Lease
	overlay *Overlay
	backend *fakeBackend
	capture *fakeCapture
}

func newTrackerFixture(t *testing.T, store *ReportStore, opts TrackerOptions) *trackerFixture {
	t.Helper()
	if store == nil {
		store = newTestStore(t)
	}
	if opts.FrameInterval == 0 {
		// Ticks are driven by hand.
		opts.FrameInterval = time.Hour
	}
	if opts.MaxCaptureFailures == 0 {
		opts.MaxCaptureFailures = 3
	}
	f := &trackerFixture{
		store:   store,
		lease:   NewLease(),
		overlay: &Overlay{},
		backend: &fakeBackend{sessionID: "sess-1"},
		capture: &fakeCapture{frame: testFrame(t)},
	}
	mat := NewMaterializer(store, filepath.Join(t.TempDir(), "frames"), logger.Discard(), metrics.New())
	f.tracker = NewTracker(f.capture, f.backend, mat, f.lease, NewScreen(models.Viewport{Width: 320, Height: 240}),
		f.overlay, NewHub(), logger.Discard(), metrics.New(), opts)
	return f
}

var testDoor = models.DoorRegion{X1: 100, Y1: 50, X2: 300, Y2: 450}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
