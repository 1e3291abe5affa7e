package services

import (
	"context"
	"sync"
	"time"

	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
	"github.com/sirupsen/logrus"
)

// PersonDetector runs single-shot person detection.
type PersonDetector interface {
	DetectPersons(ctx context.Context, frame *models.CaptureFrame) (*models.PersonsResponse, error)
}

const detectionOwner = "detection"

type DetectionLoopOptions struct {
	Interval       time.Duration
	CaptureTimeout time.Duration
	Color          string
}

// DetectionLoop periodically captures a frame and asks the backend to count
// people in it, replacing the overlay with each answer.
type DetectionLoop struct {
	capture  Capturer
	detector PersonDetector
	lease    *Lease
	screen   *Screen
	overlay  *Overlay
	hub      *Hub
	log      *logrus.Logger
	metrics  *metrics.Metrics
	opts     DetectionLoopOptions
	ticker   *Ticker

	mu      sync.Mutex
	running bool
	gen     uint64
}

func NewDetectionLoop(capture Capturer, detector PersonDetector, lease *Lease, screen *Screen,
	overlay *Overlay, hub *Hub, log *logrus.Logger, m *metrics.Metrics, opts DetectionLoopOptions) *DetectionLoop {
	if opts.CaptureTimeout == 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	l := &DetectionLoop{
		capture:  capture,
		detector: detector,
		lease:    lease,
		screen:   screen,
		overlay:  overlay,
		hub:      hub,
		log:      log,
		metrics:  m,
		opts:     opts,
	}
	l.ticker = NewTicker(opts.Interval, l.tick)
	l.ticker.OnSkip(func() { m.TicksSkipped.Add(1) })
	return l
}

// Start begins detecting. Starting a running loop is a no-op. It fails with
// ErrResourceBusy while a tracking session owns the camera.
func (l *DetectionLoop) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return nil
	}
	if err := l.lease.Acquire(detectionOwner); err != nil {
		return err
	}
	l.running = true
	l.gen++
	l.ticker.Start()
	metrics.SetFlag(&l.metrics.DetectionActive, true)
	l.log.WithField("interval", l.opts.Interval).Info("Detection started")
	l.hub.Publish(Event{Type: EventDetection, State: "detecting"})
	return nil
}

// Stop halts detection and clears the overlay. Stopping an idle loop is a no-op.
func (l *DetectionLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.ticker.Stop()
	l.running = false
	l.gen++
	l.overlay.Clear()
	l.lease.Release(detectionOwner)
	metrics.SetFlag(&l.metrics.DetectionActive, false)
	l.log.Info("Detection stopped")
	l.hub.Publish(Event{Type: EventDetection, State: "idle"})
}

func (l *DetectionLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Busy reports whether a detection request is in flight.
func (l *DetectionLoop) Busy() bool { return l.ticker.Busy() }

func (l *DetectionLoop) tick() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	gen := l.gen
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.CaptureTimeout)
	frame, err := l.capture.Snapshot(ctx)
	cancel()
	if err != nil {
		l.metrics.CaptureFailures.Add(1)
		l.log.WithError(err).Debug("Detection tick skipped, no frame")
		return
	}

	l.metrics.DetectionRequests.Add(1)
	resp, err := l.detector.DetectPersons(context.Background(), frame)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running || l.gen != gen {
		return
	}
	if err != nil {
		l.metrics.DetectionErrors.Add(1)
		l.overlay.Clear()
		l.log.WithError(err).Warn("Person detection failed")
		snap := l.overlay.Snapshot()
		l.hub.Publish(Event{Type: EventDetection, State: "detecting", Overlay: &snap})
		return
	}

	proj := l.screen.Project(frame.Width, frame.Height)
	l.overlay.Replace(personBoxes(resp.Persons, proj, l.opts.Color), resp.PersonCount)
	snap := l.overlay.Snapshot()
	l.hub.Publish(Event{Type: EventDetection, State: "detecting", Overlay: &snap})
}
