package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
	"github.com/sirupsen/logrus"
)

// Controller is the camera screen without its UI: it owns the detection
// loop, the door editor and the tracking session, which share one camera,
// one overlay and one screen size.
type Controller struct {
	Capture   Capturer
	Client    *InferenceClient
	Editor    *DoorEditor
	Detection *DetectionLoop
	Tracker   *Tracker
	Reports   *ReportStore
	Screen    *Screen
	Overlay   *Overlay
	Hub       *Hub

	lease *Lease
	log   *logrus.Logger
}

// Status is everything a UI needs to redraw the camera screen.
type Status struct {
	Detecting bool            `json:"detecting"`
	Tracking  TrackingStatus  `json:"tracking"`
	Door      DoorState       `json:"door"`
	Viewport  models.Viewport `json:"viewport"`
	Overlay   OverlaySnapshot `json:"overlay"`
	Owner     string          `json:"camera_owner,omitempty"`
}

func NewController(cfg *config.AppConfig, capture Capturer, client *InferenceClient, store *ReportStore,
	hub *Hub, log *logrus.Logger, m *metrics.Metrics) *Controller {
	lease := NewLease()
	screen := NewScreen(models.Viewport{})
	overlay := &Overlay{}

	detection := NewDetectionLoop(capture, client, lease, screen, overlay, hub, log, m, DetectionLoopOptions{
		Interval:       cfg.Detection.Interval,
		CaptureTimeout: cfg.Capture.Timeout,
		Color:          cfg.Overlay.DetectionColor,
	})

	materializer := NewMaterializer(store, cfg.Storage.ImagesDir, log, m)
	tracker := NewTracker(capture, client, materializer, lease, screen, overlay, hub, log, m, TrackerOptions{
		FrameInterval:  cfg.Tracking.FrameInterval,
		CaptureTimeout: cfg.Capture.Timeout,
		Params: SessionParams{
			DetectInterval:  cfg.Tracking.DetectInterval,
			DisappearBuffer: cfg.Tracking.DisappearBuffer,
		},
		MaxCaptureFailures: cfg.Tracking.MaxCaptureFailures,
		ForceDetection:     cfg.Tracking.ForceDetection,
		InDoorColor:        cfg.Overlay.InDoorColor,
		OutDoorColor:       cfg.Overlay.OutDoorColor,
	})

	return &Controller{
		Capture:   capture,
		Client:    client,
		Editor:    NewDoorEditor(client),
		Detection: detection,
		Tracker:   tracker,
		Reports:   store,
		Screen:    screen,
		Overlay:   overlay,
		Hub:       hub,
		lease:     lease,
		log:       log,
	}
}

func (c *Controller) SetViewport(vp models.Viewport) {
	c.Screen.Set(vp)
}

func (c *Controller) StartDetection() error {
	return c.Detection.Start()
}

func (c *Controller) StopDetection() {
	c.Detection.Stop()
}

// StartTracking opens a session for door, or for the editor's committed
// region when door is nil. A running detection loop is stopped first.
func (c *Controller) StartTracking(ctx context.Context, door *models.DoorRegion) error {
	var region models.DoorRegion
	if door != nil {
		region = *door
	} else {
		cur, ok := c.Editor.Current()
		if !ok {
			return fmt.Errorf("no door region defined: %w", ErrInvalidRegion)
		}
		region = cur
	}
	if c.Tracker.State() != StateClosed {
		return ErrAlreadyActive
	}
	c.Detection.Stop()
	return c.Tracker.Start(ctx, region)
}

func (c *Controller) StopTracking(ctx context.Context) (*models.Report, error) {
	return c.Tracker.Stop(ctx)
}

// DetectDoor runs auto door detection on frame, or on a fresh capture
// when frame is nil.
func (c *Controller) DetectDoor(ctx context.Context, frame *models.CaptureFrame) (models.DoorRegion, error) {
	if frame == nil {
		if owner := c.lease.Owner(); owner == trackingOwner {
			return models.DoorRegion{}, fmt.Errorf("%w: held by %s", ErrResourceBusy, owner)
		}
		f, err := c.Capture.Snapshot(ctx)
		if err != nil {
			return models.DoorRegion{}, err
		}
		frame = f
	}
	region, err := c.Editor.AutoDetect(ctx, frame, c.Screen.Viewport())
	if err != nil {
		return models.DoorRegion{}, err
	}
	c.log.WithFields(logrus.Fields{
		"x1": region.X1, "y1": region.Y1, "x2": region.X2, "y2": region.Y2,
	}).Info("Door detected")
	return region, nil
}

// Blur tears the screen down when the user navigates away: whichever loop
// is running is stopped. A session stopped here still produces its report.
func (c *Controller) Blur(ctx context.Context) (*models.Report, error) {
	c.Detection.Stop()
	report, err := c.Tracker.Stop(ctx)
	if errors.Is(err, ErrNotActive) {
		return nil, nil
	}
	return report, err
}

func (c *Controller) Status() Status {
	return Status{
		Detecting: c.Detection.Running(),
		Tracking:  c.Tracker.Status(),
		Door:      c.Editor.State(),
		Viewport:  c.Screen.Viewport(),
		Overlay:   c.Overlay.Snapshot(),
		Owner:     c.lease.Owner(),
	}
}

// Close stops everything and disconnects live subscribers.
func (c *Controller) Close(ctx context.Context) {
	if _, err := c.Blur(ctx); err != nil {
		c.log.WithError(err).Warn("Shutdown stop reported an error")
	}
	c.Hub.Close()
}
