package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/metrics"
	"github.com/presencepro/tracker/models"
	"github.com/sirupsen/logrus"
)

// TrackingBackend is the session half of the inference backend.
type TrackingBackend interface {
	StartSession(ctx context.Context, door models.PixelBounds, params SessionParams) (string, error)
	SubmitFrame(ctx context.Context, sessionID string, frame *models.CaptureFrame, forceDetection bool) (*models.FrameResponse, error)
	CloseSession(ctx context.Context, sessionID string) error
}

type SessionState string

const (
	StateClosed   SessionState = "closed"
	StateStarting SessionState = "starting"
	StateActive   SessionState = "active"
	StateStopping SessionState = "stopping"
)

const trackingOwner = "tracking"

// Report status values.
const (
	StatusCompleted   = "completed"
	StatusExpired     = "expired"
	StatusCaptureLost = "capture_lost"
)

type TrackerOptions struct {
	FrameInterval      time.Duration
	CaptureTimeout     time.Duration
	Params             SessionParams
	MaxCaptureFailures int
	ForceDetection     config.ForceDetectionSettings
	InDoorColor        string
	OutDoorColor       string
}

// TrackingStatus is a read-only view of the session manager.
type TrackingStatus struct {
	State      SessionState         `json:"state"`
	SessionID  string               `json:"session_id,omitempty"`
	Door       *models.DoorRegion   `json:"door,omitempty"`
	Frame      int                  `json:"frame"`
	Stats      models.TrackingStats `json:"stats"`
	StartedAt  *time.Time           `json:"started_at,omitempty"`
	Overlay    OverlaySnapshot      `json:"overlay"`
	LastReport *models.Report       `json:"last_report,omitempty"`
	// LastError is why the last session ended on its own, if it did.
	LastError string `json:"last_error,omitempty"`
}

// Tracker runs one remote tracking session at a time:
// closed -> starting -> active -> stopping -> closed.
//
// Every transition happens under mu. Network calls run outside it and
// their results are applied only if the generation they were issued under
// is still current, which drops late responses across stop and restart.
type Tracker struct {
	capture      Capturer
	backend      TrackingBackend
	materializer *Materializer
	lease        *Lease
	screen       *Screen
	overlay      *Overlay
	hub          *Hub
	log          *logrus.Logger
	metrics      *metrics.Metrics
	opts         TrackerOptions
	ticker       *Ticker

	mu              sync.Mutex
	state           SessionState
	gen             uint64
	sessionID       string
	door            models.DoorRegion
	frameCounter    int
	stats           models.TrackingStats
	startedAt       time.Time
	lastFrame       *models.CaptureFrame
	captureFailures int
	policy          ForcePolicy
	scoreSum        float64
	scoreCount      int
	lastReport      *models.Report
	lastErr         error
}

func NewTracker(capture Capturer, backend TrackingBackend, materializer *Materializer, lease *Lease,
	screen *Screen, overlay *Overlay, hub *Hub, log *logrus.Logger, m *metrics.Metrics, opts TrackerOptions) *Tracker {
	if opts.CaptureTimeout == 0 {
		opts.CaptureTimeout = 5 * time.Second
	}
	if opts.MaxCaptureFailures < 1 {
		opts.MaxCaptureFailures = 5
	}
	t := &Tracker{
		capture:      capture,
		backend:      backend,
		materializer: materializer,
		lease:        lease,
		screen:       screen,
		overlay:      overlay,
		hub:          hub,
		log:          log,
		metrics:      m,
		opts:         opts,
		state:        StateClosed,
	}
	t.ticker = NewTicker(opts.FrameInterval, t.tick)
	t.ticker.OnSkip(func() { m.TicksSkipped.Add(1) })
	return t
}

// Start opens a backend session for door and begins streaming frames.
// It returns ErrAlreadyActive unless the tracker is closed, and
// ErrResourceBusy while the detection loop owns the camera. On failure the
// tracker is closed again with nothing left behind.
func (t *Tracker) Start(ctx context.Context, door models.DoorRegion) error {
	if !door.Valid() {
		return ErrInvalidRegion
	}

	t.mu.Lock()
	if t.state != StateClosed {
		t.mu.Unlock()
		return ErrAlreadyActive
	}
	if err := t.lease.Acquire(trackingOwner); err != nil {
		t.mu.Unlock()
		return err
	}
	t.state = StateStarting
	t.gen++
	gen := t.gen
	t.door = door
	t.sessionID = ""
	t.frameCounter = 0
	t.stats = models.TrackingStats{}
	t.startedAt = time.Time{}
	t.lastFrame = nil
	t.captureFailures = 0
	t.scoreSum, t.scoreCount = 0, 0
	t.lastErr = nil
	t.mu.Unlock()

	t.publishState(StateStarting, "")
	bounds := door.Bounds()
	t.log.WithFields(logrus.Fields{
		"door_x1": bounds.X1, "door_y1": bounds.Y1,
		"door_x2": bounds.X2, "door_y2": bounds.Y2,
	}).Info("Opening tracking session")

	sessionID, err := t.backend.StartSession(ctx, bounds, t.opts.Params)

	t.mu.Lock()
	if t.gen != gen || t.state != StateStarting {
		t.mu.Unlock()
		if err == nil {
			t.closeRemote(sessionID)
		}
		return fmt.Errorf("session start cancelled: %w", ErrNotActive)
	}
	if err != nil {
		t.state = StateClosed
		t.lease.Release(trackingOwner)
		t.mu.Unlock()

		t.metrics.SessionsFailed.Add(1)
		t.log.WithError(err).Error("Tracking session could not be started")
		t.publishState(StateClosed, "")
		t.hub.Notify("error", "No se pudo iniciar el seguimiento: "+err.Error())
		return fmt.Errorf("starting tracking session: %w", err)
	}

	t.state = StateActive
	t.sessionID = sessionID
	t.startedAt = time.Now()
	t.policy = NewForcePolicy(t.opts.ForceDetection)
	t.ticker.Start()
	t.mu.Unlock()

	t.metrics.SessionsStarted.Add(1)
	metrics.SetFlag(&t.metrics.TrackingActive, true)
	t.metrics.Occupancy.Store(0)
	t.log.WithField("session_id", sessionID).Info("Tracking session active")
	t.publishState(StateActive, sessionID)
	return nil
}

// Stop ends the session, materializes its report and closes it on the
// backend. On a tracker that is not starting or active it does nothing and
// returns ErrNotActive. A persistence failure is returned together with the
// report.
func (t *Tracker) Stop(ctx context.Context) (*models.Report, error) {
	return t.stop(ctx, 0, StatusCompleted, nil)
}

// stop runs the stop path. A non-zero gen restricts it to that session.
// cause, when set, is kept as the session's last error.
func (t *Tracker) stop(ctx context.Context, gen uint64, status string, cause error) (*models.Report, error) {
	ctx = context.WithoutCancel(ctx)

	t.mu.Lock()
	if t.state != StateActive && t.state != StateStarting {
		t.mu.Unlock()
		return nil, ErrNotActive
	}
	if gen != 0 && t.gen != gen {
		t.mu.Unlock()
		return nil, ErrNotActive
	}
	t.state = StateStopping
	t.gen++
	t.ticker.Stop()

	// Frozen: no response can change these after the generation bump.
	in := ReportInput{
		SessionID:  t.sessionID,
		Stats:      t.stats,
		StartedAt:  t.startedAt,
		Confidence: t.confidenceLocked(),
		Status:     status,
	}
	last := t.lastFrame
	sessionID := t.sessionID
	t.mu.Unlock()

	log := t.log.WithFields(logrus.Fields{"session_id": sessionID, "status": status})
	log.Info("Stopping tracking session")
	t.publishState(StateStopping, sessionID)

	cctx, cancel := context.WithTimeout(ctx, t.opts.CaptureTimeout)
	frame, err := t.capture.Snapshot(cctx)
	cancel()
	if err != nil {
		log.WithError(err).Warn("Final capture failed, using last session frame")
		frame = last
	}
	in.Image = frame
	in.EndedAt = time.Now()
	if in.StartedAt.IsZero() {
		in.StartedAt = in.EndedAt
	}

	report, perr := t.materializer.Materialize(ctx, in)

	if sessionID != "" {
		t.closeRemote(sessionID)
	}

	t.mu.Lock()
	t.state = StateClosed
	t.sessionID = ""
	t.lastFrame = nil
	t.lastReport = report
	t.lastErr = cause
	t.overlay.Clear()
	t.lease.Release(trackingOwner)
	t.mu.Unlock()

	metrics.SetFlag(&t.metrics.TrackingActive, false)
	t.publishState(StateClosed, sessionID)
	t.hub.Publish(Event{Type: EventReport, SessionID: sessionID, Report: report})
	if perr != nil {
		t.hub.Notify("error", "El reporte no se pudo guardar: "+perr.Error())
	}
	return report, perr
}

// closeRemote deletes the backend session. Failures are only logged.
func (t *Tracker) closeRemote(sessionID string) {
	if err := t.backend.CloseSession(context.Background(), sessionID); err != nil {
		t.log.WithError(err).WithField("session_id", sessionID).Warn("Closing backend session failed")
	}
}

func (t *Tracker) tick() {
	t.mu.Lock()
	if t.state != StateActive {
		t.mu.Unlock()
		return
	}
	gen := t.gen
	sessionID := t.sessionID
	t.mu.Unlock()

	log := t.log.WithField("session_id", sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.CaptureTimeout)
	frame, err := t.capture.Snapshot(ctx)
	cancel()
	if err != nil {
		t.metrics.CaptureFailures.Add(1)
		t.mu.Lock()
		if t.gen != gen || t.state != StateActive {
			t.mu.Unlock()
			return
		}
		t.captureFailures++
		failures := t.captureFailures
		t.mu.Unlock()

		log.WithError(err).WithField("consecutive", failures).Debug("Frame skipped, no capture")
		if failures >= t.opts.MaxCaptureFailures {
			lost := fmt.Errorf("%w (%d): %w", ErrCaptureLost, failures, err)
			log.WithError(lost).Error("Capture lost, stopping session")
			t.hub.Notify("error", "Se perdió la cámara, el seguimiento se detuvo")
			t.stopAfterFailure(gen, StatusCaptureLost, lost)
		}
		return
	}

	t.mu.Lock()
	if t.gen != gen || t.state != StateActive {
		t.mu.Unlock()
		return
	}
	t.captureFailures = 0
	t.lastFrame = frame
	t.frameCounter++
	n := t.frameCounter
	force := t.policy.Force(n)
	t.mu.Unlock()

	t.metrics.FramesSubmitted.Add(1)
	resp, err := t.backend.SubmitFrame(context.Background(), sessionID, frame, force)

	t.mu.Lock()
	if t.gen != gen || t.state != StateActive {
		t.mu.Unlock()
		log.WithField("frame", n).Debug("Discarding late frame response")
		return
	}
	if err != nil {
		t.mu.Unlock()
		if errors.Is(err, ErrSessionExpired) {
			t.metrics.SessionsExpired.Add(1)
			log.WithError(err).Warn("Backend lost the session, stopping")
			t.hub.Notify("warning", "La sesión de seguimiento expiró")
			t.stopAfterFailure(gen, StatusExpired, err)
			return
		}
		t.metrics.FrameErrors.Add(1)
		log.WithError(err).WithField("frame", n).Warn("Frame submission failed")
		return
	}

	t.stats = resp.Statistics.Stats()
	for _, d := range resp.CurrentDetections {
		if d.Score > 0 {
			t.scoreSum += d.Score
			t.scoreCount++
		}
	}
	proj := t.screen.Project(frame.Width, frame.Height)
	t.overlay.Replace(trackedBoxes(resp.CurrentDetections, proj, t.opts.InDoorColor, t.opts.OutDoorColor), t.stats.PersonasDentro)
	stats := t.stats
	snap := t.overlay.Snapshot()
	t.mu.Unlock()

	t.metrics.Occupancy.Store(int64(stats.PersonasDentro))
	t.hub.Publish(Event{
		Type:      EventTrackingTick,
		State:     string(StateActive),
		SessionID: sessionID,
		Frame:     n,
		Stats:     &stats,
		Overlay:   &snap,
	})
}

// stopAfterFailure runs the stop path for the session of gen from inside a
// tick. The ticker is stopped first, so holding the in-flight slot here
// blocks nothing.
func (t *Tracker) stopAfterFailure(gen uint64, status string, cause error) {
	if _, err := t.stop(context.Background(), gen, status, cause); err != nil && !errors.Is(err, ErrNotActive) {
		t.log.WithError(err).Error("Stopping session after failure")
	}
}

func (t *Tracker) confidenceLocked() *float64 {
	if t.scoreCount == 0 {
		return nil
	}
	c := t.scoreSum / float64(t.scoreCount)
	return &c
}

func (t *Tracker) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Stats returns the latest accepted statistics.
func (t *Tracker) Stats() models.TrackingStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Busy reports whether a frame is in flight.
func (t *Tracker) Busy() bool { return t.ticker.Busy() }

func (t *Tracker) Status() TrackingStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := TrackingStatus{
		State:      t.state,
		SessionID:  t.sessionID,
		Frame:      t.frameCounter,
		Stats:      t.stats,
		Overlay:    t.overlay.Snapshot(),
		LastReport: t.lastReport,
	}
	if t.lastErr != nil {
		st.LastError = t.lastErr.Error()
	}
	if t.state != StateClosed {
		d := t.door
		st.Door = &d
	}
	if !t.startedAt.IsZero() && t.state == StateActive {
		s := t.startedAt
		st.StartedAt = &s
	}
	return st
}

func (t *Tracker) publishState(state SessionState, sessionID string) {
	t.hub.Publish(Event{Type: EventTrackingInfo, State: string(state), SessionID: sessionID})
}
