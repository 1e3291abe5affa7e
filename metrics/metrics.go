package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the tracking client counters.
type Metrics struct {
	// Detection loop
	DetectionRequests atomic.Uint64
	DetectionErrors   atomic.Uint64
	DetectionActive   atomic.Uint64 // 0 = idle, 1 = detecting

	// Tracking session
	FramesSubmitted atomic.Uint64
	FrameErrors     atomic.Uint64
	SessionsStarted atomic.Uint64
	SessionsFailed  atomic.Uint64
	SessionsExpired atomic.Uint64
	TrackingActive  atomic.Uint64 // 0 = closed, 1 = active
	Occupancy       atomic.Int64

	// Shared
	TicksSkipped    atomic.Uint64
	CaptureFailures atomic.Uint64

	// Reports
	ReportsPersisted  atomic.Uint64
	PersistenceErrors atomic.Uint64

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.register()
	return m
}

func (m *Metrics) register() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"presence_detection_requests_total", "Person detection requests sent", u(&m.DetectionRequests)},
		{"presence_detection_errors_total", "Person detection requests that failed", u(&m.DetectionErrors)},
		{"presence_detection_active", "Whether the detection loop is running", u(&m.DetectionActive)},
		{"presence_frames_submitted_total", "Tracking frames submitted", u(&m.FramesSubmitted)},
		{"presence_frame_errors_total", "Tracking frames that failed", u(&m.FrameErrors)},
		{"presence_sessions_started_total", "Tracking sessions opened", u(&m.SessionsStarted)},
		{"presence_sessions_failed_total", "Tracking session starts that failed", u(&m.SessionsFailed)},
		{"presence_sessions_expired_total", "Tracking sessions the backend no longer knew", u(&m.SessionsExpired)},
		{"presence_tracking_active", "Whether a tracking session is active", u(&m.TrackingActive)},
		{"presence_occupancy", "People currently inside according to the last response", func() float64 { return float64(m.Occupancy.Load()) }},
		{"presence_ticks_skipped_total", "Timer ticks skipped because a request was in flight", u(&m.TicksSkipped)},
		{"presence_capture_failures_total", "Snapshots that failed", u(&m.CaptureFailures)},
		{"presence_reports_persisted_total", "Reports written to the store", u(&m.ReportsPersisted)},
		{"presence_persistence_errors_total", "Report writes that failed", u(&m.PersistenceErrors)},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.fn,
		))
	}
}

func u(v *atomic.Uint64) func() float64 {
	return func() float64 { return float64(v.Load()) }
}

// SetFlag stores 1 or 0.
func SetFlag(v *atomic.Uint64, on bool) {
	if on {
		v.Store(1)
		return
	}
	v.Store(0)
}

// Handler exposes the private registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
