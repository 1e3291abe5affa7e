package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/presencepro/tracker/models"
	"github.com/presencepro/tracker/services"
	"github.com/sirupsen/logrus"
)

// CameraHandler exposes the camera screen controls.
type CameraHandler struct {
	ctrl *services.Controller
	log  *logrus.Logger
}

func NewCameraHandler(ctrl *services.Controller, log *logrus.Logger) *CameraHandler {
	return &CameraHandler{ctrl: ctrl, log: log}
}

func (h *CameraHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Status())
}

// Snapshot returns one preview frame. Its pixel size is sent in headers so
// a UI can project drawn boxes.
func (h *CameraHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	frame, err := h.ctrl.Capture.Snapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", frame.MIMEType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Width", strconv.Itoa(frame.Width))
	w.Header().Set("X-Frame-Height", strconv.Itoa(frame.Height))
	w.WriteHeader(http.StatusOK)
	w.Write(frame.Data)
}

func (h *CameraHandler) SetViewport(w http.ResponseWriter, r *http.Request) {
	var vp models.Viewport
	if err := decodeBody(r, &vp); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	h.ctrl.SetViewport(vp)
	writeJSON(w, http.StatusOK, vp)
}

func (h *CameraHandler) StartDetection(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.StartDetection(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "detecting"})
}

func (h *CameraHandler) StopDetection(w http.ResponseWriter, r *http.Request) {
	h.ctrl.StopDetection()
	writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
}

type startTrackingRequest struct {
	Door *models.DoorRegion `json:"door"`
}

// StartTracking opens a session. The body is optional; without a door the
// editor's committed region is used.
func (h *CameraHandler) StartTracking(w http.ResponseWriter, r *http.Request) {
	var req startTrackingRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if err := h.ctrl.StartTracking(r.Context(), req.Door); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Tracker.Status())
}

type stopResponse struct {
	Report  *models.Report `json:"report"`
	Warning string         `json:"warning,omitempty"`
}

// StopTracking ends the session. A report that was built but not saved is
// still returned, with a warning.
func (h *CameraHandler) StopTracking(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctrl.StopTracking(r.Context())
	h.writeStop(w, report, err)
}

// Blur stops whatever is running, as when the screen loses focus.
func (h *CameraHandler) Blur(w http.ResponseWriter, r *http.Request) {
	report, err := h.ctrl.Blur(r.Context())
	h.writeStop(w, report, err)
}

func (h *CameraHandler) writeStop(w http.ResponseWriter, report *models.Report, err error) {
	if err != nil && !(report != nil && errors.Is(err, services.ErrPersistence)) {
		writeError(w, err)
		return
	}
	resp := stopResponse{Report: report}
	if err != nil {
		h.log.WithError(err).Warn("Report returned unsaved")
		resp.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
