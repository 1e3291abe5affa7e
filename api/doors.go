package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/presencepro/tracker/models"
	"github.com/presencepro/tracker/services"
	"github.com/sirupsen/logrus"
)

const maxUploadBytes = 16 << 20

type DoorsHandler struct {
	ctrl *services.Controller
	log  *logrus.Logger
}

func NewDoorsHandler(ctrl *services.Controller, log *logrus.Logger) *DoorsHandler {
	return &DoorsHandler{ctrl: ctrl, log: log}
}

func (h *DoorsHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

// Detect runs door detection on an uploaded "file" part, or on a live
// capture when the request carries no file.
func (h *DoorsHandler) Detect(w http.ResponseWriter, r *http.Request) {
	var frame *models.CaptureFrame
	if err := r.ParseMultipartForm(maxUploadBytes); err == nil {
		file, _, ferr := r.FormFile("file")
		switch {
		case ferr == nil:
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reading upload failed"})
				return
			}
			frame, err = services.FrameFromImage(data)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		case !errors.Is(ferr, http.ErrMissingFile):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": ferr.Error()})
			return
		}
	}

	if _, err := h.ctrl.DetectDoor(r.Context(), frame); err != nil {
		if errors.Is(err, services.ErrNoDoorsFound) {
			h.ctrl.Hub.Notify("info", "No se detectaron puertas. Dibuja el área manualmente.")
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

type setDoorRequest struct {
	Region       *models.DoorRegion `json:"region"`
	Placeholder  bool               `json:"placeholder"`
	SourceWidth  int                `json:"source_width" validate:"gte=0"`
	SourceHeight int                `json:"source_height" validate:"gte=0"`
}

// Put replaces the region with an explicit one or with the centered
// placeholder box.
func (h *DoorsHandler) Put(w http.ResponseWriter, r *http.Request) {
	var req setDoorRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	proj := h.ctrl.Screen.Project(req.SourceWidth, req.SourceHeight)

	var region models.DoorRegion
	switch {
	case req.Placeholder:
		if req.SourceWidth == 0 || req.SourceHeight == 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "placeholder needs source_width and source_height"})
			return
		}
		region = services.Placeholder(req.SourceWidth, req.SourceHeight)
	case req.Region != nil:
		region = *req.Region
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "region or placeholder required"})
		return
	}

	if err := h.ctrl.Editor.Set(region, proj); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

func (h *DoorsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Editor.Clear()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

type drawRequest struct {
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	SourceWidth  int     `json:"source_width" validate:"gte=0"`
	SourceHeight int     `json:"source_height" validate:"gte=0"`
}

// BeginDraw starts a manual drag at a screen point.
func (h *DoorsHandler) BeginDraw(w http.ResponseWriter, r *http.Request) {
	var req drawRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	srcW, srcH := req.SourceWidth, req.SourceHeight
	if srcW == 0 || srcH == 0 {
		cur := h.ctrl.Editor.State().Projection
		srcW, srcH = int(cur.SourceWidth), int(cur.SourceHeight)
	}
	h.ctrl.Editor.BeginManualDraw(models.Point{X: req.X, Y: req.Y}, h.ctrl.Screen.Project(srcW, srcH))
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

func (h *DoorsHandler) UpdateDraw(w http.ResponseWriter, r *http.Request) {
	var req drawRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	preview, err := h.ctrl.Editor.Drag(models.Point{X: req.X, Y: req.Y})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func (h *DoorsHandler) CommitDraw(w http.ResponseWriter, r *http.Request) {
	region, err := h.ctrl.Editor.Commit()
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.WithFields(logrus.Fields{
		"x1": region.X1, "y1": region.Y1, "x2": region.X2, "y2": region.Y2,
	}).Info("Door drawn")
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

func (h *DoorsHandler) CancelDraw(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Editor.CancelDraw()
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

type moveRequest struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

func (h *DoorsHandler) Move(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := h.ctrl.Editor.Move(req.DX, req.DY); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}

type resizeRequest struct {
	Corner services.Corner `json:"corner" validate:"required,oneof=topLeft topRight bottomLeft bottomRight"`
	DX     float64         `json:"dx"`
	DY     float64         `json:"dy"`
}

func (h *DoorsHandler) Resize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if _, err := h.ctrl.Editor.Resize(req.Corner, req.DX, req.DY); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.ctrl.Editor.State())
}
