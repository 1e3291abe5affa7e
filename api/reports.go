package api

import (
	"bytes"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/presencepro/tracker/services"
)

type ReportsHandler struct {
	store     *services.ReportStore
	imagesDir string
}

func NewReportsHandler(store *services.ReportStore, imagesDir string) *ReportsHandler {
	absImages, _ := filepath.Abs(imagesDir)
	return &ReportsHandler{store: store, imagesDir: absImages}
}

func (h *ReportsHandler) List(w http.ResponseWriter, r *http.Request) {
	reports, err := h.store.List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reports)
}

func (h *ReportsHandler) Get(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type commentRequest struct {
	Comment string `json:"comment" validate:"max=2000"`
}

func (h *ReportsHandler) UpdateComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	report, err := h.store.UpdateComment(r.Context(), chi.URLParam(r, "id"), req.Comment)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *ReportsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (h *ReportsHandler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteAll(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// Image serves the final frame of a report. Only files inside the images
// directory are served.
func (h *ReportsHandler) Image(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	path, ok := services.ImagePath(report.ImageURI)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report has no image"})
		return
	}
	absPath, err := filepath.Abs(path)
	if err != nil || !strings.HasPrefix(absPath, h.imagesDir+string(filepath.Separator)) {
		http.Error(w, "invalid image path", http.StatusBadRequest)
		return
	}
	http.ServeFile(w, r, absPath)
}

// HTML renders the printable version of a report.
func (h *ReportsHandler) HTML(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := services.WriteReportHTML(&buf, *report); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if r.URL.Query().Get("download") == "true" {
		w.Header().Set("Content-Disposition", `attachment; filename="reporte-`+report.ID+`.html"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
