package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/presencepro/tracker/logger"
	"github.com/presencepro/tracker/models"
	"github.com/presencepro/tracker/services"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{services.ErrAlreadyActive, http.StatusConflict},
		{fmt.Errorf("wrapped: %w", services.ErrResourceBusy), http.StatusConflict},
		{services.ErrNotActive, http.StatusConflict},
		{services.ErrInvalidRegion, http.StatusBadRequest},
		{services.ErrNoDraw, http.StatusBadRequest},
		{services.ErrNoDoorsFound, http.StatusNotFound},
		{services.ErrReportNotFound, http.StatusNotFound},
		{services.ErrCaptureUnavailable, http.StatusServiceUnavailable},
		{services.ErrSessionRejected, http.StatusBadGateway},
		{services.ErrSessionExpired, http.StatusBadGateway},
		{&services.NetworkError{Op: "detecting persons", Err: errors.New("refused")}, http.StatusBadGateway},
		{&services.PersistenceError{Op: "writing reports", Err: errors.New("disk full")}, http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestDecodeBody(t *testing.T) {
	var vp models.Viewport
	r := httptest.NewRequest("PUT", "/", strings.NewReader(`{"width":10,"height":5}`))
	if err := decodeBody(r, &vp); err != nil || vp.Width != 10 {
		t.Errorf("decodeBody = %+v, %v", vp, err)
	}

	r = httptest.NewRequest("PUT", "/", strings.NewReader(`{"width":`))
	if err := decodeBody(r, &vp); err == nil || err.Error() != "invalid request body" {
		t.Errorf("truncated body error = %v", err)
	}

	r = httptest.NewRequest("PUT", "/", strings.NewReader(`{"width":-1,"height":5}`))
	if err := decodeBody(r, &vp); err == nil {
		t.Error("negative width accepted")
	}
}

func TestWriteStopKeepsUnsavedReport(t *testing.T) {
	h := &CameraHandler{log: logger.Discard()}
	report := &models.Report{ID: "r1"}

	rec := httptest.NewRecorder()
	h.writeStop(rec, nil, services.ErrNotActive)
	if rec.Code != http.StatusConflict {
		t.Errorf("not active = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.writeStop(rec, report, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"r1"`) {
		t.Errorf("saved = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.writeStop(rec, report, &services.PersistenceError{Op: "writing reports", Err: errors.New("disk full")})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"warning":"writing reports: disk full"`) {
		t.Errorf("unsaved = %d %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.writeStop(rec, nil, &services.PersistenceError{Op: "writing reports", Err: errors.New("disk full")})
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("no report = %d", rec.Code)
	}
}
