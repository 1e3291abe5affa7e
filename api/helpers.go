package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/presencepro/tracker/services"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps service errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrAlreadyActive),
		errors.Is(err, services.ErrResourceBusy),
		errors.Is(err, services.ErrNotActive):
		return http.StatusConflict
	case errors.Is(err, services.ErrInvalidRegion),
		errors.Is(err, services.ErrNoDraw):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrNoDoorsFound),
		errors.Is(err, services.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrCaptureUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, services.ErrSessionRejected),
		errors.Is(err, services.ErrSessionExpired),
		services.IsNetworkFailure(err):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// decodeBody decodes and validates a JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	if err := validate.Struct(v); err != nil {
		return err
	}
	return nil
}

func HealthCheck(w http.ResponseWriter, r *http.Request, client *services.InferenceClient) {
	backendStatus := "ok"
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		backendStatus = "unavailable"
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": backendStatus,
	})
}
