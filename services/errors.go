package services

import (
	"errors"
	"fmt"
)

var (
	// ErrCaptureUnavailable means no frame could be produced right now. Retryable.
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrSessionExpired means the backend no longer knows the tracking session.
	ErrSessionExpired = errors.New("tracking session expired")
	// ErrNoDoorsFound means door detection returned no usable candidate.
	ErrNoDoorsFound = errors.New("no doors found")
	// ErrPersistence is matched by every *PersistenceError.
	ErrPersistence = errors.New("persistence failure")

	ErrAlreadyActive   = errors.New("tracking session already active")
	ErrNotActive       = errors.New("no active tracking session")
	ErrResourceBusy    = errors.New("camera is in use by another loop")
	ErrCaptureLost     = errors.New("capture unavailable for too many consecutive frames")
	ErrSessionRejected = errors.New("backend rejected session start")
	ErrInvalidRegion   = errors.New("door region has zero width or height")
	ErrNoDraw          = errors.New("no manual drawing in progress")
	ErrReportNotFound  = errors.New("report not found")
)

// NetworkError wraps transport failures, timeouts and non-2xx responses
// from the inference backend.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: backend returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// IsNetworkFailure reports whether err came from talking to the backend.
func IsNetworkFailure(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// PersistenceError wraps failures writing the report list or the report image.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}
