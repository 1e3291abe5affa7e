package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionParams are the tracker tuning constants sent on session start.
type SessionParams struct {
	DetectInterval  int
	DisappearBuffer int
}

// InferenceClient talks to the remote person/door detection and tracking
// backend. Every call is bounded by its own timeout.
type InferenceClient struct {
	baseURL    string
	httpClient *http.Client
	timeouts   config.BackendSettings
}

func NewInferenceClient(cfg config.BackendSettings) *InferenceClient {
	return &InferenceClient{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		httpClient: &http.Client{},
		timeouts:   cfg,
	}
}

func (c *InferenceClient) BaseURL() string { return c.baseURL }

func (c *InferenceClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, "health check", http.MethodGet, "/health", nil, nil, "", 2*time.Second, nil)
}

// WaitForReady polls the health endpoint until it answers or the timeout passes.
func (c *InferenceClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := c.HealthCheck(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	return fmt.Errorf("inference backend not ready after %s", timeout)
}

// DetectPersons runs single-shot person detection on one frame.
func (c *InferenceClient) DetectPersons(ctx context.Context, frame *models.CaptureFrame) (*models.PersonsResponse, error) {
	var result models.PersonsResponse
	if err := c.postFrame(ctx, "detect persons", "/predict/persons", nil, frame, c.timeouts.DetectTimeout, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// DetectDoors returns door candidates found in one frame.
func (c *InferenceClient) DetectDoors(ctx context.Context, frame *models.CaptureFrame) ([]models.DoorDetection, error) {
	var result models.DoorsResponse
	if err := c.postFrame(ctx, "detect doors", "/predict/doors", nil, frame, c.timeouts.DetectTimeout, &result); err != nil {
		return nil, err
	}
	return result.Doors, nil
}

// StartSession opens a tracking session for the given door and returns its id.
func (c *InferenceClient) StartSession(ctx context.Context, door models.PixelBounds, params SessionParams) (string, error) {
	q := url.Values{}
	q.Set("door_x1", strconv.Itoa(door.X1))
	q.Set("door_y1", strconv.Itoa(door.Y1))
	q.Set("door_x2", strconv.Itoa(door.X2))
	q.Set("door_y2", strconv.Itoa(door.Y2))
	q.Set("detect_interval", strconv.Itoa(params.DetectInterval))
	q.Set("disappear_buffer", strconv.Itoa(params.DisappearBuffer))

	var result models.SessionStartResponse
	if err := c.do(ctx, "start session", http.MethodPost, "/predict/tracking/session/start", q, nil, "", c.timeouts.SessionStartTimeout, &result); err != nil {
		return "", err
	}
	if !result.Success || result.SessionID == "" {
		if result.Message != "" {
			return "", fmt.Errorf("%w: %s", ErrSessionRejected, result.Message)
		}
		return "", ErrSessionRejected
	}
	return result.SessionID, nil
}

// SubmitFrame sends one frame to an open session. A backend that no longer
// knows the session yields ErrSessionExpired.
func (c *InferenceClient) SubmitFrame(ctx context.Context, sessionID string, frame *models.CaptureFrame, forceDetection bool) (*models.FrameResponse, error) {
	q := url.Values{}
	q.Set("session_id", sessionID)
	q.Set("force_detection", strconv.FormatBool(forceDetection))

	var result models.FrameResponse
	err := c.postFrame(ctx, "submit frame", "/predict/tracking/frame", q, frame, c.timeouts.FrameTimeout, &result)
	if err != nil {
		var ne *NetworkError
		if errors.As(err, &ne) && (ne.Status == http.StatusNotFound || ne.Status == http.StatusGone) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionExpired)
		}
		return nil, err
	}
	if result.Success != nil && !*result.Success {
		if isSessionMissing(result.Error) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionExpired)
		}
		return nil, &NetworkError{Op: "submit frame", Err: errors.New(result.Error)}
	}
	return &result, nil
}

// CloseSession deletes the session on the backend.
func (c *InferenceClient) CloseSession(ctx context.Context, sessionID string) error {
	path := "/predict/tracking/session/" + url.PathEscape(sessionID)
	return c.do(ctx, "close session", http.MethodDelete, path, nil, nil, "", c.timeouts.SessionCloseTimeout, nil)
}

func isSessionMissing(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "not found") || strings.Contains(msg, "no encontrada") || strings.Contains(msg, "expired")
}

func (c *InferenceClient) postFrame(ctx context.Context, op, path string, query url.Values,
	frame *models.CaptureFrame, timeout time.Duration, out any) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	mime := frame.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	if err != nil {
		return fmt.Errorf("%s: creating form part: %w", op, err)
	}
	if _, err := part.Write(frame.Data); err != nil {
		return fmt.Errorf("%s: writing form part: %w", op, err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("%s: closing form: %w", op, err)
	}

	return c.do(ctx, op, http.MethodPost, path, query, &body, mw.FormDataContentType(), timeout, out)
}

func (c *InferenceClient) do(ctx context.Context, op, method, path string, query url.Values,
	body io.Reader, contentType string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", bytes.TrimSpace(respBody))}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &NetworkError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return nil
}
