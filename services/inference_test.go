package services

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/models"
)

func newTestClient(url string) *InferenceClient {
	return NewInferenceClient(config.BackendSettings{
		URL:                 url + "/",
		DetectTimeout:       2 * time.Second,
		FrameTimeout:        2 * time.Second,
		SessionStartTimeout: 2 * time.Second,
		SessionCloseTimeout: 500 * time.Millisecond,
	})
}

func TestDetectPersonsSendsMultipart(t *testing.T) {
	frame := testFrame(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict/persons" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile: %v", err)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if len(data) != len(frame.Data) {
			t.Errorf("uploaded %d bytes, want %d", len(data), len(frame.Data))
		}
		if header.Filename != "frame.jpg" || header.Header.Get("Content-Type") != "image/jpeg" {
			t.Errorf("part header = %q %q", header.Filename, header.Header.Get("Content-Type"))
		}
		w.Write([]byte(`{"persons":[{"bbox":[10,20,30,40],"score":0.91},{"bbox":[[1,2,3,4]],"score":0.5},{"bbox":"bad","score":0.1}],"person_count":3}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).DetectPersons(context.Background(), frame)
	if err != nil {
		t.Fatalf("DetectPersons: %v", err)
	}
	if resp.PersonCount != 3 || len(resp.Persons) != 3 {
		t.Fatalf("resp = %+v", resp)
	}
	if !resp.Persons[0].BBox.Valid() || resp.Persons[0].BBox[2] != 30 {
		t.Errorf("flat bbox = %v", resp.Persons[0].BBox)
	}
	if !resp.Persons[1].BBox.Valid() || resp.Persons[1].BBox[3] != 4 {
		t.Errorf("nested bbox = %v", resp.Persons[1].BBox)
	}
	if resp.Persons[2].BBox.Valid() {
		t.Errorf("garbage bbox accepted: %v", resp.Persons[2].BBox)
	}
}

func TestDetectDoors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict/doors" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{"doors":[{"bbox":[0,0,10,10],"score":0.7},{"bbox":[5,5,50,90],"score":0.6}]}`))
	}))
	defer srv.Close()

	doors, err := newTestClient(srv.URL).DetectDoors(context.Background(), testFrame(t))
	if err != nil {
		t.Fatalf("DetectDoors: %v", err)
	}
	region, ok := SelectLargest(doors)
	if !ok || region != (models.DoorRegion{X1: 5, Y1: 5, X2: 50, Y2: 90}) {
		t.Errorf("largest = %+v, %v", region, ok)
	}
}

func TestStartSessionQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict/tracking/session/start" {
			t.Errorf("got %s %s", r.Method, r.URL.Path)
		}
		q := r.URL.Query()
		want := map[string]string{
			"door_x1": "100", "door_y1": "50", "door_x2": "301", "door_y2": "450",
			"detect_interval": "1", "disappear_buffer": "30",
		}
		for k, v := range want {
			if q.Get(k) != v {
				t.Errorf("%s = %q, want %q", k, q.Get(k), v)
			}
		}
		w.Write([]byte(`{"success":true,"session_id":"abc-123"}`))
	}))
	defer srv.Close()

	door := models.DoorRegion{X1: 100.2, Y1: 49.6, X2: 300.5, Y2: 450}
	id, err := newTestClient(srv.URL).StartSession(context.Background(), door.Bounds(),
		SessionParams{DetectInterval: 1, DisappearBuffer: 30})
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("id = %q", id)
	}
}

func TestStartSessionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success":false,"message":"modelo no cargado"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).StartSession(context.Background(), testDoor.Bounds(), SessionParams{})
	if !errors.Is(err, ErrSessionRejected) {
		t.Fatalf("StartSession = %v, want ErrSessionRejected", err)
	}
}

func TestSubmitFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict/tracking/frame" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("session_id") != "s1" || r.URL.Query().Get("force_detection") != "true" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("FormFile: %v", err)
		}
		w.Write([]byte(`{"success":true,"statistics":{"entradas_acumuladas":3,"salidas_acumuladas":1,"personas_dentro_actual":2},
			"current_detections":[{"bbox":[1,2,3,4],"track_id":7,"in_door":true}]}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL).SubmitFrame(context.Background(), "s1", testFrame(t), true)
	if err != nil {
		t.Fatalf("SubmitFrame: %v", err)
	}
	if got := resp.Statistics.Stats(); got != (models.TrackingStats{Entradas: 3, Salidas: 1, PersonasDentro: 2}) {
		t.Errorf("stats = %+v", got)
	}
	d := resp.CurrentDetections[0]
	if d.TrackID == nil || *d.TrackID != 7 || !d.InDoor {
		t.Errorf("detection = %+v", d)
	}
}

func TestSubmitFrameSessionExpired(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"404", http.StatusNotFound, `{"detail":"Sesión no encontrada"}`},
		{"410", http.StatusGone, ``},
		{"success false", http.StatusOK, `{"success":false,"error":"Session not found"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).SubmitFrame(context.Background(), "gone", testFrame(t), false)
			if !errors.Is(err, ErrSessionExpired) {
				t.Fatalf("SubmitFrame = %v, want ErrSessionExpired", err)
			}
		})
	}
}

func TestNetworkFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	_, err := newTestClient(srv.URL).DetectPersons(context.Background(), testFrame(t))
	var ne *NetworkError
	if !errors.As(err, &ne) || ne.Status != http.StatusInternalServerError {
		t.Fatalf("DetectPersons = %v, want NetworkError 500", err)
	}
	srv.Close()

	// Server gone: connection refused.
	_, err = newTestClient(srv.URL).SubmitFrame(context.Background(), "s1", testFrame(t), false)
	if !IsNetworkFailure(err) || errors.Is(err, ErrSessionExpired) {
		t.Fatalf("SubmitFrame = %v, want plain network failure", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewInferenceClient(config.BackendSettings{URL: srv.URL, DetectTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := client.DetectPersons(context.Background(), testFrame(t))
	if !IsNetworkFailure(err) {
		t.Fatalf("DetectPersons = %v, want network failure", err)
	}
	if time.Since(start) > time.Second {
		t.Errorf("timeout took %s", time.Since(start))
	}
}

func TestCloseSession(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	if err := newTestClient(srv.URL).CloseSession(context.Background(), "abc-123"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/predict/tracking/session/abc-123" {
		t.Errorf("got %s %s", gotMethod, gotPath)
	}
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	if err := newTestClient(srv.URL).HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck: %v", err)
	}
}
