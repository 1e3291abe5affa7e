package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/models"
	"github.com/sirupsen/logrus"
)

// Capturer produces one still frame from the active camera. A failure that
// may clear up on the next attempt is reported as ErrCaptureUnavailable.
type Capturer interface {
	Snapshot(ctx context.Context) (*models.CaptureFrame, error)
}

// NewCapturer selects the capture backend once from configuration. The
// returned stop function releases the backend.
func NewCapturer(cfg config.CaptureSettings, log *logrus.Logger) (Capturer, func(), error) {
	switch cfg.Backend {
	case "device":
		if cfg.Device.Host == "" {
			return nil, nil, fmt.Errorf("capture.device.host is required")
		}
		cam := NewDeviceCamera(cfg.Device, cfg.Timeout)
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
		if err := cam.Ping(ctx); err != nil {
			log.WithError(err).WithField("host", cfg.Device.Host).Warn("Camera not reachable yet")
		}
		cancel()
		log.WithField("host", cfg.Device.Host).Info("Using device camera snapshots")
		return cam, func() {}, nil
	case "stream":
		if cfg.Stream.URL == "" {
			return nil, nil, fmt.Errorf("capture.stream.url is required")
		}
		feed := NewFFmpegFeed(cfg.Stream, log)
		if err := feed.Start(); err != nil {
			return nil, nil, err
		}
		log.WithField("url", redactURL(cfg.Stream.URL)).Info("Using live stream capture")
		return NewStreamCamera(feed, cfg.Stream), feed.Stop, nil
	case "directory":
		cam, err := NewDirectoryCamera(cfg.Directory.Path)
		if err != nil {
			return nil, nil, err
		}
		log.WithField("path", cfg.Directory.Path).Info("Replaying frames from directory")
		return cam, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown capture backend %q", cfg.Backend)
}

// FrameFromImage wraps already-encoded image bytes, reading dimensions from
// the header.
func FrameFromImage(data []byte) (*models.CaptureFrame, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image header: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image has zero dimension")
	}
	return &models.CaptureFrame{
		Data:       data,
		MIMEType:   "image/" + format,
		Width:      cfg.Width,
		Height:     cfg.Height,
		CapturedAt: time.Now(),
	}, nil
}

// DirectoryCamera replays the JPEG files of a directory in name order,
// wrapping around at the end.
type DirectoryCamera struct {
	dir string

	mu    sync.Mutex
	files []string
	next  int
}

func NewDirectoryCamera(dir string) (*DirectoryCamera, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading frames directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".jpg" || ext == ".jpeg" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return &DirectoryCamera{dir: dir, files: files}, nil
}

func (c *DirectoryCamera) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.files)
}

func (c *DirectoryCamera) Snapshot(ctx context.Context) (*models.CaptureFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	c.mu.Lock()
	if len(c.files) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: no frames in %s", ErrCaptureUnavailable, c.dir)
	}
	path := c.files[c.next]
	c.next = (c.next + 1) % len(c.files)
	c.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	frame, err := FrameFromImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, filepath.Base(path), err)
	}
	return frame, nil
}

func redactURL(raw string) string {
	at := strings.LastIndexByte(raw, '@')
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
