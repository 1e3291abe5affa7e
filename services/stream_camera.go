package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"time"

	"github.com/corona10/goimagehash"
	"github.com/nfnt/resize"
	"github.com/presencepro/tracker/config"
	"github.com/presencepro/tracker/models"
	"golang.org/x/image/draw"
)

// StreamCamera turns the newest picture of a live Feed into a JPEG frame.
// The picture is copied onto an offscreen raster at its native size,
// optionally downscaled, then encoded.
type StreamCamera struct {
	feed        Feed
	maxWidth    int
	quality     int
	staleAfter  time.Duration
	stallFrames int

	mu        sync.Mutex
	raster    *image.RGBA
	lastHash  *goimagehash.ImageHash
	sameCount int
}

func NewStreamCamera(feed Feed, cfg config.StreamSettings) *StreamCamera {
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &StreamCamera{
		feed:        feed,
		maxWidth:    cfg.MaxWidth,
		quality:     quality,
		staleAfter:  cfg.StaleAfter,
		stallFrames: cfg.StallFrames,
	}
}

func (c *StreamCamera) Snapshot(ctx context.Context) (*models.CaptureFrame, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	img, at, ok := c.feed.Latest()
	if !ok {
		return nil, fmt.Errorf("%w: no picture received yet", ErrCaptureUnavailable)
	}
	if c.staleAfter > 0 && time.Since(at) > c.staleAfter {
		return nil, fmt.Errorf("%w: last picture is %s old", ErrCaptureUnavailable, time.Since(at).Round(time.Second))
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: picture has zero dimension", ErrCaptureUnavailable)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	size := image.Rect(0, 0, b.Dx(), b.Dy())
	if c.raster == nil || c.raster.Bounds() != size {
		c.raster = image.NewRGBA(size)
	}
	draw.Draw(c.raster, size, img, b.Min, draw.Src)

	var out image.Image = c.raster
	if c.maxWidth > 0 && b.Dx() > c.maxWidth {
		out = resize.Resize(uint(c.maxWidth), 0, c.raster, resize.Bilinear)
	}

	if err := c.checkStall(out); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, fmt.Errorf("%w: encoding jpeg: %v", ErrCaptureUnavailable, err)
	}
	ob := out.Bounds()
	return &models.CaptureFrame{
		Data:       buf.Bytes(),
		MIMEType:   "image/jpeg",
		Width:      ob.Dx(),
		Height:     ob.Dy(),
		CapturedAt: at,
	}, nil
}

// checkStall reports the feed as unavailable once stallFrames consecutive
// snapshots hash identically.
func (c *StreamCamera) checkStall(img image.Image) error {
	if c.stallFrames <= 0 {
		return nil
	}
	hash, err := goimagehash.PerceptionHash(img)
	if err != nil {
		return nil
	}
	if c.lastHash != nil {
		if dist, err := hash.Distance(c.lastHash); err == nil && dist == 0 {
			c.sameCount++
		} else {
			c.sameCount = 0
		}
	}
	c.lastHash = hash
	if c.sameCount >= c.stallFrames {
		return fmt.Errorf("%w: feed stalled for %d frames", ErrCaptureUnavailable, c.sameCount)
	}
	return nil
}
