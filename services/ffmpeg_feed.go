package services

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/presencepro/tracker/config"
	"github.com/sirupsen/logrus"
)

// Feed is a live picture source. Latest returns the most recent decoded
// picture and when it arrived; ok is false until the first picture.
type Feed interface {
	Latest() (img image.Image, at time.Time, ok bool)
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

const feedRestartDelay = 2 * time.Second

// FFmpegFeed keeps one ffmpeg process decoding the stream into MJPEG on
// stdout and holds on to the newest picture. The process is restarted if
// it exits while the feed is running.
type FFmpegFeed struct {
	cfg config.StreamSettings
	log *logrus.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	latest   image.Image
	latestAt time.Time

	frames atomic.Uint64
}

func NewFFmpegFeed(cfg config.StreamSettings, log *logrus.Logger) *FFmpegFeed {
	return &FFmpegFeed{cfg: cfg, log: log}
}

// Start spawns ffmpeg. Calling it on a running feed is a no-op.
func (f *FFmpegFeed) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if err := f.spawnLocked(); err != nil {
		return err
	}
	f.running = true
	return nil
}

func (f *FFmpegFeed) spawnLocked() error {
	cmd := exec.Command(f.cfg.FFmpegPath, ffmpegArgs(f.cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting ffmpeg: %w", err)
	}
	f.cmd = cmd
	f.log.WithField("pid", cmd.Process.Pid).Info("Stream decoder started")

	go f.read(stdout)
	go f.reap(cmd)
	return nil
}

// reap waits for the process and restarts it unless the feed was stopped.
func (f *FFmpegFeed) reap(cmd *exec.Cmd) {
	err := cmd.Wait()

	f.mu.Lock()
	if f.cmd == cmd {
		f.cmd = nil
	}
	running := f.running
	f.mu.Unlock()

	if !running {
		return
	}
	f.log.WithError(err).Warn("Stream decoder exited, restarting")
	time.Sleep(feedRestartDelay)

	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running || f.cmd != nil {
		return
	}
	if err := f.spawnLocked(); err != nil {
		f.log.WithError(err).Error("Restarting stream decoder failed")
		f.running = false
	}
}

// Stop kills the ffmpeg process.
func (f *FFmpegFeed) Stop() {
	f.mu.Lock()
	cmd := f.cmd
	f.running = false
	f.cmd = nil
	f.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		f.log.Info("Stream decoder stopped")
	}
}

func (f *FFmpegFeed) Latest() (image.Image, time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return nil, time.Time{}, false
	}
	return f.latest, f.latestAt, true
}

// Frames is the number of pictures decoded so far.
func (f *FFmpegFeed) Frames() uint64 { return f.frames.Load() }

func (f *FFmpegFeed) read(r io.Reader) {
	if err := readMJPEG(r, f.store); err != nil {
		f.log.WithError(err).Debug("Stream decoder output ended")
	}
}

func (f *FFmpegFeed) store(img image.Image) {
	f.mu.Lock()
	f.latest = img
	f.latestAt = time.Now()
	f.mu.Unlock()
	f.frames.Add(1)
}

// readMJPEG splits a concatenated JPEG stream and hands every decodable
// picture to fn. Undecodable pictures are skipped.
func readMJPEG(r io.Reader, fn func(image.Image)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<20), 32<<20)
	sc.Split(splitJPEG)
	for sc.Scan() {
		img, err := jpeg.Decode(bytes.NewReader(sc.Bytes()))
		if err != nil {
			continue
		}
		fn(img)
	}
	return sc.Err()
}

func splitJPEG(data []byte, atEOF bool) (int, []byte, error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin the next marker.
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}
	end := bytes.Index(data[start+2:], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}
	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

func ffmpegArgs(cfg config.StreamSettings) []string {
	var args []string
	if strings.HasPrefix(cfg.URL, "rtsp://") && cfg.RTSPTransport != "" {
		args = append(args, "-rtsp_transport", cfg.RTSPTransport)
	}
	args = append(args, "-i", cfg.URL, "-an")
	if cfg.FPS > 0 {
		args = append(args, "-vf", "fps="+strconv.Itoa(cfg.FPS))
	}
	return append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}
