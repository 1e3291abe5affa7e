package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type AppSettings struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gt=0,lt=65536"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level" validate:"oneof=trace debug info warn warning error"`
	LogFile  string `yaml:"log_file"`
}

// BackendSettings locate the inference backend and bound each call type.
type BackendSettings struct {
	URL                 string        `yaml:"url" validate:"required,url"`
	DetectTimeout       time.Duration `yaml:"detect_timeout" validate:"gt=0"`
	FrameTimeout        time.Duration `yaml:"frame_timeout" validate:"gt=0"`
	SessionStartTimeout time.Duration `yaml:"session_start_timeout" validate:"gt=0"`
	SessionCloseTimeout time.Duration `yaml:"session_close_timeout" validate:"gt=0"`
}

type DeviceSettings struct {
	Host        string `yaml:"host"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Channel     int    `yaml:"channel"`
	Scheme      string `yaml:"scheme" validate:"omitempty,oneof=http https"`
	InsecureTLS bool   `yaml:"insecure_tls"`
}

type StreamSettings struct {
	URL           string        `yaml:"url"`
	FFmpegPath    string        `yaml:"ffmpeg_path"`
	RTSPTransport string        `yaml:"rtsp_transport"`
	FPS           int           `yaml:"fps"`
	MaxWidth      int           `yaml:"max_width"`
	JPEGQuality   int           `yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	StallFrames   int           `yaml:"stall_frames" validate:"gte=0"`
}

type DirectorySettings struct {
	Path string `yaml:"path"`
}

// CaptureSettings select the capture backend once at startup.
type CaptureSettings struct {
	Backend   string            `yaml:"backend" validate:"oneof=device stream directory"`
	Timeout   time.Duration     `yaml:"timeout" validate:"gt=0"`
	Device    DeviceSettings    `yaml:"device"`
	Stream    StreamSettings    `yaml:"stream"`
	Directory DirectorySettings `yaml:"directory"`
}

type RedisSettings struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type StorageSettings struct {
	Backend   string        `yaml:"backend" validate:"oneof=file sqlite redis"`
	Key       string        `yaml:"key" validate:"required"`
	FileDir   string        `yaml:"file_dir"`
	DBPath    string        `yaml:"db_path"`
	ImagesDir string        `yaml:"images_dir"`
	Redis     RedisSettings `yaml:"redis"`
}

type DetectionSettings struct {
	Interval time.Duration `yaml:"interval" validate:"gt=0"`
}

// ForceDetectionSettings choose how the force_detection hint is set per frame.
// Modes: always, never, every (every N frames), rate (at most RatePerSecond).
type ForceDetectionSettings struct {
	Mode          string  `yaml:"mode" validate:"oneof=always never every rate"`
	Every         int     `yaml:"every" validate:"gte=0"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
}

type OverlaySettings struct {
	DetectionColor string `yaml:"detection_color"`
	InDoorColor    string `yaml:"in_door_color"`
	OutDoorColor   string `yaml:"out_door_color"`
}

type TrackingSettings struct {
	FrameInterval      time.Duration          `yaml:"frame_interval" validate:"gt=0"`
	DetectInterval     int                    `yaml:"detect_interval" validate:"gt=0"`
	DisappearBuffer    int                    `yaml:"disappear_buffer" validate:"gt=0"`
	MaxCaptureFailures int                    `yaml:"max_capture_failures" validate:"gt=0"`
	ForceDetection     ForceDetectionSettings `yaml:"force_detection"`
}

type AppConfig struct {
	App       AppSettings       `yaml:"app"`
	Backend   BackendSettings   `yaml:"backend"`
	Capture   CaptureSettings   `yaml:"capture"`
	Storage   StorageSettings   `yaml:"storage"`
	Detection DetectionSettings `yaml:"detection"`
	Tracking  TrackingSettings  `yaml:"tracking"`
	Overlay   OverlaySettings   `yaml:"overlay"`
}

// ReportsKey is the fixed key the report list is stored under.
const ReportsKey = "@reports_data"

// LoadConfig reads and parses two YAML files (app config and tracking config),
// merges them into a single AppConfig, applies PRESENCE_* environment
// overrides and validates the result. A missing tracking file is allowed.
func LoadConfig(appYaml, trackingYaml string) (*AppConfig, error) {
	cfg := &AppConfig{}

	if err := loadYAML(appYaml, cfg); err != nil {
		return nil, fmt.Errorf("loading %s: %w", appYaml, err)
	}

	if err := loadYAML(trackingYaml, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading %s: %w", trackingYaml, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *AppConfig) {
	if cfg.App.Host == "" {
		cfg.App.Host = "127.0.0.1"
	}
	if cfg.App.Port == 0 {
		cfg.App.Port = 8090
	}
	if cfg.App.DataDir == "" {
		cfg.App.DataDir = "data"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}

	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://192.168.1.68:8000"
	}
	if cfg.Backend.DetectTimeout == 0 {
		cfg.Backend.DetectTimeout = 10 * time.Second
	}
	if cfg.Backend.FrameTimeout == 0 {
		cfg.Backend.FrameTimeout = 5 * time.Second
	}
	if cfg.Backend.SessionStartTimeout == 0 {
		cfg.Backend.SessionStartTimeout = 10 * time.Second
	}
	if cfg.Backend.SessionCloseTimeout == 0 {
		cfg.Backend.SessionCloseTimeout = 1500 * time.Millisecond
	}

	if cfg.Capture.Backend == "" {
		cfg.Capture.Backend = "stream"
	}
	if cfg.Capture.Timeout == 0 {
		cfg.Capture.Timeout = 5 * time.Second
	}
	if cfg.Capture.Device.Channel == 0 {
		cfg.Capture.Device.Channel = 1
	}
	if cfg.Capture.Device.Scheme == "" {
		cfg.Capture.Device.Scheme = "https"
	}
	if cfg.Capture.Stream.FFmpegPath == "" {
		cfg.Capture.Stream.FFmpegPath = "ffmpeg"
	}
	if cfg.Capture.Stream.FPS == 0 {
		cfg.Capture.Stream.FPS = 5
	}
	if cfg.Capture.Stream.JPEGQuality == 0 {
		cfg.Capture.Stream.JPEGQuality = 85
	}
	if cfg.Capture.Stream.StaleAfter == 0 {
		cfg.Capture.Stream.StaleAfter = 5 * time.Second
	}
	if cfg.Capture.Directory.Path == "" {
		cfg.Capture.Directory.Path = "data/replay"
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "sqlite"
	}
	if cfg.Storage.Key == "" {
		cfg.Storage.Key = ReportsKey
	}
	if cfg.Storage.FileDir == "" {
		cfg.Storage.FileDir = "data/store"
	}
	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = "data/presence.db"
	}
	if cfg.Storage.ImagesDir == "" {
		cfg.Storage.ImagesDir = "data/frames"
	}
	if cfg.Storage.Redis.Addr == "" {
		cfg.Storage.Redis.Addr = "localhost:6379"
	}

	if cfg.Detection.Interval == 0 {
		cfg.Detection.Interval = 2000 * time.Millisecond
	}

	if cfg.Tracking.FrameInterval == 0 {
		cfg.Tracking.FrameInterval = 1000 * time.Millisecond
	}
	if cfg.Tracking.DetectInterval == 0 {
		cfg.Tracking.DetectInterval = 1
	}
	if cfg.Tracking.DisappearBuffer == 0 {
		cfg.Tracking.DisappearBuffer = 30
	}
	if cfg.Tracking.MaxCaptureFailures == 0 {
		cfg.Tracking.MaxCaptureFailures = 5
	}
	if cfg.Tracking.ForceDetection.Mode == "" {
		cfg.Tracking.ForceDetection.Mode = "always"
	}
	if cfg.Tracking.ForceDetection.Every == 0 {
		cfg.Tracking.ForceDetection.Every = 3
	}
	if cfg.Tracking.ForceDetection.RatePerSecond == 0 {
		cfg.Tracking.ForceDetection.RatePerSecond = 1
	}

	if cfg.Overlay.DetectionColor == "" {
		cfg.Overlay.DetectionColor = "#00E5FF"
	}
	if cfg.Overlay.InDoorColor == "" {
		cfg.Overlay.InDoorColor = "#34C759"
	}
	if cfg.Overlay.OutDoorColor == "" {
		cfg.Overlay.OutDoorColor = "#FF3B30"
	}
}

// Validate checks the struct tags of the whole configuration.
func Validate(cfg *AppConfig) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func applyEnv(cfg *AppConfig) error {
	if v := os.Getenv("PRESENCE_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("PRESENCE_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("PRESENCE_CAPTURE_BACKEND"); v != "" {
		cfg.Capture.Backend = v
	}
	if v := os.Getenv("PRESENCE_STREAM_URL"); v != "" {
		cfg.Capture.Stream.URL = v
	}
	if v := os.Getenv("PRESENCE_DEVICE_PASSWORD"); v != "" {
		cfg.Capture.Device.Password = v
	}
	if v := os.Getenv("PRESENCE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("PRESENCE_REDIS_ADDR"); v != "" {
		cfg.Storage.Redis.Addr = v
	}
	if v := os.Getenv("PRESENCE_REDIS_PASSWORD"); v != "" {
		cfg.Storage.Redis.Password = v
	}
	if v := os.Getenv("PRESENCE_REDIS_DB"); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_REDIS_DB: %w", err)
		}
		cfg.Storage.Redis.DB = db
	}
	if v := os.Getenv("PRESENCE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PRESENCE_PORT: %w", err)
		}
		cfg.App.Port = port
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}
