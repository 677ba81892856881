package webmonitor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config defines the runtime configuration for the web monitor server.
type Config struct {
	Addr                string        `yaml:"addr" validate:"required"`
	BackendURL          string        `yaml:"backend_url" validate:"omitempty,url"` // Page URL of the detection backend; empty disables the live view
	AssetsDir           string        `yaml:"assets_dir"`
	BuildAssetsDir      string        `yaml:"build_assets_dir"`
	CategoriesFile      string        `yaml:"categories_file"` // Optional YAML overriding the backend's /config
	ReconnectDelay      time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
	StatusInterval      time.Duration `yaml:"status_interval" validate:"gt=0"`
	MJPEGMaxWidth       int           `yaml:"mjpeg_max_width" validate:"gte=0"`
	JPEGQuality         int           `yaml:"jpeg_quality" validate:"gte=1,lte=100"`
	LiveOverlay         bool          `yaml:"live_overlay"` // Draw boxes server-side; only for backends that send clean frames
	RecordingOutputPath string        `yaml:"recording_output_path" validate:"required"`
	ImportRateLimit     int           `yaml:"import_rate_limit" validate:"gte=1"` // Requests per minute per client IP
	ExportRateLimit     int           `yaml:"export_rate_limit" validate:"gte=1"`
	MaxUploadBytes      int64         `yaml:"max_upload_bytes" validate:"gt=0"`
	TimeZone            string        `yaml:"time_zone"` // IANA name for "Last seen" labels; empty = local
}

// DefaultConfig returns the settings used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:                ":8080",
		BackendURL:          "http://localhost:8000",
		AssetsDir:           filepath.Clean("./web_assets"),
		BuildAssetsDir:      filepath.Clean("./build/web"),
		ReconnectDelay:      3 * time.Second,
		StatusInterval:      2 * time.Second,
		MJPEGMaxWidth:       640,
		JPEGQuality:         80,
		LiveOverlay:         false, // the detection backend burns its own boxes into each frame
		RecordingOutputPath: "./recordings",
		ImportRateLimit:     10,
		ExportRateLimit:     30,
		MaxUploadBytes:      512 << 20,
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Location resolves TimeZone.
func (c Config) Location() (*time.Location, error) {
	if c.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time zone %q: %w", c.TimeZone, err)
	}
	return loc, nil
}

// LoadConfigFile overlays YAML settings onto cfg. Keys that are absent keep
// their current values.
func LoadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays MONITOR_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	str := map[string]*string{
		"MONITOR_ADDR":            &cfg.Addr,
		"MONITOR_BACKEND_URL":     &cfg.BackendURL,
		"MONITOR_ASSETS_DIR":      &cfg.AssetsDir,
		"MONITOR_CATEGORIES_FILE": &cfg.CategoriesFile,
		"MONITOR_RECORDINGS":      &cfg.RecordingOutputPath,
		"MONITOR_TIME_ZONE":       &cfg.TimeZone,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	if v, ok := os.LookupEnv("MONITOR_RECONNECT_DELAY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MONITOR_RECONNECT_DELAY: %w", err)
		}
		cfg.ReconnectDelay = d
	}
	if v, ok := os.LookupEnv("MONITOR_LIVE_OVERLAY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MONITOR_LIVE_OVERLAY: %w", err)
		}
		cfg.LiveOverlay = b
	}
	return nil
}
