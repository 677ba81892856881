// Package categories holds the fixed category list (names and colors) that detections
// are classified into, and loads it from the backend's /config endpoint or a YAML file.
package categories

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dj-oyu/chickeye-monitor/internal/logger"
	"github.com/go-playground/validator/v10"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned when names and colors do not form a usable category list.
var ErrInvalidConfig = errors.New("invalid category config")

// defaultPalette matches the backend's built-in CLASS_COLORS.
var defaultPalette = []string{"#ef4444", "#94a3b8", "#3b82f6", "#f59e0b"}

var validate = validator.New()

// Config is the parallel names/colors list; index = category index.
type Config struct {
	Names  []string `json:"names" yaml:"names" validate:"required,min=1,dive,required"`
	Colors []string `json:"colors" yaml:"colors" validate:"required,min=1,dive,hexcolor"`
}

// Default returns the built-in 4-category config used when /config is unavailable.
func Default() Config {
	names := make([]string, len(defaultPalette))
	for i := range names {
		names[i] = fmt.Sprintf("Category %d", i+1)
	}
	colors := make([]string, len(defaultPalette))
	copy(colors, defaultPalette)
	return Config{Names: names, Colors: colors}
}

// Validate checks field constraints and that names and colors are parallel.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if len(c.Names) != len(c.Colors) {
		return fmt.Errorf("%w: %d names but %d colors", ErrInvalidConfig, len(c.Names), len(c.Colors))
	}
	return nil
}

// Len returns the number of categories.
func (c Config) Len() int { return len(c.Names) }

// Name returns the category name, or its index when out of range.
func (c Config) Name(index int) string {
	if index >= 0 && index < len(c.Names) {
		return c.Names[index]
	}
	return strconv.Itoa(index)
}

// Color returns the category color, white when out of range or unparsable.
func (c Config) Color(index int) color.RGBA {
	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	if index < 0 || index >= len(c.Colors) {
		return white
	}
	rgba, err := ParseHexColor(c.Colors[index])
	if err != nil {
		return white
	}
	return rgba
}

// Resolve maps a category name to its index.
func (c Config) Resolve(name string) (int, bool) {
	for i, n := range c.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// ParseHexColor parses "#rgb" or "#rrggbb".
func ParseHexColor(s string) (color.RGBA, error) {
	h := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(h) == 3 {
		h = string([]byte{h[0], h[0], h[1], h[1], h[2], h[2]})
	}
	if len(h) != 6 {
		return color.RGBA{}, fmt.Errorf("bad hex color %q", s)
	}
	v, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("bad hex color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// Fetch retrieves the category config from GET <baseURL>/config.
func Fetch(ctx context.Context, client *http.Client, baseURL string) (Config, error) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	url := strings.TrimRight(baseURL, "/") + "/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Config{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return Config{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Config{}, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", url, err)
	}
	var cfg Config
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(body, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode %s: %w", url, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load fetches the config and falls back to Default on any failure.
func Load(ctx context.Context, client *http.Client, baseURL string) Config {
	cfg, err := Fetch(ctx, client, baseURL)
	if err != nil {
		logger.Warn("Categories", "Using built-in categories: %v", err)
		return Default()
	}
	logger.Info("Categories", "Loaded %d categories from %s", cfg.Len(), baseURL)
	return cfg
}

// LoadFile reads a YAML category file. Both {names, colors} files and YOLO data.yaml
// files (names only, as a list or an index map) are accepted; missing colors are
// taken from the default palette.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var raw struct {
		Names  yaml.Node `yaml:"names"`
		Colors []string  `yaml:"colors"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	names, err := decodeNames(&raw.Names)
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg := Config{Names: names, Colors: raw.Colors}
	if len(cfg.Colors) == 0 {
		cfg.Colors = make([]string, len(names))
		for i := range names {
			cfg.Colors[i] = defaultPalette[i%len(defaultPalette)]
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeNames(node *yaml.Node) ([]string, error) {
	switch node.Kind {
	case yaml.SequenceNode:
		var names []string
		if err := node.Decode(&names); err != nil {
			return nil, err
		}
		return names, nil
	case yaml.MappingNode:
		var byIndex map[int]string
		if err := node.Decode(&byIndex); err != nil {
			return nil, err
		}
		names := make([]string, len(byIndex))
		for i := range names {
			name, ok := byIndex[i]
			if !ok {
				return nil, fmt.Errorf("names map missing index %d", i)
			}
			names[i] = name
		}
		return names, nil
	default:
		return nil, fmt.Errorf("%w: names must be a list or map", ErrInvalidConfig)
	}
}
