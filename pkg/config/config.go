// Package config provides configuration loading and lookup for dicomsurface.
// The configuration is a flat YAML mapping read once at startup and consulted
// by key; callers decide what to do when a key is absent or malformed.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Configuration keys
const (
	KeyMriPath            = "mri_path"
	KeyModelPath          = "model_path"
	KeyModelName          = "model_name"
	KeyModelFormat        = "model_format"
	KeyThreshold          = "threshold"
	KeyGaussRadius        = "gauss_radius"
	KeyGaussDeviation     = "gauss_deviation"
	KeyMorphRadius        = "morph_radius"
	KeyVisualizeHistogram = "visualize_histogram"
	KeyIsoVariant         = "iso_variant"
	KeyDownsampleCap      = "downsample_cap"
	KeyLogLevel           = "log_level"
)

var (
	// ErrKeyNotFound is returned when a key is absent from the configuration
	ErrKeyNotFound = errors.New("config key not found")

	// ErrKeyMalformed is returned when a key holds a value of the wrong type
	ErrKeyMalformed = errors.New("config key malformed")
)

// Config is a read-only key/value view of the configuration file
type Config struct {
	path   string
	values map[string]interface{}
}

// New builds a Config from already decoded values
func New(values map[string]interface{}) *Config {
	cfg := &Config{values: make(map[string]interface{}, len(values))}
	for k, v := range values {
		cfg.values[k] = v
	}
	return cfg
}

// DefaultConfig returns a configuration holding the documented defaults
func DefaultConfig() *Config {
	return New(map[string]interface{}{
		KeyMriPath:            "",
		KeyModelPath:          ".",
		KeyModelName:          "model",
		KeyModelFormat:        "stl",
		KeyThreshold:          100.0,
		KeyGaussRadius:        1.5,
		KeyGaussDeviation:     1.0,
		KeyMorphRadius:        1.0,
		KeyVisualizeHistogram: false,
		KeyIsoVariant:         "iso",
		KeyDownsampleCap:      255,
		KeyLogLevel:           "info",
	})
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns an empty configuration so that every
// lookup reports ErrKeyNotFound and callers fall back to their defaults.
func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return &Config{path: configPath, values: map[string]interface{}{}}, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	values := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	cfg := New(values)
	cfg.path = configPath
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg.values)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

// Path returns the file the configuration was loaded from, if any
func (c *Config) Path() string {
	return c.path
}

// Has reports whether key is present
func (c *Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Set overrides a value, used for command-line flags
func (c *Config) Set(key string, value interface{}) {
	c.values[key] = value
}

func (c *Config) lookup(key string) (interface{}, error) {
	v, ok := c.values[key]
	if !ok || v == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Float returns a numeric value. Integers and numeric strings are accepted.
func (c *Config) Float(key string) (float64, error) {
	v, err := c.lookup(key)
	if err != nil {
		return 0, err
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint64:
		f = float64(n)
	case string:
		parsed, perr := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if perr != nil {
			return 0, fmt.Errorf("%w: %s: %q is not a number", ErrKeyMalformed, key, n)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %s: %T is not a number", ErrKeyMalformed, key, v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s: %v is not finite", ErrKeyMalformed, key, f)
	}
	return f, nil
}

// Int returns an integral value
func (c *Config) Int(key string) (int, error) {
	f, err := c.Float(key)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: %s: %v is not an integer", ErrKeyMalformed, key, f)
	}
	return int(f), nil
}

// String returns a string value
func (c *Config) String(key string) (string, error) {
	v, err := c.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s: %T is not a string", ErrKeyMalformed, key, v)
	}
	return s, nil
}

// Bool returns a boolean value
func (c *Config) Bool(key string) (bool, error) {
	v, err := c.lookup(key)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, perr := strconv.ParseBool(strings.TrimSpace(b))
		if perr != nil {
			return false, fmt.Errorf("%w: %s: %q is not a boolean", ErrKeyMalformed, key, b)
		}
		return parsed, nil
	}
	return false, fmt.Errorf("%w: %s: %T is not a boolean", ErrKeyMalformed, key, v)
}

// MriPath is the scan directory
func (c *Config) MriPath() (string, error) { return c.String(KeyMriPath) }

// ModelPath is the directory meshes are saved into
func (c *Config) ModelPath() (string, error) { return c.String(KeyModelPath) }

// ModelName is the base file name of saved meshes
func (c *Config) ModelName() (string, error) { return c.String(KeyModelName) }

// ModelFormat selects the mesh file format
func (c *Config) ModelFormat() (string, error) { return c.String(KeyModelFormat) }

// Threshold is the default extraction threshold
func (c *Config) Threshold() (float64, error) { return c.Float(KeyThreshold) }

// GaussRadius is the default smoothing radius factor
func (c *Config) GaussRadius() (float64, error) { return c.Float(KeyGaussRadius) }

// GaussDeviation is the default smoothing standard deviation
func (c *Config) GaussDeviation() (float64, error) { return c.Float(KeyGaussDeviation) }

// MorphRadius is the default morphological kernel size
func (c *Config) MorphRadius() (float64, error) { return c.Float(KeyMorphRadius) }

// VisualizeHistogram enables writing the histogram plot
func (c *Config) VisualizeHistogram() (bool, error) { return c.Bool(KeyVisualizeHistogram) }

// IsoVariant names the iso-value strategy
func (c *Config) IsoVariant() (string, error) { return c.String(KeyIsoVariant) }

// DownsampleCap is the largest allowed volume dimension
func (c *Config) DownsampleCap() (int, error) { return c.Int(KeyDownsampleCap) }

// LogLevel is the zerolog level name
func (c *Config) LogLevel() (string, error) { return c.String(KeyLogLevel) }
