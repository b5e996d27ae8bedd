package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// writeConfig writes a YAML document into a temporary directory
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

// TestLoadConfig verifies typed lookups on a loaded file
func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
mri_path: /data/scan
model_path: /tmp/out
model_name: head
threshold: 450
gauss_radius: 1.5
gauss_deviation: "2"
visualize_histogram: true
downsample_cap: 128
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if p, err := cfg.MriPath(); err != nil || p != "/data/scan" {
		t.Errorf("Expected mri_path /data/scan, got %q (%v)", p, err)
	}

	// Integers in YAML are accepted as floats
	if v, err := cfg.Threshold(); err != nil || v != 450 {
		t.Errorf("Expected threshold 450, got %v (%v)", v, err)
	}

	if v, err := cfg.GaussRadius(); err != nil || v != 1.5 {
		t.Errorf("Expected gauss_radius 1.5, got %v (%v)", v, err)
	}

	// Numeric strings are accepted too
	if v, err := cfg.GaussDeviation(); err != nil || v != 2 {
		t.Errorf("Expected gauss_deviation 2, got %v (%v)", v, err)
	}

	if v, err := cfg.VisualizeHistogram(); err != nil || !v {
		t.Errorf("Expected visualize_histogram true, got %v (%v)", v, err)
	}

	if v, err := cfg.DownsampleCap(); err != nil || v != 128 {
		t.Errorf("Expected downsample_cap 128, got %v (%v)", v, err)
	}

	if cfg.Path() != path {
		t.Errorf("Expected path %s, got %s", path, cfg.Path())
	}
}

// TestMissingKey verifies the key-not-found condition is distinguishable
func TestMissingKey(t *testing.T) {
	path := writeConfig(t, "model_name: head\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	_, err = cfg.Threshold()
	if !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
	if errors.Is(err, ErrKeyMalformed) {
		t.Error("Missing key must not be reported as malformed")
	}
}

// TestMalformedKey verifies type mismatches are reported as malformed
func TestMalformedKey(t *testing.T) {
	path := writeConfig(t, `
threshold: high
visualize_histogram: maybe
model_name: 12
downsample_cap: 12.5
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if _, err := cfg.Threshold(); !errors.Is(err, ErrKeyMalformed) {
		t.Errorf("Expected ErrKeyMalformed for threshold, got %v", err)
	}
	if _, err := cfg.VisualizeHistogram(); !errors.Is(err, ErrKeyMalformed) {
		t.Errorf("Expected ErrKeyMalformed for visualize_histogram, got %v", err)
	}
	if _, err := cfg.ModelName(); !errors.Is(err, ErrKeyMalformed) {
		t.Errorf("Expected ErrKeyMalformed for model_name, got %v", err)
	}
	if _, err := cfg.DownsampleCap(); !errors.Is(err, ErrKeyMalformed) {
		t.Errorf("Expected ErrKeyMalformed for downsample_cap, got %v", err)
	}
}

// TestLoadConfigMissingFile verifies a missing file yields an empty store
func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Expected no error for missing file, got %v", err)
	}
	if _, err := cfg.ModelPath(); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Expected ErrKeyNotFound, got %v", err)
	}
}

// TestLoadConfigInvalidYAML verifies parse errors are returned
func TestLoadConfigInvalidYAML(t *testing.T) {
	path := writeConfig(t, "threshold: [1, 2\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("Expected error for invalid YAML")
	}
}

// TestCreateDefaultConfigFile verifies the defaults survive a save/load cycle
func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := CreateDefaultConfigFile(path); err != nil {
		t.Fatalf("Failed to create default config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("Failed to load default config: %v", err)
	}

	for _, key := range []string{KeyThreshold, KeyGaussRadius, KeyGaussDeviation, KeyMorphRadius} {
		if _, err := cfg.Float(key); err != nil {
			t.Errorf("Expected numeric default for %s, got %v", key, err)
		}
	}
	if v, err := cfg.IsoVariant(); err != nil || v != "iso" {
		t.Errorf("Expected iso variant default, got %q (%v)", v, err)
	}
}
