package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the recognised engine options.
const (
	DefaultSampleWindow           = 100
	DefaultFilterCutoff           = 2.0
	DefaultAnomalyThreshold       = 0.85
	DefaultBatchWindowMs          = 100
	DefaultBufferCapacity         = 1024
	DefaultKalmanProcessNoise     = 0.1
	DefaultKalmanMeasurementNoise = 0.1
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// EngineConfig is the fixed set of options the engine recognises. Every
// field is optional; the Get* methods return the default for nil fields so a
// partial file is always safe. Unknown fields are rejected by every loader.
type EngineConfig struct {
	SampleWindow           *int     `json:"sample_window,omitempty" yaml:"sample_window,omitempty"`
	FilterCutoff           *float64 `json:"filter_cutoff,omitempty" yaml:"filter_cutoff,omitempty"`
	AnomalyThreshold       *float64 `json:"anomaly_threshold,omitempty" yaml:"anomaly_threshold,omitempty"`
	BatchWindowMs          *int     `json:"batch_window_ms,omitempty" yaml:"batch_window_ms,omitempty"`
	BufferCapacity         *int     `json:"buffer_capacity,omitempty" yaml:"buffer_capacity,omitempty"`
	KalmanProcessNoise     *float64 `json:"kalman_process_noise,omitempty" yaml:"kalman_process_noise,omitempty"`
	KalmanMeasurementNoise *float64 `json:"kalman_measurement_noise,omitempty" yaml:"kalman_measurement_noise,omitempty"`
}

func ptrInt(v int) *int             { return &v }
func ptrFloat64(v float64) *float64 { return &v }

// Default returns a config with every field populated from the defaults.
func Default() *EngineConfig {
	return &EngineConfig{
		SampleWindow:           ptrInt(DefaultSampleWindow),
		FilterCutoff:           ptrFloat64(DefaultFilterCutoff),
		AnomalyThreshold:       ptrFloat64(DefaultAnomalyThreshold),
		BatchWindowMs:          ptrInt(DefaultBatchWindowMs),
		BufferCapacity:         ptrInt(DefaultBufferCapacity),
		KalmanProcessNoise:     ptrFloat64(DefaultKalmanProcessNoise),
		KalmanMeasurementNoise: ptrFloat64(DefaultKalmanMeasurementNoise),
	}
}

// Load reads a config file. The extension selects the format: .json, .yaml
// or .yml.
func Load(path string) (*EngineConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("config file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if ext == ".json" {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseJSON decodes and validates a JSON document.
func ParseJSON(data []byte) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ParseYAML decodes and validates a YAML document.
func ParseYAML(data []byte) (*EngineConfig, error) {
	cfg := &EngineConfig{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromMap builds a config from loosely typed options, as received over an
// API or from a message payload. Keys outside the recognised set are
// rejected.
func FromMap(m map[string]any) (*EngineConfig, error) {
	var unknown []string
	for k := range m {
		if !knownKeys[k] {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown config options: %s", strings.Join(unknown, ", "))
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	return ParseJSON(data)
}

var knownKeys = map[string]bool{
	"sample_window":            true,
	"filter_cutoff":            true,
	"anomaly_threshold":        true,
	"batch_window_ms":          true,
	"buffer_capacity":          true,
	"kalman_process_noise":     true,
	"kalman_measurement_noise": true,
}

// Validate checks every set field against its accepted range.
func (c *EngineConfig) Validate() error {
	if c.SampleWindow != nil && (*c.SampleWindow < 50 || *c.SampleWindow > 500) {
		return fmt.Errorf("sample_window must be between 50 and 500, got %d", *c.SampleWindow)
	}
	if c.FilterCutoff != nil && (*c.FilterCutoff < 0.5 || *c.FilterCutoff > 10.0) {
		return fmt.Errorf("filter_cutoff must be between 0.5 and 10.0, got %f", *c.FilterCutoff)
	}
	if c.AnomalyThreshold != nil && (*c.AnomalyThreshold <= 0 || *c.AnomalyThreshold > 10) {
		return fmt.Errorf("anomaly_threshold must be in (0, 10], got %f", *c.AnomalyThreshold)
	}
	if c.BatchWindowMs != nil && (*c.BatchWindowMs < 1 || *c.BatchWindowMs > 10_000) {
		return fmt.Errorf("batch_window_ms must be between 1 and 10000, got %d", *c.BatchWindowMs)
	}
	if c.BufferCapacity != nil && (*c.BufferCapacity < 1 || *c.BufferCapacity > 1<<20) {
		return fmt.Errorf("buffer_capacity must be between 1 and %d, got %d", 1<<20, *c.BufferCapacity)
	}
	if c.KalmanProcessNoise != nil && *c.KalmanProcessNoise < 0 {
		return fmt.Errorf("kalman_process_noise must be non-negative, got %f", *c.KalmanProcessNoise)
	}
	if c.KalmanMeasurementNoise != nil && *c.KalmanMeasurementNoise <= 0 {
		return fmt.Errorf("kalman_measurement_noise must be positive, got %f", *c.KalmanMeasurementNoise)
	}
	return nil
}

// GetSampleWindow returns sample_window or the default.
func (c *EngineConfig) GetSampleWindow() int {
	if c == nil || c.SampleWindow == nil {
		return DefaultSampleWindow
	}
	return *c.SampleWindow
}

// GetFilterCutoff returns filter_cutoff or the default.
func (c *EngineConfig) GetFilterCutoff() float64 {
	if c == nil || c.FilterCutoff == nil {
		return DefaultFilterCutoff
	}
	return *c.FilterCutoff
}

// GetAnomalyThreshold returns anomaly_threshold or the default.
func (c *EngineConfig) GetAnomalyThreshold() float64 {
	if c == nil || c.AnomalyThreshold == nil {
		return DefaultAnomalyThreshold
	}
	return *c.AnomalyThreshold
}

// GetBatchWindow returns batch_window_ms as a duration.
func (c *EngineConfig) GetBatchWindow() time.Duration {
	if c == nil || c.BatchWindowMs == nil {
		return DefaultBatchWindowMs * time.Millisecond
	}
	return time.Duration(*c.BatchWindowMs) * time.Millisecond
}

// GetBufferCapacity returns buffer_capacity or the default.
func (c *EngineConfig) GetBufferCapacity() int {
	if c == nil || c.BufferCapacity == nil {
		return DefaultBufferCapacity
	}
	return *c.BufferCapacity
}

// GetKalmanProcessNoise returns kalman_process_noise or the default.
func (c *EngineConfig) GetKalmanProcessNoise() float64 {
	if c == nil || c.KalmanProcessNoise == nil {
		return DefaultKalmanProcessNoise
	}
	return *c.KalmanProcessNoise
}

// GetKalmanMeasurementNoise returns kalman_measurement_noise or the default.
func (c *EngineConfig) GetKalmanMeasurementNoise() float64 {
	if c == nil || c.KalmanMeasurementNoise == nil {
		return DefaultKalmanMeasurementNoise
	}
	return *c.KalmanMeasurementNoise
}
