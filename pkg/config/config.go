// Package config provides configuration loading and management for brainreg.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"brainreg/pkg/affine"
	"brainreg/pkg/regerr"
)

// Predictor kinds understood by the deformation adapter factory.
const (
	PredictorIdentity = "identity"
	PredictorCommand  = "command"
	PredictorStatic   = "static"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters
	Processing struct {
		// Threads is the number of goroutines used for interpolation; -1 uses all cores
		Threads int `yaml:"threads"`

		// AffineOnly skips the nonlinear stage
		AffineOnly bool `yaml:"affineOnly"`

		// Autocrop crops background before segmentation
		Autocrop bool `yaml:"autocrop"`

		// Crop is a fixed center crop of the segmentation input; it replaces autocrop
		Crop []int `yaml:"crop,omitempty"`

		// MinLandmarkVoxels is the voxel count a label must exceed to become a landmark
		MinLandmarkVoxels int `yaml:"minLandmarkVoxels"`

		// NLevels sets the padding multiple (2^NLevels) of the segmentation input
		NLevels int `yaml:"nLevels"`

		// MinPad is the smallest padded extent of the segmentation input
		MinPad int `yaml:"minPad"`

		// SpacingTolerance is the accepted deviation from 1 mm before resampling
		SpacingTolerance float64 `yaml:"spacingTolerance"`

		// RescalePercentiles are the lower and upper clipping percentiles
		RescalePercentiles []float64 `yaml:"rescalePercentiles"`
	} `yaml:"processing"`

	// Atlas geometry and landmarks
	Atlas AtlasConfig `yaml:"atlas"`

	// Segmentation service
	Segmentation struct {
		// Labels is the posterior vocabulary, one entry per channel
		Labels []int `yaml:"labels"`

		// Command is the executable run for segmentation; empty disables it
		Command []string `yaml:"command,omitempty"`
	} `yaml:"segmentation"`

	// Deformation predictor
	Predictor struct {
		// Kind is one of identity, command or static
		Kind string `yaml:"kind"`

		// Command is the executable run by the command predictor
		Command []string `yaml:"command,omitempty"`

		// ForwardField and BackwardField are .npy fields used by the static predictor
		ForwardField  string `yaml:"forwardField"`
		BackwardField string `yaml:"backwardField"`
	} `yaml:"predictor"`

	// Batch execution
	Batch struct {
		// Jobs is the number of pairs processed concurrently
		Jobs int `yaml:"jobs"`

		// Timeout bounds a single pair; zero disables it
		Timeout time.Duration `yaml:"timeout"`

		// MetricsFile receives Prometheus text metrics when set
		MetricsFile string `yaml:"metricsFile"`
	} `yaml:"batch"`

	// Output parameters
	Output struct {
		// QCDir receives PNG mid-slice previews when set
		QCDir string `yaml:"qcDir"`

		// Verbose enables debug logging
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// AtlasConfig describes the canonical space in which landmarks are matched
// and the deformation is predicted.
type AtlasConfig struct {
	// Shape is the voxel grid of the atlas
	Shape []int `yaml:"shape"`

	// Affine is the 4x4 voxel-to-world matrix, row-major
	Affine [][]float64 `yaml:"affine"`

	// Labels are the landmark labels
	Labels []int `yaml:"labels"`

	// Centroids holds 3 rows (x, y, z) of world coordinates, one column per label
	Centroids [][]float64 `yaml:"centroids"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.Threads = -1
	cfg.Processing.AffineOnly = false
	cfg.Processing.Autocrop = false
	cfg.Processing.MinLandmarkVoxels = 50
	cfg.Processing.NLevels = 5
	cfg.Processing.MinPad = 128
	cfg.Processing.SpacingTolerance = 0.05
	cfg.Processing.RescalePercentiles = []float64{0.5, 99.5}

	// Set default atlas
	cfg.Atlas = DefaultAtlas()

	// Segmentation vocabulary: background plus every landmark label
	cfg.Segmentation.Labels = append([]int{0}, AtlasLabels...)

	cfg.Predictor.Kind = PredictorIdentity

	cfg.Batch.Jobs = 1

	cfg.Output.Verbose = false

	return cfg
}

// DefaultAtlas returns a copy of the bundled atlas constants.
func DefaultAtlas() AtlasConfig {
	a := AtlasConfig{
		Shape:  append([]int(nil), AtlasShape[:]...),
		Labels: append([]int(nil), AtlasLabels...),
	}
	for _, row := range AtlasAffine {
		a.Affine = append(a.Affine, append([]float64(nil), row...))
	}
	for _, row := range AtlasCentroids {
		a.Centroids = append(a.Centroids, append([]float64(nil), row...))
	}
	return a
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
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
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Workers resolves Processing.Threads into a goroutine count.
func (c *Config) Workers() int {
	if c.Processing.Threads <= 0 {
		return runtime.NumCPU()
	}
	return c.Processing.Threads
}

// Validate checks the values a run cannot proceed without.
func (c *Config) Validate() error {
	if c.Processing.Threads == 0 || c.Processing.Threads < -1 {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("threads must be positive or -1, got %d", c.Processing.Threads)}
	}
	if c.Processing.NLevels < 0 {
		return &regerr.ConfigurationError{Reason: "nLevels must not be negative"}
	}
	if cr := c.Processing.Crop; len(cr) > 0 && (len(cr) != 3 || min(cr[0], cr[1], cr[2]) < 1) {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("crop must be three positive extents, got %v", cr)}
	}
	if c.Processing.MinLandmarkVoxels < 0 {
		return &regerr.ConfigurationError{Reason: "minLandmarkVoxels must not be negative"}
	}
	if p := c.Processing.RescalePercentiles; len(p) != 2 || p[0] < 0 || p[1] > 100 || p[0] >= p[1] {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("rescalePercentiles must be two increasing values in [0, 100], got %v", p)}
	}
	if len(c.Segmentation.Labels) == 0 {
		return &regerr.ConfigurationError{Reason: "segmentation label vocabulary is empty"}
	}
	if c.Batch.Jobs < 1 {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("jobs must be at least 1, got %d", c.Batch.Jobs)}
	}
	switch c.Predictor.Kind {
	case PredictorIdentity:
	case PredictorCommand:
		if len(c.Predictor.Command) == 0 {
			return &regerr.ConfigurationError{Reason: "command predictor needs a command"}
		}
	case PredictorStatic:
		if c.Predictor.ForwardField == "" || c.Predictor.BackwardField == "" {
			return &regerr.ConfigurationError{Reason: "static predictor needs forwardField and backwardField"}
		}
	default:
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("unknown predictor kind %q", c.Predictor.Kind)}
	}
	return c.Atlas.Validate()
}

// Validate checks the atlas tables for consistent sizes.
func (a AtlasConfig) Validate() error {
	if len(a.Shape) != 3 {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas shape must have 3 entries, got %d", len(a.Shape))}
	}
	for _, n := range a.Shape {
		if n <= 0 {
			return &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas shape %v has a non-positive extent", a.Shape)}
		}
	}
	t, err := a.Transform()
	if err != nil {
		return err
	}
	if _, err := affine.Invert(t); err != nil {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas affine: %v", err)}
	}
	if len(a.Centroids) != 3 {
		return &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas centroids must have 3 rows, got %d", len(a.Centroids))}
	}
	for r, row := range a.Centroids {
		if len(row) != len(a.Labels) {
			return &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas centroid row %d has %d entries for %d labels", r, len(row), len(a.Labels))}
		}
	}
	return nil
}

// Transform returns the atlas affine as a transform.
func (a AtlasConfig) Transform() (affine.Transform, error) {
	t, err := affine.FromRows(a.Affine)
	if err != nil {
		return t, &regerr.ConfigurationError{Reason: fmt.Sprintf("atlas affine: %v", err)}
	}
	return t, nil
}

// Grid returns the atlas shape as a fixed-size array. It assumes Validate
// has passed.
func (a AtlasConfig) Grid() [3]int {
	return [3]int{a.Shape[0], a.Shape[1], a.Shape[2]}
}

// CentroidTable returns the centroid rows as a fixed-size array. It assumes
// Validate has passed.
func (a AtlasConfig) CentroidTable() [3][]float64 {
	return [3][]float64{a.Centroids[0], a.Centroids[1], a.Centroids[2]}
}
