// Package config provides configuration loading and management for tilefuse.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"

	"tilefuse/internal/models"
	"tilefuse/pkg/blending"
	"tilefuse/pkg/visualization"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fusion job description
	Fusion struct {
		// Inputs lists the tile sources in ascending stacking-axis order.
		// Each entry is a multi-page TIFF file or a directory of PNG planes.
		Inputs []string `yaml:"inputs"`

		// Ranges holds one [start, end) plane range per input
		Ranges [][2]int `yaml:"ranges"`

		// OutputPath is where the fused multi-page TIFF is written
		OutputPath string `yaml:"outputPath"`
	} `yaml:"fusion"`

	// Blending parameters
	Blending struct {
		// Steepness is the half-width of the sampled sigmoid domain
		Steepness float64 `yaml:"steepness"`

		// SplitDegenerateOverlap splits single-plane overlaps 0.5/0.5
		// instead of rejecting them
		SplitDegenerateOverlap bool `yaml:"splitDegenerateOverlap"`
	} `yaml:"blending"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel processing
		NumCores int `yaml:"numCores"`

		// Streaming accumulates tiles one at a time to bound peak memory
		Streaming bool `yaml:"streaming"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// SaveIntermediaryResults determines whether to save weight curves
		// and sample weighted planes
		SaveIntermediaryResults bool `yaml:"saveIntermediaryResults"`

		// IntermediaryDir is the directory for intermediary results
		IntermediaryDir string `yaml:"intermediaryDir"`

		// ExtractSlices exports the fused volume as x/y/z slice sequences
		ExtractSlices bool `yaml:"extractSlices"`

		// SlicesDir is the directory for extracted slices
		SlicesDir string `yaml:"slicesDir"`

		// SlicesFormat is "png" for 16-bit slices or "jpeg" for 8-bit previews
		SlicesFormat string `yaml:"slicesFormat"`

		// Region selects a subvolume x, y, z, sizeX, sizeY, sizeZ of the
		// fused volume to save as its own TIFF. Empty means no export.
		Region []int `yaml:"region"`

		// RegionPath is where the region TIFF is written
		RegionPath string `yaml:"regionPath"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Fusion.OutputPath = "fused.tif"

	cfg.Blending.Steepness = blending.DefaultSteepness
	cfg.Blending.SplitDegenerateOverlap = false

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.Streaming = false

	cfg.Output.SaveIntermediaryResults = false
	cfg.Output.IntermediaryDir = "intermediary_results"
	cfg.Output.ExtractSlices = false
	cfg.Output.SlicesDir = "fused_slices"
	cfg.Output.SlicesFormat = "png"
	cfg.Output.RegionPath = "region.tif"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

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

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
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

// PositionRanges converts the configured [start, end] pairs to position ranges
func (c *Config) PositionRanges() []models.PositionRange {
	out := make([]models.PositionRange, len(c.Fusion.Ranges))
	for i, r := range c.Fusion.Ranges {
		out[i] = models.PositionRange{Start: r[0], End: r[1]}
	}
	return out
}

// BlendingOptions returns the blending options described by the config
func (c *Config) BlendingOptions() blending.Options {
	return blending.Options{
		Steepness:              c.Blending.Steepness,
		SplitDegenerateOverlap: c.Blending.SplitDegenerateOverlap,
	}
}

// Validate checks that the config describes a runnable fusion job.
// Range layout problems are reported as blending.ErrConfiguration.
func (c *Config) Validate() error {
	if len(c.Fusion.Inputs) == 0 {
		return fmt.Errorf("%w: no input volumes configured", blending.ErrConfiguration)
	}
	if len(c.Fusion.Inputs) != len(c.Fusion.Ranges) {
		return fmt.Errorf("%w: %d inputs but %d ranges", blending.ErrConfiguration,
			len(c.Fusion.Inputs), len(c.Fusion.Ranges))
	}
	if c.Fusion.OutputPath == "" {
		return fmt.Errorf("%w: output path is empty", blending.ErrConfiguration)
	}
	if c.Processing.NumCores < 1 {
		return fmt.Errorf("%w: numCores must be at least 1, got %d", blending.ErrConfiguration,
			c.Processing.NumCores)
	}
	if _, err := visualization.SliceExtension(c.Output.SlicesFormat); err != nil {
		return fmt.Errorf("%w: %v", blending.ErrConfiguration, err)
	}
	if n := len(c.Output.Region); n != 0 {
		if n != 6 {
			return fmt.Errorf("%w: region needs x, y, z, sizeX, sizeY, sizeZ, got %d values",
				blending.ErrConfiguration, n)
		}
		if c.Output.RegionPath == "" {
			return fmt.Errorf("%w: region path is empty", blending.ErrConfiguration)
		}
	}
	return blending.ValidateRanges(c.PositionRanges())
}
