// Package config provides configuration loading and management for cellfinder.
// It handles loading run parameters from YAML files and provides default values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"cellfinder/internal/models"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// VoxelSize is the physical size of a voxel in microns
type VoxelSize struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

// Scale converts the voxel size to a PhysicalScale (z, y, x order)
func (v VoxelSize) Scale() models.PhysicalScale {
	return models.PhysicalScale{Z: v.Z, Y: v.Y, X: v.X}
}

// Config represents the run configuration loaded from YAML
type Config struct {
	// Plane filtering parameters
	Detection struct {
		// SomaDiameter is the expected soma diameter in pixels. Tiles are twice this size.
		SomaDiameter int `yaml:"somaDiameter"`

		// LogSigmaFactor scales the soma diameter into the Laplacian-of-Gaussian sigma.
	// Zero disables the Gaussian blur.
		LogSigmaFactor float64 `yaml:"logSigmaFactor"`

		// ClippingValue is the upper bound intensities are clipped to
		ClippingValue float64 `yaml:"clippingValue"`

		// ThresholdValue is written into pixels marked as foreground
		ThresholdValue float64 `yaml:"thresholdValue"`

		// NSDsAboveMean is the number of standard deviations above the local mean
		// a pixel must exceed to be foreground
		NSDsAboveMean float64 `yaml:"nSDsAboveMean"`

		// AdaptiveWindow is the edge length of the adaptive thresholding window
		AdaptiveWindow int `yaml:"adaptiveWindow"`
	} `yaml:"detection"`

	// Voxel sizes of the data and of the classification network
	Voxel struct {
		Raw     VoxelSize `yaml:"raw"`
		Network VoxelSize `yaml:"network"`
	} `yaml:"voxel"`

	// Classification parameters
	Classification struct {
		// BatchSize is the number of cubes sent to the classifier per call
		BatchSize int `yaml:"batchSize"`

		// Cube dimensions in network voxels
		CubeWidth  int `yaml:"cubeWidth"`
		CubeHeight int `yaml:"cubeHeight"`
		CubeDepth  int `yaml:"cubeDepth"`

		// ProximityDistance is the merge distance in microns. Nil disables merging.
		ProximityDistance *float64 `yaml:"proximityDistance,omitempty"`

		// ModelURL is the prediction endpoint of the classifier
		ModelURL string `yaml:"modelURL"`
	} `yaml:"classification"`

	// Worker pool bounds
	Workers struct {
		// MaxWorkers caps the pool. Each in-flight plane is held in memory.
		MaxWorkers int `yaml:"maxWorkers"`

		// FreeCPUs is the number of cores left unused
		FreeCPUs int `yaml:"freeCPUs"`
	} `yaml:"workers"`

	// Output parameters
	Output struct {
		// SaveCSV writes a CSV copy of the cell list next to the XML
		SaveCSV bool `yaml:"saveCSV"`

		// SaveFilteredPlanes persists the ordered plane stream
		SaveFilteredPlanes bool `yaml:"saveFilteredPlanes"`

		// Database is the SQLite file runs are recorded in. Empty disables recording.
		Database string `yaml:"database"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Detection.SomaDiameter = 16
	cfg.Detection.LogSigmaFactor = 0.2
	cfg.Detection.ClippingValue = 65535
	cfg.Detection.ThresholdValue = 65535
	cfg.Detection.NSDsAboveMean = 10
	cfg.Detection.AdaptiveWindow = 80

	cfg.Voxel.Raw = VoxelSize{X: 1, Y: 1, Z: 5}
	cfg.Voxel.Network = VoxelSize{X: 1, Y: 1, Z: 5}

	cfg.Classification.BatchSize = 32
	cfg.Classification.CubeWidth = 50
	cfg.Classification.CubeHeight = 50
	cfg.Classification.CubeDepth = 20

	// Too many workers doesn't increase speed, and uses huge amounts of RAM
	cfg.Workers.MaxWorkers = 3
	cfg.Workers.FreeCPUs = 2

	cfg.Output.SaveCSV = false
	cfg.Output.SaveFilteredPlanes = true
	cfg.Output.Verbose = true

	return cfg
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	d := c.Detection
	switch {
	case d.SomaDiameter <= 0:
		return fmt.Errorf("%w: somaDiameter must be positive, got %d", ErrInvalidConfig, d.SomaDiameter)
	case d.LogSigmaFactor < 0:
		return fmt.Errorf("%w: logSigmaFactor must not be negative, got %g", ErrInvalidConfig, d.LogSigmaFactor)
	case d.ClippingValue <= 0:
		return fmt.Errorf("%w: clippingValue must be positive, got %g", ErrInvalidConfig, d.ClippingValue)
	case d.AdaptiveWindow <= 0:
		return fmt.Errorf("%w: adaptiveWindow must be positive, got %d", ErrInvalidConfig, d.AdaptiveWindow)
	}

	if err := c.Voxel.Raw.Scale().Validate(); err != nil {
		return fmt.Errorf("%w: raw voxel size: %v", ErrInvalidConfig, err)
	}
	if err := c.Voxel.Network.Scale().Validate(); err != nil {
		return fmt.Errorf("%w: network voxel size: %v", ErrInvalidConfig, err)
	}

	cl := c.Classification
	if cl.BatchSize <= 0 {
		return fmt.Errorf("%w: batchSize must be positive, got %d", ErrInvalidConfig, cl.BatchSize)
	}
	if cl.CubeWidth <= 0 || cl.CubeHeight <= 0 || cl.CubeDepth <= 0 {
		return fmt.Errorf("%w: cube dimensions must be positive, got %dx%dx%d",
			ErrInvalidConfig, cl.CubeWidth, cl.CubeHeight, cl.CubeDepth)
	}
	if cl.ProximityDistance != nil && *cl.ProximityDistance < 0 {
		return fmt.Errorf("%w: proximityDistance must not be negative, got %g", ErrInvalidConfig, *cl.ProximityDistance)
	}

	if c.Workers.MaxWorkers <= 0 {
		return fmt.Errorf("%w: maxWorkers must be positive, got %d", ErrInvalidConfig, c.Workers.MaxWorkers)
	}
	if c.Workers.FreeCPUs < 0 {
		return fmt.Errorf("%w: freeCPUs must not be negative, got %d", ErrInvalidConfig, c.Workers.FreeCPUs)
	}
	return nil
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

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Marshal renders the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("error marshaling config: %w", err)
	}
	return data, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := cfg.Marshal()
	if err != nil {
		return err
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
