// Package config provides configuration loading and management for araregistration.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config represents the application settings shared by every registration run
type Config struct {
	// Directory and file name conventions
	Paths struct {
		// DownsampleDir is the default base directory of the downsampled data
		DownsampleDir string `yaml:"downsampleDir" toml:"downsampleDir"`

		// ARA2SampleDir is the output directory name for atlas to sample registration
		ARA2SampleDir string `yaml:"ara2sampleDir" toml:"ara2sampleDir"`

		// Sample2ARADir is the output directory name for sample to atlas registration
		Sample2ARADir string `yaml:"sample2araDir" toml:"sample2araDir"`

		// AtlasDir is the directory holding the atlas template volumes
		AtlasDir string `yaml:"atlasDir" toml:"atlasDir"`

		// AtlasTemplate is the template file name relative to AtlasDir.
		// The token {voxel} is replaced by the sample voxel size.
		AtlasTemplate string `yaml:"atlasTemplate" toml:"atlasTemplate"`

		// SparsePointsDir holds exported sparse point files, relative to the sample directory
		SparsePointsDir string `yaml:"sparsePointsDir" toml:"sparsePointsDir"`

		// DownsamplePrefix is the file name prefix of downsampled volumes
		DownsamplePrefix string `yaml:"downsamplePrefix" toml:"downsamplePrefix"`
	} `yaml:"paths" toml:"paths"`

	// Registration parameters
	Registration struct {
		// ElastixParams is the ordered list of elastix parameter files
		ElastixParams []string `yaml:"elastixParams" toml:"elastixParams"`

		// RemoveMovingAndTargetFiles deletes the volumes written for elastix once it finishes
		RemoveMovingAndTargetFiles bool `yaml:"removeMovingAndTargetFiles" toml:"removeMovingAndTargetFiles"`

		// InvertedTransformFile is the name of the persisted inverted transform record
		InvertedTransformFile string `yaml:"invertedTransformFile" toml:"invertedTransformFile"`
	} `yaml:"registration" toml:"registration"`

	// External tool parameters
	Elastix struct {
		ElastixBinary     string `yaml:"elastixBinary" toml:"elastixBinary"`
		TransformixBinary string `yaml:"transformixBinary" toml:"transformixBinary"`

		// Threads is passed as -threads when positive
		Threads int `yaml:"threads" toml:"threads"`

		// TimeoutMinutes bounds each external call; zero means no limit
		TimeoutMinutes int `yaml:"timeoutMinutes" toml:"timeoutMinutes"`
	} `yaml:"elastix" toml:"elastix"`

	// Output parameters
	Output struct {
		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose" toml:"verbose"`

		// LogFile, when set, receives a rotating copy of the log
		LogFile      string `yaml:"logFile" toml:"logFile"`
		MaxLogSizeMB int    `yaml:"maxLogSizeMB" toml:"maxLogSizeMB"`
		MaxLogAgeDay int    `yaml:"maxLogAgeDays" toml:"maxLogAgeDays"`

		// SaveQCImages writes middle slices of each registration result as JPEG
		SaveQCImages bool `yaml:"saveQCImages" toml:"saveQCImages"`
	} `yaml:"output" toml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Paths.DownsampleDir = "."
	cfg.Paths.ARA2SampleDir = "ARA2sample"
	cfg.Paths.Sample2ARADir = "sample2ARA"
	cfg.Paths.AtlasDir = ""
	cfg.Paths.AtlasTemplate = "ARA_{voxel}_micron_mhd/template.mhd"
	cfg.Paths.SparsePointsDir = "sparsePoints"
	cfg.Paths.DownsamplePrefix = "ds"

	// Affine first, then B-spline
	cfg.Registration.ElastixParams = []string{
		filepath.Join("elastix_params", "01_ARA_affine.txt"),
		filepath.Join("elastix_params", "02_ARA_bspline.txt"),
	}
	cfg.Registration.RemoveMovingAndTargetFiles = true
	cfg.Registration.InvertedTransformFile = "invertedTransform.yml"

	cfg.Elastix.ElastixBinary = "elastix"
	cfg.Elastix.TransformixBinary = "transformix"

	cfg.Output.Verbose = true
	cfg.Output.MaxLogSizeMB = 100
	cfg.Output.MaxLogAgeDay = 30

	return cfg
}

// Validate checks the settings for values no run could work with
func (c *Config) Validate() error {
	switch {
	case c.Paths.ARA2SampleDir == "":
		return fmt.Errorf("paths.ara2sampleDir must not be empty")
	case c.Paths.Sample2ARADir == "":
		return fmt.Errorf("paths.sample2araDir must not be empty")
	case c.Paths.ARA2SampleDir == c.Paths.Sample2ARADir:
		return fmt.Errorf("paths.ara2sampleDir and paths.sample2araDir must differ")
	case c.Registration.InvertedTransformFile == "":
		return fmt.Errorf("registration.invertedTransformFile must not be empty")
	case c.Elastix.Threads < 0:
		return fmt.Errorf("elastix.threads must not be negative")
	case c.Elastix.TimeoutMinutes < 0:
		return fmt.Errorf("elastix.timeoutMinutes must not be negative")
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadConfig loads configuration from a YAML or TOML file.
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

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file, or TOML when the path ends in .toml
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
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
