// Package config holds the run configuration shared by the training
// pipeline and the command line tool.
package config

import (
	"path/filepath"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"github.com/tsawler/go-metal-transfer/backbone"
	"github.com/tsawler/go-metal-transfer/errors"
	"github.com/tsawler/go-metal-transfer/vision/dataset"
)

// Config describes one transfer learning run. The zero value is not usable,
// start from Default.
type Config struct {
	Classes   []string `yaml:"classes" json:"classes"`
	Backbone  string   `yaml:"backbone" json:"backbone"`
	Trainable bool     `yaml:"trainable" json:"trainable"`

	DatasetRoot string `yaml:"dataset_root" json:"dataset_root"`
	ModelsDir   string `yaml:"models_dir" json:"models_dir"`
	OutputDir   string `yaml:"output_dir" json:"output_dir"`
	WeightsDir  string `yaml:"weights_dir" json:"weights_dir"`
	// ONNXRuntimeLib is the path of the onnxruntime shared library. Empty
	// uses the platform default search path.
	ONNXRuntimeLib string `yaml:"onnxruntime_lib" json:"onnxruntime_lib"`

	ImageSize    int     `yaml:"image_size" json:"image_size"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	BatchSize    int     `yaml:"batch_size" json:"batch_size"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Seed         int64   `yaml:"seed" json:"seed"`
	Patience     int     `yaml:"patience" json:"patience"`

	TestFraction       float64 `yaml:"test_fraction" json:"test_fraction"`
	ValidationFraction float64 `yaml:"validation_fraction" json:"validation_fraction"`
	ExistingPolicy     string  `yaml:"existing_policy" json:"existing_policy"`

	// CheckpointMode is "max" or "min" for the val_accuracy checkpoint monitor.
	CheckpointMode string `yaml:"checkpoint_mode" json:"checkpoint_mode"`

	Workers   int `yaml:"workers" json:"workers"`
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	workers := cpuid.CPU.LogicalCores
	if workers < 1 {
		workers = 1
	}
	return Config{
		Backbone:           backbone.MobileNet.String(),
		DatasetRoot:        "dataset",
		ModelsDir:          "models",
		OutputDir:          ".",
		WeightsDir:         "weights",
		ImageSize:          224,
		Epochs:             30,
		BatchSize:          128,
		LearningRate:       0.001,
		Seed:               42,
		Patience:           3,
		TestFraction:       0.25,
		ValidationFraction: 0.1,
		ExistingPolicy:     dataset.Skip.String(),
		CheckpointMode:     "max",
		Workers:            workers,
		CacheSize:          2048,
	}
}

// LoadFile reads a YAML file on top of Default.
func LoadFile(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	buf, err := afero.ReadFile(fs, path)
	if err != nil {
		return cfg, errors.Wrapf(err, "reading config %s", path)
	}
	if err := yaml.UnmarshalStrict(buf, &cfg); err != nil {
		return cfg, errors.Configuration("file", "%s: %v", path, err)
	}
	return cfg, nil
}

// Validate checks cfg and returns a ConfigurationError describing the first
// problem found.
func (c Config) Validate() error {
	if len(c.Classes) == 0 {
		return errors.Configuration("classes", "at least one class is required")
	}
	seen := make(map[string]bool, len(c.Classes))
	for _, class := range c.Classes {
		switch {
		case strings.TrimSpace(class) == "":
			return errors.Configuration("classes", "empty class label")
		case strings.ContainsAny(class, `/\`) || class == "." || class == "..":
			return errors.Configuration("classes", "%q is not a valid directory name", class)
		case seen[class]:
			return errors.Configuration("classes", "duplicate class %q", class)
		}
		seen[class] = true
	}

	if _, err := backbone.Parse(c.Backbone); err != nil {
		return err
	}
	if _, err := dataset.ParseExistingPolicy(c.ExistingPolicy); err != nil {
		return err
	}

	switch {
	case c.DatasetRoot == "":
		return errors.Configuration("dataset_root", "must be set")
	case c.ModelsDir == "":
		return errors.Configuration("models_dir", "must be set")
	case c.ImageSize < backbone.MinImageSize:
		return errors.Configuration("image_size", "must be at least %d, got %d", backbone.MinImageSize, c.ImageSize)
	case c.Epochs <= 0:
		return errors.Configuration("epochs", "must be positive, got %d", c.Epochs)
	case c.BatchSize <= 0:
		return errors.Configuration("batch_size", "must be positive, got %d", c.BatchSize)
	case c.LearningRate <= 0:
		return errors.Configuration("learning_rate", "must be positive, got %g", c.LearningRate)
	case c.Patience < 0:
		return errors.Configuration("patience", "must not be negative, got %d", c.Patience)
	case c.TestFraction <= 0 || c.TestFraction >= 1:
		return errors.Configuration("test_fraction", "must be in (0, 1), got %g", c.TestFraction)
	case c.ValidationFraction <= 0 || c.ValidationFraction >= 1:
		return errors.Configuration("validation_fraction", "must be in (0, 1), got %g", c.ValidationFraction)
	case c.CheckpointMode != "max" && c.CheckpointMode != "min":
		return errors.Configuration("checkpoint_mode", "must be max or min, got %q", c.CheckpointMode)
	case c.Workers <= 0:
		return errors.Configuration("workers", "must be positive, got %d", c.Workers)
	case c.CacheSize < 0:
		return errors.Configuration("cache_size", "must not be negative, got %d", c.CacheSize)
	}
	return nil
}

// Kind returns the parsed backbone. Call after Validate.
func (c Config) Kind() backbone.Kind {
	kind, _ := backbone.Parse(c.Backbone)
	return kind
}

// Policy returns the parsed existing-partition policy. Call after Validate.
func (c Config) Policy() dataset.ExistingPolicy {
	policy, _ := dataset.ParseExistingPolicy(c.ExistingPolicy)
	return policy
}

// BackboneWeights is the path of the pretrained, top-less backbone in ONNX
// format.
func (c Config) BackboneWeights() string {
	return filepath.Join(c.WeightsDir, c.Kind().String()+"_notop.onnx")
}

// SplitConfig derives the splitter settings.
func (c Config) SplitConfig() dataset.SplitConfig {
	return dataset.SplitConfig{
		Classes:            c.Classes,
		TestFraction:       c.TestFraction,
		ValidationFraction: c.ValidationFraction,
		Seed:               c.Seed,
		Existing:           c.Policy(),
	}
}
