package chestxray

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds every hyperparameter of the classifier. The struct is a plain
// value record: construction takes a copy, and the full record, including the
// architectural fields, is persisted into checkpoints.
type Config struct {
	LearningRate   float64   `yaml:"learning_rate"`
	Momentum       float64   `yaml:"momentum"`
	WeightDecay    float64   `yaml:"weight_decay"`
	ClassWeights   []float32 `yaml:"class_weights,omitempty"`
	FreezeBackbone bool      `yaml:"freeze_backbone"`
	TMax           int       `yaml:"t_max"`
	EtaMin         float64   `yaml:"eta_min"`
	InputChannels  int       `yaml:"input_channels"`
	OutFeatures    int       `yaml:"out_features"`
}

// DefaultConfig returns the hyperparameters the classifier trains with out of
// the box: SGD at 1e-3 with 0.9 momentum and 1e-4 weight decay, cosine
// annealing over 10 epochs down to 5e-5, single-channel input, one output
// class.
func DefaultConfig() Config {
	return Config{
		LearningRate:  1e-3,
		Momentum:      0.9,
		WeightDecay:   1e-4,
		TMax:          10,
		EtaMin:        5e-5,
		InputChannels: 1,
		OutFeatures:   1,
	}
}

// LoadConfig reads a YAML config file. Fields left unset take their defaults;
// the result is validated before it is returned.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %v", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %v", err)
	}

	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects hyperparameters the model cannot be built or trained with.
func (c Config) Validate() error {
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	}
	if c.Momentum < 0 {
		return fmt.Errorf("momentum must be non-negative, got %g", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %g", c.WeightDecay)
	}
	if c.TMax <= 0 {
		return fmt.Errorf("t_max must be positive, got %d", c.TMax)
	}
	if c.EtaMin < 0 {
		return fmt.Errorf("eta_min must be non-negative, got %g", c.EtaMin)
	}
	if c.InputChannels <= 0 {
		return fmt.Errorf("input channels must be positive, got %d", c.InputChannels)
	}
	if c.OutFeatures <= 0 {
		return fmt.Errorf("out features must be positive, got %d", c.OutFeatures)
	}
	if c.ClassWeights != nil && len(c.ClassWeights) != c.OutFeatures {
		return fmt.Errorf("class weights count %d does not match %d output classes", len(c.ClassWeights), c.OutFeatures)
	}
	return nil
}

// withDefaults fills zero-valued fields with the defaults. A field whose zero
// value is meaningful (FreezeBackbone, ClassWeights) is left alone.
func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.LearningRate == 0 {
		c.LearningRate = defaults.LearningRate
	}
	if c.Momentum == 0 {
		c.Momentum = defaults.Momentum
	}
	if c.WeightDecay == 0 {
		c.WeightDecay = defaults.WeightDecay
	}
	if c.TMax == 0 {
		c.TMax = defaults.TMax
	}
	if c.EtaMin == 0 {
		c.EtaMin = defaults.EtaMin
	}
	if c.InputChannels == 0 {
		c.InputChannels = defaults.InputChannels
	}
	if c.OutFeatures == 0 {
		c.OutFeatures = defaults.OutFeatures
	}
	return c
}
