package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"vitforge/internal/errkind"
)

// Variant selects one of the three model/training recipes.
type Variant string

const (
	Minimal  Variant = "minimal"
	Transfer Variant = "transfer"
	Custom   Variant = "custom"
)

// Variants lists every supported variant.
var Variants = []Variant{Minimal, Transfer, Custom}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Variants {
		if v == known {
			return v, nil
		}
	}
	return "", errkind.Configf("unknown variant %q (want minimal, transfer or custom)", s)
}

// Config captures the runtime knobs for a training run.
type Config struct {
	Variant  Variant        `yaml:"variant"`
	Device   string         `yaml:"device"`
	Dataset  DatasetConfig  `yaml:"dataset"`
	Model    ModelConfig    `yaml:"model"`
	Training TrainingConfig `yaml:"training"`
	Output   OutputConfig   `yaml:"output"`
}

// DatasetConfig describes where samples come from and how they are read.
type DatasetConfig struct {
	// Source is cifar10, webdataset or synthetic.
	Source string `yaml:"source"`
	// Root is the cifar10 cache directory.
	Root string `yaml:"root"`
	URL  string `yaml:"url"`
	// TrainRoot and EvalRoot hold shard-NNNNNN.tar files for webdataset.
	TrainRoot     string `yaml:"train_root"`
	EvalRoot      string `yaml:"eval_root"`
	Stride        int    `yaml:"stride"`
	NumWorkers    int    `yaml:"num_workers"`
	SyntheticSize int    `yaml:"synthetic_size"`
}

// ModelConfig selects the backbone and head.
type ModelConfig struct {
	Backbone   string  `yaml:"backbone"`
	NumClasses int     `yaml:"num_classes"`
	WeightsDir string  `yaml:"weights_dir"`
	WeightsURL string  `yaml:"weights_url"`
	HeadHidden int     `yaml:"head_hidden"`
	Dropout    float64 `yaml:"dropout"`
}

// OptimizerConfig selects the update rule.
type OptimizerConfig struct {
	Name        string  `yaml:"name"`
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	WeightDecay float64 `yaml:"weight_decay"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Eps         float64 `yaml:"eps"`
}

// TrainingConfig holds the loop constants.
type TrainingConfig struct {
	Epochs     int             `yaml:"epochs"`
	BatchSize  int             `yaml:"batch_size"`
	Optimizer  OptimizerConfig `yaml:"optimizer"`
	ClipNorm   float64         `yaml:"clip_norm"`
	RandomFlip *bool           `yaml:"random_flip"`
	// Mean and Std are per-channel normalization statistics. When empty
	// the backbone's own statistics are used.
	Mean     []float64 `yaml:"mean"`
	Std      []float64 `yaml:"std"`
	Seed     int64     `yaml:"seed"`
	LogEvery int       `yaml:"log_every"`
}

// OutputConfig names the artifacts a run produces.
type OutputConfig struct {
	Weights string `yaml:"weights"`
	// Plot is the PNG path for the metrics chart; empty disables it.
	Plot string `yaml:"plot"`
}

// Overrides captures CLI supplied values.
type Overrides struct {
	Device     string
	Source     string
	DataRoot   string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	LogEvery   int
	Weights    string
}

// Load reads a Config from YAML. Keys absent from the file keep the
// values of the preset for the file's variant.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errkind.Configf("open config: %v", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Parse decodes YAML from r on top of the matching preset.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, errkind.Configf("read config: %v", err)
	}

	var head struct {
		Variant string `yaml:"variant"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return nil, errkind.Configf("%v", err)
	}
	variant := Minimal
	if head.Variant != "" {
		if variant, err = ParseVariant(head.Variant); err != nil {
			return nil, err
		}
	}

	cfg := Preset(variant)
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errkind.Configf("%v", err)
	}
	cfg.Variant = variant
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Device != "" {
		c.Device = o.Device
	}
	if o.Source != "" {
		c.Dataset.Source = o.Source
	}
	if o.DataRoot != "" {
		c.Dataset.Root = o.DataRoot
	}
	if o.Epochs > 0 {
		c.Training.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.Training.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.Dataset.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Training.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.Training.LogEvery = o.LogEvery
	}
	if o.Weights != "" {
		c.Output.Weights = o.Weights
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errkind.Configf("config is nil")
	}
	if _, err := ParseVariant(string(c.Variant)); err != nil {
		return err
	}
	switch c.Dataset.Source {
	case SourceCIFAR10:
		if c.Dataset.Root == "" {
			return errkind.Configf("dataset.root must be set for cifar10")
		}
	case SourceWebDataset:
		if c.Dataset.TrainRoot == "" || c.Dataset.EvalRoot == "" {
			return errkind.Configf("dataset.train_root and dataset.eval_root must both be set for webdataset")
		}
	case SourceSynthetic:
		if c.Dataset.SyntheticSize <= 0 {
			return errkind.Configf("dataset.synthetic_size must be > 0 (got %d)", c.Dataset.SyntheticSize)
		}
	default:
		return errkind.Configf("unknown dataset.source %q", c.Dataset.Source)
	}
	if c.Dataset.Stride <= 0 {
		return errkind.Configf("dataset.stride must be > 0 (got %d)", c.Dataset.Stride)
	}
	if c.Dataset.NumWorkers <= 0 {
		return errkind.Configf("dataset.num_workers must be > 0 (got %d)", c.Dataset.NumWorkers)
	}
	if c.Model.Backbone == "" {
		return errkind.Configf("model.backbone must be set")
	}
	if c.Model.NumClasses <= 0 || c.Model.NumClasses > MaxClasses {
		return errkind.Configf("model.num_classes must be in [1, %d] (got %d)", MaxClasses, c.Model.NumClasses)
	}
	if c.Model.Dropout < 0 || c.Model.Dropout >= 1 {
		return errkind.Configf("model.dropout must be in [0, 1) (got %g)", c.Model.Dropout)
	}
	if c.Training.Epochs <= 0 {
		return errkind.Configf("training.epochs must be > 0 (got %d)", c.Training.Epochs)
	}
	if c.Training.BatchSize <= 0 {
		return errkind.Configf("training.batch_size must be > 0 (got %d)", c.Training.BatchSize)
	}
	if c.Training.Optimizer.LR <= 0 {
		return errkind.Configf("training.optimizer.lr must be > 0 (got %g)", c.Training.Optimizer.LR)
	}
	switch strings.ToLower(c.Training.Optimizer.Name) {
	case "sgd", "adam", "adamw":
	default:
		return errkind.Configf("unknown training.optimizer.name %q", c.Training.Optimizer.Name)
	}
	if c.Training.ClipNorm < 0 {
		return errkind.Configf("training.clip_norm must be >= 0 (got %g)", c.Training.ClipNorm)
	}
	if err := validateStats(c.Training.Mean, c.Training.Std); err != nil {
		return err
	}
	if c.Training.LogEvery <= 0 {
		c.Training.LogEvery = 50
	}
	if c.Output.Weights == "" {
		return errkind.Configf("output.weights must be set")
	}
	return nil
}

func validateStats(mean, std []float64) error {
	if len(mean) == 0 && len(std) == 0 {
		return nil
	}
	if len(mean) != 3 || len(std) != 3 {
		return errkind.Configf("training.mean and training.std need one value per channel (got %d and %d)", len(mean), len(std))
	}
	for i, s := range std {
		if s <= 0 {
			return errkind.Configf("training.std[%d] must be > 0 (got %g)", i, s)
		}
	}
	return nil
}

// Flip reports whether random horizontal flips apply to training batches.
func (t TrainingConfig) Flip() bool {
	return t.RandomFlip != nil && *t.RandomFlip
}
