package config

// Dataset source names.
const (
	SourceCIFAR10    = "cifar10"
	SourceWebDataset = "webdataset"
	SourceSynthetic  = "synthetic"
)

const (
	// MaxClasses bounds model.num_classes.
	MaxClasses = 1000

	DefaultBackbone = "vit-mini-patch16-224"
	DefaultCIFARURL = "https://www.cs.toronto.edu/~kriz/cifar-10-binary.tar.gz"
	DefaultStride   = 5
)

// CIFAR-10 training-set channel statistics.
var (
	CIFARMean = []float64{0.4914, 0.4822, 0.4465}
	CIFARStd  = []float64{0.2470, 0.2435, 0.2616}
)

// Preset returns the constants that define a variant's recipe. An unknown
// variant falls back to Minimal's recipe with the variant left as given,
// so Validate reports it.
func Preset(v Variant) *Config {
	cfg := &Config{
		Variant: v,
		Device:  "auto",
		Dataset: DatasetConfig{
			Source:        SourceCIFAR10,
			Root:          "data",
			URL:           DefaultCIFARURL,
			Stride:        DefaultStride,
			NumWorkers:    2,
			SyntheticSize: 320,
		},
		Model: ModelConfig{
			Backbone:   DefaultBackbone,
			NumClasses: 10,
			WeightsDir: "weights",
		},
		Training: TrainingConfig{
			Seed:     42,
			LogEvery: 10,
		},
	}
	flip := false
	cfg.Training.RandomFlip = &flip

	switch v {
	case Transfer:
		cfg.Model.HeadHidden = 256
		cfg.Model.Dropout = 0.2
		cfg.Training.Epochs = 5
		cfg.Training.BatchSize = 16
		cfg.Training.Optimizer = OptimizerConfig{Name: "adamw", LR: 1e-4, WeightDecay: 0.05}
		cfg.Training.ClipNorm = 1.0
		flip = true
		cfg.Output.Weights = "vit_transfer.ckpt"
	case Custom:
		cfg.Training.Epochs = 5
		cfg.Training.BatchSize = 32
		cfg.Training.Optimizer = OptimizerConfig{Name: "sgd", LR: 0.01, Momentum: 0.9}
		cfg.Training.Mean = append([]float64(nil), CIFARMean...)
		cfg.Training.Std = append([]float64(nil), CIFARStd...)
		cfg.Output.Weights = "vit_custom.ckpt"
	default:
		cfg.Training.Epochs = 3
		cfg.Training.BatchSize = 32
		cfg.Training.Optimizer = OptimizerConfig{Name: "adam", LR: 1e-4}
		cfg.Output.Weights = "vit_minimal.ckpt"
		cfg.Output.Plot = "vit_minimal_metrics.png"
	}
	return cfg
}
