package trainer

import (
	"context"

	"k8s.io/klog/v2"

	"vitforge/internal/checkpoint"
	"vitforge/internal/config"
	"vitforge/internal/dataset"
	"vitforge/internal/device"
	"vitforge/internal/errkind"
	"vitforge/internal/metrics"
	"vitforge/internal/model"
	"vitforge/internal/nn"
	"vitforge/internal/plot"
	"vitforge/internal/tensor"
)

// syntheticSide is the native resolution of synthetic samples, matching
// CIFAR-10.
const syntheticSide = dataset.CIFARSide

// Result describes a finished run.
type Result struct {
	Device  device.Device
	History []metrics.EpochMetrics
	Steps   int
	Weights string
	Plot    string
}

// Pipeline executes one variant end to end: select the device, open and
// subsample the data, build the model and optimizer, train, then write the
// weights and the optional chart. Nothing is written if training fails.
func Pipeline(ctx context.Context, cfg *config.Config) (*Result, error) {
	return pipeline(ctx, cfg, model.NewRegistry(model.DirStore{Dir: cfg.Model.WeightsDir, BaseURL: cfg.Model.WeightsURL}))
}

func pipeline(ctx context.Context, cfg *config.Config, reg *model.Registry) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := device.Select(cfg.Device)
	if err != nil {
		return nil, err
	}
	klog.Infof("variant=%s device=%s threads=%d", cfg.Variant, dev, dev.Threads)

	arch, err := reg.Lookup(cfg.Model.Backbone)
	if err != nil {
		return nil, err
	}
	trainSet, evalSet, err := openSources(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if trainSet, err = dataset.Subsample(trainSet, cfg.Dataset.Stride); err != nil {
		return nil, err
	}
	if evalSet, err = dataset.Subsample(evalSet, cfg.Dataset.Stride); err != nil {
		return nil, err
	}
	klog.Infof("train samples=%d eval samples=%d stride=%d", trainSet.Len(), evalSet.Len(), cfg.Dataset.Stride)

	evalTransform := transformFor(cfg, arch)
	trainTransform := evalTransform
	trainTransform.Flip = cfg.Training.Flip()
	trainLoader := &dataset.Loader{
		Dataset:    trainSet,
		BatchSize:  cfg.Training.BatchSize,
		Shuffle:    true,
		Transform:  trainTransform,
		NumWorkers: cfg.Dataset.NumWorkers,
		Seed:       cfg.Training.Seed,
	}
	evalLoader := &dataset.Loader{
		Dataset:    evalSet,
		BatchSize:  cfg.Training.BatchSize,
		Transform:  evalTransform,
		NumWorkers: cfg.Dataset.NumWorkers,
	}

	m, err := model.New(ctx, reg, cfg.Variant, model.VariantOptions{
		Backbone:   cfg.Model.Backbone,
		NumClasses: cfg.Model.NumClasses,
		HeadHidden: cfg.Model.HeadHidden,
		Dropout:    cfg.Model.Dropout,
		Seed:       cfg.Training.Seed,
	})
	if err != nil {
		return nil, err
	}
	params := m.Params()
	klog.Infof("model params=%d trainable=%d", tensor.Count(params), tensor.Count(tensor.Trainable(params)))

	oc := cfg.Training.Optimizer
	opt, err := nn.NewOptimizer(nn.OptimizerConfig{
		Name:        oc.Name,
		LR:          oc.LR,
		Momentum:    oc.Momentum,
		WeightDecay: oc.WeightDecay,
		Beta1:       oc.Beta1,
		Beta2:       oc.Beta2,
		Eps:         oc.Eps,
	}, params)
	if err != nil {
		return nil, err
	}

	tr := &Trainer{Model: m, Optimizer: opt, ClipNorm: cfg.Training.ClipNorm, LogEvery: cfg.Training.LogEvery}
	history, err := Run(ctx, RunConfig{Trainer: tr, Train: trainLoader, Eval: evalLoader, Epochs: cfg.Training.Epochs})
	if err != nil {
		return nil, err
	}

	res := &Result{Device: dev, History: history.Entries(), Steps: opt.Steps(), Weights: cfg.Output.Weights}
	if err := checkpoint.Save(cfg.Output.Weights, string(cfg.Variant), params); err != nil {
		return nil, err
	}
	klog.Infof("saved weights to %s", cfg.Output.Weights)
	if cfg.Output.Plot != "" {
		if err := plot.SaveHistory(res.History, cfg.Output.Plot); err != nil {
			return nil, err
		}
		res.Plot = cfg.Output.Plot
		klog.Infof("saved metrics chart to %s", cfg.Output.Plot)
	}
	return res, nil
}

func openSources(ctx context.Context, cfg *config.Config) (train, eval dataset.Dataset, err error) {
	d := cfg.Dataset
	switch d.Source {
	case config.SourceCIFAR10:
		opts := dataset.CIFAROptions{Root: d.Root, URL: d.URL, Train: true}
		if train, err = dataset.OpenCIFAR10(ctx, opts); err != nil {
			return nil, nil, err
		}
		opts.Train = false
		if eval, err = dataset.OpenCIFAR10(ctx, opts); err != nil {
			return nil, nil, err
		}
	case config.SourceWebDataset:
		opts := dataset.WebDatasetOptions{Workers: d.NumWorkers, Classes: cfg.Model.NumClasses}
		if train, err = dataset.OpenWebDataset(ctx, d.TrainRoot, opts); err != nil {
			return nil, nil, err
		}
		if eval, err = dataset.OpenWebDataset(ctx, d.EvalRoot, opts); err != nil {
			return nil, nil, err
		}
	case config.SourceSynthetic:
		train = dataset.NewSynthetic(d.SyntheticSize, cfg.Model.NumClasses, syntheticSide)
		eval = dataset.NewSynthetic(d.SyntheticSize, cfg.Model.NumClasses, syntheticSide)
	default:
		return nil, nil, errkind.Configf("unknown dataset source %q", d.Source)
	}
	return train, eval, nil
}

// transformFor resizes to the backbone's input size and normalizes with the
// configured statistics, falling back to the backbone's own.
func transformFor(cfg *config.Config, arch model.Arch) dataset.Transform {
	t := dataset.Transform{Size: arch.ImageSize, Mean: arch.Mean, Std: arch.Std, Seed: cfg.Training.Seed}
	if len(cfg.Training.Mean) == 3 && len(cfg.Training.Std) == 3 {
		copy(t.Mean[:], cfg.Training.Mean)
		copy(t.Std[:], cfg.Training.Std)
	}
	return t
}
