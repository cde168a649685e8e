package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"vitforge/internal/config"
	"vitforge/internal/errkind"
	"vitforge/internal/trainer"
)

func main() {
	klog.InitFlags(nil)
	cfgPath := flag.String("config", "", "Path to YAML config; empty uses the variant preset")
	variant := flag.String("variant", "minimal", "Recipe when no config is given: minimal, transfer or custom. minimal and transfer need <weights_dir>/<backbone>.ckpt or model.weights_url; custom trains from scratch")
	device := flag.String("device", "", "Override compute device (auto, cpu)")
	source := flag.String("source", "", "Override dataset source (cifar10, webdataset, synthetic)")
	dataRoot := flag.String("data-root", "", "Override CIFAR-10 cache directory")
	epochs := flag.Int("epochs", 0, "Override number of epochs")
	batchSize := flag.Int("batch-size", 0, "Override batch size")
	numWorkers := flag.Int("num-workers", 0, "Override number of data loader workers")
	seed := flag.Int64("seed", 0, "Override PRNG seed")
	logEvery := flag.Int("log-every", 0, "Log every N steps")
	out := flag.String("out", "", "Override weights output path")

	flag.Parse()
	defer klog.Flush()

	cfg, err := loadConfig(*cfgPath, *variant)
	if err != nil {
		fail("failed to load config", err)
	}

	cfg.ApplyOverrides(config.Overrides{
		Device:     *device,
		Source:     *source,
		DataRoot:   *dataRoot,
		Epochs:     *epochs,
		BatchSize:  *batchSize,
		NumWorkers: *numWorkers,
		Seed:       *seed,
		LogEvery:   *logEvery,
		Weights:    *out,
	})

	if err := cfg.Validate(); err != nil {
		fail("invalid config", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := trainer.Pipeline(ctx, cfg)
	if err != nil {
		fail("training failed", err)
	}
	last := res.History[len(res.History)-1]
	klog.Infof("done variant=%s epochs=%d steps=%d final_loss=%.4f final_accuracy=%.2f%% weights=%s",
		cfg.Variant, len(res.History), res.Steps, last.TrainLoss, last.Accuracy, res.Weights)
}

func loadConfig(path, variant string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	v, err := config.ParseVariant(variant)
	if err != nil {
		return nil, err
	}
	return config.Preset(v), nil
}

// fail logs err with its kind and exits non-zero. Cancellation exits 130.
func fail(msg string, err error) {
	code := 1
	if errors.Is(err, context.Canceled) {
		code = 130
	}
	klog.ErrorS(err, msg, "kind", kindName(err))
	klog.FlushAndExit(klog.ExitFlushTimeout, code)
}

func kindName(err error) string {
	switch errkind.Kind(err) {
	case errkind.ErrConfiguration:
		return "configuration"
	case errkind.ErrResource:
		return "resource"
	case errkind.ErrNumerical:
		return "numerical"
	default:
		return "other"
	}
}
