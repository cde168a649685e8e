package trainer

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"vitforge/internal/checkpoint"
	"vitforge/internal/config"
	"vitforge/internal/errkind"
	"vitforge/internal/model"
)

var smallArch = model.Arch{
	Name:      "vit-small-test",
	ImageSize: 16,
	Patch:     8,
	Dim:       8,
	Depth:     2,
	Heads:     2,
	MLPRatio:  2,
	InChans:   3,
	Mean:      [3]float64{0.5, 0.5, 0.5},
	Std:       [3]float64{0.5, 0.5, 0.5},
}

func testRegistry(t *testing.T) (*model.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	src := model.NewViT(smallArch, 1000, rand.New(rand.NewSource(5)))
	if err := checkpoint.Save(filepath.Join(dir, smallArch.Name+".ckpt"), "pretrained", src.Params()); err != nil {
		t.Fatalf("save pretrained: %v", err)
	}
	reg := model.NewRegistry(model.DirStore{Dir: dir})
	reg.Register(smallArch)
	return reg, dir
}

func smokeConfig(t *testing.T, v config.Variant, weightsDir string) *config.Config {
	t.Helper()
	out := t.TempDir()
	cfg := config.Preset(v)
	cfg.Dataset.Source = config.SourceSynthetic
	cfg.Dataset.SyntheticSize = 40
	cfg.Model.Backbone = smallArch.Name
	cfg.Model.WeightsDir = weightsDir
	cfg.Training.Epochs = 2
	cfg.Training.BatchSize = 4
	cfg.Output.Weights = filepath.Join(out, cfg.Output.Weights)
	if cfg.Output.Plot != "" {
		cfg.Output.Plot = filepath.Join(out, cfg.Output.Plot)
	}
	return cfg
}

func TestPipelineRunsEveryVariant(t *testing.T) {
	reg, dir := testRegistry(t)
	for _, v := range config.Variants {
		cfg := smokeConfig(t, v, dir)
		res, err := pipeline(context.Background(), cfg, reg)
		if err != nil {
			t.Fatalf("%s: pipeline: %v", v, err)
		}
		// 40 synthetic samples at stride 5 leave 8, i.e. 2 batches of 4.
		if res.Steps != 4 || len(res.History) != 2 {
			t.Fatalf("%s: steps=%d epochs=%d", v, res.Steps, len(res.History))
		}

		saved, err := checkpoint.Load(res.Weights)
		if err != nil {
			t.Fatalf("%s: load weights: %v", v, err)
		}
		if saved.Variant != string(v) {
			t.Fatalf("%s: checkpoint variant %q", v, saved.Variant)
		}
		fresh, err := model.New(context.Background(), reg, v, model.VariantOptions{
			Backbone:   smallArch.Name,
			NumClasses: cfg.Model.NumClasses,
			HeadHidden: cfg.Model.HeadHidden,
			Dropout:    cfg.Model.Dropout,
		})
		if err != nil {
			t.Fatalf("%s: rebuild: %v", v, err)
		}
		loaded, err := saved.Apply(fresh.Params(), checkpoint.ApplyOptions{})
		if err != nil || loaded != len(fresh.Params()) {
			t.Fatalf("%s: applied %d/%d params: %v", v, loaded, len(fresh.Params()), err)
		}

		if cfg.Output.Plot != "" {
			if _, err := os.Stat(res.Plot); err != nil {
				t.Fatalf("%s: plot missing: %v", v, err)
			}
		} else if res.Plot != "" {
			t.Fatalf("%s: unexpected plot %s", v, res.Plot)
		}
	}
}

func TestPipelineTransferLeavesFrozenBlocksUntouched(t *testing.T) {
	reg, dir := testRegistry(t)
	cfg := smokeConfig(t, config.Transfer, dir)
	cfg.Training.Epochs = 1
	res, err := pipeline(context.Background(), cfg, reg)
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	trained, err := checkpoint.Load(res.Weights)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	pretrained, err := checkpoint.Load(filepath.Join(dir, smallArch.Name+".ckpt"))
	if err != nil {
		t.Fatalf("load pretrained: %v", err)
	}
	// Depth 2 freezes block 0 only.
	for _, name := range []string{"blocks.0.attn.qkv.weight", "blocks.0.norm1.bias"} {
		a, _ := trained.Lookup(name)
		b, _ := pretrained.Lookup(name)
		if !a.Equal(b) {
			t.Fatalf("frozen %s changed during training", name)
		}
	}
	a, _ := trained.Lookup("blocks.1.attn.qkv.weight")
	b, _ := pretrained.Lookup("blocks.1.attn.qkv.weight")
	if a.Equal(b) {
		t.Fatalf("trainable block 1 did not change")
	}
}

func TestPipelineFailsBeforeWritingWeights(t *testing.T) {
	reg, dir := testRegistry(t)
	empty := model.NewRegistry(model.DirStore{Dir: t.TempDir()})
	empty.Register(smallArch)
	cases := map[string]struct {
		reg    *model.Registry
		mutate func(*config.Config)
		kind   error
	}{
		"gpu device":      {reg, func(c *config.Config) { c.Device = "cuda" }, errkind.ErrConfiguration},
		"unknown model":   {reg, func(c *config.Config) { c.Model.Backbone = "vit-huge" }, errkind.ErrConfiguration},
		"missing weights": {empty, func(c *config.Config) {}, errkind.ErrResource},
		"missing source": {reg, func(c *config.Config) {
			c.Dataset.Source = config.SourceCIFAR10
			c.Dataset.Root = t.TempDir()
			c.Dataset.URL = ""
		}, errkind.ErrResource},
	}
	for name, tc := range cases {
		cfg := smokeConfig(t, config.Minimal, dir)
		tc.mutate(cfg)
		if _, err := pipeline(context.Background(), cfg, tc.reg); !errors.Is(err, tc.kind) {
			t.Fatalf("%s: got %v want %v", name, err, tc.kind)
		}
		if _, err := os.Stat(cfg.Output.Weights); !os.IsNotExist(err) {
			t.Fatalf("%s: weights written despite failure", name)
		}
	}
}

func TestPipelineCancelled(t *testing.T) {
	reg, dir := testRegistry(t)
	cfg := smokeConfig(t, config.Custom, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pipeline(ctx, cfg, reg); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(cfg.Output.Weights); !os.IsNotExist(err) {
		t.Fatalf("cancelled run wrote weights")
	}
}

func TestTransformUsesConfiguredStats(t *testing.T) {
	cfg := config.Preset(config.Custom)
	tf := transformFor(cfg, smallArch)
	if tf.Size != 16 || tf.Mean[0] != config.CIFARMean[0] || tf.Std[2] != config.CIFARStd[2] {
		t.Fatalf("custom transform %+v", tf)
	}
	tf = transformFor(config.Preset(config.Minimal), smallArch)
	if tf.Mean != smallArch.Mean || tf.Std != smallArch.Std {
		t.Fatalf("minimal transform %+v", tf)
	}
}
