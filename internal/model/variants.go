package model

import (
	"context"
	"math/rand"

	"vitforge/internal/config"
	"vitforge/internal/errkind"
	"vitforge/internal/nn"
	"vitforge/internal/tensor"
)

// StemChannels is the channel count the custom variant's stem expands to.
const StemChannels = 16

// VariantOptions configure New.
type VariantOptions struct {
	Backbone   string
	NumClasses int
	// HeadHidden and Dropout shape the transfer head.
	HeadHidden int
	Dropout    float64
	Seed       int64
}

// New builds the classifier for variant v. Pretrained weights are loaded
// through reg for the minimal and transfer variants.
func New(ctx context.Context, reg *Registry, v config.Variant, opts VariantOptions) (Classifier, error) {
	if opts.NumClasses < 1 || opts.NumClasses > MaxClasses {
		return nil, errkind.Configf("num_classes must be in [1, %d] (got %d)", MaxClasses, opts.NumClasses)
	}
	switch v {
	case config.Minimal:
		return NewMinimal(ctx, reg, opts)
	case config.Transfer:
		return NewTransfer(ctx, reg, opts)
	case config.Custom:
		return NewCustom(ctx, reg, opts)
	default:
		return nil, errkind.Configf("unknown variant %q", v)
	}
}

// Minimal runs a learned 1x1 convolution, initialised to the identity,
// in front of a pretrained backbone. Everything is trainable.
type Minimal struct {
	Preprocess *nn.Conv2d
	Backbone   *ViT
}

func NewMinimal(ctx context.Context, reg *Registry, opts VariantOptions) (*Minimal, error) {
	vit, err := reg.Create(ctx, opts.Backbone, Options{NumClasses: opts.NumClasses, Pretrained: true, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	in := vit.Arch.InChans
	pre := nn.NewConv2d("preprocess", in, in, 1, 1, 0, rand.New(rand.NewSource(opts.Seed+1)))
	pre.InitIdentity()
	return &Minimal{Preprocess: pre, Backbone: vit}, nil
}

func (m *Minimal) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	return m.Backbone.Forward(m.Preprocess.Forward(x, train), train)
}

func (m *Minimal) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return m.Preprocess.Backward(m.Backbone.Backward(grad))
}

func (m *Minimal) Params() []*tensor.Param {
	return append(m.Preprocess.Params(), m.Backbone.Params()...)
}

func (m *Minimal) NumClasses() int { return m.Backbone.NumClasses() }

// Transfer pairs a pretrained feature backbone with a two-layer head. The
// first half of the backbone's blocks is frozen.
type Transfer struct {
	Backbone *ViT
	Head     *nn.Sequential
	classes  int
}

func NewTransfer(ctx context.Context, reg *Registry, opts VariantOptions) (*Transfer, error) {
	if opts.HeadHidden <= 0 {
		return nil, errkind.Configf("transfer head hidden width must be > 0 (got %d)", opts.HeadHidden)
	}
	if opts.Dropout < 0 || opts.Dropout >= 1 {
		return nil, errkind.Configf("dropout must be in [0, 1) (got %g)", opts.Dropout)
	}
	vit, err := reg.Create(ctx, opts.Backbone, Options{Pretrained: true, Seed: opts.Seed})
	if err != nil {
		return nil, err
	}
	FreezeBlocks(vit, len(vit.Blocks())/2)

	rng := rand.New(rand.NewSource(opts.Seed + 1))
	head := nn.NewSequential(
		nn.NewLinear("head.fc1", vit.FeatureDim(), opts.HeadHidden, true, rng),
		&nn.ReLU{},
		nn.NewDropout(opts.Dropout, rng),
		nn.NewLinear("head.fc2", opts.HeadHidden, opts.NumClasses, true, rng),
	)
	return &Transfer{Backbone: vit, Head: head, classes: opts.NumClasses}, nil
}

// FreezeBlocks marks blocks with index < n as not trainable.
func FreezeBlocks(v *ViT, n int) {
	for _, blk := range v.Blocks() {
		if blk.Index < n {
			blk.SetTrainable(false)
		}
	}
}

func (t *Transfer) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	return t.Head.Forward(t.Backbone.Forward(x, train), train)
}

func (t *Transfer) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return t.Backbone.Backward(t.Head.Backward(grad))
}

func (t *Transfer) Params() []*tensor.Param {
	return append(t.Backbone.Params(), t.Head.Params()...)
}

func (t *Transfer) NumClasses() int { return t.classes }

// Custom trains from scratch behind a 3x3 convolution that widens the input
// to StemChannels.
type Custom struct {
	Stem     *nn.Conv2d
	Backbone *ViT
}

func NewCustom(ctx context.Context, reg *Registry, opts VariantOptions) (*Custom, error) {
	vit, err := reg.Create(ctx, opts.Backbone, Options{
		NumClasses: opts.NumClasses,
		InChans:    StemChannels,
		Seed:       opts.Seed,
	})
	if err != nil {
		return nil, err
	}
	stem := nn.NewConv2d("stem", 3, StemChannels, 3, 1, 1, rand.New(rand.NewSource(opts.Seed+1)))
	return &Custom{Stem: stem, Backbone: vit}, nil
}

func (c *Custom) Forward(x *tensor.Tensor, train bool) *tensor.Tensor {
	return c.Backbone.Forward(c.Stem.Forward(x, train), train)
}

func (c *Custom) Backward(grad *tensor.Tensor) *tensor.Tensor {
	return c.Stem.Backward(c.Backbone.Backward(grad))
}

func (c *Custom) Params() []*tensor.Param {
	return append(c.Stem.Params(), c.Backbone.Params()...)
}

func (c *Custom) NumClasses() int { return c.Backbone.NumClasses() }
